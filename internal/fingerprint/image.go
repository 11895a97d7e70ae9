package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// MaxPixels bounds the declared dimensions of an accepted image.
const MaxPixels = 40_000_000

// Sniff reports the image format of data without decoding the pixels.
// Images declaring more than MaxPixels are rejected with ErrImageTooLarge.
func Sniff(data []byte) (string, error) {
	_, format, err := decodeConfig(data)
	return format, err
}

func decodeConfig(data []byte) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", fmt.Errorf("%w: %dx%d", ErrUnsupportedImage, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return image.Config{}, "", fmt.Errorf("%w: %dx%d %s", ErrImageTooLarge, cfg.Width, cfg.Height, format)
	}
	return cfg, format, nil
}
