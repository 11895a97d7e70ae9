//go:build dlib

package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/Kagami/go-face"
	"go.uber.org/zap"
)

// ErrExtractorClosed is returned by Extract after Close.
var ErrExtractorClosed = errors.New("dlib extractor is closed")

// DlibExtractor computes 128-d face descriptors in process with dlib.
// The recogniser is not safe for concurrent use, so calls are serialised.
type DlibExtractor struct {
	mu     sync.Mutex
	rec    *face.Recognizer
	logger *zap.Logger
}

// NewDlibExtractor loads the dlib models from modelsDir.
func NewDlibExtractor(modelsDir string, logger *zap.Logger) (*DlibExtractor, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("error creating recognizer: %w", err)
	}
	return &DlibExtractor{rec: rec, logger: logger.Named("dlib_extractor")}, nil
}

// Extract returns the descriptor of the first detected face.
func (e *DlibExtractor) Extract(ctx context.Context, image []byte) (Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jpegData, err := toJPEG(image)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.rec == nil {
		e.mu.Unlock()
		return nil, ErrExtractorClosed
	}
	faces, err := e.rec.Recognize(jpegData)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("error recognizing image: %w", err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFace
	}
	if len(faces) > 1 {
		e.logger.Debug("multiple faces detected, using the first", zap.Int("faces", len(faces)))
	}

	descriptor := faces[0].Descriptor
	out := make(Fingerprint, len(descriptor))
	for i, v := range descriptor {
		out[i] = float64(v)
	}
	return out, nil
}

// Close releases the dlib models.
func (e *DlibExtractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		e.rec.Close()
		e.rec = nil
	}
	return nil
}

// toJPEG re-encodes data as JPEG unless it already is one. The declared
// dimensions are checked before any pixels are decoded.
func toJPEG(data []byte) ([]byte, error) {
	if _, _, err := decodeConfig(data); err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if format == "jpeg" {
		return data, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
