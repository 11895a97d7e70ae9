// Package fingerprint turns an uploaded photo into the numeric face
// fingerprint sent to the registration backend.
//
// Exactly one Extractor implementation is compiled in. The default build talks
// to a face-analysis sidecar over HTTP; building with -tags dlib embeds the
// dlib recogniser through github.com/Kagami/go-face instead.
package fingerprint

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoFace is returned when the analysis reports zero faces.
	ErrNoFace = errors.New("no face detected")
	// ErrInvalidDataURL is returned when the image field cannot be decoded.
	ErrInvalidDataURL = errors.New("invalid image data")
	// ErrUnsupportedImage is returned for bytes that are not a known image format.
	ErrUnsupportedImage = errors.New("unsupported image format")
	// ErrImageTooLarge is returned for images declaring more than MaxPixels.
	ErrImageTooLarge = errors.New("image dimensions too large")
	// ErrDimensionMismatch is returned when an embedding has an unexpected length.
	ErrDimensionMismatch = errors.New("unexpected fingerprint dimension")
)

// Fingerprint is an ordered vector derived from a single face.
type Fingerprint []float64

// Extractor produces a Fingerprint for the first face found in an image.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (Fingerprint, error)
}

// Landmark is one point of a facial landmark mesh.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FlattenLandmarks lays a mesh out as all x, then all y, then all z
// coordinates, giving a vector of length 3*len(points).
func FlattenLandmarks(points []Landmark) Fingerprint {
	n := len(points)
	out := make(Fingerprint, 3*n)
	for i, p := range points {
		out[i] = p.X
		out[n+i] = p.Y
		out[2*n+i] = p.Z
	}
	return out
}

// DecodeDataURL returns the bytes encoded after the first comma of a data URL
// such as "data:image/jpeg;base64,<payload>".
func DecodeDataURL(dataURL string) ([]byte, error) {
	_, payload, found := strings.Cut(dataURL, ",")
	if !found {
		return nil, fmt.Errorf("%w: missing ',' before base64 payload", ErrInvalidDataURL)
	}
	payload = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, payload)
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("%w: empty base64 payload", ErrInvalidDataURL)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return data, nil
}
