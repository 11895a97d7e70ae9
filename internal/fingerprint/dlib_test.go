//go:build dlib

package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"go.uber.org/zap"
)

func newTestDlibExtractor(t *testing.T) *DlibExtractor {
	t.Helper()
	modelsDir := os.Getenv("MODELS_DIR")
	if modelsDir == "" {
		t.Skip("MODELS_DIR not set")
	}
	if _, err := os.Stat(modelsDir); err != nil {
		t.Skipf("models not available: %v", err)
	}
	extractor, err := NewDlibExtractor(modelsDir, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create extractor: %v", err)
	}
	t.Cleanup(func() { extractor.Close() })
	return extractor
}

func TestToJPEGConvertsPNG(t *testing.T) {
	converted, err := toJPEG(solidPNG(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	format, err := Sniff(converted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != "jpeg" {
		t.Fatalf("expected jpeg, got %s", format)
	}

	again, err := toJPEG(converted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(again, converted) {
		t.Fatal("expected jpeg input to be returned unchanged")
	}
}

func TestToJPEGRejectsOversizedDimensions(t *testing.T) {
	if _, err := toJPEG([]byte("GIF89a\xff\xff\xff\xff\x00\x00\x00")); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
}

func TestDlibExtractorBlankImageHasNoFace(t *testing.T) {
	extractor := newTestDlibExtractor(t)

	if _, err := extractor.Extract(context.Background(), solidPNG(t)); !errors.Is(err, ErrNoFace) {
		t.Fatalf("expected ErrNoFace, got %v", err)
	}
}

// FACE_IMAGE points at a photo with at least one face; the first one wins.
func TestDlibExtractorFirstFaceIsDeterministic(t *testing.T) {
	extractor := newTestDlibExtractor(t)
	path := os.Getenv("FACE_IMAGE")
	if path == "" {
		t.Skip("FACE_IMAGE not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read image: %v", err)
	}

	first, err := extractor.Extract(context.Background(), data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 128 {
		t.Fatalf("expected 128 values, got %d", len(first))
	}
	second, err := extractor.Extract(context.Background(), data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range first {
		if math.Float64bits(first[i]) != math.Float64bits(second[i]) {
			t.Fatalf("fingerprint differs at %d", i)
		}
	}
}

func TestDlibExtractorAfterClose(t *testing.T) {
	extractor := newTestDlibExtractor(t)
	if err := extractor.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if _, err := extractor.Extract(context.Background(), solidPNG(t)); !errors.Is(err, ErrExtractorClosed) {
		t.Fatalf("expected ErrExtractorClosed, got %v", err)
	}
}
