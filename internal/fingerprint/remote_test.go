package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-relay/internal/config"
)

func sidecar(t *testing.T, status int, resp any) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/encode" {
			http.NotFound(w, r)
			return
		}
		if _, err := io.ReadAll(r.Body); err != nil {
			t.Errorf("failed to read body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func vector(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) / 100
	}
	return out
}

func newTestExtractor(t *testing.T, url, strategy string, dimension int) *RemoteExtractor {
	t.Helper()
	extractor, err := NewRemoteExtractor(url, strategy, dimension, nil, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create extractor: %v", err)
	}
	return extractor
}

func TestRemoteExtractorUsesFirstEmbedding(t *testing.T) {
	first := vector(128)
	second := vector(128)
	second[0] = 42
	srv, calls := sidecar(t, http.StatusOK, map[string]any{
		"faces": []map[string]any{{"loc": []int{1, 2, 3, 4}, "vec": first}, {"vec": second}},
	})
	extractor := newTestExtractor(t, srv.URL, config.StrategyEmbedding, 128)

	got, err := extractor.Extract(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 128 {
		t.Fatalf("expected 128 values, got %d", len(got))
	}
	if got[0] != first[0] || got[127] != first[127] {
		t.Fatal("expected the first face to win")
	}

	again, err := extractor.Extract(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range got {
		if got[i] != again[i] {
			t.Fatalf("fingerprint differs at %d", i)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 sidecar calls, got %d", calls.Load())
	}
}

func TestRemoteExtractorLandmarkStrategy(t *testing.T) {
	srv, _ := sidecar(t, http.StatusOK, map[string]any{
		"faces": []map[string]any{{"landmarks": []Landmark{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}, {X: 7, Y: 8, Z: 9}}}},
	})
	extractor := newTestExtractor(t, srv.URL, config.StrategyLandmarks, 0)

	got, err := extractor.Extract(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 9 {
		t.Fatalf("expected 9 values, got %d", len(got))
	}
	if got[0] != 1 || got[3] != 2 || got[8] != 9 {
		t.Fatalf("unexpected layout %v", got)
	}
}

func TestRemoteExtractorNoFace(t *testing.T) {
	srv, _ := sidecar(t, http.StatusOK, map[string]any{"faces": []any{}})
	extractor := newTestExtractor(t, srv.URL, config.StrategyEmbedding, 128)

	if _, err := extractor.Extract(context.Background(), []byte("blank")); !errors.Is(err, ErrNoFace) {
		t.Fatalf("expected ErrNoFace, got %v", err)
	}
}

func TestRemoteExtractorRejectsWrongDimension(t *testing.T) {
	srv, _ := sidecar(t, http.StatusOK, map[string]any{"faces": []map[string]any{{"vec": vector(64)}}})
	extractor := newTestExtractor(t, srv.URL, config.StrategyEmbedding, 128)

	if _, err := extractor.Extract(context.Background(), []byte("image")); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestRemoteExtractorSurfacesSidecarFailures(t *testing.T) {
	srv, _ := sidecar(t, http.StatusInternalServerError, map[string]string{"error": "model crashed"})
	extractor := newTestExtractor(t, srv.URL, config.StrategyEmbedding, 128)

	_, err := extractor.Extract(context.Background(), []byte("image"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if errors.Is(err, ErrNoFace) {
		t.Fatal("a sidecar failure must not be reported as no face")
	}

	srv, _ = sidecar(t, http.StatusOK, map[string]string{"error": "cannot decode"})
	extractor = newTestExtractor(t, srv.URL, config.StrategyEmbedding, 128)
	if _, err := extractor.Extract(context.Background(), []byte("image")); err == nil || errors.Is(err, ErrNoFace) {
		t.Fatalf("expected sidecar error, got %v", err)
	}
}

func TestNewRemoteExtractorRejectsUnknownStrategy(t *testing.T) {
	if _, err := NewRemoteExtractor("http://localhost", "pixels", 0, nil, time.Second, zap.NewNop()); err == nil {
		t.Fatal("expected error for raw pixel strategy")
	}
}

func TestRemoteExtractorIsBitIdenticalAcrossCalls(t *testing.T) {
	vec := make([]float64, 128)
	for i := range vec {
		vec[i] = math.Sqrt(float64(i)+0.1) / 3
	}
	srv, _ := sidecar(t, http.StatusOK, map[string]any{"faces": []map[string]any{{"vec": vec}}})
	extractor := newTestExtractor(t, srv.URL, config.StrategyEmbedding, 128)

	first, err := extractor.Extract(context.Background(), []byte("same bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := extractor.Extract(context.Background(), []byte("same bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(first) != len(vec) || len(second) != len(vec) {
		t.Fatalf("unexpected lengths %d and %d", len(first), len(second))
	}
	for i := range vec {
		if math.Float64bits(first[i]) != math.Float64bits(second[i]) {
			t.Fatalf("fingerprint differs at %d: %v vs %v", i, first[i], second[i])
		}
		if math.Float64bits(first[i]) != math.Float64bits(vec[i]) {
			t.Fatalf("fingerprint value %d altered: %v vs %v", i, first[i], vec[i])
		}
	}
}
