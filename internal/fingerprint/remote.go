package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-relay/internal/config"
)

// sidecarFace is one detection returned by the face-analysis sidecar.
type sidecarFace struct {
	Loc       []int      `json:"loc"` // [top, right, bottom, left]
	Vec       []float64  `json:"vec"`
	Landmarks []Landmark `json:"landmarks"`
}

type sidecarResponse struct {
	Faces []sidecarFace `json:"faces"`
	Error string        `json:"error"`
}

// RemoteExtractor asks a face-analysis sidecar for detections and reduces the
// first one to a Fingerprint.
type RemoteExtractor struct {
	url       *url.URL
	client    *http.Client
	strategy  string
	dimension int
	logger    *zap.Logger
}

// NewRemoteExtractor builds an extractor for the sidecar at baseURL. A nil
// client gets one with the given timeout.
func NewRemoteExtractor(baseURL, strategy string, dimension int, client *http.Client, timeout time.Duration, logger *zap.Logger) (*RemoteExtractor, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid extractor url: %w", err)
	}
	switch strategy {
	case config.StrategyEmbedding, config.StrategyLandmarks:
	default:
		return nil, fmt.Errorf("unknown fingerprint strategy %q", strategy)
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &RemoteExtractor{
		url:       u,
		client:    client,
		strategy:  strategy,
		dimension: dimension,
		logger:    logger.Named("remote_extractor"),
	}, nil
}

// Extract sends the raw image to the sidecar's /encode endpoint.
func (e *RemoteExtractor) Extract(ctx context.Context, image []byte) (Fingerprint, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url.JoinPath("/encode").String(), bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/octet-stream")

	response, err := e.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("extractor response status code: %d, body: %s", response.StatusCode, body)
	}

	var resp sidecarResponse
	if err := json.NewDecoder(response.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("extractor error: %s", resp.Error)
	}
	if len(resp.Faces) == 0 {
		return nil, ErrNoFace
	}
	if len(resp.Faces) > 1 {
		e.logger.Debug("multiple faces detected, using the first", zap.Int("faces", len(resp.Faces)))
	}

	return e.reduce(resp.Faces[0])
}

func (e *RemoteExtractor) reduce(face sidecarFace) (Fingerprint, error) {
	if e.strategy == config.StrategyLandmarks {
		if len(face.Landmarks) == 0 {
			return nil, fmt.Errorf("%w: face has no landmarks", ErrDimensionMismatch)
		}
		return FlattenLandmarks(face.Landmarks), nil
	}

	if len(face.Vec) == 0 || (e.dimension > 0 && len(face.Vec) != e.dimension) {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrDimensionMismatch, len(face.Vec), e.dimension)
	}
	out := make(Fingerprint, len(face.Vec))
	copy(out, face.Vec)
	return out, nil
}
