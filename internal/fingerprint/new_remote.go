//go:build !dlib

package fingerprint

import (
	"go.uber.org/zap"

	"github.com/example/face-relay/internal/config"
)

// Backend names the extractor compiled into this binary.
const Backend = "remote"

// New returns the extractor selected at build time.
func New(cfg *config.Config, logger *zap.Logger) (Extractor, error) {
	extractor, err := NewRemoteExtractor(cfg.ExtractorURL, cfg.FingerprintStrategy, cfg.FingerprintDimension, nil, cfg.ExtractorTimeout, logger)
	if err != nil {
		return nil, err
	}
	return extractor, nil
}
