//go:build dlib

package fingerprint

import (
	"go.uber.org/zap"

	"github.com/example/face-relay/internal/config"
)

// Backend names the extractor compiled into this binary.
const Backend = "dlib"

// New returns the extractor selected at build time. dlib only produces
// whole-face embeddings.
func New(cfg *config.Config, logger *zap.Logger) (Extractor, error) {
	if cfg.FingerprintStrategy != config.StrategyEmbedding {
		logger.Warn("dlib extractor ignores fingerprint strategy", zap.String("strategy", cfg.FingerprintStrategy))
	}
	extractor, err := NewDlibExtractor(cfg.ModelsDir, logger)
	if err != nil {
		return nil, err
	}
	return extractor, nil
}
