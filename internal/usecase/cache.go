package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-relay/internal/fingerprint"
	"github.com/example/face-relay/internal/logging"
)

// Cache abstracts the Redis operations used to memoise fingerprints.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

type cachedFingerprint struct {
	Values     fingerprint.Fingerprint `json:"values"`
	Dimension  int                     `json:"dimension"`
	ComputedAt time.Time               `json:"computed_at"`
}

// fingerprintKey identifies image bytes; the namespace separates extractor
// configurations whose fingerprints are not interchangeable.
func fingerprintKey(namespace string, image []byte) string {
	sum := sha1.Sum(image)
	return fmt.Sprintf("fingerprint:%s:%s", namespace, hex.EncodeToString(sum[:]))
}

// cachedFingerprintFor returns a memoised fingerprint, or nil on a miss or any
// cache failure.
func (uc *RegistrationUseCase) cachedFingerprintFor(ctx context.Context, requestID, key string) fingerprint.Fingerprint {
	if uc.cache == nil {
		return nil
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.fingerprint_cache", requestID)

	raw, err := uc.withRedisGet(ctx, requestID, "cache.get.fingerprint", key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read fingerprint cache", zap.Error(err))
		}
		return nil
	}

	var cached cachedFingerprint
	if err := json.Unmarshal([]byte(raw), &cached); err != nil || len(cached.Values) == 0 || len(cached.Values) != cached.Dimension {
		opLogger.Warn("discarding malformed cached fingerprint", zap.Error(err))
		return nil
	}
	opLogger.Debug("fingerprint cache hit")
	return cached.Values
}

func (uc *RegistrationUseCase) storeFingerprint(ctx context.Context, requestID, key string, fp fingerprint.Fingerprint) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(cachedFingerprint{Values: fp, Dimension: len(fp), ComputedAt: time.Now().UTC()})
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.fingerprint_cache", requestID).Error("failed to serialize fingerprint", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.fingerprint", func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.settings.CacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.fingerprint_cache", requestID).Warn("failed to cache fingerprint", zap.Error(err))
	}
}

func (uc *RegistrationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *RegistrationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
