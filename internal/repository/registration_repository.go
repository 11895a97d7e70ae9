package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-relay/internal/logging"
)

// Outcome values recorded for each relayed request.
const (
	OutcomeForwarded     = "forwarded"
	OutcomeNoFace        = "no_face"
	OutcomeInvalidInput  = "invalid_input"
	OutcomeBackendError  = "backend_error"
	OutcomeNetworkError  = "network_error"
	OutcomeInternalError = "internal_error"
)

// ErrNotFound is returned when no log exists for a request id.
var ErrNotFound = errors.New("registration log not found")

// RegistrationLog is the audit record of one relayed registration. It never
// holds the image, the person's name, or the fingerprint values.
type RegistrationLog struct {
	ID              uint      `gorm:"primaryKey"`
	RequestID       string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UniqueCode      string    `gorm:"column:unique_code;index;size:128"`
	Outcome         string    `gorm:"column:outcome;index;size:32"`
	BackendStatus   int       `gorm:"column:backend_status"`
	FingerprintSize int       `gorm:"column:fingerprint_size"`
	LatencyMs       int64     `gorm:"column:latency_ms"`
	Details         string    `gorm:"column:details;type:text"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RegistrationLog) TableName() string {
	return "registration_logs"
}

// OutcomeCount is the number of logs per outcome.
type OutcomeCount struct {
	Outcome string
	Count   int64
}

// MetricsAggregation holds raw aggregates over all registration logs.
type MetricsAggregation struct {
	TotalCount       int64
	ByOutcome        []OutcomeCount
	AverageLatencyMs float64
}

// RegistrationRepository persists registration logs through gorm.
type RegistrationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRegistrationRepository creates a new repository instance.
func NewRegistrationRepository(db *gorm.DB, logger *zap.Logger) *RegistrationRepository {
	return &RegistrationRepository{
		db:             db,
		logger:         logger.Named("registration_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *RegistrationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&RegistrationLog{})
	})
}

// SaveLog persists a registration log entry.
func (r *RegistrationRepository) SaveLog(ctx context.Context, log *RegistrationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a request id.
func (r *RegistrationRepository) FindByRequestID(ctx context.Context, requestID string) (*RegistrationLog, error) {
	var log RegistrationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals per outcome and the average latency.
func (r *RegistrationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	agg := &MetricsAggregation{}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		db := r.db.WithContext(ctx).Model(&RegistrationLog{})

		var totals struct {
			Total      int64
			AvgLatency float64
		}
		if err := db.Select("COUNT(*) AS total, COALESCE(AVG(latency_ms), 0) AS avg_latency").Scan(&totals).Error; err != nil {
			return err
		}

		var byOutcome []OutcomeCount
		if err := r.db.WithContext(ctx).Model(&RegistrationLog{}).
			Select("outcome, COUNT(*) AS count").
			Group("outcome").
			Order("outcome").
			Scan(&byOutcome).Error; err != nil {
			return err
		}

		agg.TotalCount = totals.Total
		agg.AverageLatencyMs = totals.AvgLatency
		agg.ByOutcome = byOutcome
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func (r *RegistrationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
