package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-relay/internal/backend"
	"github.com/example/face-relay/internal/fingerprint"
	"github.com/example/face-relay/internal/logging"
	"github.com/example/face-relay/internal/repository"
)

// RegistrationRepository defines the persistence operations needed by the use case.
type RegistrationRepository interface {
	SaveLog(ctx context.Context, log *repository.RegistrationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.RegistrationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// RegistrationRequest is the identity and photo submitted by a client.
type RegistrationRequest struct {
	Image      string `json:"image"`
	RealName   string `json:"real_name"`
	UniqueCode string `json:"unique_code"`
}

// MissingFields lists the blank required fields in request order.
func (r *RegistrationRequest) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(r.Image) == "" {
		missing = append(missing, "image")
	}
	if strings.TrimSpace(r.RealName) == "" {
		missing = append(missing, "real_name")
	}
	if strings.TrimSpace(r.UniqueCode) == "" {
		missing = append(missing, "unique_code")
	}
	return missing
}

// Settings tunes optional behaviour of the use case.
type Settings struct {
	// CacheTTL is how long a computed fingerprint is memoised.
	CacheTTL time.Duration
	// CacheNamespace separates fingerprints of different extractor setups.
	CacheNamespace string
}

// RegistrationUseCase relays a registration: decode, extract, forward, record.
// repo and cache are optional and may be nil.
type RegistrationUseCase struct {
	repo           RegistrationRepository
	cache          Cache
	extractor      fingerprint.Extractor
	forwarder      backend.Forwarder
	logger         *zap.Logger
	settings       Settings
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRegistrationUseCase constructs a new use case instance.
func NewRegistrationUseCase(repo RegistrationRepository, cache Cache, extractor fingerprint.Extractor, forwarder backend.Forwarder, logger *zap.Logger, settings Settings) *RegistrationUseCase {
	if settings.CacheTTL <= 0 {
		settings.CacheTTL = 10 * time.Minute
	}
	if settings.CacheNamespace == "" {
		settings.CacheNamespace = "default"
	}
	return &RegistrationUseCase{
		repo:           repo,
		cache:          cache,
		extractor:      extractor,
		forwarder:      forwarder,
		logger:         logger.Named("registration_usecase"),
		settings:       settings,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Register relays one registration and returns the request id together with
// the backend's verbatim response. A nil response always comes with an error.
func (uc *RegistrationUseCase) Register(ctx context.Context, req *RegistrationRequest) (string, *backend.Response, error) {
	requestID := uuid.NewString()
	started := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.register", requestID)

	fp, resp, err := uc.relay(ctx, requestID, req)

	outcome := outcomeOf(resp, err)
	latency := time.Since(started)
	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.Int("fingerprint_size", len(fp)),
		zap.Duration("latency", latency),
	}
	if resp != nil {
		fields = append(fields, zap.Int("backend_status", resp.StatusCode))
	}
	switch outcome {
	case repository.OutcomeForwarded, repository.OutcomeBackendError:
		opLogger.Info("registration relayed", fields...)
	case repository.OutcomeInvalidInput, repository.OutcomeNoFace:
		opLogger.Info("registration rejected", append(fields, zap.Error(err))...)
	default:
		opLogger.Error("registration failed", append(fields, zap.Error(err))...)
	}

	uc.record(ctx, requestID, req, outcome, resp, len(fp), latency, err)
	return requestID, resp, err
}

func (uc *RegistrationUseCase) relay(ctx context.Context, requestID string, req *RegistrationRequest) (fingerprint.Fingerprint, *backend.Response, error) {
	if missing := req.MissingFields(); len(missing) > 0 {
		return nil, nil, &InputError{Fields: missing}
	}

	image, err := fingerprint.DecodeDataURL(req.Image)
	if err != nil {
		return nil, nil, &InputError{Err: err}
	}

	if _, err := fingerprint.Sniff(image); err != nil {
		return nil, nil, logging.NewOperationError("usecase.sniff_image", requestID, err)
	}

	fp, err := uc.fingerprint(ctx, requestID, image)
	if err != nil {
		return nil, nil, err
	}
	if len(fp) == 0 {
		return nil, nil, fingerprint.ErrNoFace
	}

	resp, err := uc.forwarder.Forward(ctx, &backend.RegistrationPayload{
		RealName:      req.RealName,
		UniqueCode:    req.UniqueCode,
		FaceEmbedding: fp,
	})
	if err != nil {
		return fp, nil, logging.NewOperationError("usecase.forward", requestID, err)
	}
	return fp, resp, nil
}

func (uc *RegistrationUseCase) fingerprint(ctx context.Context, requestID string, image []byte) (fingerprint.Fingerprint, error) {
	key := fingerprintKey(uc.settings.CacheNamespace, image)
	if fp := uc.cachedFingerprintFor(ctx, requestID, key); fp != nil {
		return fp, nil
	}

	fp, err := uc.extractor.Extract(ctx, image)
	if errors.Is(err, fingerprint.ErrNoFace) {
		return nil, err
	}
	if err != nil {
		return nil, logging.NewOperationError("usecase.extract_fingerprint", requestID, err)
	}
	if len(fp) > 0 {
		uc.storeFingerprint(ctx, requestID, key, fp)
	}
	return fp, nil
}

func (uc *RegistrationUseCase) record(ctx context.Context, requestID string, req *RegistrationRequest, outcome string, resp *backend.Response, fpSize int, latency time.Duration, relayErr error) {
	if uc.repo == nil {
		return
	}

	log := &repository.RegistrationLog{
		RequestID:       requestID,
		UniqueCode:      req.UniqueCode,
		Outcome:         outcome,
		FingerprintSize: fpSize,
		LatencyMs:       latency.Milliseconds(),
		CreatedAt:       time.Now().UTC(),
	}
	if resp != nil {
		log.BackendStatus = resp.StatusCode
	}
	if relayErr != nil {
		log.Details = logging.Cause(relayErr).Error()
	}

	// The client's deadline may already be spent; the audit write gets its own.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := uc.repo.SaveLog(saveCtx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.record", requestID).Error("failed to persist registration log", zap.Error(err))
	}
}

// GetResult returns the audit log of a previous registration.
func (uc *RegistrationUseCase) GetResult(ctx context.Context, requestID string) (*repository.RegistrationLog, error) {
	if uc.repo == nil {
		return nil, ErrRecordingDisabled
	}
	return uc.repo.FindByRequestID(ctx, requestID)
}

func outcomeOf(resp *backend.Response, err error) string {
	var inputErr *InputError
	var netErr *backend.NetworkError
	switch {
	case err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300:
		return repository.OutcomeForwarded
	case err == nil && resp != nil:
		return repository.OutcomeBackendError
	case errors.As(err, &inputErr):
		return repository.OutcomeInvalidInput
	case errors.Is(err, fingerprint.ErrNoFace):
		return repository.OutcomeNoFace
	case errors.As(err, &netErr):
		return repository.OutcomeNetworkError
	default:
		return repository.OutcomeInternalError
	}
}
