package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/face-relay/internal/backend"
	"github.com/example/face-relay/internal/fingerprint"
	"github.com/example/face-relay/internal/logging"
	"github.com/example/face-relay/internal/repository"
	"github.com/example/face-relay/internal/usecase"
)

// MaxUploadSize is the default request body limit.
const MaxUploadSize = 10 << 20

// RequestIDHeader carries the relay's request id back to the caller.
const RequestIDHeader = "X-Request-ID"

// RegistrationService is the use case surface the routes depend on.
type RegistrationService interface {
	Register(ctx context.Context, req *usecase.RegistrationRequest) (string, *backend.Response, error)
	GetResult(ctx context.Context, requestID string) (*repository.RegistrationLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options configures the routes. Zero values fall back to defaults.
type Options struct {
	MaxUploadBytes int64
	RequestTimeout time.Duration
	// Auth guards every route except /health when non-nil.
	Auth gin.HandlerFunc
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc RegistrationService, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/")
	if opts.Auth != nil {
		api.Use(opts.Auth)
	}

	api.POST("/process-image", func(c *gin.Context) {
		if c.Request.ContentLength > opts.MaxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadBytes)
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "Error reading request body"})
			return
		}

		var req usecase.RegistrationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), opts.RequestTimeout)
		defer cancel()

		requestID, resp, err := svc.Register(ctx, &req)
		if requestID != "" {
			c.Header(RequestIDHeader, requestID)
		}
		if err != nil {
			status, payload := errorResponse(err)
			c.JSON(status, payload)
			return
		}
		relay(c, resp)
	})

	api.GET("/registrations/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := svc.GetResult(c.Request.Context(), requestID)
		switch {
		case errors.Is(err, usecase.ErrRecordingDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registration logging is disabled"})
			return
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred", "details": logging.Cause(err).Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":       log.RequestID,
			"unique_code":      log.UniqueCode,
			"outcome":          log.Outcome,
			"backend_status":   log.BackendStatus,
			"fingerprint_size": log.FingerprintSize,
			"latency_ms":       log.LatencyMs,
			"details":          log.Details,
			"created_at":       log.CreatedAt,
		})
	})

	api.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if errors.Is(err, usecase.ErrRecordingDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registration logging is disabled"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred", "details": logging.Cause(err).Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// relay writes the backend's status and body without interpreting them.
func relay(c *gin.Context, resp *backend.Response) {
	if len(resp.Body) == 0 {
		c.Status(resp.StatusCode)
		return
	}
	c.Data(resp.StatusCode, "application/json; charset=utf-8", resp.Body)
}

// errorResponse maps a relay failure onto the HTTP error contract.
func errorResponse(err error) (int, gin.H) {
	var inputErr *usecase.InputError
	var netErr *backend.NetworkError
	switch {
	case errors.As(err, &inputErr) && len(inputErr.Fields) > 0:
		return http.StatusBadRequest, gin.H{"error": "Missing required fields", "fields": inputErr.Fields}
	case errors.As(err, &inputErr):
		return http.StatusBadRequest, gin.H{"error": "Invalid image data", "details": inputErr.Error()}
	case errors.Is(err, fingerprint.ErrNoFace):
		return http.StatusBadRequest, gin.H{"error": "No face detected"}
	case errors.Is(err, fingerprint.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge, gin.H{"error": "Image dimensions too large", "details": logging.Cause(err).Error()}
	case errors.As(err, &netErr) && netErr.Timeout():
		return http.StatusGatewayTimeout, gin.H{"error": "Registration backend timed out"}
	case errors.As(err, &netErr):
		return http.StatusBadGateway, gin.H{"error": "Registration backend unreachable", "details": logging.Cause(netErr.Err).Error()}
	case errors.Is(err, backend.ErrResponseTooLarge):
		return http.StatusBadGateway, gin.H{"error": "Registration backend response too large"}
	case errors.Is(err, backend.ErrInvalidBackendResponse):
		return http.StatusBadGateway, gin.H{"error": "Invalid response from registration backend", "details": logging.Cause(err).Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, gin.H{"error": "Request timed out"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "An error occurred", "details": logging.Cause(err).Error()}
	}
}
