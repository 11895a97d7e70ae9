package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/example/face-relay/internal/fingerprint"
)

const (
	// maxResponseBytes caps how much of a backend reply is buffered.
	maxResponseBytes    = 1 << 20
	defaultRetryBackoff = 250 * time.Millisecond
)

// ErrInvalidBackendResponse is returned when the backend body is not JSON.
var ErrInvalidBackendResponse = errors.New("invalid backend response")

// ErrResponseTooLarge is returned when the backend body exceeds maxResponseBytes.
var ErrResponseTooLarge = errors.New("backend response too large")

// RegistrationPayload is the JSON body sent to the registration backend.
type RegistrationPayload struct {
	RealName      string                  `json:"real_name"`
	UniqueCode    string                  `json:"unique_code"`
	FaceEmbedding fingerprint.Fingerprint `json:"face_embedding"`
}

// Response is the backend's answer, kept verbatim for the caller. Body is nil
// when the backend sent none.
type Response struct {
	StatusCode  int
	ContentType string
	Body        json.RawMessage
}

// NetworkError reports that no HTTP response was received from the backend.
type NetworkError struct {
	Err     error
	timeout bool
}

func (e *NetworkError) Error() string {
	if e.timeout {
		return fmt.Sprintf("registration backend timed out: %v", e.Err)
	}
	return fmt.Sprintf("registration backend unreachable: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the request ran out of time.
func (e *NetworkError) Timeout() bool { return e.timeout }

// Forwarder posts registration payloads to the backend.
type Forwarder interface {
	Forward(ctx context.Context, payload *RegistrationPayload) (*Response, error)
}

// Client is the HTTP Forwarder. Connection failures are retried once.
type Client struct {
	url          *url.URL
	client       *http.Client
	retryBackoff time.Duration
	logger       *zap.Logger
}

// NewClient creates a Client posting to registerURL. A nil client gets one
// bounded by timeout.
func NewClient(registerURL string, client *http.Client, timeout, retryBackoff time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(registerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	return &Client{url: u, client: client, retryBackoff: retryBackoff, logger: logger.Named("backend")}, nil
}

// Forward sends payload and returns whatever status and JSON body the backend
// replies with. Non-2xx statuses are not errors.
func (c *Client) Forward(ctx context.Context, payload *RegistrationPayload) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var resp *Response
	attempt := 0
	backoff := retry.WithMaxRetries(1, retry.NewConstant(c.retryBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		r, err := c.post(ctx, body)
		if err != nil {
			var netErr *NetworkError
			if errors.As(err, &netErr) && !netErr.Timeout() && ctx.Err() == nil {
				c.logger.Warn("backend unreachable, retrying", zap.Error(err), zap.Int("attempt", attempt))
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !isNetworkError(err) {
			return nil, &NetworkError{Err: ctxErr, timeout: errors.Is(ctxErr, context.DeadlineExceeded)}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return nil, &NetworkError{Err: err, timeout: isTimeout(err)}
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("read response body: %w", err), timeout: isTimeout(err)}
	}
	if len(raw) > maxResponseBytes {
		return nil, fmt.Errorf("%w: status %d, body exceeds %d bytes", ErrResponseTooLarge, response.StatusCode, maxResponseBytes)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = nil
	} else if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: status %d, %d bytes of non-JSON body", ErrInvalidBackendResponse, response.StatusCode, len(raw))
	}

	return &Response{
		StatusCode:  response.StatusCode,
		ContentType: response.Header.Get("Content-Type"),
		Body:        json.RawMessage(raw),
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
