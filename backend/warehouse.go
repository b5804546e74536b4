package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultWarehouseTimeout bounds a single POST attempt.
	DefaultWarehouseTimeout = 10 * time.Second
	// DefaultWarehouseMaxElapsed bounds all retries of one record.
	DefaultWarehouseMaxElapsed = 30 * time.Second

	warehouseLogsPath = "/llm-logs"
	maxErrorBody      = 4 << 10
)

// WarehouseConfig configures the warehouse HTTP adapter.
type WarehouseConfig struct {
	BaseURL string
	APIKey  string

	// HTTPClient defaults to a client with DefaultWarehouseTimeout.
	HTTPClient *http.Client
	// MaxElapsed defaults to DefaultWarehouseMaxElapsed. A negative value
	// disables retries.
	MaxElapsed time.Duration
	// InitialInterval is the first retry delay (default 500ms).
	InitialInterval time.Duration
}

// WarehouseResponse is the warehouse's acknowledgement of a queued record.
type WarehouseResponse struct {
	Message   string `json:"message"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

// WarehouseAdapter POSTs records to <base>/llm-logs with bearer auth.
// Delivery is fire-and-forget: the returned status URL is never polled.
type WarehouseAdapter struct {
	endpoint string
	apiKey   string
	client   *http.Client
	policy   func() backoff.BackOff
	logger   zerolog.Logger
}

// NewWarehouseAdapter validates cfg and returns an adapter.
func NewWarehouseAdapter(cfg WarehouseConfig, logger zerolog.Logger) (*WarehouseAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("warehouse url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("warehouse api key is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultWarehouseTimeout}
	}
	maxElapsed := cfg.MaxElapsed
	if maxElapsed == 0 {
		maxElapsed = DefaultWarehouseMaxElapsed
	}
	initial := cfg.InitialInterval
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}

	return &WarehouseAdapter{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + warehouseLogsPath,
		apiKey:   cfg.APIKey,
		client:   client,
		policy: func() backoff.BackOff {
			if maxElapsed < 0 {
				return &backoff.StopBackOff{}
			}
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = initial
			eb.Multiplier = 2.0
			eb.RandomizationFactor = 0.2
			eb.MaxElapsedTime = maxElapsed
			return eb
		},
		logger: logger.With().Str("component", "warehouseAdapter").Logger(),
	}, nil
}

// Name implements Adapter.
func (a *WarehouseAdapter) Name() string { return "warehouse" }

// Endpoint returns the URL records are posted to.
func (a *WarehouseAdapter) Endpoint() string { return a.endpoint }

// Send implements Adapter.
func (a *WarehouseAdapter) Send(ctx context.Context, rec record.CallRecord) error {
	body, err := rec.Marshal()
	if err != nil {
		return newEncodingError(a.Name(), err)
	}

	var ack WarehouseResponse
	operation := func() error {
		resp, err := a.post(ctx, rec.CallID, body)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(newNetworkError(a.Name(), err))
			}
			return newNetworkError(a.Name(), err)
		}
		ack = resp
		return nil
	}

	notify := func(err error, next time.Duration) {
		a.logger.Debug().Err(err).Str("callID", rec.CallID).Dur("retryIn", next).Msg("Retrying warehouse delivery")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(a.policy(), ctx), notify); err != nil {
		return err
	}

	a.logger.Debug().
		Str("callID", rec.CallID).
		Str("taskID", ack.TaskID).
		Str("status", ack.Status).
		Msg("Warehouse accepted record")
	return nil
}

// post performs one attempt. Non-retryable failures are wrapped in
// backoff.Permanent so RetryNotify stops immediately.
func (a *WarehouseAdapter) post(ctx context.Context, callID string, body []byte) (WarehouseResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return WarehouseResponse{}, backoff.Permanent(newEncodingError(a.Name(), err))
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if callID != "" {
		req.Header.Set("Idempotency-Key", callID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return WarehouseResponse{}, err
	}
	defer resp.Body.Close() //nolint:errcheck // No remedy for body close errors

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		derr := classifyStatus(a.Name(), resp.StatusCode, strings.TrimSpace(string(snippet)))
		if derr.Retryable {
			return WarehouseResponse{}, derr
		}
		return WarehouseResponse{}, backoff.Permanent(derr)
	}

	var ack WarehouseResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&ack); err != nil && err != io.EOF {
		a.logger.Debug().Err(err).Msg("Warehouse acknowledgement was not JSON")
	}
	return ack, nil
}

// Close implements Adapter.
func (a *WarehouseAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func classifyStatus(backend string, status int, body string) *DeliveryError {
	var cause error
	if body != "" {
		cause = fmt.Errorf("%s", body)
	}
	de := &DeliveryError{Backend: backend, StatusCode: status, Err: cause}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		de.Type = ErrorTypeAuth
	case status == http.StatusTooManyRequests:
		de.Type = ErrorTypeRateLimit
		de.Retryable = true
	case status >= 500:
		de.Type = ErrorTypeServer
		de.Retryable = true
	default:
		de.Type = ErrorTypeRejected
	}
	return de
}
