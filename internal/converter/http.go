package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"AgriPool/internal/model"

	"go.uber.org/zap"
)

// HTTPIntake submits applications to the financing system's REST API.
type HTTPIntake struct {
	BaseURL    string
	APIKey     string
	Client     *http.Client
	MaxRetries int
	Backoff    time.Duration // first retry delay, doubled per attempt
	log        *zap.Logger
}

// NewHTTPIntake creates an intake client with optional proxy support.
func NewHTTPIntake(baseURL, apiKey, proxyURL string, timeout time.Duration, maxRetries int, log *zap.Logger) *HTTPIntake {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPIntake{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		MaxRetries: maxRetries,
		Backoff:    time.Second,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		log: log,
	}
}

func (h *HTTPIntake) Name() string { return "http" }

// permanentError marks a response that retrying cannot fix.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Submit posts the request, retrying transport errors and 5xx responses with
// exponential backoff.
func (h *HTTPIntake) Submit(ctx context.Context, req model.ApplicationRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal application: %w", err)
	}

	var lastErr error
	for i := 0; i <= h.MaxRetries; i++ {
		id, err := h.post(ctx, req.PoolID, body)
		if err == nil {
			return id, nil
		}
		lastErr = err
		var perm permanentError
		if errors.As(err, &perm) || i == h.MaxRetries {
			break
		}
		backoff := h.Backoff * time.Duration(1<<uint(i))
		h.log.Warn("application submit failed, retrying",
			zap.String("pool_id", req.PoolID),
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", h.MaxRetries+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", lastErr
}

func (h *HTTPIntake) post(ctx context.Context, poolID string, body []byte) (string, error) {
	endpoint := h.BaseURL + "/api/v1/applications"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", permanentError{fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", poolID)
	if h.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("post application: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("intake API error: status %d, body: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return "", permanentError{fmt.Errorf("intake API rejected application: status %d, body: %s", resp.StatusCode, string(respBody))}
	}

	var result struct {
		ApplicationID string `json:"applicationId"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", permanentError{fmt.Errorf("decode response: %w", err)}
	}
	if result.ApplicationID == "" {
		return "", permanentError{errors.New("intake API returned an empty application id")}
	}
	return result.ApplicationID, nil
}
