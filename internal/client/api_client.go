package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"studytrace/recorder-agent/internal/models"

	"go.uber.org/zap"
)

// APIClient talks to the study backend: stop-signal polling, the
// metadata-only endpoint and the fire-and-forget failure notify.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// StatusResponse is the remote stop-signal payload.
type StatusResponse struct {
	ShouldStop bool   `json:"should_stop"`
	Message    string `json:"message,omitempty"`
}

// NewAPIClient creates a backend client.
func NewAPIClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// CheckStatus polls the study status endpoint. Callers treat errors as
// transient and keep polling.
func (c *APIClient) CheckStatus() (*StatusResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v1/study/status?token=%s", c.baseURL, url.QueryEscape(c.token))
	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.errorFor(resp.StatusCode, body)
	}

	var status StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}

// SendMetadata posts the full metadata record to the metadata-only
// endpoint. Best-effort: the caller logs failures and moves on.
func (c *APIClient) SendMetadata(meta *models.UploadMetadata) error {
	jsonData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/study/metadata", c.baseURL)
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFor(resp.StatusCode, body)
	}

	c.logger.Debug("Metadata sent", zap.Int("status_code", resp.StatusCode))
	return nil
}

// NotifyFailure reports an export failure to the operator-facing notify
// endpoint. Fire-and-forget: every failure here is swallowed and only
// logged, so a broken notify channel can never escalate.
func (c *APIClient) NotifyFailure(context, detail, operatorContact string) {
	payload := map[string]string{
		"context":  context,
		"detail":   detail,
		"operator": operatorContact,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("Failed to marshal failure notice", zap.Error(err))
		return
	}

	endpoint := fmt.Sprintf("%s/api/v1/study/notify", c.baseURL)
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		c.logger.Warn("Failed to create notify request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Failure notice not delivered", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Failure notice rejected", zap.Int("status_code", resp.StatusCode))
		return
	}
	c.logger.Info("Failure notice delivered", zap.String("context", context))
}

func (c *APIClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *APIClient) errorFor(statusCode int, body []byte) error {
	msg := fmt.Sprintf("backend returned status %d: %s", statusCode, string(body))
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Message: msg, StatusCode: statusCode}
	default:
		return &BackendError{Message: msg, StatusCode: statusCode}
	}
}

// AuthError indicates the backend rejected the study token.
type AuthError struct {
	Message    string
	StatusCode int
}

func (e *AuthError) Error() string {
	return e.Message
}

// BackendError covers all other non-2xx backend responses.
type BackendError struct {
	Message    string
	StatusCode int
}

func (e *BackendError) Error() string {
	return e.Message
}
