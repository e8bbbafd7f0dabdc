package exporter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"studytrace/recorder-agent/internal/models"

	"go.uber.org/zap"
)

// APITransport streams the payload straight to the backend upload
// endpoint as one multipart form: a metadata JSON field plus one
// screenshots[] file part per artifact.
type APITransport struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPITransport creates the direct-API transport.
func NewAPITransport(baseURL, token string, logger *zap.Logger) *APITransport {
	return &APITransport{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: logger,
	}
}

func (t *APITransport) Name() string {
	return "api"
}

// Upload makes a single attempt; a non-2xx response is a failure with
// the response body as detail.
func (t *APITransport) Upload(meta *models.UploadMetadata, shots []models.Screenshot) (*Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaField, err := mw.CreateFormField("metadata")
	if err != nil {
		return nil, &TransportError{Stage: "payload", Message: err.Error()}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, &TransportError{Stage: "payload", Message: err.Error()}
	}
	metaField.Write(metaBytes)

	for _, shot := range shots {
		src, err := os.Open(shot.ImagePath)
		if err != nil {
			t.logger.Warn("Skipping missing screenshot blob",
				zap.String("id", shot.ID),
				zap.Error(err),
			)
			continue
		}
		part, err := mw.CreateFormFile("screenshots[]", shot.FileName())
		if err != nil {
			src.Close()
			return nil, &TransportError{Stage: "payload", Message: err.Error()}
		}
		if _, err := io.Copy(part, src); err != nil {
			src.Close()
			return nil, &TransportError{Stage: "payload", Message: err.Error()}
		}
		src.Close()
	}
	if err := mw.Close(); err != nil {
		return nil, &TransportError{Stage: "payload", Message: err.Error()}
	}

	endpoint := fmt.Sprintf("%s/api/v1/study/upload", t.baseURL)
	req, err := http.NewRequest(http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, &TransportError{Stage: "upload", Message: err.Error()}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	startTime := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Stage: "upload", Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			Stage:   "upload",
			Message: fmt.Sprintf("endpoint returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	t.logger.Info("Payload uploaded to API",
		zap.Int("screenshots", len(shots)),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(startTime)),
	)

	return &Result{
		Success: true,
		Message: "uploaded to API endpoint",
	}, nil
}
