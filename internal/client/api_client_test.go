package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"studytrace/recorder-agent/internal/models"

	"go.uber.org/zap"
)

func TestCheckStatusParsesStopSignal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/study/status" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("token") != "tok-1" {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(StatusResponse{ShouldStop: true, Message: "study closed"})
	}))
	t.Cleanup(srv.Close)

	c := NewAPIClient(srv.URL, "tok-1", time.Second, zap.NewNop())
	status, err := c.CheckStatus()
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if !status.ShouldStop || status.Message != "study closed" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCheckStatusAuthErrorType(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := NewAPIClient(srv.URL, "tok", time.Second, zap.NewNop())
	_, err := c.CheckStatus()
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: %d", authErr.StatusCode)
	}
}

func TestSendMetadata(t *testing.T) {
	t.Parallel()
	var got models.UploadMetadata
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/study/metadata" || r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	c := NewAPIClient(srv.URL, "tok", time.Second, zap.NewNop())
	meta := &models.UploadMetadata{SubjectID: "subj-9", TotalScreenshots: 4}
	if err := c.SendMetadata(meta); err != nil {
		t.Fatalf("send metadata: %v", err)
	}
	if got.SubjectID != "subj-9" || got.TotalScreenshots != 4 {
		t.Fatalf("metadata not delivered: %+v", got)
	}
}

func TestNotifyFailureSwallowsAllErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewAPIClient(srv.URL, "tok", time.Second, zap.NewNop())
	// Must not panic or return anything on a failing endpoint.
	c.NotifyFailure("export_failure", "detail", "ops@example.com")

	// Unreachable endpoint is swallowed too.
	c2 := NewAPIClient("http://127.0.0.1:0", "tok", 100*time.Millisecond, zap.NewNop())
	c2.NotifyFailure("export_failure", "detail", "")
}
