package exporter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"studytrace/recorder-agent/internal/client"
	"studytrace/recorder-agent/internal/config"
	"studytrace/recorder-agent/internal/models"
	"studytrace/recorder-agent/internal/session"

	"go.uber.org/zap"
)

func testShots(t *testing.T, n int) []models.Screenshot {
	t.Helper()
	dir := t.TempDir()
	shots := make([]models.Screenshot, 0, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("shot%d.png", i))
		if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
			t.Fatalf("write blob: %v", err)
		}
		shots = append(shots, models.Screenshot{
			ID:         fmt.Sprintf("id-%d", i),
			CapturedAt: time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC),
			AppName:    "Editor",
			ImagePath:  path,
			ThumbPath:  path,
		})
	}
	return shots
}

func testMeta() *models.UploadMetadata {
	return &models.UploadMetadata{
		SubjectID:    "subj-1",
		ProjectName:  "proj",
		SessionStart: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		SessionEnd:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

// driveServer fakes the token, folder and upload endpoints.
type driveServer struct {
	srv         *httptest.Server
	tokenCalls  atomic.Int64
	folderLists atomic.Int64
	created     atomic.Int64

	mu          sync.Mutex
	uploadTypes []string
}

func (ds *driveServer) recordUploadType(uploadType string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.uploadTypes = append(ds.uploadTypes, uploadType)
}

func (ds *driveServer) seenUploadTypes() []string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return append([]string(nil), ds.uploadTypes...)
}

func newDriveServer(t *testing.T, folderExists bool) *driveServer {
	t.Helper()
	ds := &driveServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		ds.tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-123",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("/drive/files", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			ds.folderLists.Add(1)
			if folderExists {
				fmt.Fprint(w, `{"files":[{"id":"existing-folder","name":"proj"}]}`)
			} else {
				fmt.Fprint(w, `{"files":[]}`)
			}
		case http.MethodPost:
			ds.created.Add(1)
			fmt.Fprint(w, `{"id":"created-folder"}`)
		}
	})

	mux.HandleFunc("/upload/files", func(w http.ResponseWriter, r *http.Request) {
		uploadType := r.URL.Query().Get("uploadType")
		ds.recordUploadType(uploadType)
		switch uploadType {
		case "multipart":
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), "metadata.json") && len(body) == 0 {
				http.Error(w, "empty body", http.StatusBadRequest)
				return
			}
			fmt.Fprint(w, `{"id":"file-1","webViewLink":"https://view/file-1"}`)
		case "resumable":
			w.Header().Set("Location", ds.srv.URL+"/upload/session")
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "unexpected uploadType", http.StatusBadRequest)
		}
	})

	mux.HandleFunc("/upload/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "expected PUT", http.StatusMethodNotAllowed)
			return
		}
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, `{"id":"file-2","webViewLink":"https://view/file-2"}`)
	})

	ds.srv = httptest.NewServer(mux)
	t.Cleanup(ds.srv.Close)
	return ds
}

func driveConfig(ds *driveServer, simpleLimit int64) *config.Config {
	cfg := &config.Config{}
	cfg.Drive.ClientID = "cid"
	cfg.Drive.ClientSecret = "secret"
	cfg.Drive.RefreshToken = "refresh"
	cfg.Drive.TokenURL = ds.srv.URL + "/token"
	cfg.Drive.APIBaseURL = ds.srv.URL + "/drive"
	cfg.Drive.UploadBaseURL = ds.srv.URL + "/upload"
	cfg.Drive.SimpleUploadLimit = simpleLimit
	cfg.Study.ProjectName = "proj"
	return cfg
}

func TestDriveTransportMultipartUnderThreshold(t *testing.T) {
	t.Parallel()
	ds := newDriveServer(t, true)
	tr := NewDriveTransport(driveConfig(ds, 1<<20), zap.NewNop())

	result, err := tr.Upload(testMeta(), testShots(t, 2))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !result.Success || result.RemoteID != "file-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if types := ds.seenUploadTypes(); len(types) != 1 || types[0] != "multipart" {
		t.Fatalf("expected single multipart upload, got %v", types)
	}
}

func TestDriveTransportResumableAtThreshold(t *testing.T) {
	t.Parallel()
	ds := newDriveServer(t, true)
	// Limit of 1 byte forces every archive onto the two-phase path.
	tr := NewDriveTransport(driveConfig(ds, 1), zap.NewNop())

	result, err := tr.Upload(testMeta(), testShots(t, 1))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !result.Success || result.RemoteID != "file-2" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if types := ds.seenUploadTypes(); len(types) != 1 || types[0] != "resumable" {
		t.Fatalf("expected resumable upload, got %v", types)
	}
	// Same result shape as the single-request path.
	if result.ViewLink == "" {
		t.Fatal("expected view link on resumable path too")
	}
}

func TestDriveTransportCachesTokenAndFolder(t *testing.T) {
	t.Parallel()
	ds := newDriveServer(t, true)
	tr := NewDriveTransport(driveConfig(ds, 1<<20), zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := tr.Upload(testMeta(), testShots(t, 1)); err != nil {
			t.Fatalf("upload %d: %v", i, err)
		}
	}
	if got := ds.tokenCalls.Load(); got != 1 {
		t.Fatalf("expected token fetched once and cached, got %d fetches", got)
	}
	if got := ds.folderLists.Load(); got != 1 {
		t.Fatalf("expected folder resolved once and cached, got %d lookups", got)
	}
}

func TestDriveTransportCreatesMissingFolder(t *testing.T) {
	t.Parallel()
	ds := newDriveServer(t, false)
	tr := NewDriveTransport(driveConfig(ds, 1<<20), zap.NewNop())

	if _, err := tr.Upload(testMeta(), testShots(t, 1)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := ds.created.Load(); got != 1 {
		t.Fatalf("expected one folder creation, got %d", got)
	}
}

func TestDriveTransportTokenFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Drive.ClientID = "cid"
	cfg.Drive.ClientSecret = "secret"
	cfg.Drive.RefreshToken = "refresh"
	cfg.Drive.TokenURL = srv.URL
	cfg.Drive.APIBaseURL = srv.URL
	cfg.Drive.UploadBaseURL = srv.URL
	cfg.Drive.SimpleUploadLimit = 1 << 20

	tr := NewDriveTransport(cfg, zap.NewNop())
	_, err := tr.Upload(testMeta(), nil)
	if err == nil {
		t.Fatal("expected credential failure")
	}
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Stage != "credential" {
		t.Fatalf("expected credential-stage transport error, got %v", err)
	}
}

func TestAPITransportSendsMultipartForm(t *testing.T) {
	t.Parallel()
	var gotMetadata models.UploadMetadata
	var fileNames []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/study/upload" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer study-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.Unmarshal([]byte(r.FormValue("metadata")), &gotMetadata)
		for _, fh := range r.MultipartForm.File["screenshots[]"] {
			fileNames = append(fileNames, fh.Filename)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	tr := NewAPITransport(srv.URL, "study-token", zap.NewNop())
	result, err := tr.Upload(testMeta(), testShots(t, 2))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotMetadata.SubjectID != "subj-1" {
		t.Fatalf("metadata field not delivered, got %+v", gotMetadata)
	}
	if len(fileNames) != 2 {
		t.Fatalf("expected 2 screenshot parts, got %v", fileNames)
	}
}

func TestAPITransportFailureCarriesBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	t.Cleanup(srv.Close)

	tr := NewAPITransport(srv.URL, "", zap.NewNop())
	_, err := tr.Upload(testMeta(), testShots(t, 1))
	if err == nil {
		t.Fatal("expected failure on non-2xx response")
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected response body as error detail, got %v", err)
	}
}

type fakeTransport struct {
	result *Result
	err    error
	calls  int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Upload(meta *models.UploadMetadata, shots []models.Screenshot) (*Result, error) {
	f.calls++
	return f.result, f.err
}

func TestExporterRecoversTransportErrorIntoResult(t *testing.T) {
	t.Parallel()
	e := &Exporter{
		transport: &fakeTransport{err: &TransportError{Stage: "upload", Message: "boom"}},
		logger:    zap.NewNop(),
		now:       time.Now,
	}

	result := e.Export(session.Snapshot{})
	if result.Success {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(result.Message, "boom") {
		t.Fatalf("expected error detail in message, got %q", result.Message)
	}
}

func TestExporterMetadataNotifyFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	e := &Exporter{
		transport:     &fakeTransport{result: &Result{Success: true, RemoteID: "f-1"}},
		api:           client.NewAPIClient(srv.URL, "tok", time.Second, zap.NewNop()),
		notifyStorage: true,
		logger:        zap.NewNop(),
		now:           time.Now,
	}

	result := e.Export(session.Snapshot{})
	if !result.Success {
		t.Fatal("secondary notify failure must never fail the export")
	}
}

func TestExporterFlattensMetadata(t *testing.T) {
	t.Parallel()
	end := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	snap := session.Snapshot{
		Stats: models.SessionStats{
			StartTime:          time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			EndTime:            &end,
			TotalScreenshots:   1,
			TotalActiveSeconds: 42,
			AppSummary:         map[string]int64{"Editor": 42},
		},
		Screenshots: []models.Screenshot{{
			ID:          "a",
			CapturedAt:  time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
			AppName:     "Editor",
			WindowTitle: "main.go",
			ImagePath:   "/data/fullres/a.png",
		}},
	}

	e := &Exporter{
		subjectID:   "subj-1",
		projectName: "proj",
		device:      models.DeviceInfo{DeviceID: "dev-1"},
		logger:      zap.NewNop(),
		now:         time.Now,
	}

	meta := e.buildMetadata(snap)
	if meta.SessionEnd != end {
		t.Fatalf("expected session end %v, got %v", end, meta.SessionEnd)
	}
	if meta.TotalActiveSeconds != 42 || meta.AppSummary["Editor"] != 42 {
		t.Fatalf("stats not flattened: %+v", meta)
	}
	if len(meta.Events) != 1 || meta.Events[0].File != "a.png" || meta.Events[0].App != "Editor" {
		t.Fatalf("event log not built: %+v", meta.Events)
	}
}
