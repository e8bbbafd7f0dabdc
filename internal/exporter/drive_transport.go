package exporter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"sync"
	"time"

	"studytrace/recorder-agent/internal/archive"
	"studytrace/recorder-agent/internal/config"
	"studytrace/recorder-agent/internal/models"

	"go.uber.org/zap"
)

// tokenExpiryMargin is subtracted from the reported token lifetime so a
// token is never used right at its expiry edge.
const tokenExpiryMargin = 2 * time.Minute

// DriveTransport delivers the session archive to remote object storage:
// refresh-token exchange with expiry caching, lazy folder provisioning
// (project, then subject), and a size-dependent choice between a
// single-request multipart upload and a two-phase resumable upload.
type DriveTransport struct {
	cfg        config.Config
	builder    *archive.Builder
	httpClient *http.Client
	logger     *zap.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
	folderID    string
}

// NewDriveTransport creates the remote-storage transport.
func NewDriveTransport(cfg *config.Config, logger *zap.Logger) *DriveTransport {
	return &DriveTransport{
		cfg:     *cfg,
		builder: archive.NewBuilder(logger),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: logger,
	}
}

func (t *DriveTransport) Name() string {
	return "drive"
}

// Upload packages the payload into a temp archive and pushes it to the
// destination folder. The temp archive is always removed before this
// returns, success or failure. No internal retries.
func (t *DriveTransport) Upload(meta *models.UploadMetadata, shots []models.Screenshot) (*Result, error) {
	token, err := t.getAccessToken()
	if err != nil {
		return nil, &TransportError{Stage: "credential", Message: err.Error()}
	}

	folderID, err := t.ensureFolders(token)
	if err != nil {
		return nil, &TransportError{Stage: "folder", Message: err.Error()}
	}

	archivePath, size, err := t.builder.Build(meta, shots)
	if err != nil {
		return nil, &TransportError{Stage: "archive", Message: err.Error()}
	}
	defer os.Remove(archivePath)

	name := fmt.Sprintf("session_%s.zip", meta.SessionStart.Format("20060102_150405"))

	var result *Result
	if size < t.cfg.Drive.SimpleUploadLimit {
		result, err = t.uploadMultipart(token, folderID, name, archivePath)
	} else {
		result, err = t.uploadResumable(token, folderID, name, archivePath, size)
	}
	if err != nil {
		return nil, &TransportError{Stage: "upload", Message: err.Error()}
	}

	t.logger.Info("Archive uploaded",
		zap.String("remote_id", result.RemoteID),
		zap.Int64("size_bytes", size),
	)
	return result, nil
}

// getAccessToken exchanges the refresh token for a bearer token, cached
// until near expiry.
func (t *DriveTransport) getAccessToken() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accessToken != "" && time.Now().Before(t.tokenExpiry) {
		return t.accessToken, nil
	}

	form := url.Values{
		"client_id":     {t.cfg.Drive.ClientID},
		"client_secret": {t.cfg.Drive.ClientSecret},
		"refresh_token": {t.cfg.Drive.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	resp, err := t.httpClient.PostForm(t.cfg.Drive.TokenURL, form)
	if err != nil {
		return "", fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange returned status %d: %s", resp.StatusCode, string(body))
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token response contained no access token")
	}

	t.accessToken = token.AccessToken
	t.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn)*time.Second - tokenExpiryMargin)

	t.logger.Debug("Access token refreshed",
		zap.Time("expiry", t.tokenExpiry),
	)
	return t.accessToken, nil
}

// ensureFolders resolves the destination folder: project folder under
// the configured parent, then a subject folder under it when a subject
// id is configured. Lookup-or-create, never duplicated; the resolved id
// is cached for the transport's lifetime.
func (t *DriveTransport) ensureFolders(token string) (string, error) {
	t.mu.Lock()
	if t.folderID != "" {
		id := t.folderID
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	parent := t.cfg.Drive.FolderID
	folderID, err := t.lookupOrCreateFolder(token, parent, t.cfg.Study.ProjectName)
	if err != nil {
		return "", err
	}

	if t.cfg.Study.SubjectID != "" {
		folderID, err = t.lookupOrCreateFolder(token, folderID, t.cfg.Study.SubjectID)
		if err != nil {
			return "", err
		}
	}

	t.mu.Lock()
	t.folderID = folderID
	t.mu.Unlock()
	return folderID, nil
}

func (t *DriveTransport) lookupOrCreateFolder(token, parentID, name string) (string, error) {
	if name == "" {
		return parentID, nil
	}

	query := fmt.Sprintf("name='%s' and mimeType='application/vnd.google-apps.folder' and trashed=false", name)
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", parentID)
	}

	listURL := fmt.Sprintf("%s/files?q=%s&fields=files(id,name)",
		t.cfg.Drive.APIBaseURL, url.QueryEscape(query))
	req, err := http.NewRequest(http.MethodGet, listURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create folder lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("folder lookup failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("folder lookup returned status %d: %s", resp.StatusCode, string(body))
	}

	var list struct {
		Files []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"files"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return "", fmt.Errorf("failed to parse folder list: %w", err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].ID, nil
	}

	return t.createFolder(token, parentID, name)
}

func (t *DriveTransport) createFolder(token, parentID, name string) (string, error) {
	folder := map[string]interface{}{
		"name":     name,
		"mimeType": "application/vnd.google-apps.folder",
	}
	if parentID != "" {
		folder["parents"] = []string{parentID}
	}
	jsonData, err := json.Marshal(folder)
	if err != nil {
		return "", fmt.Errorf("failed to marshal folder metadata: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, t.cfg.Drive.APIBaseURL+"/files", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create folder request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("folder creation failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("folder creation returned status %d: %s", resp.StatusCode, string(body))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to parse created folder: %w", err)
	}

	t.logger.Info("Destination folder created", zap.String("name", name))
	return created.ID, nil
}

// uploadMultipart is the single-request path for archives under the
// size threshold: metadata and content in one multipart/related body.
func (t *DriveTransport) uploadMultipart(token, folderID, name, archivePath string) (*Result, error) {
	fileMeta, err := json.Marshal(map[string]interface{}{
		"name":    name,
		"parents": []string{folderID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file metadata: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata part: %w", err)
	}
	metaPart.Write(fileMeta)

	filePart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/zip"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create content part: %w", err)
	}
	src, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if _, err := io.Copy(filePart, src); err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to copy archive into request: %w", err)
	}
	src.Close()
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	uploadURL := t.cfg.Drive.UploadBaseURL + "/files?uploadType=multipart&fields=id,webViewLink"
	req, err := http.NewRequest(http.MethodPost, uploadURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	return t.finishUpload(req)
}

// uploadResumable is the two-phase path for large archives: an initiate
// request yields a session URI, then the bytes are streamed to it.
func (t *DriveTransport) uploadResumable(token, folderID, name, archivePath string, size int64) (*Result, error) {
	fileMeta, err := json.Marshal(map[string]interface{}{
		"name":    name,
		"parents": []string{folderID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file metadata: %w", err)
	}

	initURL := t.cfg.Drive.UploadBaseURL + "/files?uploadType=resumable&fields=id,webViewLink"
	initReq, err := http.NewRequest(http.MethodPost, initURL, bytes.NewBuffer(fileMeta))
	if err != nil {
		return nil, fmt.Errorf("failed to create initiate request: %w", err)
	}
	initReq.Header.Set("Authorization", "Bearer "+token)
	initReq.Header.Set("Content-Type", "application/json; charset=UTF-8")
	initReq.Header.Set("X-Upload-Content-Type", "application/zip")
	initReq.Header.Set("X-Upload-Content-Length", fmt.Sprintf("%d", size))

	initResp, err := t.httpClient.Do(initReq)
	if err != nil {
		return nil, fmt.Errorf("initiate request failed: %w", err)
	}
	io.Copy(io.Discard, initResp.Body)
	initResp.Body.Close()

	if initResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("initiate returned status %d", initResp.StatusCode)
	}
	sessionURI := initResp.Header.Get("Location")
	if sessionURI == "" {
		return nil, fmt.Errorf("initiate response carried no session URI")
	}

	src, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer src.Close()

	putReq, err := http.NewRequest(http.MethodPut, sessionURI, src)
	if err != nil {
		return nil, fmt.Errorf("failed to create content request: %w", err)
	}
	putReq.ContentLength = size
	putReq.Header.Set("Content-Type", "application/zip")

	return t.finishUpload(putReq)
}

func (t *DriveTransport) finishUpload(req *http.Request) (*Result, error) {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upload returned status %d: %s", resp.StatusCode, string(body))
	}

	var uploaded struct {
		ID          string `json:"id"`
		WebViewLink string `json:"webViewLink"`
	}
	if err := json.Unmarshal(body, &uploaded); err != nil {
		return nil, fmt.Errorf("failed to parse upload response: %w", err)
	}

	return &Result{
		Success:  true,
		Message:  "uploaded to remote storage",
		RemoteID: uploaded.ID,
		ViewLink: uploaded.WebViewLink,
	}, nil
}
