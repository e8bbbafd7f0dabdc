package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds the full agent configuration, loaded from YAML with
// environment-variable overrides.
type Config struct {
	Env string `yaml:"env" env:"RECORDER_ENV" env-default:"production"`

	Log struct {
		Level  string `yaml:"level" env:"RECORDER_LOG_LEVEL" env-default:"info"`
		Format string `yaml:"format" env:"RECORDER_LOG_FORMAT" env-default:"json"`
	} `yaml:"log"`

	// StoragePath is the sqlite database used for the local export journal.
	StoragePath string `yaml:"storage_path" env:"RECORDER_STORAGE_PATH" env-default:"recorder.db"`

	Device struct {
		ID   string `yaml:"id" env:"RECORDER_DEVICE_ID"`
		Name string `yaml:"name" env:"RECORDER_DEVICE_NAME"`
	} `yaml:"device"`

	Capture struct {
		// Interval between capture cycles, in seconds.
		Interval int `yaml:"interval" env:"RECORDER_CAPTURE_INTERVAL" env-default:"60"`
		// DataDir receives the fullres/ and thumbs/ image directories.
		DataDir        string   `yaml:"data_dir" env:"RECORDER_DATA_DIR" env-default:"captures"`
		ThumbnailWidth int      `yaml:"thumbnail_width" env-default:"320"`
		// ExcludedApps suppresses the whole capture cycle when the
		// foreground application matches (case-insensitive substring).
		ExcludedApps []string `yaml:"excluded_apps" env:"RECORDER_EXCLUDED_APPS"`
	} `yaml:"capture"`

	Upload struct {
		// AutoThreshold triggers an export once this many screenshots
		// are buffered in the session.
		AutoThreshold int `yaml:"auto_threshold" env:"RECORDER_UPLOAD_THRESHOLD" env-default:"30"`
		// CheckInterval is how often the threshold and study-end
		// triggers are evaluated, in seconds.
		CheckInterval int `yaml:"check_interval" env-default:"60"`
		// NotifyCooldown limits operator failure notices to one per
		// window, in seconds.
		NotifyCooldown int `yaml:"notify_cooldown" env-default:"900"`
	} `yaml:"upload"`

	Backend struct {
		BaseURL string `yaml:"base_url" env:"RECORDER_BACKEND_URL"`
		Token   string `yaml:"token" env:"RECORDER_BACKEND_TOKEN"`
		// Timeout for backend requests, in seconds.
		Timeout int `yaml:"timeout" env-default:"30"`
		// StatusInterval is the remote stop-signal poll cadence, in seconds.
		StatusInterval int `yaml:"status_interval" env-default:"300"`
	} `yaml:"backend"`

	Study struct {
		SubjectID       string `yaml:"subject_id" env:"RECORDER_SUBJECT_ID"`
		ProjectName     string `yaml:"project_name" env:"RECORDER_PROJECT_NAME"`
		// EndTime is an optional RFC 3339 cutoff after which the agent
		// performs a final export and terminates.
		EndTime         string `yaml:"end_time" env:"RECORDER_STUDY_END"`
		OperatorContact string `yaml:"operator_contact"`
	} `yaml:"study"`

	Drive struct {
		ClientID     string `yaml:"client_id" env:"RECORDER_DRIVE_CLIENT_ID"`
		ClientSecret string `yaml:"client_secret" env:"RECORDER_DRIVE_CLIENT_SECRET"`
		RefreshToken string `yaml:"refresh_token" env:"RECORDER_DRIVE_REFRESH_TOKEN"`
		// FolderID is the destination parent folder; empty means the
		// drive root.
		FolderID string `yaml:"folder_id" env:"RECORDER_DRIVE_FOLDER_ID"`

		TokenURL      string `yaml:"token_url" env-default:"https://oauth2.googleapis.com/token"`
		APIBaseURL    string `yaml:"api_base_url" env-default:"https://www.googleapis.com/drive/v3"`
		UploadBaseURL string `yaml:"upload_base_url" env-default:"https://www.googleapis.com/upload/drive/v3"`
		// SimpleUploadLimit is the archive size in bytes at which the
		// transport switches from the single-request multipart upload
		// to the two-phase resumable upload.
		SimpleUploadLimit int64 `yaml:"simple_upload_limit" env-default:"5242880"`
	} `yaml:"drive"`
}

// Load reads the configuration file and applies environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the invariants the agent cannot start without.
func (c *Config) Validate() error {
	if c.Capture.Interval <= 0 {
		return fmt.Errorf("capture.interval must be positive, got %d", c.Capture.Interval)
	}
	if c.Capture.DataDir == "" {
		return fmt.Errorf("capture.data_dir must be set")
	}
	if c.Upload.AutoThreshold <= 0 {
		return fmt.Errorf("upload.auto_threshold must be positive, got %d", c.Upload.AutoThreshold)
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must be set")
	}

	// Drive credentials are all-or-nothing; a partial set means the
	// operator misconfigured the storage transport.
	set := 0
	for _, v := range []string{c.Drive.ClientID, c.Drive.ClientSecret, c.Drive.RefreshToken} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("drive credentials are partial: client_id, client_secret and refresh_token must all be set")
	}

	if c.Study.EndTime != "" {
		if _, err := time.Parse(time.RFC3339, c.Study.EndTime); err != nil {
			return fmt.Errorf("study.end_time is not RFC 3339: %w", err)
		}
	}
	return nil
}

// HasDriveCredentials reports whether the remote-storage transport is
// configured.
func (c *Config) HasDriveCredentials() bool {
	return c.Drive.ClientID != "" && c.Drive.ClientSecret != "" && c.Drive.RefreshToken != ""
}

// StudyEnd returns the parsed end-of-study cutoff, if configured.
func (c *Config) StudyEnd() (time.Time, bool) {
	if c.Study.EndTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, c.Study.EndTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CaptureInterval returns the capture cadence as a duration.
func (c *Config) CaptureInterval() time.Duration {
	return time.Duration(c.Capture.Interval) * time.Second
}
