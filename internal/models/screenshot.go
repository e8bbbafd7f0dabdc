package models

import "time"

// UnknownApp is the sentinel identity used when the foreground
// application could not be determined.
const UnknownApp = "Unknown"

// Screenshot is one captured artifact. ImagePath and ThumbPath point at
// the blobs owned by the session; ActiveDurationSeconds is carried for
// the upload event log but per-app totals are aggregated in the ledger,
// not here.
type Screenshot struct {
	ID                    string    `json:"id"`
	CapturedAt            time.Time `json:"capturedAt"`
	AppName               string    `json:"appName"`
	WindowTitle           string    `json:"windowTitle"`
	ImagePath             string    `json:"imagePath"`
	ThumbPath             string    `json:"thumbPath"`
	ActiveDurationSeconds int64     `json:"activeDurationSeconds"`
}

// FileName returns the shared blob key for this screenshot.
func (s Screenshot) FileName() string {
	return baseName(s.ImagePath)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
