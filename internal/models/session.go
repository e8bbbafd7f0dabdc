package models

import "time"

// SessionStats is a point-in-time summary of a recording session.
type SessionStats struct {
	StartTime          time.Time        `json:"startTime"`
	EndTime            *time.Time       `json:"endTime,omitempty"`
	TotalScreenshots   int              `json:"totalScreenshots"`
	TotalActiveSeconds int64            `json:"totalActiveSeconds"`
	AppSummary         map[string]int64 `json:"appSummary"`
}

// ActivityEvent is the per-artifact row in the upload event log.
type ActivityEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	App             string    `json:"app"`
	Title           string    `json:"title"`
	DurationSeconds int64     `json:"durationSeconds"`
	File            string    `json:"artifactFileName"`
}

// DeviceInfo identifies the machine a session was recorded on.
type DeviceInfo struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"deviceName,omitempty"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
}

// UploadMetadata is the flattened record sent with every export:
// session statistics, study context, device info and the event log.
type UploadMetadata struct {
	SubjectID          string           `json:"subjectId,omitempty"`
	ProjectName        string           `json:"projectName,omitempty"`
	Device             DeviceInfo       `json:"device"`
	SessionStart       time.Time        `json:"sessionStart"`
	SessionEnd         time.Time        `json:"sessionEnd"`
	TotalScreenshots   int              `json:"totalScreenshots"`
	TotalActiveSeconds int64            `json:"totalActiveSeconds"`
	AppSummary         map[string]int64 `json:"appSummary"`
	Events             []ActivityEvent  `json:"events"`
	UploadedAt         time.Time        `json:"uploadedAt"`
}
