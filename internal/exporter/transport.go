package exporter

import (
	"studytrace/recorder-agent/internal/models"
)

// Result is the uniform outcome of an export attempt, regardless of
// which transport carried it.
type Result struct {
	Success  bool
	Message  string
	RemoteID string
	ViewLink string
}

// Transport is a pluggable strategy for delivering a built payload to a
// remote system. Transports make exactly one attempt; higher-level
// retry happens only through the autonomous triggers re-invoking the
// pipeline on their own cadence.
type Transport interface {
	Name() string
	Upload(meta *models.UploadMetadata, shots []models.Screenshot) (*Result, error)
}

// TransportError is a failed credential fetch, folder resolution or
// upload. It surfaces as a failure Result from the pipeline and is
// never retried within the same attempt.
type TransportError struct {
	Stage   string
	Message string
}

func (e *TransportError) Error() string {
	return e.Stage + ": " + e.Message
}
