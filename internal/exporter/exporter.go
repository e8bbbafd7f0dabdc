package exporter

import (
	"time"

	"studytrace/recorder-agent/internal/client"
	"studytrace/recorder-agent/internal/config"
	"studytrace/recorder-agent/internal/models"
	"studytrace/recorder-agent/internal/session"

	"go.uber.org/zap"
)

// Exporter moves a ledger snapshot off-box. It builds the flattened
// upload metadata, delivers it through the configured transport, and
// recovers every transport outcome into a uniform Result. Caller
// contract: on Success the session is retired; on failure it is
// retained, so no data is ever silently dropped.
type Exporter struct {
	transport     Transport
	api           *client.APIClient
	device        models.DeviceInfo
	subjectID     string
	projectName   string
	notifyStorage bool
	logger        *zap.Logger
	now           func() time.Time
}

// New selects the transport from configuration: remote storage when
// drive credentials are present, the direct API endpoint otherwise.
func New(cfg *config.Config, api *client.APIClient, device models.DeviceInfo, logger *zap.Logger) *Exporter {
	e := &Exporter{
		api:         api,
		device:      device,
		subjectID:   cfg.Study.SubjectID,
		projectName: cfg.Study.ProjectName,
		logger:      logger,
		now:         time.Now,
	}
	if cfg.HasDriveCredentials() {
		e.transport = NewDriveTransport(cfg, logger)
		// After a storage upload the backend still wants the metadata
		// record; delivered best-effort.
		e.notifyStorage = true
	} else {
		e.transport = NewAPITransport(cfg.Backend.BaseURL, cfg.Backend.Token, logger)
	}
	return e
}

// TransportName reports which delivery strategy is active.
func (e *Exporter) TransportName() string {
	return e.transport.Name()
}

// Export delivers the snapshot. Transport errors never escape as
// faults; they come back as a failure Result.
func (e *Exporter) Export(snap session.Snapshot) Result {
	meta := e.buildMetadata(snap)

	e.logger.Info("Starting export",
		zap.String("transport", e.transport.Name()),
		zap.Int("screenshots", meta.TotalScreenshots),
		zap.Int64("active_seconds", meta.TotalActiveSeconds),
	)

	result, err := e.transport.Upload(meta, snap.Screenshots)
	if err != nil {
		e.logger.Error("Export failed",
			zap.String("transport", e.transport.Name()),
			zap.Error(err),
		)
		return Result{Success: false, Message: err.Error()}
	}

	if result.Success && e.notifyStorage {
		if err := e.api.SendMetadata(meta); err != nil {
			// Secondary notification only; never turns a successful
			// export into a failure.
			e.logger.Warn("Metadata notification failed after upload", zap.Error(err))
		}
	}

	return *result
}

// buildMetadata flattens session statistics, study context, device info
// and the per-artifact event log into a single record.
func (e *Exporter) buildMetadata(snap session.Snapshot) *models.UploadMetadata {
	now := e.now()

	sessionEnd := now
	if snap.Stats.EndTime != nil {
		sessionEnd = *snap.Stats.EndTime
	}

	events := make([]models.ActivityEvent, 0, len(snap.Screenshots))
	for _, shot := range snap.Screenshots {
		events = append(events, models.ActivityEvent{
			Timestamp:       shot.CapturedAt,
			App:             shot.AppName,
			Title:           shot.WindowTitle,
			DurationSeconds: shot.ActiveDurationSeconds,
			File:            shot.FileName(),
		})
	}

	return &models.UploadMetadata{
		SubjectID:          e.subjectID,
		ProjectName:        e.projectName,
		Device:             e.device,
		SessionStart:       snap.Stats.StartTime,
		SessionEnd:         sessionEnd,
		TotalScreenshots:   snap.Stats.TotalScreenshots,
		TotalActiveSeconds: snap.Stats.TotalActiveSeconds,
		AppSummary:         snap.Stats.AppSummary,
		Events:             events,
		UploadedAt:         now,
	}
}
