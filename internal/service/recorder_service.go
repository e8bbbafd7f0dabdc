package service

import (
	"sync"
	"time"

	"studytrace/recorder-agent/internal/client"
	"studytrace/recorder-agent/internal/config"
	"studytrace/recorder-agent/internal/exporter"
	"studytrace/recorder-agent/internal/journal"
	"studytrace/recorder-agent/internal/models"
	"studytrace/recorder-agent/internal/platform"
	"studytrace/recorder-agent/internal/scheduler"
	"studytrace/recorder-agent/internal/session"
	"studytrace/recorder-agent/internal/storage"

	"go.uber.org/zap"
)

// ExportPipeline is the slice of the exporter the service drives.
// Satisfied by *exporter.Exporter; tests inject fakes.
type ExportPipeline interface {
	Export(snap session.Snapshot) exporter.Result
	TransportName() string
}

// RecorderService owns the active ledger/scheduler pair and the three
// autonomous export triggers: buffered-volume threshold, remote stop
// signal and the scheduled end-of-study cutoff. It is the single
// context object every entry point goes through; retirement replaces
// the ledger wholesale, never field-by-field.
type RecorderService struct {
	cfg      *config.Config
	capturer platform.Capturer
	blobs    *storage.BlobStore
	exporter ExportPipeline
	api      *client.APIClient
	journal  *journal.Journal
	logger   *zap.Logger

	mu           sync.RWMutex
	ledger       *session.Ledger
	lastNotice   time.Time
	studyEnded   bool
	scheduler    *scheduler.Scheduler

	shutdownChan chan string
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New wires the recorder service.
func New(
	cfg *config.Config,
	capturer platform.Capturer,
	blobs *storage.BlobStore,
	exp ExportPipeline,
	api *client.APIClient,
	jrnl *journal.Journal,
	logger *zap.Logger,
) *RecorderService {
	return &RecorderService{
		cfg:          cfg,
		capturer:     capturer,
		blobs:        blobs,
		exporter:     exp,
		api:          api,
		journal:      jrnl,
		logger:       logger,
		shutdownChan: make(chan string, 1),
		stopChan:     make(chan struct{}),
	}
}

// Start opens the first session and arms the scheduler and trigger loops.
func (rs *RecorderService) Start() error {
	rs.mu.Lock()
	rs.ledger = session.NewLedger(rs.blobs, rs.logger)
	rs.mu.Unlock()

	rs.scheduler = scheduler.New(
		rs.capturer,
		rs.blobs,
		rs.activeLedger,
		rs.journal,
		rs.cfg.CaptureInterval(),
		rs.cfg.Capture.ExcludedApps,
		rs.logger,
	)
	rs.scheduler.Start()

	rs.wg.Add(2)
	go rs.triggerLoop()
	go rs.statusLoop()

	rs.logger.Info("Recorder service started",
		zap.String("transport", rs.exporter.TransportName()),
		zap.Int("upload_threshold", rs.cfg.Upload.AutoThreshold),
	)
	return nil
}

// Stop halts the scheduler and trigger loops and closes the session.
func (rs *RecorderService) Stop() {
	rs.stopOnce.Do(func() {
		close(rs.stopChan)
	})

	rs.scheduler.Stop()
	rs.wg.Wait()

	led := rs.activeLedger()
	if led != nil {
		led.Stop()
		stats := led.Stats()
		rs.logger.Info("Final session stats",
			zap.Int("screenshots", stats.TotalScreenshots),
			zap.Int64("active_seconds", stats.TotalActiveSeconds),
		)
	}

	rs.logger.Info("Recorder service stopped")
}

// ShutdownRequests signals the process when a remote stop or the
// end-of-study cutoff decided the agent should terminate. The value is
// the human-readable reason.
func (rs *RecorderService) ShutdownRequests() <-chan string {
	return rs.shutdownChan
}

// Pause suspends captures and time accrual on the active session.
func (rs *RecorderService) Pause() {
	if led := rs.activeLedger(); led != nil {
		led.Pause()
	}
}

// Resume re-enables captures; the pause gap stays excluded from totals.
func (rs *RecorderService) Resume() {
	if led := rs.activeLedger(); led != nil {
		led.Resume()
	}
}

// Stats returns a consistent summary of the active session.
func (rs *RecorderService) Stats() models.SessionStats {
	led := rs.activeLedger()
	if led == nil {
		return models.SessionStats{}
	}
	return led.Stats()
}

// Artifacts lists the active session's artifacts, paths redacted.
func (rs *RecorderService) Artifacts() []models.Screenshot {
	led := rs.activeLedger()
	if led == nil {
		return nil
	}
	return led.Artifacts()
}

// RemoveArtifact deletes one artifact and its blobs from the active session.
func (rs *RecorderService) RemoveArtifact(id string) bool {
	led := rs.activeLedger()
	if led == nil {
		return false
	}
	return led.RemoveArtifact(id)
}

func (rs *RecorderService) activeLedger() *session.Ledger {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.ledger
}

// triggerLoop evaluates the volume threshold and the end-of-study
// cutoff on the configured cadence.
func (rs *RecorderService) triggerLoop() {
	defer rs.wg.Done()

	ticker := time.NewTicker(time.Duration(rs.cfg.Upload.CheckInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if rs.checkStudyEnd() {
				return
			}
			rs.checkVolume()
		case <-rs.stopChan:
			return
		}
	}
}

// statusLoop polls the remote stop signal. Poll errors are transient by
// design: logged and absorbed, never escalated.
func (rs *RecorderService) statusLoop() {
	defer rs.wg.Done()

	ticker := time.NewTicker(time.Duration(rs.cfg.Backend.StatusInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status, err := rs.api.CheckStatus()
			if err != nil {
				rs.logger.Warn("Status poll failed, will retry", zap.Error(err))
				continue
			}
			if status.Message != "" {
				rs.logger.Info("Status message from backend", zap.String("message", status.Message))
			}
			if status.ShouldStop {
				rs.finalExport("remote stop signal received")
				return
			}
		case <-rs.stopChan:
			return
		}
	}
}

func (rs *RecorderService) checkVolume() {
	led := rs.activeLedger()
	if led == nil || !led.Recording() {
		return
	}
	if led.ScreenshotCount() < rs.cfg.Upload.AutoThreshold {
		return
	}

	rs.logger.Info("Upload threshold reached",
		zap.Int("screenshots", led.ScreenshotCount()),
		zap.Int("threshold", rs.cfg.Upload.AutoThreshold),
	)

	if ok := rs.exportAndRetire(led); !ok {
		rs.notifyThrottled("auto-upload failed, session retained")
	}
}

// checkStudyEnd reports true when the cutoff fired and the loop should exit.
func (rs *RecorderService) checkStudyEnd() bool {
	end, ok := rs.cfg.StudyEnd()
	if !ok || time.Now().Before(end) {
		return false
	}

	rs.mu.Lock()
	if rs.studyEnded {
		rs.mu.Unlock()
		return true
	}
	rs.studyEnded = true
	rs.mu.Unlock()

	rs.finalExport("study period ended")
	return true
}

// exportAndRetire snapshots the session, runs the export pipeline, and
// on success retires the ledger: blobs deleted, journal trimmed, fresh
// session opened. On failure the session is retained untouched.
func (rs *RecorderService) exportAndRetire(led *session.Ledger) bool {
	snap := led.Snapshot()
	result := rs.exporter.Export(snap)

	if err := rs.journal.RecordAttempt(snap.Stats, rs.exporter.TransportName(),
		result.Success, result.Message, result.RemoteID); err != nil {
		rs.logger.Warn("Failed to journal export attempt", zap.Error(err))
	}

	if !result.Success {
		rs.logger.Warn("Export failed, session retained",
			zap.String("message", result.Message),
			zap.Int("screenshots", snap.Stats.TotalScreenshots),
		)
		return false
	}

	rs.logger.Info("Export succeeded",
		zap.String("remote_id", result.RemoteID),
		zap.Int("screenshots", snap.Stats.TotalScreenshots),
	)

	rs.retire(led, snap)
	return true
}

func (rs *RecorderService) retire(old *session.Ledger, snap session.Snapshot) {
	rs.mu.Lock()
	rs.ledger = session.NewLedger(rs.blobs, rs.logger)
	rs.mu.Unlock()

	old.Stop()
	old.DeleteBlobs()

	ids := make([]string, 0, len(snap.Screenshots))
	for _, shot := range snap.Screenshots {
		ids = append(ids, shot.ID)
	}
	if err := rs.journal.RemoveArtifacts(ids); err != nil {
		rs.logger.Warn("Failed to trim artifact index", zap.Error(err))
	}

	rs.logger.Info("Session retired, new session started")
}

// finalExport performs a last export (its outcome does not change the
// shutdown decision) and asks the process to terminate.
func (rs *RecorderService) finalExport(reason string) {
	rs.logger.Info("Final export triggered", zap.String("reason", reason))

	led := rs.activeLedger()
	if led != nil && led.ScreenshotCount() > 0 {
		if ok := rs.exportAndRetire(led); !ok {
			rs.notifyThrottled("final export failed, session retained locally")
		}
	}

	select {
	case rs.shutdownChan <- reason:
	default:
	}
}

// notifyThrottled raises at most one operator-facing failure notice per
// cooldown window, system-wide, so simultaneous trigger failures do not
// cause a notification storm.
func (rs *RecorderService) notifyThrottled(detail string) {
	cooldown := time.Duration(rs.cfg.Upload.NotifyCooldown) * time.Second

	rs.mu.Lock()
	if time.Since(rs.lastNotice) < cooldown {
		rs.mu.Unlock()
		rs.logger.Debug("Failure notice suppressed by cooldown")
		return
	}
	rs.lastNotice = time.Now()
	rs.mu.Unlock()

	rs.api.NotifyFailure("export_failure", detail, rs.cfg.Study.OperatorContact)
}
