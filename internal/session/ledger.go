package session

import (
	"path/filepath"
	"sync"
	"time"

	"studytrace/recorder-agent/internal/models"
	"studytrace/recorder-agent/internal/storage"

	"go.uber.org/zap"
)

// windowAttribution is the currently attributed foreground window and
// the anchor time its duration is accruing from.
type windowAttribution struct {
	app   string
	title string
	since time.Time
}

// Ledger is the authoritative in-memory record of one recording
// session: the captured-artifact list, per-application accumulated
// active seconds, start/end and pause state. A Ledger is created
// recording and is terminal once stopped; retirement after a successful
// export replaces it wholesale with a fresh one.
//
// Accounting invariant: duration accrual never double-counts and never
// counts paused time. Every flush advances the accrual anchor, so a
// second flush with no elapsed time adds zero seconds.
type Ledger struct {
	mu        sync.Mutex
	startTime time.Time
	endTime   *time.Time
	recording bool
	paused    bool
	current   *windowAttribution
	artifacts []models.Screenshot
	usage     map[string]int64

	blobs  *storage.BlobStore
	logger *zap.Logger
	now    func() time.Time
}

// Snapshot is a consistent, read-only copy of the ledger state handed
// to the export pipeline.
type Snapshot struct {
	Stats       models.SessionStats
	Screenshots []models.Screenshot
}

// NewLedger starts a new recording session.
func NewLedger(blobs *storage.BlobStore, logger *zap.Logger) *Ledger {
	return newLedger(blobs, logger, time.Now)
}

func newLedger(blobs *storage.BlobStore, logger *zap.Logger, now func() time.Time) *Ledger {
	l := &Ledger{
		recording: true,
		startTime: now(),
		usage:     make(map[string]int64),
		blobs:     blobs,
		logger:    logger,
		now:       now,
	}
	l.logger.Info("Recording session started", zap.Time("start_time", l.startTime))
	return l
}

// flushLocked adds the open attribution window's elapsed whole seconds
// to its application total and re-anchors the window at now.
func (l *Ledger) flushLocked(now time.Time) {
	if l.current == nil {
		return
	}
	secs := int64(now.Sub(l.current.since).Seconds())
	if secs > 0 {
		l.usage[l.current.app] += secs
	}
	l.current.since = now
}

// RecordCapture feeds one completed capture cycle into the session. An
// unknown-identity capture appends the artifact but leaves window
// accounting untouched.
func (l *Ledger) RecordCapture(appName, windowTitle string, shot models.Screenshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.recording || l.paused {
		return
	}

	if appName != models.UnknownApp {
		now := l.now()
		l.flushLocked(now)
		l.current = &windowAttribution{app: appName, title: windowTitle, since: now}
	}

	l.artifacts = append(l.artifacts, shot)

	l.logger.Debug("Capture recorded",
		zap.String("id", shot.ID),
		zap.String("app", appName),
		zap.Int("total", len(l.artifacts)),
	)
}

// Pause freezes time accrual. The open window is flushed so the paused
// span is excluded from every total; the attributed identity is kept.
func (l *Ledger) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.recording || l.paused {
		return
	}
	l.flushLocked(l.now())
	l.paused = true
	l.logger.Info("Recording paused")
}

// Resume clears the attributed window entirely, so the first capture
// after resuming starts its own accrual window. Time between pause and
// resume never enters any total.
func (l *Ledger) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.recording || !l.paused {
		return
	}
	l.paused = false
	l.current = nil
	l.logger.Info("Recording resumed")
}

// Stop ends the session. Terminal: a new session requires a new Ledger.
func (l *Ledger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.recording {
		return
	}
	now := l.now()
	if !l.paused {
		l.flushLocked(now)
	}
	l.recording = false
	l.current = nil
	l.endTime = &now
	l.logger.Info("Recording session stopped",
		zap.Time("end_time", now),
		zap.Int("screenshots", len(l.artifacts)),
	)
}

// Recording reports whether the session is still open.
func (l *Ledger) Recording() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recording
}

// Paused reports whether captures and accrual are currently suspended.
func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// ScreenshotCount returns the number of buffered artifacts.
func (l *Ledger) ScreenshotCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.artifacts)
}

// Stats flushes the open accrual window (flush-and-continue: the anchor
// advances, so repeated reads never re-count an interval) and returns a
// summary with copied maps.
func (l *Ledger) Stats() models.SessionStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsLocked()
}

func (l *Ledger) statsLocked() models.SessionStats {
	if l.recording && !l.paused {
		l.flushLocked(l.now())
	}

	summary := make(map[string]int64, len(l.usage))
	var total int64
	for app, secs := range l.usage {
		summary[app] = secs
		total += secs
	}

	stats := models.SessionStats{
		StartTime:          l.startTime,
		TotalScreenshots:   len(l.artifacts),
		TotalActiveSeconds: total,
		AppSummary:         summary,
	}
	if l.endTime != nil {
		end := *l.endTime
		stats.EndTime = &end
	}
	return stats
}

// Snapshot returns a consistent copy of stats and artifacts for an
// export attempt. The export works against this copy only; captures
// into a replacement ledger after retirement are safe by construction.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	shots := make([]models.Screenshot, len(l.artifacts))
	copy(shots, l.artifacts)

	return Snapshot{
		Stats:       l.statsLocked(),
		Screenshots: shots,
	}
}

// Artifacts lists the captured artifacts with blob paths redacted to
// their basename, keeping filesystem layout out of external surfaces.
func (l *Ledger) Artifacts() []models.Screenshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Screenshot, len(l.artifacts))
	for i, shot := range l.artifacts {
		shot.ImagePath = filepath.Base(shot.ImagePath)
		shot.ThumbPath = filepath.Base(shot.ThumbPath)
		out[i] = shot
	}
	return out
}

// RemoveArtifact deletes the artifact's blobs best-effort and drops the
// entry. Returns false if the id is not present.
func (l *Ledger) RemoveArtifact(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, shot := range l.artifacts {
		if shot.ID != id {
			continue
		}
		if l.blobs != nil {
			l.blobs.Remove(shot.ImagePath, shot.ThumbPath)
		}
		l.artifacts = append(l.artifacts[:i], l.artifacts[i+1:]...)
		l.logger.Info("Artifact removed", zap.String("id", id))
		return true
	}
	return false
}

// DeleteBlobs removes every artifact's blobs best-effort. Called during
// retirement, after the artifacts have been exported.
func (l *Ledger) DeleteBlobs() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.blobs == nil {
		return
	}
	for _, shot := range l.artifacts {
		l.blobs.Remove(shot.ImagePath, shot.ThumbPath)
	}
}
