package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"studytrace/recorder-agent/internal/journal"
	"studytrace/recorder-agent/internal/models"
	"studytrace/recorder-agent/internal/platform"
	"studytrace/recorder-agent/internal/session"
	"studytrace/recorder-agent/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LedgerProvider returns the currently active ledger. Retirement swaps
// the ledger behind this function, so the scheduler always writes into
// the live session.
type LedgerProvider func() *session.Ledger

// Scheduler runs the periodic capture loop. It is self-rescheduling,
// not fixed-rate: the timer is re-armed only after a cycle's work
// settles, so a slow capture shifts later cycles instead of
// overlapping them. A failed capture never halts the loop.
type Scheduler struct {
	capturer platform.Capturer
	blobs    *storage.BlobStore
	ledger   LedgerProvider
	journal  *journal.Journal
	interval time.Duration
	excluded []string
	logger   *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. excludedApps entries match the foreground
// application case-insensitively as substrings.
func New(
	capturer platform.Capturer,
	blobs *storage.BlobStore,
	ledger LedgerProvider,
	jrnl *journal.Journal,
	interval time.Duration,
	excludedApps []string,
	logger *zap.Logger,
) *Scheduler {
	excluded := make([]string, 0, len(excludedApps))
	for _, app := range excludedApps {
		if trimmed := strings.TrimSpace(app); trimmed != "" {
			excluded = append(excluded, strings.ToLower(trimmed))
		}
	}
	return &Scheduler{
		capturer: capturer,
		blobs:    blobs,
		ledger:   ledger,
		journal:  jrnl,
		interval: interval,
		excluded: excluded,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start arms the capture loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()

	s.logger.Info("Capture scheduler started",
		zap.Duration("interval", s.interval),
		zap.Strings("excluded_apps", s.excluded),
	)
}

// Stop cancels all future re-arming. No capture runs after Stop
// returns; an in-flight cycle completes and is simply not rescheduled.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("Capture scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.cycle()
			// Re-arm only after the cycle settled.
			timer.Reset(s.interval)
		case <-s.stopChan:
			return
		}
	}
}

// cycle performs one capture: resolve the foreground identity, apply
// the exclusion policy, capture, store blobs, feed the ledger.
func (s *Scheduler) cycle() {
	led := s.ledger()
	if led == nil || !led.Recording() {
		return
	}
	if led.Paused() {
		// Loop stays armed while paused, but no capture and no ledger
		// mutation happens.
		s.logger.Debug("Capture skipped, recording paused")
		return
	}

	appName, windowTitle := s.resolveWindow()

	if excludedBy, suppressed := s.matchExcluded(appName); suppressed {
		s.logger.Info("Capture suppressed by exclusion filter",
			zap.String("app", appName),
			zap.String("rule", excludedBy),
		)
		return
	}

	imageBytes, err := s.capturer.CaptureScreen()
	if err != nil {
		s.logger.Warn("Capture failed, cycle skipped", zap.Error(err))
		return
	}

	now := time.Now()
	fileName := fmt.Sprintf("%s_%s.png", now.Format("20060102T150405"), uuid.NewString()[:8])
	imagePath, thumbPath, err := s.blobs.Save(fileName, imageBytes)
	if err != nil {
		s.logger.Error("Failed to store capture blobs", zap.Error(err))
		return
	}

	shot := models.Screenshot{
		ID:          uuid.NewString(),
		CapturedAt:  now,
		AppName:     appName,
		WindowTitle: windowTitle,
		ImagePath:   imagePath,
		ThumbPath:   thumbPath,
	}

	led.RecordCapture(appName, windowTitle, shot)

	if s.journal != nil {
		if err := s.journal.RecordArtifact(shot); err != nil {
			s.logger.Warn("Failed to journal artifact", zap.Error(err))
		}
	}
}

// resolveWindow degrades identity-inspection failures to the unknown
// sentinel; they are never fatal to the cycle.
func (s *Scheduler) resolveWindow() (string, string) {
	info, err := s.capturer.ActiveWindow()
	if err != nil {
		if errors.Is(err, platform.ErrPermission) {
			s.logger.Debug("Window inspection unavailable")
		} else {
			s.logger.Warn("Failed to resolve foreground window", zap.Error(err))
		}
		return models.UnknownApp, ""
	}
	if info == nil || info.Application == "" {
		return models.UnknownApp, ""
	}
	return info.Application, info.Title
}

func (s *Scheduler) matchExcluded(appName string) (string, bool) {
	if appName == models.UnknownApp {
		return "", false
	}
	lower := strings.ToLower(appName)
	for _, rule := range s.excluded {
		if strings.Contains(lower, rule) {
			return rule, true
		}
	}
	return "", false
}
