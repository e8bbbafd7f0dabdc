package scheduler

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"studytrace/recorder-agent/internal/platform"
	"studytrace/recorder-agent/internal/session"
	"studytrace/recorder-agent/internal/storage"

	"go.uber.org/zap"
)

type fakeCapturer struct {
	mu         sync.Mutex
	app        string
	title      string
	captureErr error
	windowErr  error
	captures   int
}

func (f *fakeCapturer) CaptureScreen() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	f.captures++
	return testPNG(), nil
}

func (f *fakeCapturer) ActiveWindow() (*platform.WindowInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.windowErr != nil {
		return nil, f.windowErr
	}
	return &platform.WindowInfo{Application: f.app, Title: f.title}, nil
}

func (f *fakeCapturer) set(app string, captureErr, windowErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.app = app
	f.captureErr = captureErr
	f.windowErr = windowErr
}

func (f *fakeCapturer) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

func testPNG() []byte {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	return buf.Bytes()
}

func newTestScheduler(t *testing.T, capturer platform.Capturer, excluded []string) (*Scheduler, *session.Ledger) {
	t.Helper()
	blobs, err := storage.NewBlobStore(t.TempDir(), 2, zap.NewNop())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	ledger := session.NewLedger(blobs, zap.NewNop())
	s := New(capturer, blobs, func() *session.Ledger { return ledger }, nil,
		10*time.Millisecond, excluded, zap.NewNop())
	return s, ledger
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSchedulerCapturesAndRecords(t *testing.T) {
	t.Parallel()
	capturer := &fakeCapturer{app: "Editor", title: "main.go"}
	s, ledger := newTestScheduler(t, capturer, nil)

	s.Start()
	waitFor(t, 2*time.Second, func() bool { return ledger.ScreenshotCount() >= 2 })
	s.Stop()

	stats := ledger.Stats()
	if _, ok := stats.AppSummary["Editor"]; !ok && stats.TotalScreenshots < 2 {
		t.Fatalf("expected Editor captures recorded, stats: %+v", stats)
	}
	shots := ledger.Artifacts()
	if shots[0].AppName != "Editor" || shots[0].WindowTitle != "main.go" {
		t.Fatalf("unexpected artifact identity: %+v", shots[0])
	}
}

func TestSchedulerExclusionSuppressesWholeCycle(t *testing.T) {
	t.Parallel()
	capturer := &fakeCapturer{app: "Slack for Desktop"}
	s, ledger := newTestScheduler(t, capturer, []string{"Slack"})

	s.Start()
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	if got := capturer.captureCount(); got != 0 {
		t.Fatalf("suppressed cycles must not capture at all, got %d captures", got)
	}
	if got := ledger.ScreenshotCount(); got != 0 {
		t.Fatalf("ledger must stay unchanged on suppressed cycles, got %d artifacts", got)
	}
	if stats := ledger.Stats(); stats.TotalActiveSeconds != 0 {
		t.Fatalf("no usage may accrue on suppressed cycles, got %d", stats.TotalActiveSeconds)
	}
}

func TestSchedulerCaptureFailureDoesNotHaltLoop(t *testing.T) {
	t.Parallel()
	capturer := &fakeCapturer{app: "Editor", captureErr: errors.New("screen locked")}
	s, ledger := newTestScheduler(t, capturer, nil)

	s.Start()
	time.Sleep(50 * time.Millisecond)
	if got := ledger.ScreenshotCount(); got != 0 {
		t.Fatalf("failed captures must not record artifacts, got %d", got)
	}

	capturer.set("Editor", nil, nil)
	waitFor(t, 2*time.Second, func() bool { return ledger.ScreenshotCount() >= 1 })
	s.Stop()
}

func TestSchedulerUnknownIdentityFallback(t *testing.T) {
	t.Parallel()
	capturer := &fakeCapturer{windowErr: platform.ErrPermission}
	s, ledger := newTestScheduler(t, capturer, nil)

	s.Start()
	waitFor(t, 2*time.Second, func() bool { return ledger.ScreenshotCount() >= 1 })
	s.Stop()

	shots := ledger.Artifacts()
	if shots[0].AppName != "Unknown" {
		t.Fatalf("expected unknown sentinel, got %q", shots[0].AppName)
	}
	if stats := ledger.Stats(); stats.TotalActiveSeconds != 0 {
		t.Fatalf("unknown identity must not accrue usage, got %d", stats.TotalActiveSeconds)
	}
}

func TestSchedulerStopCancelsFutureCaptures(t *testing.T) {
	t.Parallel()
	capturer := &fakeCapturer{app: "Editor"}
	s, ledger := newTestScheduler(t, capturer, nil)

	s.Start()
	waitFor(t, 2*time.Second, func() bool { return ledger.ScreenshotCount() >= 1 })
	s.Stop()

	before := ledger.ScreenshotCount()
	time.Sleep(60 * time.Millisecond)
	if after := ledger.ScreenshotCount(); after != before {
		t.Fatalf("captures continued after stop: %d then %d", before, after)
	}
}

func TestSchedulerPausedCycleSkipsCapture(t *testing.T) {
	t.Parallel()
	capturer := &fakeCapturer{app: "Editor"}
	s, ledger := newTestScheduler(t, capturer, nil)

	ledger.Pause()
	s.Start()
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	if got := capturer.captureCount(); got != 0 {
		t.Fatalf("paused cycles must not capture, got %d", got)
	}
}
