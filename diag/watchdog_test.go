package diag

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"shielded/logger"
)

func init() {
	logger.Init("error")
}

type fakeProfileWriter struct {
	content string
}

func (f fakeProfileWriter) WriteTo(w io.Writer, debug int) error {
	_, err := io.WriteString(w, f.content)
	return err
}

func goroutineOnly(name string) profileWriter {
	if name == "goroutine" {
		return fakeProfileWriter{content: "goroutine-profile"}
	}
	return nil
}

func TestProbeEmitsStallArtifacts(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	progress := int64(3)
	dir := t.TempDir()

	w := NewWatchdog(Options{
		StallThreshold: 2 * time.Second,
		Dir:            dir,
		Total:          10,
		ProgressFn:     func() int64 { return progress },
		DumpFlightRecorder: func(path string) error {
			return os.WriteFile(path, []byte("flight"), 0600)
		},
		NowFn:           func() time.Time { return now },
		ProfileLookupFn: goroutineOnly,
	})
	w.lastProgress = progress
	w.lastProgressAt = now

	w.probe(now.Add(3 * time.Second))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	var eventPath string
	var foundFlight, foundProfile bool
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasPrefix(name, "shielded-stall-") && strings.HasSuffix(name, ".json"):
			eventPath = filepath.Join(dir, name)
		case strings.HasPrefix(name, "shielded-flight-") && strings.HasSuffix(name, ".out"):
			foundFlight = true
		case strings.HasPrefix(name, "shielded-goroutine-profile-"):
			foundProfile = true
		}
	}
	if eventPath == "" {
		t.Fatal("expected stall event artifact")
	}
	if !foundFlight {
		t.Fatal("expected flight recorder artifact")
	}
	if !foundProfile {
		t.Fatal("expected goroutine profile artifact")
	}

	data, err := os.ReadFile(eventPath)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event["files_finished"] != float64(3) || event["files_total"] != float64(10) {
		t.Fatalf("unexpected event counts: %v", event)
	}
	if w.Stalls() != 1 {
		t.Fatalf("expected 1 stall, got %d", w.Stalls())
	}
}

func TestProbeThrottlesAndResets(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	progress := int64(0)
	w := NewWatchdog(Options{
		StallThreshold:  time.Second,
		Dir:             t.TempDir(),
		ProgressFn:      func() int64 { return progress },
		NowFn:           func() time.Time { return now },
		ProfileLookupFn: goroutineOnly,
	})
	w.lastProgressAt = now

	w.probe(now.Add(500 * time.Millisecond))
	if w.Stalls() != 0 {
		t.Fatal("expected no dump below threshold")
	}
	w.probe(now.Add(1500 * time.Millisecond))
	w.probe(now.Add(1800 * time.Millisecond))
	if w.Stalls() != 1 {
		t.Fatalf("expected one throttled dump, got %d", w.Stalls())
	}

	progress = 1
	w.probe(now.Add(3 * time.Second))
	w.probe(now.Add(3500 * time.Millisecond))
	if w.Stalls() != 1 {
		t.Fatalf("expected progress to reset the stall clock, got %d dumps", w.Stalls())
	}
}

func TestProbeIgnoresFinishedBatch(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	w := NewWatchdog(Options{
		StallThreshold: time.Second,
		Dir:            t.TempDir(),
		Total:          2,
		ProgressFn:     func() int64 { return 2 },
		NowFn:          func() time.Time { return now },
	})
	w.lastProgress = 2
	w.lastProgressAt = now
	w.probe(now.Add(time.Hour))
	if w.Stalls() != 0 {
		t.Fatal("did not expect a dump once every file finished")
	}
}

func TestStartDisabledWithoutThreshold(t *testing.T) {
	w := NewWatchdog(Options{ProgressFn: func() int64 { return 0 }})
	w.Start(context.Background())
	if w.stopCh != nil {
		t.Fatal("expected watchdog to stay idle without a threshold")
	}
	w.Close()

	var nilWatchdog *Watchdog
	nilWatchdog.Start(context.Background())
	nilWatchdog.Close()
}

func TestStartDetectsStall(t *testing.T) {
	dir := t.TempDir()
	var progress atomic.Int64
	w := NewWatchdog(Options{
		StallThreshold:  40 * time.Millisecond,
		Dir:             dir,
		ProgressFn:      progress.Load,
		ProfileLookupFn: goroutineOnly,
	})
	w.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for w.Stalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.Close()
	if w.Stalls() == 0 {
		t.Fatal("expected the watchdog to report a stall")
	}
}

func TestWriteProfileAvailableAndUnavailable(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	w := NewWatchdog(Options{
		Dir:             t.TempDir(),
		NowFn:           func() time.Time { return now },
		ProfileLookupFn: goroutineOnly,
	})

	path, err := w.writeProfile("goroutine", 0)
	if err != nil {
		t.Fatalf("write available profile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written profile: %v", err)
	}
	if string(data) != "goroutine-profile" {
		t.Fatalf("unexpected profile content: %q", string(data))
	}

	if _, err := w.writeProfile("heap-missing", 0); err == nil {
		t.Fatal("expected unavailable profile to return error")
	}
}

func TestCloseWritesGoroutineProfileWhenEnabled(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	w := NewWatchdog(Options{
		Dir:             dir,
		GoroutineDump:   true,
		NowFn:           func() time.Time { return now },
		ProfileLookupFn: goroutineOnly,
	})

	w.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "shielded-goroutine-profile-*.pprof"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 goroutine profile file, got %d", len(matches))
	}
}
