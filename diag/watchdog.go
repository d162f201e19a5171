// Package diag watches a running batch and dumps diagnostics when it stops
// making progress, which usually means a worker is stuck on a remote call
// or a pathological decode.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"shielded/logger"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

type Options struct {
	// StallThreshold is how long the finished-file count may stay flat
	// before a dump. Zero disables the watchdog.
	StallThreshold time.Duration
	Dir            string
	// Total is the number of files in the batch, recorded in the event.
	Total int64
	// GoroutineDump writes a goroutine profile on Close as well as on
	// every stall.
	GoroutineDump      bool
	ProgressFn         func() int64
	DumpFlightRecorder func(path string) error
	NowFn              func() time.Time
	ProfileLookupFn    func(name string) profileWriter
}

type Watchdog struct {
	stallThreshold     time.Duration
	dir                string
	total              int64
	goroutineDump      bool
	progressFn         func() int64
	dumpFlightRecorder func(path string) error
	nowFn              func() time.Time
	profileLookupFn    func(name string) profileWriter

	mu             sync.Mutex
	lastProgressAt time.Time
	lastProgress   int64
	lastDumpAt     time.Time
	stalls         int

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewWatchdog(opts Options) *Watchdog {
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	profileLookup := opts.ProfileLookupFn
	if profileLookup == nil {
		profileLookup = func(name string) profileWriter {
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	return &Watchdog{
		stallThreshold:     opts.StallThreshold,
		dir:                dir,
		total:              opts.Total,
		goroutineDump:      opts.GoroutineDump,
		progressFn:         opts.ProgressFn,
		dumpFlightRecorder: opts.DumpFlightRecorder,
		nowFn:              nowFn,
		profileLookupFn:    profileLookup,
	}
}

// Start polls progress until ctx ends or Close is called. It is a no-op
// without a threshold or a progress source.
func (w *Watchdog) Start(ctx context.Context) {
	if w == nil || w.stallThreshold <= 0 || w.progressFn == nil || w.stopCh != nil {
		return
	}

	now := w.nowFn()
	w.mu.Lock()
	w.lastProgress = w.progressFn()
	w.lastProgressAt = now
	w.lastDumpAt = time.Time{}
	w.mu.Unlock()

	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	interval := w.stallThreshold / 2
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if interval > 2*time.Second {
		interval = 2 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(w.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.probe(w.nowFn())
			}
		}
	}()
}

func (w *Watchdog) Close() {
	if w == nil {
		return
	}
	if w.stopCh != nil {
		close(w.stopCh)
		<-w.doneCh
		w.stopCh = nil
		w.doneCh = nil
	}

	if w.goroutineDump {
		if _, err := w.writeProfile("goroutine", 2); err != nil {
			logger.Warnf("Goroutine profile dump failed: %v", err)
		}
	}
}

// Stalls is the number of stall dumps written so far.
func (w *Watchdog) Stalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stalls
}

func (w *Watchdog) probe(now time.Time) {
	if w == nil || w.progressFn == nil || w.stallThreshold <= 0 {
		return
	}

	progress := w.progressFn()

	w.mu.Lock()
	if progress != w.lastProgress {
		w.lastProgress = progress
		w.lastProgressAt = now
		w.mu.Unlock()
		return
	}
	if w.total > 0 && progress >= w.total {
		w.mu.Unlock()
		return
	}
	if w.lastProgressAt.IsZero() {
		w.lastProgressAt = now
		w.mu.Unlock()
		return
	}
	stalledFor := now.Sub(w.lastProgressAt)
	shouldDump := stalledFor >= w.stallThreshold &&
		(w.lastDumpAt.IsZero() || now.Sub(w.lastDumpAt) >= w.stallThreshold)
	if shouldDump {
		w.lastDumpAt = now
		w.stalls++
	}
	w.mu.Unlock()

	if shouldDump {
		logger.WithFields(map[string]interface{}{
			"finished":   progress,
			"total":      w.total,
			"stalled_ms": stalledFor.Milliseconds(),
		}).Warn("Batch stalled")
		if err := w.dumpStallArtifacts(now, progress, stalledFor); err != nil {
			logger.Warnf("Stall dump failed: %v", err)
		}
	}
}

func (w *Watchdog) dumpStallArtifacts(now time.Time, progress int64, stalledFor time.Duration) error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return err
	}
	ts := now.UTC().Format("20060102-150405.000")
	eventPath := filepath.Join(w.dir, fmt.Sprintf("shielded-stall-%s.json", ts))
	event := map[string]interface{}{
		"event":               "batch_stall_threshold_exceeded",
		"timestamp":           now.UTC().Format(time.RFC3339Nano),
		"files_finished":      progress,
		"files_total":         w.total,
		"threshold_ms":        w.stallThreshold.Milliseconds(),
		"observed_stalled_ms": stalledFor.Milliseconds(),
	}
	b, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(eventPath, b, 0600); err != nil {
		return err
	}

	if _, err := w.writeProfile("goroutine", 1); err != nil {
		logger.Debugf("Stall goroutine profile unavailable: %v", err)
	}
	if w.dumpFlightRecorder != nil {
		tracePath := filepath.Join(w.dir, fmt.Sprintf("shielded-flight-%s.out", ts))
		if err := w.dumpFlightRecorder(tracePath); err != nil {
			logger.Warnf("Flight recorder dump failed: %v", err)
		}
	}
	return nil
}

func (w *Watchdog) writeProfile(name string, debug int) (string, error) {
	if w == nil {
		return "", fmt.Errorf("watchdog is nil")
	}
	if w.profileLookupFn == nil {
		return "", fmt.Errorf("profile lookup function is nil")
	}
	profile := w.profileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return "", err
	}
	ts := w.nowFn().UTC().Format("20060102-150405.000")
	path := filepath.Join(w.dir, fmt.Sprintf("shielded-%s-profile-d%d-%s.pprof", name, debug, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
