//go:build !trace

package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTraceStubNoOps(t *testing.T) {
	if err := Start(filepath.Join(t.TempDir(), "trace.out")); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	Stop()

	ctx, endTask := StartTask(context.Background(), "sanitize_file")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	endTask()

	endRegion := StartRegion(ctx, "encode")
	endRegion()

	Log(ctx, "file", "photo.jpg")
}

func TestWriteFlightRecorderWithoutStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.out")
	if err := WriteFlightRecorder(path); err != nil {
		t.Fatalf("WriteFlightRecorder() returned error without recorder: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected no file to be written when recorder is disabled")
	}
}

func TestFlightRecorderRoundTrip(t *testing.T) {
	if err := StartFlightRecorder(1<<20, time.Second); err != nil {
		t.Fatalf("StartFlightRecorder: %v", err)
	}
	defer StopFlightRecorder()
	if err := StartFlightRecorder(1<<20, time.Second); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	path := filepath.Join(t.TempDir(), "flight.out")
	if err := WriteFlightRecorder(path); err != nil {
		t.Fatalf("WriteFlightRecorder: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected flight file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
}
