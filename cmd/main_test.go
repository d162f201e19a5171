package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"shielded/batch"
	"shielded/config"
	"shielded/internal/testmedia"
	"shielded/logger"
	"shielded/model"
	"shielded/output"
	"shielded/risk"
)

func init() {
	logger.Init("error")
}

func TestHandleSignalEventCancelsContextAndSetsMetrics(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "report.ndjson")
	tl := newTally(time.Now().UTC())
	w, err := output.New(output.Options{FileName: outFile}, nil)
	if err != nil {
		t.Fatalf("output init: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)

	done := make(chan struct{})
	go func() {
		handleSignalEvent(cancel, tl, w, false, "", sigChan)
		close(done)
	}()

	sigChan <- syscall.SIGTERM

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected context to be canceled")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler did not return")
	}

	m := tl.snapshot()
	if m.EndTime == "" {
		t.Fatal("expected EndTime to be set")
	}
	if _, err := time.Parse(time.RFC3339, m.EndTime); err != nil {
		t.Fatalf("invalid EndTime format: %v", err)
	}
}

func TestRunBatchWritesArtifactsAndReport(t *testing.T) {
	inDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	files := map[string][]byte{
		"a.jpg": testmedia.WithEXIF(testmedia.JPEG(16, 16, 90), testmedia.EXIF{Make: "Apple", Model: "iPhone 15", GPS: true, Lat: 51.5, Lon: -0.12}),
		"b.png": testmedia.PNG(8, 8),
		"c.txt": []byte("not media"),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(inDir, name), data, 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	cfg := &config.Config{
		StartPaths:       []string{inDir},
		OutputDir:        outDir,
		ConcurrencyLevel: 2,
		NiceLevel:        "low",
		MaxFiles:         20,
		MaxFileSize:      10 << 20,
		HashAlgorithms:   []string{"sha256"},
		ContentReadMode:  "stream",
		Seed:             42,
		ProcessOptions:   model.ProcessOptions{RemoveGPS: true},
	}
	reportPath := filepath.Join(outDir, "report.ndjson")
	tl := newTally(time.Now())
	w, err := output.New(output.Options{FileName: reportPath}, nil)
	if err != nil {
		t.Fatalf("output init: %v", err)
	}

	engine := newEngine(cfg, risk.New(nil, risk.Options{}))
	var stdout bytes.Buffer
	summary, err := runBatch(context.Background(), cfg, engine, w, tl, &stdout, false)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	w.SetMetrics(tl.finish(time.Now()))
	w.Close()

	if summary.Total != 2 || summary.Completed != 2 || summary.Failed != 0 || summary.Fallbacks != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, name := range []string{"shielded_a.jpg", "shielded_b.png"} {
		info, err := os.Stat(filepath.Join(outDir, name))
		if err != nil {
			t.Fatalf("expected artifact %s: %v", name, err)
		}
		if info.Size() == 0 {
			t.Fatalf("artifact %s is empty", name)
		}
	}

	if !strings.Contains(stdout.String(), "a.jpg -> shielded_a.jpg (risk medium, fallback)") {
		t.Fatalf("unexpected per-file output: %q", stdout.String())
	}

	m := tl.snapshot()
	if m.FilesSubmitted != 3 || m.FilesAccepted != 2 || m.FilesRejected != 1 || m.FilesCompleted != 2 || m.AIFallbacks != 2 {
		t.Fatalf("unexpected metrics: %+v", m)
	}

	f, err := os.Open(reportPath)
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer f.Close()
	var types []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec struct {
			RecordType string `json:"record_type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		types = append(types, rec.RecordType)
	}
	want := []string{output.RecordBatch, output.RecordRejection, output.RecordFile, output.RecordFile, output.RecordMetrics}
	if len(types) != len(want) {
		t.Fatalf("unexpected records: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("record %d: expected %s, got %s (%v)", i, want[i], types[i], types)
		}
	}
}

func batchConfig(paths []string, outDir string) *config.Config {
	return &config.Config{
		StartPaths:      paths,
		OutputDir:       outDir,
		NiceLevel:       "low",
		MaxFiles:        20,
		MaxFileSize:     10 << 20,
		ContentReadMode: "stream",
	}
}

func TestRunBatchSameNameInDifferentDirs(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"trip1", "trip2"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(root, dir, "IMG.jpg"), testmedia.JPEG(8, 8, 90), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	outDir := filepath.Join(t.TempDir(), "out")
	cfg := batchConfig([]string{root}, outDir)
	w, err := output.New(output.Options{FileName: filepath.Join(t.TempDir(), "r.ndjson")}, nil)
	if err != nil {
		t.Fatalf("output init: %v", err)
	}
	defer w.Close()

	var stdout bytes.Buffer
	summary, err := runBatch(context.Background(), cfg, newEngine(cfg, nil), w, newTally(time.Now()), &stdout, false)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if summary.Completed != 2 {
		t.Fatalf("expected both files completed, got %+v", summary)
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected one artifact per completed file, got %d", len(entries))
	}
	for _, name := range []string{"shielded_IMG.jpg", "shielded_IMG (1).jpg"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("expected artifact %s: %v", name, err)
		}
		if !strings.Contains(stdout.String(), "-> "+name) {
			t.Fatalf("expected %s in output: %q", name, stdout.String())
		}
	}
}

func TestRunBatchFailsUnwritableArtifacts(t *testing.T) {
	inDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(inDir, "a.png"), testmedia.PNG(4, 4), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := batchConfig([]string{inDir}, blocker)
	w, err := output.New(output.Options{FileName: filepath.Join(t.TempDir(), "r.ndjson")}, nil)
	if err != nil {
		t.Fatalf("output init: %v", err)
	}
	defer w.Close()

	tl := newTally(time.Now())
	var stdout bytes.Buffer
	summary, err := runBatch(context.Background(), cfg, newEngine(cfg, nil), w, tl, &stdout, false)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if summary.Completed != 0 || summary.Failed != 1 {
		t.Fatalf("expected the undelivered file to fail, got %+v", summary)
	}
	if m := tl.snapshot(); m.FilesFailed != 1 || m.FilesCompleted != 0 || m.BytesOut != 0 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if !strings.HasPrefix(stdout.String(), "failed     a.png: write output:") {
		t.Fatalf("unexpected output: %q", stdout.String())
	}
}

func TestRunBatchMissingPath(t *testing.T) {
	cfg := &config.Config{
		StartPaths:  []string{filepath.Join(t.TempDir(), "missing")},
		OutputDir:   t.TempDir(),
		NiceLevel:   "low",
		MaxFiles:    20,
		MaxFileSize: 10 << 20,
	}
	w, err := output.New(output.Options{FileName: filepath.Join(t.TempDir(), "r.ndjson")}, nil)
	if err != nil {
		t.Fatalf("output init: %v", err)
	}
	defer w.Close()

	summary, err := runBatch(context.Background(), cfg, newEngine(cfg, nil), w, newTally(time.Now()), nil, false)
	if err != nil {
		t.Fatalf("missing paths should be skipped, got %v", err)
	}
	if summary.Total != 0 {
		t.Fatalf("expected empty batch, got %+v", summary)
	}
}

func TestNewAnalyzer(t *testing.T) {
	cfg := &config.Config{AIEnabled: true}
	if newAnalyzer(cfg).Enabled() {
		t.Fatal("expected fallback-only analyzer without a key")
	}
	cfg.AIAPIKey = "sk-test"
	if !newAnalyzer(cfg).Enabled() {
		t.Fatal("expected remote analyzer with a key")
	}
	cfg.AIEnabled = false
	if newAnalyzer(cfg).Enabled() {
		t.Fatal("expected analyzer disabled by flag")
	}
}

func TestTallyCountsOutcomes(t *testing.T) {
	tl := newTally(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
	tl.addRejection()
	tl.addFile(&model.ProcessedFile{
		Input:  model.RawInput{SizeBytes: 100},
		Output: &model.OutputFile{SizeBytes: 40},
		Report: &model.FileReport{AnalysisSource: model.SourceAI},
		Status: model.StatusCompleted,
	})
	tl.addFile(&model.ProcessedFile{Input: model.RawInput{SizeBytes: 7}, Status: model.StatusFailed})

	m := tl.finish(time.Date(2025, 1, 15, 10, 1, 0, 0, time.UTC))
	if m.FilesSubmitted != 3 || m.FilesRejected != 1 || m.FilesAccepted != 2 {
		t.Fatalf("unexpected counts: %+v", m)
	}
	if m.FilesCompleted != 1 || m.FilesFailed != 1 || m.AIFallbacks != 0 {
		t.Fatalf("unexpected outcomes: %+v", m)
	}
	if m.BytesIn != 107 || m.BytesOut != 40 {
		t.Fatalf("unexpected bytes: %+v", m)
	}
	if m.StartTime != "2025-01-15T10:00:00Z" || m.EndTime != "2025-01-15T10:01:00Z" {
		t.Fatalf("unexpected times: %s %s", m.StartTime, m.EndTime)
	}
}

func TestPrintSummaryAndFailures(t *testing.T) {
	var out bytes.Buffer
	printResult(&out, &model.ProcessedFile{Input: model.RawInput{Name: "x.mov"}, Status: model.StatusFailed, Error: "Unsupported format"})
	printSummary(&out, batch.Summary{Completed: 1, Failed: 1, Fallbacks: 1, BytesIn: 10, BytesOut: 4}, 2)
	want := "failed     x.mov: Unsupported format\n1 sanitized, 1 failed, 2 rejected, 1 local assessments (10 -> 4 bytes)\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%q\nwant\n%q", out.String(), want)
	}
}

func TestFlightDumper(t *testing.T) {
	if flightDumper(false) != nil {
		t.Fatal("expected no dumper when the flight recorder is off")
	}
	if flightDumper(true) == nil {
		t.Fatal("expected a dumper when the flight recorder is on")
	}
}
