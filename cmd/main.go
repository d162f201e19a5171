package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"shielded/batch"
	"shielded/config"
	"shielded/diag"
	"shielded/fuzzy"
	"shielded/intake"
	"shielded/logger"
	"shielded/model"
	"shielded/output"
	"shielded/risk"
	"shielded/sanitizer"
	"shielded/server"
	"shielded/tracing"
	"shielded/utils"
	"shielded/version"
)

func main() {
	// Initialize configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel)

	if err := tracing.Start(cfg.TraceFile); err != nil {
		logger.Warnf("Failed to start trace: %v", err)
	} else {
		defer tracing.Stop()
	}

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
			cfg.TraceFlight = false
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	startTime := time.Now()
	t := newTally(startTime)

	// Prepare output
	metrics := t.snapshot()
	writer, err := output.New(reportOptions(cfg), &metrics)
	if err != nil {
		logger.Fatalf("Failed to initialize output: %v", err)
	}
	defer writer.Close()

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleSignals(cancel, t, writer, cfg.TraceFlight, cfg.TraceFlightFile)

	engine := newEngine(cfg, newAnalyzer(cfg))

	if cfg.Serve {
		if err := runServer(ctx, cfg, engine, writer, t); err != nil {
			logger.Errorf("Server failed: %v", err)
		}
	} else {
		summary, err := runBatch(ctx, cfg, engine, writer, t, os.Stdout, true)
		if err != nil {
			logger.Fatalf("Batch failed: %v", err)
		}
		printSummary(os.Stdout, summary, t.snapshot().FilesRejected)
		logger.WithFields(map[string]interface{}{
			"total":        summary.Total,
			"completed":    summary.Completed,
			"failed":       summary.Failed,
			"canceled":     summary.Canceled,
			"ai_fallbacks": summary.Fallbacks,
			"output_dir":   cfg.OutputDir,
			"report":       writer.Path(),
		}).Info("Batch completed")
	}

	// Update output with final metrics
	writer.SetMetrics(t.finish(time.Now()))
}

func reportOptions(cfg *config.Config) output.Options {
	return output.Options{
		FileName:    cfg.ReportFileName,
		MaxFileSize: cfg.MaxReportFileSize,
		Otel: output.OtelOptions{
			Endpoint:       cfg.OtelEndpoint,
			FromEnv:        cfg.OtelFromEnv,
			Headers:        cfg.OtelHeaders,
			Timeout:        cfg.OtelTimeout,
			ServiceName:    cfg.OtelServiceName,
			ExportPaths:    cfg.OtelExportPaths,
			ExportFindings: cfg.OtelExportFindings,
		},
	}
}

// newAnalyzer returns a client that falls back locally when no key is set.
func newAnalyzer(cfg *config.Config) *risk.Client {
	var completer risk.Completer
	switch {
	case cfg.AIConfigured():
		c, err := risk.NewOpenAICompleter(risk.OpenAIConfig{
			APIKey:      cfg.AIAPIKey,
			BaseURL:     cfg.AIBaseURL,
			Model:       cfg.AIModel,
			Temperature: float32(cfg.AITemperature),
		})
		if err != nil {
			logger.Warnf("AI analysis disabled: %v", err)
		} else {
			completer = c
		}
	case cfg.AIEnabled:
		logger.Info("No AI API key configured, using local risk assessment")
	}
	return risk.New(completer, risk.Options{
		Timeout:           cfg.AITimeout,
		RequestsPerSecond: cfg.AIRequestsPerSecond,
	})
}

func newEngine(cfg *config.Config, analyzer sanitizer.Analyzer) *sanitizer.Engine {
	var rng *rand.Rand
	if cfg.Seed != 0 {
		rng = sanitizer.NewRand(cfg.Seed)
	}
	var fuzzyAlgorithms []string
	if cfg.FuzzyHash {
		fuzzyAlgorithms = fuzzy.Available()
	}
	return sanitizer.New(sanitizer.Options{
		Analyzer:        analyzer,
		Rand:            rng,
		VideoDelay:      cfg.VideoDelay,
		MaxInputBytes:   cfg.MaxFileSize,
		MaxPixels:       cfg.MaxPixels,
		HashAlgorithms:  cfg.HashAlgorithms,
		FuzzyAlgorithms: fuzzyAlgorithms,
	})
}

func runBatch(ctx context.Context, cfg *config.Config, proc batch.Processor, w *output.Writer, t *tally, stdout io.Writer, progress bool) (batch.Summary, error) {
	inputs, err := intake.LoadPaths(ctx, cfg.StartPaths, intake.LoadOptions{
		Matcher:       utils.NewPatternMatcher(cfg.IncludePatterns, cfg.ExcludePatterns),
		ReadMode:      cfg.ContentReadMode,
		MmapMinSize:   cfg.MmapMinSize,
		CollectXattrs: cfg.CollectXattrs,
	})
	if err != nil {
		return batch.Summary{}, err
	}

	opts := cfg.ProcessingOptions()
	w.WriteBatch(output.BatchInfo{
		StartTime: t.startTime(),
		Version:   version.Version,
		Options:   opts,
		Inputs:    len(inputs),
	})

	filter := intake.Filter{MaxFiles: cfg.MaxFiles, MaxFileSize: cfg.MaxFileSize}
	accepted, rejections := filter.Apply(inputs)
	for _, r := range rejections {
		logger.Warnf("Skipping %s: %s", r.Name, r.Reason)
		t.addRejection()
		w.WriteRejection(r)
	}

	orch := batch.New(proc, batch.Options{
		Concurrency: batch.WorkerCount(cfg.NiceLevel, cfg.ConcurrencyLevel),
		Progress:    progress,
		OnResult: func(_ int, pf *model.ProcessedFile) {
			if pf.Status == model.StatusCompleted && pf.Output != nil {
				path, err := output.WriteArtifact(cfg.OutputDir, pf.Output)
				switch {
				case path == "":
					logger.Errorf("Failed to write %s: %v", pf.Output.Name, err)
					pf.Revoke(fmt.Errorf("write output: %w", err), time.Now())
				case err != nil:
					pf.Output.Name = filepath.Base(path)
					logger.Warnf("Wrote %s: %v", path, err)
				default:
					pf.Output.Name = filepath.Base(path)
					logger.Debugf("Wrote %s", path)
				}
			}
			t.addFile(pf)
			w.WriteFile(pf)
			printResult(stdout, pf)
		},
	})

	watchdog := diag.NewWatchdog(diag.Options{
		StallThreshold:     cfg.DiagStallThreshold,
		Dir:                cfg.DiagDir,
		Total:              int64(len(accepted)),
		GoroutineDump:      cfg.DiagGoroutineDump,
		ProgressFn:         orch.Processed,
		DumpFlightRecorder: flightDumper(cfg.TraceFlight),
	})
	watchdog.Start(ctx)
	defer watchdog.Close()

	results := orch.ProcessBatch(ctx, accepted, opts)
	return batch.Summarize(results), nil
}

func runServer(ctx context.Context, cfg *config.Config, proc batch.Processor, w *output.Writer, t *tally) error {
	orch := batch.New(proc, batch.Options{
		Concurrency: batch.WorkerCount(cfg.NiceLevel, cfg.ConcurrencyLevel),
	})
	srv := server.New(orch, server.Options{
		Filter: intake.Filter{MaxFiles: cfg.MaxFiles, MaxFileSize: cfg.MaxFileSize},
		TTL:    cfg.ArtifactTTL,
		OnResult: func(pf *model.ProcessedFile) {
			t.addFile(pf)
			w.WriteFile(pf)
		},
		OnRejection: func(r intake.Rejection) {
			t.addRejection()
			w.WriteRejection(r)
		},
	})
	w.WriteBatch(output.BatchInfo{
		StartTime: t.startTime(),
		Version:   version.Version,
		Options:   cfg.ProcessingOptions(),
	})
	return srv.Run(ctx, cfg.ListenAddr)
}

func printResult(out io.Writer, pf *model.ProcessedFile) {
	if out == nil {
		return
	}
	if pf.Status != model.StatusCompleted || pf.Output == nil {
		fmt.Fprintf(out, "%-10s %s: %s\n", pf.Status, pf.Input.Name, pf.Error)
		return
	}
	if pf.Report == nil {
		fmt.Fprintf(out, "%-10s %s -> %s\n", pf.Status, pf.Input.Name, pf.Output.Name)
		return
	}
	fmt.Fprintf(out, "%-10s %s -> %s (risk %s, %s)\n", pf.Status, pf.Input.Name, pf.Output.Name, pf.Report.RiskLevel, pf.Report.AnalysisSource)
}

func printSummary(out io.Writer, s batch.Summary, rejected int) {
	fmt.Fprintf(out, "%d sanitized, %d failed, %d rejected, %d local assessments (%d -> %d bytes)\n",
		s.Completed, s.Failed, rejected, s.Fallbacks, s.BytesIn, s.BytesOut)
}

func flightDumper(enabled bool) func(path string) error {
	if !enabled {
		return nil
	}
	return tracing.WriteFlightRecorder
}

// tally accumulates run metrics from batch workers, HTTP handlers and the
// signal handler.
type tally struct {
	mu sync.Mutex
	m  output.Metrics
}

func newTally(start time.Time) *tally {
	return &tally{m: output.Metrics{StartTime: start.Format(time.RFC3339)}}
}

func (t *tally) startTime() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m.StartTime
}

func (t *tally) addRejection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.FilesSubmitted++
	t.m.FilesRejected++
}

func (t *tally) addFile(pf *model.ProcessedFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.FilesSubmitted++
	t.m.FilesAccepted++
	t.m.BytesIn += pf.Input.SizeBytes
	switch pf.Status {
	case model.StatusCompleted:
		t.m.FilesCompleted++
		if pf.Output != nil {
			t.m.BytesOut += pf.Output.SizeBytes
		}
		if pf.Report != nil && pf.Report.AnalysisSource == model.SourceFallback {
			t.m.AIFallbacks++
		}
	case model.StatusFailed:
		t.m.FilesFailed++
	}
}

func (t *tally) snapshot() output.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m
}

// finish stamps the end time and returns the final metrics.
func (t *tally) finish(now time.Time) output.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.EndTime = now.Format(time.RFC3339)
	return t.m
}

func handleSignals(cancelFunc context.CancelFunc, t *tally, w *output.Writer, traceFlight bool, traceFlightFile string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	handleSignalEvent(cancelFunc, t, w, traceFlight, traceFlightFile, sigChan)
}

func handleSignalEvent(cancelFunc context.CancelFunc, t *tally, w *output.Writer, traceFlight bool, traceFlightFile string, sigChan <-chan os.Signal) {
	<-sigChan
	logger.Info("Interrupt signal received. Shutting down...")

	// Record end time upon interruption
	w.SetMetrics(t.finish(time.Now()))

	if traceFlight {
		if err := tracing.WriteFlightRecorder(traceFlightFile); err != nil {
			logger.Warnf("Failed to write flight recorder: %v", err)
		}
	}

	cancelFunc()
}
