// Package output writes batch results as NDJSON records, optionally mirrors
// them to an OTLP log endpoint, and writes sanitized artifacts to disk.
package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shielded/intake"
	"shielded/logger"
	"shielded/model"
)

const SchemaVersion = "1.0.0"

const (
	RecordBatch     = "batch"
	RecordFile      = "file"
	RecordRejection = "rejection"
	RecordMetrics   = "metrics"

	flushEveryRecords = 64
	flushMaxInterval  = 2 * time.Second
)

type Metrics struct {
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	FilesSubmitted int    `json:"files_submitted"`
	FilesAccepted  int    `json:"files_accepted"`
	FilesRejected  int    `json:"files_rejected"`
	FilesCompleted int    `json:"files_completed"`
	FilesFailed    int    `json:"files_failed"`
	AIFallbacks    int    `json:"ai_fallbacks"`
	BytesIn        int64  `json:"bytes_in"`
	BytesOut       int64  `json:"bytes_out"`
}

// BatchInfo opens every report: what was asked for and when.
type BatchInfo struct {
	StartTime string               `json:"start_time"`
	Version   string               `json:"version"`
	Options   model.ProcessOptions `json:"options"`
	Inputs    int                  `json:"inputs"`
}

type record struct {
	RecordType    string      `json:"record_type"`
	SchemaVersion string      `json:"schema_version"`
	Payload       interface{} `json:"payload"`
}

type Options struct {
	FileName string
	// MaxFileSize rotates to name.N.ext once the current file reaches it.
	MaxFileSize int64
	Otel        OtelOptions
}

// Writer is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	base    string
	ext     string
	index   int
	maxSize int64
	metrics *Metrics
	otel    *otelLogger

	filesWritten atomic.Int64
	rejections   atomic.Int64

	recordsSinceSync int
	lastSyncAt       time.Time
}

func New(opts Options, m *Metrics) (*Writer, error) {
	name := opts.FileName
	if name == "" {
		name = "shielded_report.ndjson"
	}
	ext := filepath.Ext(name)
	w := &Writer{
		base:    strings.TrimSuffix(name, ext),
		ext:     ext,
		maxSize: opts.MaxFileSize,
		metrics: m,
	}
	otel, err := newOtelLogger(opts.Otel)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else {
		w.otel = otel
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Path is the file currently being written.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentName()
}

func (w *Writer) currentName() string {
	if w.index > 0 {
		return fmt.Sprintf("%s.%d%s", w.base, w.index, w.ext)
	}
	return w.base + w.ext
}

func (w *Writer) openFile() error {
	name := w.currentName()
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 256*1024)
	w.recordsSinceSync = 0
	w.lastSyncAt = time.Now()
	return nil
}

func (w *Writer) WriteBatch(info BatchInfo) {
	w.writeRecord(RecordBatch, info)
}

// WriteFile records one terminal result. Output bytes are never serialized.
func (w *Writer) WriteFile(pf *model.ProcessedFile) {
	w.filesWritten.Add(1)
	w.writeRecord(RecordFile, pf)
}

func (w *Writer) WriteRejection(r intake.Rejection) {
	w.rejections.Add(1)
	w.writeRecord(RecordRejection, r)
}

func (w *Writer) FilesWritten() int64 {
	return w.filesWritten.Load()
}

func (w *Writer) Rejections() int64 {
	return w.rejections.Load()
}

// SetMetrics replaces the metrics emitted on Close.
func (w *Writer) SetMetrics(m Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = &m
}

func (w *Writer) writeRecord(recordType string, payload interface{}) {
	line, err := jsonMarshal(record{RecordType: recordType, SchemaVersion: SchemaVersion, Payload: payload})
	if err != nil {
		logger.Warnf("Failed to encode %s record: %v", recordType, err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return
	}
	_, _ = w.buf.Write(line)
	_ = w.buf.WriteByte('\n')
	w.emitRecordLocked(recordType, payload)
	w.recordsSinceSync++
	_ = w.buf.Flush()
	if w.shouldSync() {
		_ = w.file.Sync()
		w.recordsSinceSync = 0
		w.lastSyncAt = time.Now()
	}

	if w.maxSize > 0 {
		if info, err := w.file.Stat(); err == nil && info.Size() >= w.maxSize {
			w.rotate()
		}
	}
}

func (w *Writer) shouldSync() bool {
	if w.recordsSinceSync == 1 || w.recordsSinceSync >= flushEveryRecords {
		return true
	}
	return time.Since(w.lastSyncAt) >= flushMaxInterval
}

func (w *Writer) rotate() {
	w.closeFile()
	w.index++
	if err := w.openFile(); err != nil {
		logger.Errorf("Failed to rotate report file: %v", err)
		w.file = nil
		w.buf = nil
	}
}

func (w *Writer) Close() {
	w.mu.Lock()
	metrics := w.metrics
	w.mu.Unlock()
	if metrics != nil {
		w.writeRecord(RecordMetrics, metrics)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeFile()
	w.file = nil
	w.buf = nil
	if w.otel != nil {
		w.otel.Shutdown()
	}
}

func (w *Writer) closeFile() {
	if w.file == nil {
		return
	}
	if w.buf != nil {
		_ = w.buf.Flush()
	}
	_ = w.file.Sync()
	_ = w.file.Close()
}

func (w *Writer) emitRecordLocked(recordType string, payload interface{}) {
	if w.otel == nil {
		return
	}
	w.otel.Emit(recordType, payload)
}
