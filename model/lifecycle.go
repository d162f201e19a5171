package model

import (
	"time"

	"github.com/google/uuid"
)

// NewPending creates the pending record for one submitted input.
func NewPending(in RawInput) *ProcessedFile {
	return &ProcessedFile{
		ID:     uuid.NewString(),
		Input:  in,
		Status: StatusPending,
	}
}

// Start moves a pending file to processing.
func (p *ProcessedFile) Start() bool {
	if p.Status != StatusPending {
		return false
	}
	p.Status = StatusProcessing
	return true
}

// Complete records a successful run. Terminal files are never revisited.
func (p *ProcessedFile) Complete(out *OutputFile, report *FileReport, at time.Time) bool {
	if p.Status.Terminal() {
		return false
	}
	p.Status = StatusCompleted
	p.Output = out
	p.Report = report
	p.Error = ""
	p.ProcessedAt = &at
	return true
}

// Fail records a failure with its user-facing message. Any partial output is dropped.
func (p *ProcessedFile) Fail(err error, at time.Time) bool {
	if p.Status.Terminal() {
		return false
	}
	p.Status = StatusFailed
	p.Output = nil
	p.Error = FailureMessage(err)
	p.ProcessedAt = &at
	return true
}

// Revoke fails a completed file whose output could not be delivered.
func (p *ProcessedFile) Revoke(err error, at time.Time) bool {
	if p.Status != StatusCompleted {
		return false
	}
	p.Status = StatusFailed
	p.Output = nil
	p.Error = FailureMessage(err)
	p.ProcessedAt = &at
	return true
}
