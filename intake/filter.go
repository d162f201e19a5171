package intake

import (
	"fmt"

	"shielded/model"
)

const (
	DefaultMaxFiles    = 20
	DefaultMaxFileSize = 100 * 1024 * 1024

	ReasonUnsupportedType = "Unsupported file type"
)

// Rejection is an input turned away before processing.
type Rejection struct {
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason"`
}

// Filter enforces the acceptance rules: image or video only, a per-file
// size cap and a per-batch count cap. Zero values use the defaults.
type Filter struct {
	MaxFiles    int
	MaxFileSize int64
}

func (f Filter) limits() (int, int64) {
	maxFiles, maxSize := f.MaxFiles, f.MaxFileSize
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return maxFiles, maxSize
}

// SizeReason is the rejection text for oversized files.
func (f Filter) SizeReason() string {
	_, maxSize := f.limits()
	return fmt.Sprintf("File exceeds the %d MB limit", maxSize/(1024*1024))
}

func (f Filter) CountReason() string {
	maxFiles, _ := f.limits()
	return fmt.Sprintf("Batch limit of %d files reached", maxFiles)
}

// MaxBatchBytes is the largest total a fully accepted batch can reach.
func (f Filter) MaxBatchBytes() int64 {
	maxFiles, maxSize := f.limits()
	return int64(maxFiles) * maxSize
}

// Apply splits inputs into accepted and rejected, keeping input order.
func (f Filter) Apply(inputs []model.RawInput) ([]model.RawInput, []Rejection) {
	maxFiles, maxSize := f.limits()
	accepted := make([]model.RawInput, 0, min(len(inputs), maxFiles))
	var rejected []Rejection
	for _, in := range inputs {
		reason := ""
		switch {
		case in.Category() == model.CategoryUnsupported:
			reason = ReasonUnsupportedType
		case in.SizeBytes > maxSize:
			reason = f.SizeReason()
		case len(accepted) >= maxFiles:
			reason = f.CountReason()
		}
		if reason != "" {
			rejected = append(rejected, Rejection{Name: in.Name, Path: in.Path, Reason: reason})
			continue
		}
		accepted = append(accepted, in)
	}
	return accepted, rejected
}
