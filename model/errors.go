package model

import (
	"context"
	"errors"
)

var (
	ErrUnsupportedFormat = errors.New("Unsupported format")
	ErrMediaDecode       = errors.New("media decode failed")
	ErrEncode            = errors.New("encoding produced no output")
	ErrRead              = errors.New("input could not be read")
	ErrAIUnavailable     = errors.New("risk analysis service unavailable")
	ErrCanceled          = errors.New("Processing cancelled")
)

// FailureMessage turns a pipeline error into the text stored on a failed file.
func FailureMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedFormat):
		return ErrUnsupportedFormat.Error()
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return ErrCanceled.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "Processing timed out"
	default:
		return err.Error()
	}
}
