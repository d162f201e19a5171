// Package risk asks a hosted language model how identifying a file's
// metadata is and for synthetic decoy metadata. Every call degrades to a
// fixed local answer; nothing here ever returns an error to the engine.
package risk

import (
	"context"
	"fmt"
	"time"

	"shielded/logger"
	"shielded/model"

	"golang.org/x/time/rate"
)

// Completer sends one system/user prompt pair and returns the raw reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const (
	DefaultTimeout = 15 * time.Second

	FallbackDevice   = "Shielded Forensic Hardware"
	FallbackLocation = "Protected Network"
)

type Options struct {
	// Timeout bounds each remote call. Zero uses DefaultTimeout; negative
	// disables the bound.
	Timeout time.Duration
	// RequestsPerSecond throttles remote calls. Zero means unlimited.
	RequestsPerSecond float64
}

// Client is safe for concurrent use by several engine workers.
type Client struct {
	completer Completer
	timeout   time.Duration
	limiter   *rate.Limiter
}

// New builds a client. A nil completer yields a client that always answers
// with the local fallback.
func New(completer Completer, opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{completer: completer, timeout: timeout, limiter: limiter}
}

// Enabled reports whether remote analysis is configured at all.
func (c *Client) Enabled() bool {
	return c != nil && c.completer != nil
}

// Analyze assesses the privacy risk of one input from its descriptors only.
// The file content is never sent.
func (c *Client) Analyze(ctx context.Context, in model.RawInput) model.RiskReport {
	reply, err := c.complete(ctx, analysisSystemPrompt, analysisUserPrompt(in))
	if err != nil {
		logger.Debugf("risk analysis for %s fell back: %v", in.Name, err)
		return FallbackReport()
	}
	report, err := parseAnalysis(reply)
	if err != nil {
		logger.Debugf("risk analysis for %s fell back: %v", in.Name, fmt.Errorf("%w: %v", model.ErrAIUnavailable, err))
		return FallbackReport()
	}
	return report
}

// GenerateDecoy requests synthetic capture metadata.
func (c *Client) GenerateDecoy(ctx context.Context) model.DecoyMetadata {
	reply, err := c.complete(ctx, decoySystemPrompt, decoyUserPrompt)
	if err != nil {
		logger.Debugf("decoy generation fell back: %v", err)
		return FallbackDecoy()
	}
	decoy, err := parseDecoy(reply)
	if err != nil {
		logger.Debugf("decoy generation fell back: %v", fmt.Errorf("%w: %v", model.ErrAIUnavailable, err))
		return FallbackDecoy()
	}
	return decoy
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("%w: no completer configured", model.ErrAIUnavailable)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrAIUnavailable, err)
	}
	reply, err := c.completer.Complete(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrAIUnavailable, err)
	}
	return reply, nil
}

// FallbackReport is the heuristic answer used whenever the remote model
// cannot be reached or replies with something unusable.
func FallbackReport() model.RiskReport {
	return model.RiskReport{
		SensitiveFindings: []string{
			"Potential EXIF metadata present",
			"Device fingerprint may be embedded",
		},
		Recommendations: []string{
			"Strip all metadata before sharing",
			"Enable GPS removal",
		},
		RiskLevel:  model.RiskMedium,
		Confidence: 0.7,
		Source:     model.SourceFallback,
	}
}

func FallbackDecoy() model.DecoyMetadata {
	return model.DecoyMetadata{
		Device:   FallbackDevice,
		Location: FallbackLocation,
	}
}
