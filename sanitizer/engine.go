// Package sanitizer turns one raw media file into a sanitized artifact and
// its metadata report. Images are decoded to a raster and re-encoded from
// scratch, which leaves every embedded metadata segment behind. Video is
// passed through unchanged and flagged as such.
package sanitizer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"shielded/fuzzy"
	"shielded/hasher"
	"shielded/logger"
	"shielded/metadata"
	"shielded/model"
	"shielded/risk"
	"shielded/tracing"

	"golang.org/x/sync/errgroup"
)

const (
	OutputPrefix = "shielded_"

	DefaultVideoDelay = 2 * time.Second
	DefaultMaxPixels  = 100_000_000

	engineReencode    = "raster-reencode"
	enginePassthrough = "passthrough"

	videoRecommendation = "Container header scrubbing is not yet applied to video; metadata may remain."

	pastWindow = 365 * 24 * time.Hour
)

// Analyzer is the risk analysis dependency. It must never block forever
// and never fail; risk.Client satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, in model.RawInput) model.RiskReport
	GenerateDecoy(ctx context.Context) model.DecoyMetadata
}

type Options struct {
	Analyzer Analyzer
	// Now defaults to time.Now.
	Now func() time.Time
	// Rand drives randomized dates. Nil seeds from the clock.
	Rand *rand.Rand
	// VideoDelay is the simulated video processing time. Zero disables it.
	VideoDelay time.Duration
	// MaxInputBytes bounds how much of an input is read. Zero reads all.
	MaxInputBytes int64
	// MaxPixels rejects images whose declared dimensions exceed it. Zero
	// uses DefaultMaxPixels; negative disables the check.
	MaxPixels       int64
	HashAlgorithms  []string
	FuzzyAlgorithms []string
}

// Engine is safe for concurrent use. Each call owns its raster.
type Engine struct {
	analyzer        Analyzer
	now             func() time.Time
	videoDelay      time.Duration
	maxInputBytes   int64
	maxPixels       int64
	hashAlgorithms  []string
	fuzzyAlgorithms []string

	randMu sync.Mutex
	rng    *rand.Rand
}

func New(opts Options) *Engine {
	e := &Engine{
		analyzer:        opts.Analyzer,
		now:             opts.Now,
		rng:             opts.Rand,
		videoDelay:      opts.VideoDelay,
		maxInputBytes:   opts.MaxInputBytes,
		maxPixels:       opts.MaxPixels,
		hashAlgorithms:  opts.HashAlgorithms,
		fuzzyAlgorithms: opts.FuzzyAlgorithms,
	}
	if e.analyzer == nil {
		e.analyzer = risk.New(nil, risk.Options{})
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.rng == nil {
		seed := uint64(time.Now().UnixNano())
		e.rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if e.maxPixels == 0 {
		e.maxPixels = DefaultMaxPixels
	}
	return e
}

// NewRand returns a deterministic random source for a seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (e *Engine) randomPast(now time.Time) time.Time {
	e.randMu.Lock()
	offset := e.rng.Int64N(int64(pastWindow))
	e.randMu.Unlock()
	return now.Add(-time.Duration(offset))
}

// Process sanitizes one input. Errors are ErrUnsupportedFormat, ErrRead,
// ErrMediaDecode, ErrEncode or a context error.
func (e *Engine) Process(ctx context.Context, in model.RawInput, opts model.ProcessOptions) (*model.OutputFile, *model.FileReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ctx, endTask := tracing.StartTask(ctx, "sanitize_file")
	defer endTask()
	tracing.Log(ctx, "file", in.Name)

	switch in.Category() {
	case model.CategoryImage:
		return e.processImage(ctx, in, opts)
	case model.CategoryVideo:
		return e.processVideo(ctx, in, opts)
	default:
		return nil, nil, fmt.Errorf("%w: %s", model.ErrUnsupportedFormat, in.MimeType)
	}
}

func (e *Engine) readInput(ctx context.Context, in model.RawInput) ([]byte, error) {
	endRegion := tracing.StartRegion(ctx, "read_input")
	defer endRegion()
	return in.ReadAll(e.maxInputBytes)
}

// fetchRemote runs analysis, and the decoy request when needed, alongside fn.
func (e *Engine) fetchRemote(ctx context.Context, in model.RawInput, opts model.ProcessOptions, fn func(context.Context) error) (model.RiskReport, model.DecoyMetadata, error) {
	var (
		analysis model.RiskReport
		decoy    model.DecoyMetadata
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fn(gctx)
	})
	g.Go(func() error {
		endRegion := tracing.StartRegion(gctx, "risk_analysis")
		defer endRegion()
		analysis = e.analyzer.Analyze(gctx, in)
		return nil
	})
	if opts.GenerateFakeData {
		g.Go(func() error {
			endRegion := tracing.StartRegion(gctx, "decoy_generation")
			defer endRegion()
			decoy = e.analyzer.GenerateDecoy(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.RiskReport{}, model.DecoyMetadata{}, err
	}
	return analysis, decoy, nil
}

func (e *Engine) processImage(ctx context.Context, in model.RawInput, opts model.ProcessOptions) (*model.OutputFile, *model.FileReport, error) {
	c, ok := lookupCodec(in.MimeType)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no decoder for %s", model.ErrMediaDecode, in.MimeType)
	}
	data, err := e.readInput(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	inspection := metadata.Inspect(data, in.MimeType, 0)
	quality := qualityFor(opts)

	var (
		encoded []byte
		width   int
		height  int
	)
	analysis, decoy, err := e.fetchRemote(ctx, in, opts, func(ctx context.Context) error {
		endRegion := tracing.StartRegion(ctx, "reencode")
		defer endRegion()
		raster, err := rasterize(c, data, e.maxPixels)
		if err != nil {
			return err
		}
		width, height = raster.Bounds().Dx(), raster.Bounds().Dy()
		encoded, err = encodeRaster(c, raster, quality)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	lc := &layerContext{
		input:      in,
		category:   model.CategoryImage,
		inspection: inspection,
		analysis:   analysis,
		decoy:      decoy,
		now:        now,
		randomPast: func() time.Time { return e.randomPast(now) },
	}
	report := &model.FileReport{TechnicalData: map[string]interface{}{}}
	applied := applyOverlays(lc, opts, report)

	size := int64(len(encoded))
	report.ProcessedSizeBytes = &size
	td := report.TechnicalData
	td["overlays"] = applied
	td["originalSegments"] = inspection.SegmentNames()
	td["residualSegments"] = metadata.Inspection{Segments: metadata.ScanSegments(encoded)}.SegmentNames()
	e.addFingerprints(td, data, encoded)
	if c.lossy {
		td["quality"] = quality
	}
	td["engine"] = engineReencode
	td["codec"] = c.name
	td["binaryStripped"] = true
	td["fingerprintObfuscated"] = true
	td["resolution"] = fmt.Sprintf("%dx%d", width, height)

	out := &model.OutputFile{
		Name:         OutputPrefix + c.outputName(in.Name),
		MimeType:     c.outputMime(in.MimeType),
		SizeBytes:    size,
		LastModified: in.LastModified,
		Data:         encoded,
	}
	if opts.ChangeDates {
		out.LastModified = now.UnixMilli()
	}
	logger.Debugf("sanitized %s: %d -> %d bytes (%s)", in.Name, len(data), size, c.name)
	return out, report, nil
}

func (e *Engine) processVideo(ctx context.Context, in model.RawInput, opts model.ProcessOptions) (*model.OutputFile, *model.FileReport, error) {
	data, err := e.readInput(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	inspection := metadata.Inspect(data, in.MimeType, 0)

	analysis, decoy, err := e.fetchRemote(ctx, in, opts, e.simulateVideoWork)
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	lc := &layerContext{
		input:      in,
		category:   model.CategoryVideo,
		inspection: inspection,
		analysis:   analysis,
		decoy:      decoy,
		now:        now,
		randomPast: func() time.Time { return e.randomPast(now) },
	}
	report := &model.FileReport{TechnicalData: map[string]interface{}{}}
	applied := applyOverlays(lc, opts, report)
	report.Recommendations = append(report.Recommendations, videoRecommendation)

	size := in.SizeBytes
	report.ProcessedSizeBytes = &size
	td := report.TechnicalData
	td["overlays"] = applied
	td["originalSegments"] = inspection.SegmentNames()
	e.addFingerprints(td, data, data)
	td["engine"] = enginePassthrough
	td["binaryStripped"] = false
	td["containerRewritten"] = false

	out := &model.OutputFile{
		Name:         OutputPrefix + in.Name,
		MimeType:     in.MimeType,
		SizeBytes:    int64(len(data)),
		LastModified: in.LastModified,
		Data:         data,
	}
	if opts.ChangeDates {
		out.LastModified = now.UnixMilli()
	}
	logger.Debugf("passed through video %s (%d bytes)", in.Name, len(data))
	return out, report, nil
}

func (e *Engine) simulateVideoWork(ctx context.Context) error {
	if e.videoDelay <= 0 {
		return nil
	}
	endRegion := tracing.StartRegion(ctx, "video_delay")
	defer endRegion()
	timer := time.NewTimer(e.videoDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) addFingerprints(td map[string]interface{}, original, sanitized []byte) {
	if len(e.hashAlgorithms) > 0 {
		td["hashes"] = map[string]map[string]string{
			"original":  hasher.HashBytes(original, e.hashAlgorithms),
			"sanitized": hasher.HashBytes(sanitized, e.hashAlgorithms),
		}
	}
	if len(e.fuzzyAlgorithms) > 0 {
		td["fuzzyHashes"] = map[string]map[string]string{
			"original":  fuzzy.HashAll(original, e.fuzzyAlgorithms),
			"sanitized": fuzzy.HashAll(sanitized, e.fuzzyAlgorithms),
		}
	}
}
