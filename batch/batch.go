// Package batch runs the sanitization engine over an ordered list of inputs.
// One input failing never affects the others.
package batch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shielded/logger"
	"shielded/model"
	"shielded/tracing"

	"github.com/schollz/progressbar/v3"
)

// Processor sanitizes one input; sanitizer.Engine satisfies it.
type Processor interface {
	Process(ctx context.Context, in model.RawInput, opts model.ProcessOptions) (*model.OutputFile, *model.FileReport, error)
}

type Options struct {
	// Concurrency is the number of files processed at once. Values below 2
	// process strictly one file after another.
	Concurrency int
	// OnResult observes every terminal result. Calls are serialized.
	OnResult func(index int, pf *model.ProcessedFile)
	// Progress renders a progress bar on stderr.
	Progress bool
	Now      func() time.Time
}

type Orchestrator struct {
	proc Processor
	opts Options

	resultMu  sync.Mutex
	processed atomic.Int64
}

func New(proc Processor, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Orchestrator{proc: proc, opts: opts}
}

// Processed counts files that reached a terminal state, across batches.
func (o *Orchestrator) Processed() int64 {
	return o.processed.Load()
}

// ProcessBatch returns exactly one result per input, in input order, all in
// a terminal state. Canceling ctx stops new files from starting; those are
// reported as failed with "Processing cancelled".
func (o *Orchestrator) ProcessBatch(ctx context.Context, inputs []model.RawInput, opts model.ProcessOptions) []model.ProcessedFile {
	ctx, endTask := tracing.StartTask(ctx, "process_batch")
	defer endTask()

	results := make([]*model.ProcessedFile, len(inputs))
	for i, in := range inputs {
		results[i] = model.NewPending(in)
	}

	bar := o.newProgressBar(len(inputs))
	progressCh := make(chan int, max(len(inputs), 1))
	var progressWG sync.WaitGroup
	progressWG.Add(1)
	go func() {
		defer progressWG.Done()
		for delta := range progressCh {
			if bar != nil {
				_ = bar.Add(delta)
			}
		}
	}()

	workers := min(o.opts.Concurrency, max(len(inputs), 1))
	jobs := make(chan int)
	go func() {
		defer close(jobs)
		for i := range inputs {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
	}()

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					continue
				}
				o.run(ctx, results[idx], opts)
				o.finish(idx, results[idx])
				progressCh <- 1
			}
		}()
	}
	wg.Wait()

	for idx, pf := range results {
		if pf.Status.Terminal() {
			continue
		}
		pf.Fail(model.ErrCanceled, o.opts.Now())
		o.finish(idx, pf)
	}
	close(progressCh)
	progressWG.Wait()
	if bar != nil {
		_ = bar.Finish()
	}

	out := make([]model.ProcessedFile, len(results))
	for i, pf := range results {
		out[i] = *pf
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, pf *model.ProcessedFile, opts model.ProcessOptions) {
	defer func() {
		if r := recover(); r != nil {
			pf.Fail(fmt.Errorf("internal error: %v", r), o.opts.Now())
		}
	}()
	if !pf.Start() {
		return
	}
	out, report, err := o.proc.Process(ctx, pf.Input, opts)
	if err != nil {
		pf.Fail(err, o.opts.Now())
		return
	}
	pf.Complete(out, report, o.opts.Now())
}

func (o *Orchestrator) finish(idx int, pf *model.ProcessedFile) {
	o.processed.Add(1)
	if pf.Status == model.StatusFailed {
		logger.WithFields(map[string]interface{}{
			"file":  pf.Input.Name,
			"error": pf.Error,
		}).Warn("File processing failed")
	} else {
		logger.Debugf("Processed %s", pf.Input.Name)
	}
	if o.opts.OnResult == nil {
		return
	}
	o.resultMu.Lock()
	defer o.resultMu.Unlock()
	o.opts.OnResult(idx, pf)
}

func (o *Orchestrator) newProgressBar(total int) *progressbar.ProgressBar {
	if !o.opts.Progress || total == 0 {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Sanitizing files"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetVisibility(progressVisible()),
		progressbar.OptionFullWidth(),
	)
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("SHIELDED_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}
