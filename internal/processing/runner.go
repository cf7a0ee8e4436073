// Package processing drives document jobs through the stage catalog,
// calling the external collaborators and recording every transition in
// the tracker registry.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/documind/documind/internal/blob"
	"github.com/documind/documind/internal/documents"
	"github.com/documind/documind/internal/logging"
	"github.com/documind/documind/internal/pipelines"
	"github.com/documind/documind/internal/tracker"
)

const DefaultMaxConcurrent = 4

// Collaborators are the external services the stages call. Archiver and
// Store may be nil; the finalize stage then records a storage warning.
type Collaborators struct {
	Validator  pipelines.Validator
	Detector   pipelines.Detector
	Extractor  pipelines.Extractor
	Summarizer pipelines.Summarizer
	Archiver   blob.Archiver
	Store      documents.Store
}

// Timeouts bound each stage's collaborator calls.
type Timeouts struct {
	Validate  time.Duration
	Detect    time.Duration
	Extract   time.Duration
	Summarize time.Duration
	Finalize  time.Duration
}

// DefaultTimeouts returns production defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Validate:  10 * time.Second,
		Detect:    30 * time.Second,
		Extract:   120 * time.Second,
		Summarize: 90 * time.Second,
		Finalize:  60 * time.Second,
	}
}

func (t Timeouts) forKey(k tracker.StageKey) time.Duration {
	switch k {
	case tracker.StageValidate:
		return t.Validate
	case tracker.StageDetect:
		return t.Detect
	case tracker.StageExtract:
		return t.Extract
	case tracker.StageSummarize:
		return t.Summarize
	case tracker.StageFinalize:
		return t.Finalize
	}
	return 0
}

// Config holds the runner's configuration.
type Config struct {
	Catalog       tracker.Catalog
	Timeouts      Timeouts
	MaxConcurrent int
	WorkDir       string // per-job scratch space for detector output
	Logger        *slog.Logger
	NewID         func() string // document ids; uuid when nil
}

type stepFunc func(ctx context.Context, j *job) error

// Runner is the stage driver. Each submitted job runs on its own goroutine
// against the runner's base context, so an HTTP request returning does not
// affect the job. At most MaxConcurrent jobs are past initializing at once.
type Runner struct {
	ctx    context.Context
	reg    *tracker.Registry
	collab Collaborators
	cfg    Config
	steps  map[tracker.StageKey]stepFunc
	logger *slog.Logger

	sem     chan struct{}
	wg      sync.WaitGroup
	active  atomic.Int64
	waiting atomic.Int64
}

// NewRunner validates the catalog against the known stage keys. Cancelling
// ctx cancels every in-flight job.
func NewRunner(ctx context.Context, reg *tracker.Registry, collab Collaborators, cfg Config) (*Runner, error) {
	if cfg.Catalog == nil {
		cfg.Catalog = tracker.DefaultCatalog()
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stage catalog: %w", err)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "documind")
	}
	if collab.Validator == nil || collab.Detector == nil || collab.Extractor == nil || collab.Summarizer == nil {
		return nil, errors.New("validator, detector, extractor and summarizer are required")
	}

	r := &Runner{
		ctx:    ctx,
		reg:    reg,
		collab: collab,
		cfg:    cfg,
		logger: logging.WithComponent(cfg.Logger, "driver"),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
	r.steps = map[tracker.StageKey]stepFunc{
		tracker.StageValidate:  r.validate,
		tracker.StageDetect:    r.detect,
		tracker.StageExtract:   r.extract,
		tracker.StageSummarize: r.summarize,
		tracker.StageFinalize:  r.finalize,
	}
	for _, s := range cfg.Catalog {
		if _, ok := r.steps[s.Key]; !ok {
			return nil, fmt.Errorf("stage %q has no handler for key %q", s.Name, s.Key)
		}
	}
	return r, nil
}

// Catalog returns the stages every job runs through.
func (r *Runner) Catalog() tracker.Catalog { return r.cfg.Catalog }

// Submit allocates a record and starts the job. The runner takes ownership
// of in.Path and removes it once the job is terminal.
func (r *Runner) Submit(in pipelines.Input) (string, error) {
	id, err := r.reg.Create(in.FileName, in.Size, r.cfg.Catalog)
	if err != nil {
		return "", err
	}
	r.Start(id, in)
	return id, nil
}

// Start runs the job for an existing initializing record and returns
// immediately. It must be called at most once per record.
func (r *Runner) Start(id string, in pipelines.Input) {
	r.wg.Add(1)
	go r.run(id, in)
}

// Wait blocks until every started job has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Active returns the number of jobs currently executing stages.
func (r *Runner) Active() int { return int(r.active.Load()) }

// Waiting returns the number of jobs queued for a concurrency slot.
func (r *Runner) Waiting() int { return int(r.waiting.Load()) }

func (r *Runner) run(id string, in pipelines.Input) {
	defer r.wg.Done()

	j := &job{
		id:      id,
		in:      in,
		workDir: filepath.Join(r.cfg.WorkDir, id),
		logger:  logging.WithProcessID(r.logger, id),
	}
	defer r.cleanup(j)

	r.waiting.Add(1)
	select {
	case r.sem <- struct{}{}:
		r.waiting.Add(-1)
	case <-r.ctx.Done():
		r.waiting.Add(-1)
		r.fail(j, r.cfg.Catalog[0].Name, tracker.KindCancelled, "processing cancelled: server shutting down")
		return
	}
	defer func() { <-r.sem }()

	r.active.Add(1)
	defer r.active.Add(-1)

	if err := r.reg.Mutate(id, (*tracker.Record).Begin); err != nil {
		j.logger.Error("cannot begin processing", "error", err)
		return
	}
	j.logger.Info("processing started", "file_name", in.FileName, "size_bytes", in.Size)
	start := time.Now()

	last := len(r.cfg.Catalog) - 1
	for i, stage := range r.cfg.Catalog {
		if r.ctx.Err() != nil {
			r.fail(j, stage.Name, tracker.KindCancelled, "processing cancelled: server shutting down")
			return
		}

		stageStart := time.Now()
		j.logger.Debug("stage started", "stage", stage.Name)

		if err := r.runStage(j, stage); err != nil {
			kind, msg := r.classify(stage, err)
			r.fail(j, stage.Name, kind, msg)
			return
		}

		var result *tracker.Result
		if i == last {
			result = j.result(time.Now())
		}
		pending := j.takeWarnings()
		err := r.reg.Mutate(id, func(rec *tracker.Record) error {
			for _, w := range pending {
				rec.AddWarning(w.kind, stage.Name, w.msg)
			}
			return rec.CompleteStage(stage.Name, result)
		})
		if err != nil {
			j.logger.Error("cannot record stage completion", "stage", stage.Name, "error", err)
			return
		}

		for _, w := range pending {
			j.logger.Warn("stage warning", "stage", stage.Name, "kind", w.kind, "message", w.msg)
		}
		j.logger.Info("stage completed",
			"stage", stage.Name,
			"duration_ms", time.Since(stageStart).Milliseconds(),
		)
	}

	j.logger.Info("processing completed", "duration_ms", time.Since(start).Milliseconds())
}

var errPanic = errors.New("panic")

// await runs fn on its own goroutine and returns when fn finishes or ctx is
// done, whichever is first. A collaborator that ignores ctx is abandoned
// and its result discarded. Panics in fn come back as errPanic.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if p := recover(); p != nil {
				o = outcome{err: fmt.Errorf("%w: %v", errPanic, p)}
			}
			done <- o
		}()
		o.v, o.err = fn(ctx)
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (r *Runner) runStage(j *job, stage tracker.Stage) (err error) {
	ctx := r.ctx
	if d := r.cfg.Timeouts.forKey(stage.Key); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errPanic, p)
		}
		if errors.Is(err, errPanic) {
			j.logger.Error("stage panicked", "stage", stage.Name, "error", err)
		}
	}()
	return r.steps[stage.Key](ctx, j)
}

// classify maps a stage failure to an error kind and a client-facing message.
func (r *Runner) classify(stage tracker.Stage, err error) (tracker.ErrorKind, string) {
	switch {
	case r.ctx.Err() != nil:
		return tracker.KindCancelled, "processing cancelled: server shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return tracker.KindTimeout, fmt.Sprintf("%s timed out after %s", stage.Name, r.cfg.Timeouts.forKey(stage.Key))
	case errors.Is(err, errPanic):
		return tracker.KindInternal, fmt.Sprintf("internal error during %s", stage.Name)
	case pipelines.IsReject(err):
		return tracker.KindValidation, err.Error()
	}

	switch stage.Key {
	case tracker.StageValidate:
		return tracker.KindValidation, err.Error()
	case tracker.StageDetect:
		return tracker.KindDetection, err.Error()
	case tracker.StageExtract:
		return tracker.KindExtraction, err.Error()
	case tracker.StageSummarize:
		return tracker.KindSummarization, err.Error()
	case tracker.StageFinalize:
		return tracker.KindStorage, err.Error()
	}
	return tracker.KindInternal, err.Error()
}

// fail records a fatal error, together with any warnings the failing stage
// raised before it gave up.
func (r *Runner) fail(j *job, stage string, kind tracker.ErrorKind, msg string) {
	pending := j.takeWarnings()
	err := r.reg.Mutate(j.id, func(rec *tracker.Record) error {
		for _, w := range pending {
			rec.AddWarning(w.kind, stage, w.msg)
		}
		return rec.Fail(kind, stage, msg)
	})
	if err != nil {
		j.logger.Error("cannot record failure", "stage", stage, "error", err)
		return
	}
	j.logger.Warn("processing failed", "stage", stage, "kind", kind, "error", msg)
}

// cleanup removes the staged upload and scratch files. Failures are
// appended to the terminal record as warnings.
func (r *Runner) cleanup(j *job) {
	var problems []string
	if j.in.Path != "" {
		if err := os.Remove(j.in.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			problems = append(problems, err.Error())
		}
	}
	if err := os.RemoveAll(j.workDir); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) == 0 {
		return
	}

	for _, p := range problems {
		msg := "temporary file cleanup failed: " + p
		j.logger.Warn(msg)
		err := r.reg.Mutate(j.id, func(rec *tracker.Record) error {
			rec.AddWarning(tracker.KindStorage, "", msg)
			return nil
		})
		if err != nil {
			j.logger.Error("cannot record cleanup warning", "error", err)
		}
	}
}
