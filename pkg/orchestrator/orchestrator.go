// Package orchestrator runs a parameter sweep end to end: for every sweep
// point it builds the stage commands, renders the job script, writes it to
// a fresh artifact, submits it and releases the artifact.
//
// Only an invalid range aborts a run. Every other failure is confined to
// its point and reported in that point's result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/qsweep/pkg/artifact"
	"github.com/3leaps/qsweep/pkg/job"
	"github.com/3leaps/qsweep/pkg/jobscript"
	"github.com/3leaps/qsweep/pkg/output"
	"github.com/3leaps/qsweep/pkg/stage"
	"github.com/3leaps/qsweep/pkg/submit"
	"github.com/3leaps/qsweep/pkg/sweep"
)

// SnippetLen bounds the diagnostic text in summary lines.
const SnippetLen = 160

// Config tunes how points are processed.
type Config struct {
	// Concurrency is the number of points in flight. 1 processes the sweep
	// sequentially in generation order.
	Concurrency int

	// RateLimit caps submissions per second. 0 means unlimited.
	RateLimit float64
}

// DefaultConfig returns the sequential reference configuration.
func DefaultConfig() Config {
	return Config{Concurrency: 1}
}

// Recorder persists per-point results (e.g. the sqlite ledger).
type Recorder interface {
	Record(ctx context.Context, runID string, res job.SubmissionResult) error
}

// Orchestrator composes the builder, renderer, artifact manager and
// submission client.
type Orchestrator struct {
	builder   stage.Builder
	renderer  *jobscript.Renderer
	artifacts *artifact.Manager
	client    submit.Client
	config    Config

	writer   output.Writer
	recorder Recorder
	logger   *zap.Logger

	limiter *rate.Limiter
}

// New creates an orchestrator. Use WithWriter, WithRecorder and WithLogger
// to attach optional sinks.
func New(b stage.Builder, r *jobscript.Renderer, m *artifact.Manager, c submit.Client, cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	o := &Orchestrator{
		builder:   b,
		renderer:  r,
		artifacts: m,
		client:    c,
		config:    cfg,
		logger:    zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return o
}

// WithWriter emits JSONL point, error, progress and summary records.
func (o *Orchestrator) WithWriter(w output.Writer) *Orchestrator {
	o.writer = w
	return o
}

// WithRecorder persists every result.
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	o.recorder = r
	return o
}

func (o *Orchestrator) WithLogger(l *zap.Logger) *Orchestrator {
	if l != nil {
		o.logger = l
	}
	return o
}

// RunSweep processes every point of plan and returns one result per point,
// indexed by point index (generation order) whatever the completion order.
//
// The returned error is an *job.InvalidRangeError when the plan cannot
// produce any point, or the context error when the run was cancelled; in
// the latter case the result list is still complete and unstarted points
// carry the cancellation.
func (o *Orchestrator) RunSweep(ctx context.Context, plan Plan) ([]job.SubmissionResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	total := plan.Range.Len()

	o.logger.Info("Starting sweep",
		zap.String("run_id", plan.RunID),
		zap.Int("points", total),
		zap.Float64("start", plan.Range.Start()),
		zap.Float64("stop", plan.Range.Stop()),
		zap.Float64("step", plan.Range.Step()),
		zap.Int("stages", len(plan.Stages)),
		zap.Int("concurrency", o.config.Concurrency))
	o.writeProgress(ctx, output.PhaseStarting, total, 0, 0)

	// Environment is shared by all points; a failure here fails each point
	// on its own rather than the run.
	env, envErr := stage.Environment(plan.Stages, plan.Roots)

	results := make([]job.SubmissionResult, total)
	var submitted, failed atomic.Int64

	sem := make(chan struct{}, o.config.Concurrency)
	var wg sync.WaitGroup

	for pt := range plan.Range.Points() {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if err := ctx.Err(); err != nil {
			results[pt.Index] = o.finish(ctx, &plan, attribute(pt), err)
			failed.Add(1)
			continue
		}

		wg.Add(1)
		go func(pt sweep.Point) {
			defer wg.Done()
			defer func() { <-sem }()

			var res job.SubmissionResult
			if envErr != nil {
				res = o.finish(ctx, &plan, attribute(pt), envErr)
			} else {
				res = o.runPoint(ctx, &plan, env, pt)
			}
			results[pt.Index] = res
			if res.OK {
				submitted.Add(1)
			} else {
				failed.Add(1)
			}
			o.writeProgress(ctx, output.PhaseSubmitting, total, submitted.Load(), failed.Load())
		}(pt)
	}
	wg.Wait()

	sum := Summarize(results)
	elapsed := time.Since(start)
	o.logger.Info("Sweep finished",
		zap.String("run_id", plan.RunID),
		zap.Int("points", sum.Points),
		zap.Int("submitted", sum.Submitted),
		zap.Int("failed", sum.Failed),
		zap.Duration("duration", elapsed))
	o.writeProgress(context.WithoutCancel(ctx), output.PhaseComplete, total, int64(sum.Submitted), int64(sum.Failed))
	if o.writer != nil {
		_ = o.writer.WriteSummary(context.WithoutCancel(ctx), &output.SummaryRecord{
			Points:        sum.Points,
			Submitted:     sum.Submitted,
			Failed:        sum.Failed,
			Duration:      elapsed,
			DurationHuman: elapsed.Round(time.Millisecond).String(),
			FailedTags:    sum.FailedTags,
		})
	}

	return results, ctx.Err()
}

func attribute(pt sweep.Point) job.SubmissionResult {
	return job.SubmissionResult{Index: pt.Index, Value: pt.Value, Tag: pt.Tag}
}

// runPoint is the per-point pipeline. Every point is finished exactly
// once, whether its pipeline returned, failed or panicked.
func (o *Orchestrator) runPoint(ctx context.Context, plan *Plan, env []job.EnvVar, pt sweep.Point) job.SubmissionResult {
	res := attribute(pt)
	err := o.execute(ctx, plan, env, pt, &res)
	return o.finish(ctx, plan, res, err)
}

// execute describes, renders and submits one point, filling in res as it
// goes. A panic (including one in a faulty client) becomes the returned
// error; the artifact has already been released by the time it is
// recovered.
func (o *Orchestrator) execute(ctx context.Context, plan *Plan, env []job.EnvVar, pt sweep.Point, res *job.SubmissionResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("point %s: panic: %v", pt.Tag, r)
		}
	}()

	desc, err := o.describe(plan, env, pt)
	if desc != nil {
		res.JobName = desc.Name
	}
	if err != nil {
		return err
	}
	script, err := o.renderer.Render(desc)
	if err != nil {
		return err
	}

	return o.artifacts.With(ctx, desc.Name, func(ctx context.Context, a *artifact.Artifact) error {
		res.Artifact = a.Name()
		if err := a.Write(script); err != nil {
			return err
		}
		if err := a.FinalizePermissions(); err != nil {
			return err
		}
		if err := o.waitForRateLimit(ctx); err != nil {
			return err
		}
		sub := o.client.Submit(ctx, a.Path())
		res.OK, res.JobID, res.Output = sub.OK, sub.JobID, sub.Output
		if sub.Err != nil {
			return sub.Err
		}
		if !sub.OK {
			return &job.SubmissionFailure{Script: a.Path(), Output: sub.Output, Err: errors.New("scheduler reported failure")}
		}
		return nil
	})
}

// RenderPoint builds and renders the script for one point without creating
// an artifact or submitting. Used for previews.
func (o *Orchestrator) RenderPoint(plan Plan, pt sweep.Point) (*job.Descriptor, string, error) {
	env, err := stage.Environment(plan.Stages, plan.Roots)
	if err != nil {
		return nil, "", err
	}
	desc, err := o.describe(&plan, env, pt)
	if err != nil {
		return desc, "", err
	}
	script, err := o.renderer.Render(desc)
	return desc, script, err
}

func (o *Orchestrator) describe(plan *Plan, env []job.EnvVar, pt sweep.Point) (*job.Descriptor, error) {
	name, err := plan.jobName(pt, o.builder.ValuePrecision())
	if err != nil {
		return nil, err
	}
	commands, err := o.builder.BuildAll(plan.Stages, pt, plan.paramsFor(pt.Tag))
	if err != nil {
		return &job.Descriptor{Name: name}, err
	}
	logPath, errPath := plan.logPaths(name)
	resources := plan.Resources
	return &job.Descriptor{
		Name:      name,
		Commands:  commands,
		Env:       env,
		Resources: &resources,
		LogPath:   logPath,
		ErrorPath: errPath,
	}, nil
}

// finish classifies err onto res, logs the summary line and feeds the
// sinks. Sink failures are logged and never change the result.
func (o *Orchestrator) finish(ctx context.Context, plan *Plan, res job.SubmissionResult, err error) job.SubmissionResult {
	if err != nil {
		res.OK = false
		res.Err = err
		res.Code = job.Code(err)
		res.Message = message(err)
	}

	fields := []zap.Field{
		zap.Int("index", res.Index),
		zap.Float64("value", res.Value),
		zap.String("tag", res.Tag),
		zap.String("artifact", res.Artifact),
	}
	if res.OK {
		o.logger.Info("Submitted sweep point", append(fields, zap.String("job_id", res.JobID))...)
	} else {
		o.logger.Warn("Sweep point failed", append(fields,
			zap.String("code", res.Code),
			zap.String("diagnostic", res.Snippet(SnippetLen)))...)
	}

	o.feedSinks(ctx, plan, res)
	return res
}

// feedSinks hands a finished point to the JSONL writer and the recorder. A
// failing or panicking sink is logged and never changes the result.
func (o *Orchestrator) feedSinks(ctx context.Context, plan *Plan, res job.SubmissionResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Sink panicked", zap.String("tag", res.Tag), zap.Any("panic", r))
		}
	}()

	sinkCtx := context.WithoutCancel(ctx)
	if o.writer != nil {
		if werr := o.writer.WritePoint(sinkCtx, pointRecord(res)); werr != nil {
			o.logger.Debug("Failed to write point record", zap.Error(werr))
		}
		if !res.OK {
			idx := res.Index
			if werr := o.writer.WriteError(sinkCtx, &output.ErrorRecord{
				Code:    res.Code,
				Message: res.Message,
				Tag:     res.Tag,
				Index:   &idx,
			}); werr != nil {
				o.logger.Debug("Failed to write error record", zap.Error(werr))
			}
		}
	}
	if o.recorder != nil {
		if rerr := o.recorder.Record(sinkCtx, plan.RunID, res); rerr != nil {
			o.logger.Warn("Failed to record submission", zap.String("tag", res.Tag), zap.Error(rerr))
		}
	}
}

// message renders err for humans; scheduler failures carry the scheduler's
// own text.
func message(err error) string {
	msg := err.Error()
	var sf *job.SubmissionFailure
	if errors.As(err, &sf) {
		if out := strings.TrimSpace(sf.Output); out != "" && !strings.Contains(msg, out) {
			msg += ": " + out
		}
	}
	return msg
}

func pointRecord(res job.SubmissionResult) *output.PointRecord {
	return &output.PointRecord{
		Index:    res.Index,
		Value:    res.Value,
		Tag:      res.Tag,
		JobName:  res.JobName,
		Artifact: res.Artifact,
		OK:       res.OK,
		JobID:    res.JobID,
		Output:   res.Output,
		Code:     res.Code,
	}
}

func (o *Orchestrator) waitForRateLimit(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Wait(ctx)
}

func (o *Orchestrator) writeProgress(ctx context.Context, phase string, total int, submitted, failed int64) {
	if o.writer == nil {
		return
	}
	_ = o.writer.WriteProgress(ctx, &output.ProgressRecord{
		Phase:     phase,
		Total:     total,
		Submitted: submitted,
		Failed:    failed,
	})
}

// Summary aggregates a result list.
type Summary struct {
	Points     int
	Submitted  int
	Failed     int
	FailedTags []string
}

// OK reports whether every point was submitted.
func (s Summary) OK() bool { return s.Points > 0 && s.Failed == 0 }

// Summarize counts results in generation order.
func Summarize(results []job.SubmissionResult) Summary {
	s := Summary{Points: len(results)}
	for _, r := range results {
		if r.OK {
			s.Submitted++
			continue
		}
		s.Failed++
		s.FailedTags = append(s.FailedTags, r.Tag)
	}
	return s
}
