// Package pipeline runs chains of asynchronous file-stream stages.
//
// Every stage runs on its own goroutine, connected to its neighbours by
// channels. The first fatal error cancels the shared context, which stops the
// source and every other stage. Output already written by a Dest stage before
// the failure stays on disk: a failed run's output directory must be treated
// as invalid.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/conduit/internal/log"
)

// EmptyPolicy decides what happens when files were matched but none came out
// of the last stage.
type EmptyPolicy int

const (
	EmptyWarn EmptyPolicy = iota
	EmptyFail
)

// Result is the completion signal of one pipeline run.
type Result struct {
	Matched int
	Files   int
	Err     error
}

// Pipeline is an ordered chain of stages fed by a source. A Pipeline value
// holds no run state and may be started more than once.
type Pipeline struct {
	source Source
	stages []Stage
	empty  EmptyPolicy
	buffer int
	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithEmptyPolicy(p EmptyPolicy) Option {
	return func(pl *Pipeline) { pl.empty = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

func New(source Source, stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		source: source,
		stages: append([]Stage(nil), stages...),
		buffer: 16,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.WithComponent("pipeline")
	}
	return p
}

// StageNames lists the source followed by every stage, in order.
func (p *Pipeline) StageNames() []string {
	names := []string{p.source.Name()}
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Start runs the pipeline in the background. The returned channel receives
// exactly one Result.
func (p *Pipeline) Start(ctx context.Context) <-chan Result {
	done := make(chan Result, 1)
	go func() {
		done <- p.run(ctx)
	}()
	return done
}

// Wait runs the pipeline and blocks until it completes.
func (p *Pipeline) Wait(ctx context.Context) Result {
	return <-p.Start(ctx)
}

func (p *Pipeline) run(ctx context.Context) Result {
	g, gctx := errgroup.WithContext(ctx)

	var matched, produced int

	head := make(chan *File, p.buffer)
	g.Go(func() error {
		defer close(head)
		n, err := p.source.Emit(gctx, head)
		matched = n
		if err != nil {
			return p.stageError(ctx, p.source.Name(), err)
		}
		return nil
	})

	var in <-chan *File = head
	for _, st := range p.stages {
		st := st
		src := in
		out := make(chan *File, p.buffer)
		g.Go(func() error {
			defer close(out)
			if err := st.Apply(gctx, src, out); err != nil {
				return p.stageError(ctx, st.Name(), err)
			}
			// A stage may stop reading early; keep upstream unblocked.
			for range src {
			}
			return nil
		})
		in = out
	}

	tail := in
	g.Go(func() error {
		for range tail {
			produced++
		}
		return nil
	})

	err := g.Wait()
	res := Result{Matched: matched, Files: produced}
	if err != nil {
		res.Err = err
		p.logger.Debug("pipeline failed", "stages", p.StageNames(), "error", err)
		return res
	}

	if matched > 0 && produced == 0 {
		if p.empty == EmptyFail {
			res.Err = fmt.Errorf("%w (%d files matched)", ErrEmptyOutput, matched)
			return res
		}
		p.logger.Warn("pipeline produced no output", "matched", matched, "stages", p.StageNames())
	}
	return res
}

// stageError tags err with the stage name. Cancellation coming from the
// caller's context is passed through unchanged.
func (p *Pipeline) stageError(parent context.Context, stage string, err error) error {
	if parent.Err() != nil && errors.Is(err, parent.Err()) {
		return err
	}
	var sf *StageFailure
	if errors.As(err, &sf) {
		if sf.Stage == "" {
			cp := *sf
			cp.Stage = stage
			return &cp
		}
		return sf
	}
	return &StageFailure{Stage: stage, Err: err}
}
