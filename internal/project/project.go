// Package project turns a loaded conduit.yaml into a task registry whose
// actions run file pipelines.
package project

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/pipeline"
	"github.com/mattjoyce/conduit/internal/task"
	"github.com/mattjoyce/conduit/internal/tool"
)

// Project binds a config to the registry built from it.
type Project struct {
	cfg      *config.Config
	registry *task.Registry
	runner   *tool.Runner
	logger   *slog.Logger

	mu     sync.Mutex
	caches map[string]*pipeline.HashCache
}

// New registers every configured task. Dependencies are checked once all
// tasks are in, so declaration order does not matter.
func New(cfg *config.Config, logger *slog.Logger) (*Project, error) {
	p := &Project{
		cfg:      cfg,
		registry: task.NewRegistry(task.WithDeferredValidation()),
		runner:   tool.NewRunner(logger),
		logger:   logger.With("component", "project"),
		caches:   make(map[string]*pipeline.HashCache),
	}

	for _, tc := range cfg.Tasks {
		t := &task.Task{
			Name:         tc.Name,
			Dependencies: tc.Deps,
			Description:  tc.Description,
		}
		if !tc.IsAlias() {
			t.Action = p.action(tc)
		}
		if err := p.registry.Add(t); err != nil {
			return nil, err
		}
	}
	if err := p.registry.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Project) Registry() *task.Registry { return p.registry }
func (p *Project) Config() *config.Config   { return p.cfg }

// Describe returns a one-line summary of what a task does.
func (p *Project) Describe(name string) string {
	tc, ok := p.cfg.Tasks.Get(name)
	if !ok {
		return ""
	}
	if tc.Description != "" {
		return tc.Description
	}
	var parts []string
	if tc.Clean {
		parts = append(parts, "clean "+p.cfg.Project.DestinationDir)
	}
	if len(tc.Src) > 0 {
		parts = append(parts, strings.Join(p.stageNames(tc), " -> "))
	}
	if len(parts) == 0 {
		return "alias"
	}
	return strings.Join(parts, "; ")
}

// stageNames lists the pipeline shape without building it.
func (p *Project) stageNames(tc config.TaskConfig) []string {
	names := []string{"src(" + strings.Join(tc.Src, ",") + ")"}
	for _, s := range tc.Stages {
		names = append(names, s.Label())
	}
	if tc.Dest != "" {
		names = append(names, "dest("+tc.Dest+")")
	}
	return names
}

func (p *Project) action(tc config.TaskConfig) task.Action {
	return task.ActionFunc(func(ctx context.Context) (task.Output, error) {
		if tc.Clean {
			if err := p.clean(); err != nil {
				return task.Output{}, err
			}
		}
		if len(tc.Src) == 0 {
			return task.Output{}, nil
		}

		if tc.Dest != "" && tc.Dest != "." {
			if err := os.MkdirAll(p.cfg.Resolve(tc.Dest), 0o755); err != nil {
				return task.Output{}, fmt.Errorf("create destination: %w", err)
			}
		}

		pl, err := p.Pipeline(tc.Name)
		if err != nil {
			return task.Output{}, err
		}
		res := pl.Wait(ctx)
		if res.Err != nil {
			if cache := p.cacheFor(tc.Name, false); cache != nil {
				// a failed run must not hide files from the next one
				cache.Reset()
			}
			return task.Output{Files: res.Files}, res.Err
		}
		return task.Output{Files: res.Files}, nil
	})
}

// clean removes the destination directory. Change caches are cleared with
// it: a file the cache has seen is no longer on disk.
func (p *Project) clean() error {
	dest := p.cfg.DestinationDir()
	p.logger.Info("Removing destination directory", "path", dest)
	err := os.RemoveAll(dest)
	p.resetCaches()
	if err != nil {
		return fmt.Errorf("clean %s: %w", dest, err)
	}
	return nil
}

// Pipeline builds a fresh pipeline for a task. Each run gets its own so no
// stage state leaks between runs apart from change caches.
func (p *Project) Pipeline(name string) (*pipeline.Pipeline, error) {
	tc, ok := p.cfg.Tasks.Get(name)
	if !ok {
		return nil, &task.TaskNotFoundError{Name: name}
	}
	if len(tc.Src) == 0 {
		return nil, fmt.Errorf("task %s has no sources", name)
	}

	logger := p.logger.With("task", name)
	src := &pipeline.Glob{
		Root:      p.cfg.RootDir(),
		Base:      tc.Base,
		Patterns:  tc.Src,
		PathsOnly: !tc.Reads(),
	}

	stages := make([]pipeline.Stage, 0, len(tc.Stages)+1)
	for _, sc := range tc.Stages {
		st, err := p.stage(name, sc, logger)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", name, err)
		}
		stages = append(stages, st)
	}
	switch tc.Dest {
	case "":
	case ".":
		stages = append(stages, pipeline.InPlace())
	default:
		stages = append(stages, pipeline.Dest(p.cfg.Resolve(tc.Dest)))
	}

	empty := pipeline.EmptyWarn
	if p.cfg.Project.FailOnEmpty {
		empty = pipeline.EmptyFail
	}
	return pipeline.New(src, stages,
		pipeline.WithEmptyPolicy(empty),
		pipeline.WithLogger(logger),
	), nil
}

func (p *Project) stage(taskName string, sc config.StageConfig, logger *slog.Logger) (pipeline.Stage, error) {
	label := sc.Label()
	switch sc.Kind {
	case config.KindCheck:
		opts := tool.CheckOptions{Mode: tool.Mode(sc.Mode), Strict: sc.Strict}
		return tool.Check(label, p.runner, p.command(sc), opts, logger), nil
	case config.KindTransform:
		return tool.Transform(label, p.runner, p.command(sc)), nil
	case config.KindBatch:
		return tool.Batch(label, p.runner, p.command(sc)), nil
	case config.KindChanged:
		return pipeline.Changed(p.cacheFor(taskName, true)), nil
	case config.KindFilter:
		return pipeline.Filter(label, globFilter(sc.Include, sc.Exclude)), nil
	default:
		return nil, fmt.Errorf("unknown stage kind %q", sc.Kind)
	}
}

func (p *Project) command(sc config.StageConfig) tool.Command {
	timeout := sc.Timeout
	if timeout == 0 {
		timeout = p.cfg.Project.ToolTimeout
	}
	var env []string
	if len(sc.Env) > 0 {
		keys := make([]string, 0, len(sc.Env))
		for k := range sc.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+sc.Env[k])
		}
	}
	return tool.Command{
		Args:    sc.Command,
		Dir:     p.cfg.RootDir(),
		Env:     env,
		Timeout: timeout,
	}
}

func (p *Project) cacheFor(taskName string, create bool) *pipeline.HashCache {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.caches[taskName]
	if !ok && create {
		c = pipeline.NewHashCache()
		p.caches[taskName] = c
	}
	return c
}

func (p *Project) resetCaches() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.caches {
		c.Reset()
	}
}

// globFilter keeps files whose path matches an include (or any path when
// there are none) and no exclude.
func globFilter(include, exclude []string) func(*pipeline.File) bool {
	return func(f *pipeline.File) bool {
		for _, g := range exclude {
			if ok, _ := doublestar.Match(g, f.Path); ok {
				return false
			}
		}
		if len(include) == 0 {
			return true
		}
		for _, g := range include {
			if ok, _ := doublestar.Match(g, f.Path); ok {
				return true
			}
		}
		return false
	}
}
