package tool

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/mattjoyce/conduit/internal/pipeline"
)

// Placeholders expanded in command arguments.
const (
	PlaceholderPath  = "{path}"  // file path relative to its base
	PlaceholderFile  = "{file}"  // absolute file path
	PlaceholderBase  = "{base}"  // the file's base directory
	PlaceholderFiles = "{files}" // batch only: every absolute path, one argument each
)

// Mode selects how a check stage treats the tool's standard output.
type Mode string

const (
	// ModeReport ignores stdout; only the exit status matters.
	ModeReport Mode = "report"
	// ModeVerify fails when the tool's output differs from the file.
	ModeVerify Mode = "verify"
	// ModeWrite replaces the file contents with the tool's output.
	ModeWrite Mode = "write"
)

// ErrOutputMismatch is the cause used by verify-only checks.
var ErrOutputMismatch = errors.New("tool output differs from file contents")

func expand(args []string, f *pipeline.File) []string {
	out := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, PlaceholderPath, f.Path)
		a = strings.ReplaceAll(a, PlaceholderFile, f.AbsPath())
		a = strings.ReplaceAll(a, PlaceholderBase, f.Base)
		out[i] = a
	}
	return out
}

// Transform pipes each file through the tool: contents on stdin, new contents
// from stdout. Any non-zero exit halts the pipeline.
func Transform(name string, r *Runner, cmd Command) pipeline.Stage {
	return pipeline.Map(name, func(ctx context.Context, f *pipeline.File) (*pipeline.File, error) {
		c := cmd
		c.Args = expand(cmd.Args, f)
		out, err := r.Run(ctx, c, f.Contents)
		if err != nil {
			return nil, err
		}
		if out.ExitCode != 0 {
			return nil, &ExitError{Command: c.String(), Code: out.ExitCode, Stderr: out.Stderr}
		}
		f.Contents = out.Stdout
		f.Virtual = false
		return f, nil
	})
}

// CheckOptions configure a check stage.
type CheckOptions struct {
	Mode Mode
	// Strict turns findings (non-zero exit, verify mismatch) into pipeline
	// failures. Lenient checks only log them.
	Strict bool
}

// Check runs a linter or formatter per file.
func Check(name string, r *Runner, cmd Command, opts CheckOptions, logger *slog.Logger) pipeline.Stage {
	if opts.Mode == "" {
		opts.Mode = ModeReport
	}
	logger = logger.With("stage", name)

	return pipeline.Map(name, func(ctx context.Context, f *pipeline.File) (*pipeline.File, error) {
		c := cmd
		c.Args = expand(cmd.Args, f)
		out, err := r.Run(ctx, c, f.Contents)
		if err != nil {
			return nil, err
		}

		if out.ExitCode != 0 {
			finding := &ExitError{Command: c.String(), Code: out.ExitCode, Stderr: out.Stderr}
			if opts.Strict {
				return nil, finding
			}
			logger.Warn("check reported problems", "path", f.Path, "exit_code", out.ExitCode, "stderr", firstLine(strings.TrimSpace(out.Stderr)))
			return f, nil
		}

		switch opts.Mode {
		case ModeVerify:
			if !bytes.Equal(out.Stdout, f.Contents) {
				if opts.Strict {
					return nil, ErrOutputMismatch
				}
				logger.Warn("file is not formatted", "path", f.Path)
			}
		case ModeWrite:
			f.Contents = out.Stdout
		}
		return f, nil
	})
}

type batchStage struct {
	name string
	r    *Runner
	cmd  Command
}

// Batch collects the whole stream, runs the tool once with every file path,
// then forwards the files. It suits test runners fed path-only streams.
func Batch(name string, r *Runner, cmd Command) pipeline.Stage {
	return &batchStage{name: name, r: r, cmd: cmd}
}

func (s *batchStage) Name() string { return s.name }

func (s *batchStage) Apply(ctx context.Context, in <-chan *pipeline.File, out chan<- *pipeline.File) error {
	var files []*pipeline.File
	for f := range in {
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.AbsPath()
	}

	c := s.cmd
	c.Args = nil
	expanded := false
	for _, a := range s.cmd.Args {
		if a == PlaceholderFiles {
			c.Args = append(c.Args, paths...)
			expanded = true
			continue
		}
		c.Args = append(c.Args, a)
	}
	if !expanded {
		c.Args = append(c.Args, paths...)
	}

	res, err := s.r.Run(ctx, c, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &ExitError{Command: s.cmd.String(), Code: res.ExitCode, Stderr: res.Stderr}
	}

	for _, f := range files {
		if err := pipeline.Send(ctx, out, f); err != nil {
			return err
		}
	}
	return nil
}
