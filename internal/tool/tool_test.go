package tool

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/pipeline"
)

func newTestSlogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func sh(script string) Command {
	return Command{Args: []string{"sh", "-c", script, "sh"}}
}

func runStage(t *testing.T, st pipeline.Stage, files pipeline.Files) ([]*pipeline.File, error) {
	t.Helper()
	var got []*pipeline.File
	sink := pipeline.Map("sink", func(_ context.Context, f *pipeline.File) (*pipeline.File, error) {
		got = append(got, f)
		return f, nil
	})
	res := pipeline.New(files, []pipeline.Stage{st, sink}).Wait(context.Background())
	return got, res.Err
}

func TestRunnerCapturesOutput(t *testing.T) {
	logger, _ := newTestSlogger()
	r := NewRunner(logger)

	out, err := r.Run(context.Background(), sh(`cat; echo oops >&2; exit 4`), []byte("in"))
	require.NoError(t, err)
	assert.Equal(t, "in", string(out.Stdout))
	assert.Equal(t, "oops\n", out.Stderr)
	assert.Equal(t, 4, out.ExitCode)
}

func TestRunnerMissingBinary(t *testing.T) {
	logger, _ := newTestSlogger()
	_, err := NewRunner(logger).Run(context.Background(), Command{Args: []string{"/no/such/tool"}}, nil)
	assert.Error(t, err)
}

func TestRunnerTimeout(t *testing.T) {
	logger, buf := newTestSlogger()
	r := NewRunner(logger)
	r.grace = 500 * time.Millisecond

	cmd := Command{Args: []string{"sleep", "10"}, Timeout: 100 * time.Millisecond}
	start := time.Now()
	_, err := r.Run(context.Background(), cmd, nil)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, buf.String(), "tool timed out")
}

func TestRunnerTimeoutKillsForkedChildren(t *testing.T) {
	logger, _ := newTestSlogger()
	r := NewRunner(logger)
	r.grace = 100 * time.Millisecond

	// sh forks sleep, which inherits stdout and stderr
	cmd := Command{Args: []string{"sh", "-c", "sleep 5; echo done"}, Timeout: 200 * time.Millisecond}
	start := time.Now()
	_, err := r.Run(context.Background(), cmd, nil)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunnerDoesNotWaitForBackgroundChild(t *testing.T) {
	logger, buf := newTestSlogger()
	r := NewRunner(logger)
	r.grace = 100 * time.Millisecond

	cmd := Command{Args: []string{"sh", "-c", "sleep 5 & echo started"}, Timeout: 10 * time.Second}
	start := time.Now()
	out, err := r.Run(context.Background(), cmd, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Contains(t, buf.String(), "left a child holding its output")
}

func TestTransform(t *testing.T) {
	logger, _ := newTestSlogger()
	st := Transform("babel", NewRunner(logger), Command{Args: []string{"tr", "a-z", "A-Z"}})

	got, err := runStage(t, st, pipeline.Files{{Path: "a.js", Contents: []byte("let x")}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "LET X", string(got[0].Contents))
}

func TestTransformFailureCarriesPath(t *testing.T) {
	logger, _ := newTestSlogger()
	st := Transform("babel", NewRunner(logger), sh(`echo "unexpected token" >&2; exit 1`))

	_, err := runStage(t, st, pipeline.Files{{Path: "src/bad.js", Contents: []byte("(")}})
	var sf *pipeline.StageFailure
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, "babel", sf.Stage)
	assert.Equal(t, "src/bad.js", sf.Path)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, err.Error(), "unexpected token")
}

func TestCheckModes(t *testing.T) {
	files := func() pipeline.Files {
		return pipeline.Files{{Path: "a.js", Contents: []byte("abc")}}
	}

	tests := []struct {
		name     string
		cmd      Command
		opts     CheckOptions
		wantErr  error
		wantBody string
		wantLog  string
	}{
		{
			name:     "lenient lint logs findings",
			cmd:      sh(`echo "no-unused-vars" >&2; exit 1`),
			opts:     CheckOptions{},
			wantBody: "abc",
			wantLog:  "check reported problems",
		},
		{
			name:    "strict lint fails",
			cmd:     sh(`exit 1`),
			opts:    CheckOptions{Strict: true},
			wantErr: &ExitError{},
		},
		{
			name:     "verify passes on identical output",
			cmd:      Command{Args: []string{"cat"}},
			opts:     CheckOptions{Mode: ModeVerify, Strict: true},
			wantBody: "abc",
		},
		{
			name:    "verify strict fails on mismatch",
			cmd:     Command{Args: []string{"tr", "a-z", "A-Z"}},
			opts:    CheckOptions{Mode: ModeVerify, Strict: true},
			wantErr: ErrOutputMismatch,
		},
		{
			name:     "verify lenient only warns",
			cmd:      Command{Args: []string{"tr", "a-z", "A-Z"}},
			opts:     CheckOptions{Mode: ModeVerify},
			wantBody: "abc",
			wantLog:  "file is not formatted",
		},
		{
			name:     "write replaces contents",
			cmd:      Command{Args: []string{"tr", "a-z", "A-Z"}},
			opts:     CheckOptions{Mode: ModeWrite},
			wantBody: "ABC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newTestSlogger()
			st := Check("lint", NewRunner(logger), tt.cmd, tt.opts, logger)
			got, err := runStage(t, st, files())

			if tt.wantErr != nil {
				require.Error(t, err)
				var exitErr *ExitError
				if _, ok := tt.wantErr.(*ExitError); ok {
					assert.True(t, errors.As(err, &exitErr))
				} else {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantBody, string(got[0].Contents))
			if tt.wantLog != "" {
				assert.Contains(t, buf.String(), tt.wantLog)
			}
		})
	}
}

func TestCheckExpandsPlaceholders(t *testing.T) {
	logger, _ := newTestSlogger()
	dir := t.TempDir()
	record := filepath.Join(dir, "args")
	st := Check("lint", NewRunner(logger), Command{Args: []string{"sh", "-c", `echo "$1 $2" > ` + record, "sh", "{path}", "{file}"}}, CheckOptions{}, logger)

	_, err := runStage(t, st, pipeline.Files{{Path: "src/a.js", Base: "/proj", Contents: []byte("x")}})
	require.NoError(t, err)

	got, err := os.ReadFile(record)
	require.NoError(t, err)
	assert.Equal(t, "src/a.js /proj/src/a.js", strings.TrimSpace(string(got)))
}

func TestBatch(t *testing.T) {
	logger, _ := newTestSlogger()
	dir := t.TempDir()
	record := filepath.Join(dir, "paths")

	cmd := Command{Args: []string{"sh", "-c", `for f in "$@"; do echo "$f"; done > ` + record, "sh", "--reporter=dot", PlaceholderFiles}}
	files := pipeline.Files{
		{Path: "unit/a.js", Base: "/t", Virtual: true},
		{Path: "unit/b.js", Base: "/t", Virtual: true},
	}

	got, err := runStage(t, Batch("mocha", NewRunner(logger), cmd), files)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	body, err := os.ReadFile(record)
	require.NoError(t, err)
	assert.Equal(t, "--reporter=dot\n/t/unit/a.js\n/t/unit/b.js\n", string(body))
}

func TestBatchFailure(t *testing.T) {
	logger, _ := newTestSlogger()
	_, err := runStage(t, Batch("mocha", NewRunner(logger), sh(`echo "1 failing" >&2; exit 1`)),
		pipeline.Files{{Path: "a_test.js", Virtual: true}})

	var sf *pipeline.StageFailure
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, "mocha", sf.Stage)
	assert.Empty(t, sf.Path)
	assert.Contains(t, err.Error(), "1 failing")
}

func TestBatchSkipsEmptyStream(t *testing.T) {
	logger, _ := newTestSlogger()
	got, err := runStage(t, Batch("mocha", NewRunner(logger), sh(`exit 1`)), pipeline.Files{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
