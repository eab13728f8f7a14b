package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unbuffered connects stages with unbuffered channels.
func unbuffered(p *Pipeline) { p.buffer = 0 }

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

type collector struct {
	mu    sync.Mutex
	paths []string
}

func (c *collector) stage() Stage {
	return Map("collect", func(_ context.Context, f *File) (*File, error) {
		c.mu.Lock()
		c.paths = append(c.paths, f.Path)
		c.mu.Unlock()
		return f, nil
	})
}

func upper() Stage {
	return Map("upper", func(_ context.Context, f *File) (*File, error) {
		f.Contents = bytes.ToUpper(f.Contents)
		return f, nil
	})
}

func TestGlobToDest(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/a.js":         "a",
		"src/lib/b.js":     "b",
		"src/lib/skip.txt": "x",
	})
	out := filepath.Join(root, "dist")

	logger, _ := newTestLogger()
	p := New(&Glob{Root: root, Patterns: []string{"src/**/*.js"}},
		[]Stage{upper(), Dest(out)}, WithLogger(logger))

	res := p.Wait(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Files)

	got, err := os.ReadFile(filepath.Join(out, "lib", "b.js"))
	require.NoError(t, err)
	assert.Equal(t, "B", string(got))
	assert.FileExists(t, filepath.Join(out, "a.js"))
	assert.NoFileExists(t, filepath.Join(out, "lib", "skip.txt"))
}

func TestGlobExplicitBaseAndNegation(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"gulpfile.js":         "g",
		"src/a.js":            "a",
		"src/vendor/v.js":     "v",
		"test/unit/a_test.js": "t",
	})

	c := &collector{}
	src := &Glob{Root: root, Base: ".", Patterns: []string{"gulpfile.js", "src/**/*.js", "!src/vendor/**"}}
	res := New(src, []Stage{c.stage()}).Wait(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, []string{"gulpfile.js", "src/a.js"}, c.paths)
}

func TestGlobPathsOnly(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"test/x_test.js": "body"})

	var seen []*File
	p := New(&Glob{Root: root, Patterns: []string{"test/**/*.js"}, PathsOnly: true},
		[]Stage{Map("peek", func(_ context.Context, f *File) (*File, error) {
			seen = append(seen, f)
			return f, nil
		})})

	require.NoError(t, p.Wait(context.Background()).Err)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Virtual)
	assert.Nil(t, seen[0].Contents)
	assert.Equal(t, filepath.Join(root, "test", "x_test.js"), seen[0].AbsPath())
}

func TestInvalidPattern(t *testing.T) {
	res := New(&Glob{Root: t.TempDir(), Patterns: []string{"src/[a-"}}, nil).Wait(context.Background())
	var sf *StageFailure
	require.True(t, errors.As(res.Err, &sf))
	assert.Equal(t, "src", sf.Stage)
}

func TestStageFailureHaltsPipeline(t *testing.T) {
	files := Files{
		{Path: "ok.js", Contents: []byte("1")},
		{Path: "bad.js", Contents: []byte("2")},
		{Path: "later.js", Contents: []byte("3")},
	}

	var downstream atomic.Int32
	boom := errors.New("syntax error")
	p := New(files, []Stage{
		Map("lint", func(_ context.Context, f *File) (*File, error) {
			if f.Path == "bad.js" {
				return nil, boom
			}
			return f, nil
		}),
		Map("count", func(_ context.Context, f *File) (*File, error) {
			downstream.Add(1)
			return f, nil
		}),
	}, unbuffered)

	res := p.Wait(context.Background())
	var sf *StageFailure
	require.True(t, errors.As(res.Err, &sf))
	assert.Equal(t, "lint", sf.Stage)
	assert.Equal(t, "bad.js", sf.Path)
	assert.ErrorIs(t, res.Err, boom)
	assert.LessOrEqual(t, downstream.Load(), int32(1))
}

func TestFirstErrorWins(t *testing.T) {
	first := errors.New("first")
	p := New(Files{{Path: "a"}}, []Stage{
		Map("one", func(context.Context, *File) (*File, error) { return nil, first }),
		Map("two", func(_ context.Context, f *File) (*File, error) {
			return nil, errors.New("never reached")
		}),
	})
	res := p.Wait(context.Background())
	assert.ErrorIs(t, res.Err, first)
}

func TestFilterDropsFiles(t *testing.T) {
	files := Files{{Path: "a.js"}, {Path: "b.css"}, {Path: "c.js"}}
	c := &collector{}
	res := New(files, []Stage{
		Filter("js-only", func(f *File) bool { return strings.HasSuffix(f.Path, ".js") }),
		c.stage(),
	}).Wait(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Matched)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, []string{"a.js", "c.js"}, c.paths)
}

func TestEmptyOutputPolicy(t *testing.T) {
	dropAll := Filter("none", func(*File) bool { return false })

	t.Run("warn by default", func(t *testing.T) {
		logger, buf := newTestLogger()
		res := New(Files{{Path: "a"}}, []Stage{dropAll}, WithLogger(logger)).Wait(context.Background())
		assert.NoError(t, res.Err)
		assert.Contains(t, buf.String(), "pipeline produced no output")
	})

	t.Run("fail when configured", func(t *testing.T) {
		res := New(Files{{Path: "a"}}, []Stage{dropAll}, WithEmptyPolicy(EmptyFail)).Wait(context.Background())
		assert.ErrorIs(t, res.Err, ErrEmptyOutput)
	})

	t.Run("no input is not empty output", func(t *testing.T) {
		res := New(Files{}, []Stage{dropAll}, WithEmptyPolicy(EmptyFail)).Wait(context.Background())
		assert.NoError(t, res.Err)
	})
}

// earlyExit stops reading after the first file.
type earlyExit struct{}

func (earlyExit) Name() string { return "head" }

func (earlyExit) Apply(ctx context.Context, in <-chan *File, out chan<- *File) error {
	f, ok := <-in
	if !ok {
		return nil
	}
	return Send(ctx, out, f)
}

func TestStageStoppingEarlyDoesNotDeadlock(t *testing.T) {
	var files Files
	for i := 0; i < 100; i++ {
		files = append(files, &File{Path: "f"})
	}

	select {
	case res := <-New(files, []Stage{earlyExit{}}, unbuffered).Start(context.Background()):
		require.NoError(t, res.Err)
		assert.Equal(t, 1, res.Files)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline deadlocked")
	}
}

func TestCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan struct{})
	p := New(Files{{Path: "a"}, {Path: "b"}}, []Stage{
		Map("wait", func(ctx context.Context, f *File) (*File, error) {
			close(blocked)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	done := p.Start(ctx)
	<-blocked
	cancel()
	res := <-done
	assert.ErrorIs(t, res.Err, context.Canceled)
}

// forwardThenFail passes every file on, then reports an error.
type forwardThenFail struct{ err error }

func (forwardThenFail) Name() string { return "gate" }

func (s forwardThenFail) Apply(ctx context.Context, in <-chan *File, out chan<- *File) error {
	for f := range in {
		if err := Send(ctx, out, f); err != nil {
			return err
		}
	}
	return s.err
}

func TestMapStopsAfterSiblingFailure(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	res := New(Files{{Path: "a"}, {Path: "b"}, {Path: "c"}}, []Stage{
		forwardThenFail{err: boom},
		Map("slow", func(ctx context.Context, f *File) (*File, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
			}
			return nil, nil
		}),
	}).Wait(context.Background())

	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChangedStage(t *testing.T) {
	cache := NewHashCache()
	run := func(body string) int {
		res := New(Files{{Path: "a.js", Base: "/p", Contents: []byte(body)}},
			[]Stage{Changed(cache)}).Wait(context.Background())
		require.NoError(t, res.Err)
		return res.Files
	}

	assert.Equal(t, 1, run("v1"))
	assert.Equal(t, 0, run("v1"))
	assert.Equal(t, 1, run("v2"))

	cache.Reset()
	assert.Equal(t, 1, run("v2"))
}

func TestStageNames(t *testing.T) {
	p := New(&Glob{}, []Stage{upper(), Dest("out")})
	assert.Equal(t, []string{"src", "upper", "dest"}, p.StageNames())
}

func TestInPlaceWritesBackOnlyChangedFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/a.js": "a",
		"src/B.js": "B",
	})
	before, err := os.Stat(filepath.Join(root, "src", "B.js"))
	require.NoError(t, err)

	res := New(&Glob{Root: root, Patterns: []string{"src/*.js"}}, []Stage{upper(), InPlace()}).
		Wait(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Files)

	got, err := os.ReadFile(filepath.Join(root, "src", "a.js"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(got))

	after, err := os.Stat(filepath.Join(root, "src", "B.js"))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}
