package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

// Stage is one asynchronous transform step. Apply reads files from in until
// it is closed, and sends whatever it keeps to out. Returning an error halts
// the whole pipeline. The runner closes out when Apply returns.
type Stage interface {
	Name() string
	Apply(ctx context.Context, in <-chan *File, out chan<- *File) error
}

// Send delivers f downstream unless the pipeline has been cancelled.
func Send(ctx context.Context, out chan<- *File, f *File) error {
	select {
	case out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MapFunc transforms one file. Returning a nil file drops it.
type MapFunc func(ctx context.Context, f *File) (*File, error)

type mapStage struct {
	name string
	fn   MapFunc
}

// Map builds a stage that applies fn to every file in order.
func Map(name string, fn MapFunc) Stage {
	return &mapStage{name: name, fn: fn}
}

func (s *mapStage) Name() string { return s.name }

func (s *mapStage) Apply(ctx context.Context, in <-chan *File, out chan<- *File) error {
	for f := range in {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := s.fn(ctx, f)
		if err != nil {
			return Fail(f, err)
		}
		if next == nil {
			continue
		}
		if err := Send(ctx, out, next); err != nil {
			return err
		}
	}
	return nil
}

// Filter keeps only files for which keep returns true.
func Filter(name string, keep func(*File) bool) Stage {
	return Map(name, func(_ context.Context, f *File) (*File, error) {
		if keep(f) {
			return f, nil
		}
		return nil, nil
	})
}

// Dest writes every file under dir, creating directories as needed, and
// forwards it rebased onto dir. Path-only files are forwarded untouched.
func Dest(dir string) Stage {
	return Map("dest", func(_ context.Context, f *File) (*File, error) {
		if f.Virtual && f.Contents == nil {
			return f, nil
		}
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, f.Contents, mode); err != nil {
			return nil, fmt.Errorf("write output: %w", err)
		}
		f.Base = dir
		f.Virtual = false
		return f, nil
	})
}

// InPlace writes every file back to where it was read from. Files whose
// contents never changed on their way through are left alone.
func InPlace() Stage {
	return Map("dest", func(_ context.Context, f *File) (*File, error) {
		if f.Contents == nil {
			return f, nil
		}
		target := f.AbsPath()
		if cur, err := os.ReadFile(target); err == nil && bytes.Equal(cur, f.Contents) {
			return f, nil
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, f.Contents, mode); err != nil {
			return nil, fmt.Errorf("write back: %w", err)
		}
		return f, nil
	})
}

// HashCache remembers the last content hash seen per path. It outlives single
// pipeline runs so repeated watch runs can skip untouched files.
type HashCache struct {
	mu   sync.Mutex
	sums map[string][32]byte
}

func NewHashCache() *HashCache {
	return &HashCache{sums: make(map[string][32]byte)}
}

// Changed reports whether contents differ from the cached hash and records
// the new one.
func (c *HashCache) Changed(key string, contents []byte) bool {
	sum := blake3.Sum256(contents)
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.sums[key]
	c.sums[key] = sum
	return !ok || prev != sum
}

// Reset clears the cache.
func (c *HashCache) Reset() {
	c.mu.Lock()
	c.sums = make(map[string][32]byte)
	c.mu.Unlock()
}

// Changed drops files whose contents match what the cache saw last time.
func Changed(cache *HashCache) Stage {
	return Map("changed", func(_ context.Context, f *File) (*File, error) {
		if f.Contents == nil {
			return f, nil
		}
		if cache.Changed(f.AbsPath(), f.Contents) {
			return f, nil
		}
		return nil, nil
	})
}
