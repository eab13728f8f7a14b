package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Source produces the initial file stream of a pipeline.
type Source interface {
	Name() string
	// Emit sends files to out and returns how many it matched.
	Emit(ctx context.Context, out chan<- *File) (int, error)
}

// Glob reads files matching doublestar patterns under Root. Patterns starting
// with "!" exclude matches. When Base is empty, each file's base is the static
// prefix of the pattern that matched it, so "src/**/*.js" yields paths
// relative to src.
type Glob struct {
	Root     string
	Base     string
	Patterns []string
	// PathsOnly streams files without reading their contents.
	PathsOnly bool
}

func (g *Glob) Name() string { return "src" }

type match struct {
	rel     string // relative to Root
	pattern string
}

// matches expands the patterns without reading anything.
func (g *Glob) matches() ([]match, error) {
	var includes, excludes []string
	for _, p := range g.Patterns {
		if strings.HasPrefix(p, "!") {
			excludes = append(excludes, strings.TrimPrefix(p, "!"))
			continue
		}
		includes = append(includes, p)
	}
	for _, p := range append(append([]string{}, includes...), excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}

	fsys := os.DirFS(g.Root)
	seen := make(map[string]bool)
	var out []match
	for _, pattern := range includes {
		var found []string
		err := doublestar.GlobWalk(fsys, path.Clean(pattern), func(p string, d fs.DirEntry) error {
			if !d.IsDir() {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		sort.Strings(found)

		for _, rel := range found {
			if seen[rel] || excluded(rel, excludes) {
				continue
			}
			seen[rel] = true
			out = append(out, match{rel: rel, pattern: pattern})
		}
	}
	return out, nil
}

func excluded(rel string, excludes []string) bool {
	for _, ex := range excludes {
		if ok, _ := doublestar.Match(path.Clean(ex), rel); ok {
			return true
		}
	}
	return false
}

func (g *Glob) Emit(ctx context.Context, out chan<- *File) (int, error) {
	matches, err := g.matches()
	if err != nil {
		return 0, err
	}

	for _, m := range matches {
		f, err := g.load(m)
		if err != nil {
			return len(matches), err
		}
		if err := Send(ctx, out, f); err != nil {
			return len(matches), err
		}
	}
	return len(matches), nil
}

func (g *Glob) load(m match) (*File, error) {
	base := g.Base
	if base == "" {
		base, _ = doublestar.SplitPattern(path.Clean(m.pattern))
	}
	base = path.Clean(base)

	rel := m.rel
	if base != "." {
		rel = strings.TrimPrefix(m.rel, base+"/")
	}

	abs := filepath.Join(g.Root, filepath.FromSlash(m.rel))
	info, err := os.Stat(abs)
	if err != nil {
		return nil, Fail(&File{Path: m.rel}, err)
	}

	f := &File{
		Path:    rel,
		Base:    filepath.Join(g.Root, filepath.FromSlash(base)),
		Mode:    info.Mode().Perm(),
		Glob:    m.pattern,
		Virtual: g.PathsOnly,
	}
	if !g.PathsOnly {
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, Fail(f, err)
		}
		f.Contents = data
	}
	return f, nil
}

// Files is an in-memory source, mostly for tests and generated inputs.
type Files []*File

func (s Files) Name() string { return "files" }

func (s Files) Emit(ctx context.Context, out chan<- *File) (int, error) {
	for _, f := range s {
		if err := Send(ctx, out, f.Clone()); err != nil {
			return len(s), err
		}
	}
	return len(s), nil
}
