package watch

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Binding maps a set of glob patterns to the task a change should run.
type Binding struct {
	Globs []string
	Task  string
}

// ParseBinding reads the command line form "glob,glob=task".
func ParseBinding(s string) (Binding, error) {
	idx := strings.LastIndex(s, "=")
	if idx <= 0 || idx == len(s)-1 {
		return Binding{}, fmt.Errorf("binding %q: want glob[,glob...]=task", s)
	}
	b := Binding{Task: strings.TrimSpace(s[idx+1:])}
	for _, g := range strings.Split(s[:idx], ",") {
		if g = strings.TrimSpace(g); g != "" {
			b.Globs = append(b.Globs, g)
		}
	}
	if err := b.Validate(); err != nil {
		return Binding{}, err
	}
	return b, nil
}

func (b Binding) Validate() error {
	if b.Task == "" {
		return fmt.Errorf("binding has no task")
	}
	if len(b.Globs) == 0 {
		return fmt.Errorf("binding for %s has no globs", b.Task)
	}
	for _, g := range b.Globs {
		if !doublestar.ValidatePattern(cleanGlob(g)) {
			return fmt.Errorf("binding for %s: invalid glob %q", b.Task, g)
		}
	}
	return nil
}

// Matches reports whether rel, a slash-separated path relative to the watch
// root, is covered by any glob. A "!" prefixed glob excludes.
func (b Binding) Matches(rel string) bool {
	rel = path.Clean(strings.TrimPrefix(rel, "./"))
	matched := false
	for _, g := range b.Globs {
		if neg, ok := strings.CutPrefix(g, "!"); ok {
			if m, _ := doublestar.Match(cleanGlob(neg), rel); m {
				return false
			}
			continue
		}
		if m, _ := doublestar.Match(cleanGlob(g), rel); m {
			matched = true
		}
	}
	return matched
}

func cleanGlob(g string) string {
	return strings.TrimPrefix(strings.TrimPrefix(g, "!"), "./")
}

// Targets returns the distinct tasks whose bindings match any of paths, in
// binding order.
func Targets(bindings []Binding, paths []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range bindings {
		if seen[b.Task] {
			continue
		}
		for _, p := range paths {
			if b.Matches(p) {
				seen[b.Task] = true
				out = append(out, b.Task)
				break
			}
		}
	}
	return out
}
