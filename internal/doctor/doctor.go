// Package doctor checks a loaded conduit.yaml for problems that only show up
// when tasks run: missing tools, dependency cycles, globs that match nothing
// and watch bindings that would retrigger themselves.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/task"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a config against the machine it runs on.
type Doctor struct {
	cfg      *config.Config
	registry *task.Registry
	// lookPath is exec.LookPath outside tests.
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config and the registry built from it.
func New(cfg *config.Config, registry *task.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateGraph(r)
	d.validateTools(r)
	d.validateStatus(r)
	d.warnEmptySources(r)
	d.warnOutputFeedsInput(r)
	d.warnWatchLoops(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateGraph resolves every task so cycles are found before a run.
func (d *Doctor) validateGraph(r *Result) {
	reported := make(map[string]bool)
	for _, name := range d.registry.Names() {
		_, err := plan.Resolve(d.registry, name)
		var cyc *task.CyclicDependencyError
		if errors.As(err, &cyc) {
			members := cyc.Members()
			sort.Strings(members)
			key := strings.Join(members, ",")
			if reported[key] {
				continue
			}
			reported[key] = true
			d.addError(r, "graph", fmt.Sprintf("tasks.%s", name), err.Error())
		} else if err != nil {
			d.addError(r, "graph", fmt.Sprintf("tasks.%s", name), err.Error())
		}
	}
}

// validateTools checks that every stage command can be found.
func (d *Doctor) validateTools(r *Result) {
	seen := make(map[string]bool)
	for _, t := range d.cfg.Tasks {
		for i, s := range t.Stages {
			if len(s.Command) == 0 {
				continue
			}
			bin := s.Command[0]
			if seen[bin] {
				continue
			}
			seen[bin] = true

			field := fmt.Sprintf("tasks.%s.stages[%d].command", t.Name, i)
			if strings.ContainsRune(bin, filepath.Separator) || strings.ContainsRune(bin, '/') {
				p := bin
				if !filepath.IsAbs(p) {
					p = filepath.Join(d.cfg.RootDir(), p)
				}
				info, err := os.Stat(p)
				if err != nil {
					d.addError(r, "tools", field, fmt.Sprintf("%s not found", bin))
				} else if info.Mode()&0o111 == 0 {
					d.addError(r, "tools", field, fmt.Sprintf("%s is not executable", bin))
				}
				continue
			}
			if _, err := d.lookPath(bin); err != nil {
				d.addError(r, "tools", field, fmt.Sprintf("%q is not on PATH", bin))
			}
		}
	}
}

func (d *Doctor) validateStatus(r *Result) {
	if d.cfg.Status.Token != "" && d.cfg.Status.Listen == "" {
		d.addWarning(r, "status", "status.token", "token set but status.listen is empty; it only applies with watch --listen")
	}
	if d.cfg.Status.Listen != "" && d.cfg.Status.Token == "" && !isLoopback(d.cfg.Status.Listen) {
		d.addWarning(r, "status", "status.listen", "status server on a non-loopback address without a token lets anyone trigger runs")
	}
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

// warnEmptySources flags source globs that match no file right now. Sources
// under the destination directory are skipped; they appear after a build.
func (d *Doctor) warnEmptySources(r *Result) {
	root := d.cfg.RootDir()
	fsys := os.DirFS(root)
	destRel := d.relToRoot(d.cfg.DestinationDir())

	for _, t := range d.cfg.Tasks {
		for i, g := range t.Src {
			if strings.HasPrefix(g, "!") {
				continue
			}
			if destRel != "" && strings.HasPrefix(g, destRel+"/") {
				continue
			}
			matches, err := doublestar.Glob(fsys, strings.TrimPrefix(g, "./"), doublestar.WithFilesOnly())
			if err != nil {
				continue
			}
			if len(matches) == 0 {
				d.addWarning(r, "sources", fmt.Sprintf("tasks.%s.src[%d]", t.Name, i),
					fmt.Sprintf("%q matches no files under %s", g, root))
			}
		}
	}
}

// warnOutputFeedsInput flags tasks whose dest lies inside their own sources.
func (d *Doctor) warnOutputFeedsInput(r *Result) {
	for _, t := range d.cfg.Tasks {
		if t.Dest == "" || t.Dest == "." {
			continue
		}
		rel := d.relToRoot(d.cfg.Resolve(t.Dest))
		if rel == "" {
			continue
		}
		for _, g := range t.Src {
			if reaches(g, rel) {
				d.addWarning(r, "sources", fmt.Sprintf("tasks.%s.dest", t.Name),
					fmt.Sprintf("dest %s is matched by src %q; output will be read back as input", t.Dest, g))
				break
			}
		}
	}
}

// warnWatchLoops flags bindings whose globs match files the bound task
// writes, which would retrigger it forever.
func (d *Doctor) warnWatchLoops(r *Result) {
	destRel := d.relToRoot(d.cfg.DestinationDir())
	for profile, w := range d.cfg.Watch {
		for i, b := range w.Bindings {
			field := fmt.Sprintf("watch.%s.bindings[%d]", profile, i)
			t, ok := d.cfg.Tasks.Get(b.Task)
			if !ok {
				continue
			}
			if t.Dest == "." {
				d.addWarning(r, "watch", field,
					fmt.Sprintf("task %s writes back into its sources; every run will trigger another", b.Task))
				continue
			}
			if destRel == "" {
				continue
			}
			for _, g := range b.Globs {
				if reaches(g, destRel) {
					d.addWarning(r, "watch", field,
						fmt.Sprintf("glob %q matches the destination directory, which is ignored while watching", g))
					break
				}
			}
		}
	}
}

// reaches reports whether glob can match a file inside dir. The sample file
// name is the glob's last segment with its wildcards filled in.
func reaches(glob, dir string) bool {
	glob = strings.TrimPrefix(glob, "./")
	last := glob
	if i := strings.LastIndex(glob, "/"); i >= 0 {
		last = glob[i+1:]
	}
	name := strings.NewReplacer("**", "x", "*", "x", "?", "x").Replace(last)
	ok, _ := doublestar.Match(glob, dir+"/"+name)
	return ok
}

// relToRoot returns p relative to the project root in slash form, or "" when
// p is outside it or is the root itself.
func (d *Doctor) relToRoot(p string) string {
	rel, err := filepath.Rel(d.cfg.RootDir(), p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
