package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a complete conduit.yaml.
type Config struct {
	Project ProjectConfig          `yaml:"project"`
	Tasks   TaskList               `yaml:"tasks"`
	Watch   map[string]WatchConfig `yaml:"watch,omitempty"`
	Status  StatusConfig           `yaml:"status,omitempty"`

	// Path is the absolute path of the loaded file; Dir is its directory.
	// Relative paths in the file resolve against Dir.
	Path        string `yaml:"-"`
	Dir         string `yaml:"-"`
	Fingerprint string `yaml:"-"`
}

// ProjectConfig holds settings shared by every task.
type ProjectConfig struct {
	Name string `yaml:"name"`
	// Root is the base directory source globs are matched in.
	Root string `yaml:"root"`
	// DestinationDir is where build output goes and what clean removes.
	DestinationDir string `yaml:"destination_dir"`
	MaxParallel    int    `yaml:"max_parallel"`
	FailFast       bool   `yaml:"fail_fast"`
	// FailOnEmpty turns a source glob that matches nothing into a task
	// failure instead of a warning.
	FailOnEmpty bool   `yaml:"fail_on_empty"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	// ToolTimeout bounds every external command unless a stage overrides it.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// TaskConfig declares one task.
type TaskConfig struct {
	Name        string   `yaml:"-"`
	Description string   `yaml:"description,omitempty"`
	Deps        []string `yaml:"deps,omitempty"`

	// Src globs select input files; "!" excludes. A task without Src and
	// without Clean is an alias for its deps.
	Src  []string `yaml:"src,omitempty"`
	Base string   `yaml:"base,omitempty"`
	// Read false streams paths only, for tools that open files themselves.
	Read *bool `yaml:"read,omitempty"`

	Stages []StageConfig `yaml:"stages,omitempty"`
	// Dest writes surviving files under this directory, keeping their
	// relative paths. "." writes back in place.
	Dest string `yaml:"dest,omitempty"`

	// Clean removes the project destination directory.
	Clean bool `yaml:"clean,omitempty"`
}

// Reads reports whether file contents are loaded.
func (t TaskConfig) Reads() bool {
	return t.Read == nil || *t.Read
}

// IsAlias reports whether the task does nothing but group its deps.
func (t TaskConfig) IsAlias() bool {
	return len(t.Src) == 0 && !t.Clean
}

// Stage kinds.
const (
	KindCheck     = "check"
	KindTransform = "transform"
	KindBatch     = "batch"
	KindChanged   = "changed"
	KindFilter    = "filter"
)

// StageConfig declares one pipeline stage of a task.
type StageConfig struct {
	Name    string            `yaml:"name,omitempty"`
	Kind    string            `yaml:"kind"`
	Command []string          `yaml:"command,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`

	// check only
	Mode   string `yaml:"mode,omitempty"`
	Strict bool   `yaml:"strict,omitempty"`

	// filter only
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// Label is the stage's display name.
func (s StageConfig) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Kind
}

// WatchConfig is a named watch profile.
type WatchConfig struct {
	DebounceMS int             `yaml:"debounce_ms"`
	Bindings   []BindingConfig `yaml:"bindings"`
	Ignore     []string        `yaml:"ignore,omitempty"`
}

// Debounce returns the quiet period as a duration.
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// BindingConfig maps globs to the task they trigger.
type BindingConfig struct {
	Globs []string `yaml:"globs"`
	Task  string   `yaml:"task"`
}

// StatusConfig configures the status server started in watch mode.
type StatusConfig struct {
	Listen string `yaml:"listen,omitempty"`
	// Token, when set, is required as a bearer token on POST routes.
	Token string `yaml:"token,omitempty"`
}

// TaskList keeps tasks in the order they are declared in the file, which is
// the order they are registered and listed in.
type TaskList []TaskConfig

func (l *TaskList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: tasks must be a mapping of name to task", value.Line)
	}
	out := make(TaskList, 0, len(value.Content)/2)
	seen := make(map[string]int, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, body := value.Content[i], value.Content[i+1]
		if line, dup := seen[key.Value]; dup {
			return fmt.Errorf("line %d: task %q already declared on line %d", key.Line, key.Value, line)
		}
		seen[key.Value] = key.Line

		var tc TaskConfig
		// "name: [deps]" shorthand for aliases
		if body.Kind == yaml.SequenceNode {
			if err := body.Decode(&tc.Deps); err != nil {
				return fmt.Errorf("task %q: %w", key.Value, err)
			}
		} else if err := body.Decode(&tc); err != nil {
			return fmt.Errorf("task %q: %w", key.Value, err)
		}
		tc.Name = key.Value
		out = append(out, tc)
	}
	*l = out
	return nil
}

// Get returns the named task.
func (l TaskList) Get(name string) (TaskConfig, bool) {
	for _, t := range l {
		if t.Name == name {
			return t, true
		}
	}
	return TaskConfig{}, false
}

// Names returns task names in declaration order.
func (l TaskList) Names() []string {
	out := make([]string, len(l))
	for i, t := range l {
		out[i] = t.Name
	}
	return out
}
