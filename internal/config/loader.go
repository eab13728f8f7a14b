package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked for in a project directory.
const FileName = "conduit.yaml"

const (
	defaultDestinationDir = "dist"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultDebounceMS     = 200
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates a config file. A directory
// is accepted and searched for conduit.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, FileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", FileName, absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", absPath, err)
	}
	cfg.Path = absPath
	cfg.Dir = filepath.Dir(absPath)
	cfg.Fingerprint = Fingerprint(data)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes config bytes and applies defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	expanded := interpolateEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return applyConfigDefaults(&cfg), nil
}

func applyConfigDefaults(cfg *Config) *Config {
	if cfg.Project.Root == "" {
		cfg.Project.Root = "."
	}
	if cfg.Project.DestinationDir == "" {
		cfg.Project.DestinationDir = defaultDestinationDir
	}
	if cfg.Project.LogLevel == "" {
		cfg.Project.LogLevel = defaultLogLevel
	}
	if cfg.Project.LogFormat == "" {
		cfg.Project.LogFormat = defaultLogFormat
	}
	for name, w := range cfg.Watch {
		if w.DebounceMS == 0 {
			w.DebounceMS = defaultDebounceMS
			cfg.Watch[name] = w
		}
	}
	return cfg
}

// interpolateEnv substitutes ${VAR} with its value. Unset variables are left
// in place and rejected by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// Resolve makes p absolute against the config directory.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Dir, p)
}

// RootDir is the absolute project root.
func (c *Config) RootDir() string { return c.Resolve(c.Project.Root) }

// DestinationDir is the absolute destination directory.
func (c *Config) DestinationDir() string { return c.Resolve(c.Project.DestinationDir) }

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Project.LogLevel] {
		return fmt.Errorf("project.log_level must be one of: debug, info, warn, error (got %q)", cfg.Project.LogLevel)
	}
	if cfg.Project.LogFormat != "json" && cfg.Project.LogFormat != "text" {
		return fmt.Errorf("project.log_format must be json or text (got %q)", cfg.Project.LogFormat)
	}
	if cfg.Project.MaxParallel < 0 {
		return fmt.Errorf("project.max_parallel must not be negative")
	}
	if cfg.Project.ToolTimeout < 0 {
		return fmt.Errorf("project.tool_timeout must not be negative")
	}
	if err := unresolved("project.root", cfg.Project.Root); err != nil {
		return err
	}
	if err := unresolved("project.destination_dir", cfg.Project.DestinationDir); err != nil {
		return err
	}
	if err := unresolved("status.token", cfg.Status.Token); err != nil {
		return err
	}
	switch filepath.Clean(cfg.Project.DestinationDir) {
	case ".", "/", "..":
		return fmt.Errorf("project.destination_dir %q would remove the project on clean", cfg.Project.DestinationDir)
	}

	if len(cfg.Tasks) == 0 {
		return fmt.Errorf("no tasks declared\n" +
			"Hint: Add a tasks: mapping to " + FileName)
	}
	names := make(map[string]bool, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		names[t.Name] = true
	}
	for _, t := range cfg.Tasks {
		if err := validateTask(t, names); err != nil {
			return err
		}
	}

	for profile, w := range cfg.Watch {
		if w.DebounceMS < 0 {
			return fmt.Errorf("watch %q: debounce_ms must not be negative", profile)
		}
		if len(w.Bindings) == 0 {
			return fmt.Errorf("watch %q: at least one binding is required", profile)
		}
		for i, b := range w.Bindings {
			field := fmt.Sprintf("watch %q bindings[%d]", profile, i)
			if !names[b.Task] {
				return fmt.Errorf("%s: unknown task %q", field, b.Task)
			}
			if len(b.Globs) == 0 {
				return fmt.Errorf("%s: globs are required", field)
			}
			if err := validateGlobs(field, b.Globs); err != nil {
				return err
			}
		}
		if err := validateGlobs(fmt.Sprintf("watch %q ignore", profile), w.Ignore); err != nil {
			return err
		}
	}
	return nil
}

func validateTask(t TaskConfig, names map[string]bool) error {
	field := fmt.Sprintf("task %q", t.Name)
	if t.Name == "" || strings.ContainsAny(t.Name, " \t,=") {
		return fmt.Errorf("%s: names must be non-empty and contain no spaces, commas or '='", field)
	}
	for _, d := range t.Deps {
		if !names[d] {
			return fmt.Errorf("%s: depends on unknown task %q", field, d)
		}
	}
	if err := validateGlobs(field+" src", t.Src); err != nil {
		return err
	}
	if err := unresolved(field+" dest", t.Dest); err != nil {
		return err
	}
	if len(t.Src) == 0 && (len(t.Stages) > 0 || t.Dest != "") {
		return fmt.Errorf("%s: stages and dest need src globs", field)
	}

	for i, s := range t.Stages {
		sf := fmt.Sprintf("%s stages[%d]", field, i)
		if s.Timeout < 0 {
			return fmt.Errorf("%s: timeout must not be negative", sf)
		}
		for j, arg := range s.Command {
			if err := unresolved(fmt.Sprintf("%s command[%d]", sf, j), arg); err != nil {
				return err
			}
		}
		switch s.Kind {
		case KindCheck:
			switch s.Mode {
			case "", "report", "verify", "write":
			default:
				return fmt.Errorf("%s: mode must be report, verify or write (got %q)", sf, s.Mode)
			}
			if s.Mode == "write" && t.Dest == "" {
				return fmt.Errorf("%s: mode write needs a dest (use \".\" to write in place)", sf)
			}
			fallthrough
		case KindTransform:
			if !t.Reads() {
				return fmt.Errorf("%s: %s stages need file contents; remove read: false", sf, s.Kind)
			}
			fallthrough
		case KindBatch:
			if len(s.Command) == 0 {
				return fmt.Errorf("%s: command is required", sf)
			}
		case KindChanged:
			if !t.Reads() {
				return fmt.Errorf("%s: changed stages need file contents; remove read: false", sf)
			}
		case KindFilter:
			if len(s.Include) == 0 && len(s.Exclude) == 0 {
				return fmt.Errorf("%s: filter needs include or exclude globs", sf)
			}
			if err := validateGlobs(sf+" include", s.Include); err != nil {
				return err
			}
			if err := validateGlobs(sf+" exclude", s.Exclude); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: unknown kind %q (want check, transform, batch, changed or filter)", sf, s.Kind)
		}
	}
	return nil
}

func validateGlobs(field string, globs []string) error {
	for _, g := range globs {
		if err := unresolved(field, g); err != nil {
			return err
		}
		if !doublestar.ValidatePattern(strings.TrimPrefix(g, "!")) {
			return fmt.Errorf("%s: invalid glob %q", field, g)
		}
	}
	return nil
}
