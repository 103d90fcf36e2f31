// Package config loads and validates the depgate TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Executor names accepted in [run].executor.
const (
	ExecutorCommand  = "command"
	ExecutorDocker   = "docker"
	ExecutorTemporal = "temporal"
)

// DefaultSkipExitCode is the exit status a test command uses to report that
// it skipped itself.
const DefaultSkipExitCode = 77

type Config struct {
	General  General  `toml:"general"`
	Registry Registry `toml:"registry"`
	Run      Run      `toml:"run"`
	Docker   Docker   `toml:"docker"`
	Temporal Temporal `toml:"temporal"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	StateDB  string `toml:"state_db"`
	LockFile string `toml:"lock_file"` // default state_db + ".lock"
}

type Registry struct {
	Paths []string `toml:"paths"` // manifest files or directories, read in order
}

type Run struct {
	Groups       []string `toml:"groups"`
	Executor     string   `toml:"executor"`    // "command", "docker", "temporal"
	Parallelism  int      `toml:"parallelism"` // 1 runs items one at a time
	ItemTimeout  Duration `toml:"item_timeout"`
	SkipExitCode *int     `toml:"skip_exit_code"`
	WorkDir      string   `toml:"work_dir"`
}

// SkipCode returns the configured skip exit code.
func (r Run) SkipCode() int {
	if r.SkipExitCode == nil {
		return DefaultSkipExitCode
	}
	return *r.SkipExitCode
}

type Docker struct {
	Image      string   `toml:"image"`
	Env        []string `toml:"env"`
	Network    string   `toml:"network"`
	AutoRemove bool     `toml:"auto_remove"`
}

type Temporal struct {
	HostPort  string `toml:"host_port"`
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

// Load reads and validates a depgate TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg, filepath.Dir(path))

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills unset values. Relative registry paths resolve against
// the directory holding the config file.
func applyDefaults(cfg *Config, baseDir string) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = filepath.Join(baseDir, "depgate.db")
	}
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = cfg.General.StateDB + ".lock"
	}
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)

	for i, p := range cfg.Registry.Paths {
		p = ExpandHome(p)
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		cfg.Registry.Paths[i] = p
	}

	if cfg.Run.Executor == "" {
		cfg.Run.Executor = ExecutorCommand
	}
	cfg.Run.Executor = strings.ToLower(strings.TrimSpace(cfg.Run.Executor))
	if cfg.Run.Parallelism == 0 {
		cfg.Run.Parallelism = 1
	}
	if cfg.Run.ItemTimeout.Duration == 0 {
		cfg.Run.ItemTimeout.Duration = 10 * time.Minute
	}
	if cfg.Run.WorkDir == "" {
		cfg.Run.WorkDir = baseDir
	}
	cfg.Run.WorkDir = ExpandHome(cfg.Run.WorkDir)

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "127.0.0.1:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "depgate-task-queue"
	}
}

func validate(cfg *Config) error {
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.General.LogLevel)
	}

	switch cfg.Run.Executor {
	case ExecutorCommand, ExecutorTemporal:
	case ExecutorDocker:
		if strings.TrimSpace(cfg.Docker.Image) == "" {
			return fmt.Errorf("docker executor requires [docker].image")
		}
	default:
		return fmt.Errorf("unknown executor %q", cfg.Run.Executor)
	}

	if cfg.Run.Parallelism < 1 {
		return fmt.Errorf("run.parallelism must be at least 1, got %d", cfg.Run.Parallelism)
	}
	if cfg.Run.ItemTimeout.Duration < 0 {
		return fmt.Errorf("run.item_timeout must not be negative")
	}
	if code := cfg.Run.SkipCode(); code < 1 || code > 255 {
		return fmt.Errorf("run.skip_exit_code must be between 1 and 255, got %d", code)
	}

	if len(cfg.Registry.Paths) == 0 {
		return fmt.Errorf("registry.paths must list at least one manifest")
	}

	seenGroups := make(map[string]struct{}, len(cfg.Run.Groups))
	for _, group := range cfg.Run.Groups {
		if strings.TrimSpace(group) == "" {
			return fmt.Errorf("run.groups contains an empty group name")
		}
		if _, dup := seenGroups[group]; dup {
			return fmt.Errorf("run.groups lists %q twice", group)
		}
		seenGroups[group] = struct{}{}
	}

	if cfg.General.StateDB != "" {
		dir := filepath.Dir(cfg.General.StateDB)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("state_db directory %q does not exist: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
