package supervise

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultGracePeriod is how long a new child is considered to be starting.
var DefaultGracePeriod = time.Minute

// DefaultRestartDelay is the pause before restarting a child that died, which
// limits the rate of spawning.
var DefaultRestartDelay = 2 * time.Second

// Config is the supervisor configuration. It is built once at startup and never
// modified afterwards.
type Config struct {
	// Service names the service in logs and in the status file name.
	Service string
	// Program is the base name of the command, used in log messages.
	Program string
	// Argv is the command and its arguments.
	Argv []string
	// RedirectStderr makes the child's stderr the same as its stdout.
	RedirectStderr bool

	StatusDir    string
	GracePeriod  time.Duration
	RestartDelay time.Duration

	// JournalPath is an optional JSON journal file.
	JournalPath string
	// WatchPaths are files whose changes trigger a reload.
	WatchPaths []string
	// MetricsAddr is an optional address to serve Prometheus metrics on.
	MetricsAddr string
	// Syslog enables logging to the system logger.
	Syslog bool
	// Verbose also logs events to stderr.
	Verbose bool
}

// NewConfig creates a configuration with defaults for the given command line.
// The service name defaults to the base name of the command.
func NewConfig(argv []string) Config {
	var program string
	if len(argv) > 0 {
		program = filepath.Base(argv[0])
	}

	return Config{
		Service:      program,
		Program:      program,
		Argv:         argv,
		StatusDir:    os.TempDir(),
		GracePeriod:  DefaultGracePeriod,
		RestartDelay: DefaultRestartDelay,
		Syslog:       true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return errors.New("missing command")
	}
	if c.Service == "" {
		return errors.New("missing service name")
	}
	if strings.ContainsRune(c.Service, filepath.Separator) {
		return fmt.Errorf("service name %q contains a path separator", c.Service)
	}
	if c.StatusDir == "" {
		return errors.New("missing status directory")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive, got %v", c.GracePeriod)
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("restart delay must not be negative, got %v", c.RestartDelay)
	}

	return nil
}

// StatusPath returns the status file path for a supervisor with the given
// process ID.
func (c Config) StatusPath(pid int) string {
	return filepath.Join(c.StatusDir, fmt.Sprintf("%s.%d.status", c.Service, pid))
}

// FileConfig is the optional YAML configuration file. Unset fields leave the
// defaults alone; command line flags override it.
type FileConfig struct {
	StatusDir    string   `yaml:"status_dir"`
	GracePeriod  string   `yaml:"grace_period"`
	RestartDelay string   `yaml:"restart_delay"`
	Journal      string   `yaml:"journal"`
	Watch        []string `yaml:"watch"`
	Metrics      string   `yaml:"metrics"`
	Syslog       *bool    `yaml:"syslog"`
	Verbose      *bool    `yaml:"verbose"`
}

// LoadFileConfig reads a YAML configuration file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %q", path)
	}

	return &fc, nil
}

// Apply copies the fields set in the file onto cfg.
func (fc *FileConfig) Apply(cfg *Config) error {
	if fc.StatusDir != "" {
		cfg.StatusDir = fc.StatusDir
	}
	if fc.GracePeriod != "" {
		d, err := time.ParseDuration(fc.GracePeriod)
		if err != nil {
			return errors.Wrap(err, "invalid grace_period")
		}
		cfg.GracePeriod = d
	}
	if fc.RestartDelay != "" {
		d, err := time.ParseDuration(fc.RestartDelay)
		if err != nil {
			return errors.Wrap(err, "invalid restart_delay")
		}
		cfg.RestartDelay = d
	}
	if fc.Journal != "" {
		cfg.JournalPath = fc.Journal
	}
	if len(fc.Watch) > 0 {
		cfg.WatchPaths = append([]string(nil), fc.Watch...)
	}
	if fc.Metrics != "" {
		cfg.MetricsAddr = fc.Metrics
	}
	if fc.Syslog != nil {
		cfg.Syslog = *fc.Syslog
	}
	if fc.Verbose != nil {
		cfg.Verbose = *fc.Verbose
	}

	return nil
}
