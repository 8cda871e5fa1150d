package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"git.unix.lgbt/diamondburned/supervise/supervise"
	"git.unix.lgbt/diamondburned/supervise/supervise/journal"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	redirectStderr bool
	serviceName    string
	configFile     string
	journalFile    string
	watchPaths     []string
	metricsAddr    string
	statusDir      string
	noSyslog       bool
	gracePeriod    time.Duration
	restartDelay   time.Duration
	verbose        bool
)

// exitCode is set by the command and used once cobra returns.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "supervise [-e] [-n service-name] [flags] command [arg...]",
	Short: "Run a command and restart it when it dies",
	Long: `supervise runs a single command and restarts it whenever it dies, unless the
command dies within its grace period after starting, in which case supervise
gives up and exits with status 1.

SIGTERM and SIGINT stop the command, escalating to SIGKILL when repeated.
SIGHUP is forwarded to the command.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSupervise,
}

func init() {
	log.SetFlags(0)
	log.SetPrefix("supervise: ")

	flags := rootCmd.Flags()
	// Everything after the command name belongs to the command.
	flags.SetInterspersed(false)

	flags.BoolVarP(&redirectStderr, "stderr-to-stdout", "e", false, "redirect the command's stderr to its stdout")
	flags.StringVarP(&serviceName, "name", "n", "", "service name (default is the base name of the command)")
	flags.StringVarP(&configFile, "config", "c", "", "YAML config file")
	flags.StringVarP(&journalFile, "journal", "j", "", "JSON journal file path")
	flags.StringArrayVarP(&watchPaths, "watch", "w", nil, "reload the command when this file changes (repeatable)")
	flags.StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	flags.StringVar(&statusDir, "status-dir", os.TempDir(), "directory for the startup status file")
	flags.BoolVar(&noSyslog, "no-syslog", false, "do not log to syslog")
	flags.DurationVar(&gracePeriod, "grace", supervise.DefaultGracePeriod, "startup grace period")
	flags.DurationVar(&restartDelay, "restart-delay", supervise.DefaultRestartDelay, "delay before restarting a dead command")
	flags.BoolVarP(&verbose, "verbose", "v", false, "also log events to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		fmt.Fprintln(os.Stderr, "usage:", rootCmd.UseLine())
		os.Exit(1)
	}

	os.Exit(exitCode)
}

func runSupervise(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags(), args)
	if err != nil {
		return err
	}

	code, err := start(cfg)
	if err != nil {
		log.Println(err)
		code = 1
	}

	exitCode = code
	return nil
}

// loadConfig builds the configuration from the defaults, the config file and
// the command line, in increasing order of precedence.
func loadConfig(flags *pflag.FlagSet, args []string) (supervise.Config, error) {
	cfg := supervise.NewConfig(args)
	cfg.RedirectStderr = redirectStderr

	if configFile != "" {
		fc, err := supervise.LoadFileConfig(configFile)
		if err != nil {
			return cfg, err
		}
		if err := fc.Apply(&cfg); err != nil {
			return cfg, errors.Wrapf(err, "config %q", configFile)
		}
	}

	if flags.Changed("name") {
		cfg.Service = serviceName
	}
	if flags.Changed("journal") {
		cfg.JournalPath = journalFile
	}
	if flags.Changed("watch") {
		cfg.WatchPaths = watchPaths
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("status-dir") {
		cfg.StatusDir = statusDir
	}
	if flags.Changed("no-syslog") {
		cfg.Syslog = !noSyslog
	}
	if flags.Changed("grace") {
		cfg.GracePeriod = gracePeriod
	}
	if flags.Changed("restart-delay") {
		cfg.RestartDelay = restartDelay
	}
	if flags.Changed("verbose") {
		cfg.Verbose = verbose
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

// start sets up the journals and the optional watcher and metrics server, then
// supervises the command until the supervisor exits.
func start(cfg supervise.Config) (int, error) {
	var writers []supervise.Journaler

	if cfg.Syslog {
		w, err := journal.NewSyslogWriter(cfg.Service)
		if err != nil {
			// Keep the events somewhere rather than dropping them.
			log.Println("syslog unavailable, logging to stderr:", err)
			cfg.Verbose = true
		} else {
			defer w.Close()
			writers = append(writers, w)
		}
	}

	if cfg.JournalPath != "" {
		j, err := journal.NewFileLockJournaler(cfg.JournalPath)
		if err != nil {
			if errors.Is(err, journal.ErrLockedElsewhere) {
				return 1, fmt.Errorf("journal %s is in use by another supervisor", cfg.JournalPath)
			}
			return 1, errors.Wrap(err, "failed to open journal")
		}
		defer j.Close()
		writers = append(writers, j)
	}

	if cfg.Verbose {
		writers = append(writers, journal.NewHumanWriter(os.Stderr, cfg.Service))
	}

	j := journal.MultiWriter(writers...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := supervise.NewMonitor(cfg, j)

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()

		metrics, err := supervise.NewMetrics(reg, cfg.Service)
		if err != nil {
			return 1, err
		}
		m.Metrics = metrics

		go func() {
			if err := supervise.ServeMetrics(ctx, cfg.MetricsAddr, reg); err != nil {
				j.Write(&supervise.EventWarning{
					Component: "metrics",
					Error:     err.Error(),
				})
			}
		}()
	}

	if len(cfg.WatchPaths) > 0 {
		w, err := supervise.NewWatcher(cfg.WatchPaths, j)
		if err != nil {
			return 1, err
		}
		m.Reloads = w.Reloads

		go w.Watch(ctx)
	}

	// The monitor handles signals itself, so ctx is only canceled once it has
	// returned.
	return m.Run(ctx), nil
}
