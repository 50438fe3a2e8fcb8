package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/aparcar/udronerc/internal/config"
	"github.com/aparcar/udronerc/internal/group"
	"github.com/aparcar/udronerc/internal/host"
	"github.com/aparcar/udronerc/internal/suite"
	"github.com/aparcar/udronerc/internal/transport"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliFlags struct {
	ConfigPath  string
	SuitePath   string
	ResultsPath string
	Disband     bool
	Verbose     bool
	ShowVersion bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := parseFlags()

	if flags.ShowVersion {
		fmt.Printf("dronectl version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if flags.Verbose {
		level = slog.LevelDebug
	}
	log := newLogger(level)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tr, err := transport.New(transport.Config{
		Logger:        log,
		MulticastIP:   cfg.Address,
		Port:          cfg.Port,
		InterfaceName: cfg.InterfaceName,
	})
	if err != nil {
		return fmt.Errorf("dronectl: open transport: %w", err)
	}
	defer tr.Close()

	h, err := host.New(host.Config{
		Logger:    log,
		Transport: tr,
		HostID:    cfg.HostID,
	})
	if err != nil {
		return fmt.Errorf("dronectl: init host: %w", err)
	}

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		h.Disband("shutdown")
		os.Exit(0)
	}()

	if flags.Disband {
		h.Disband("requested")
		log.Info("disbanded all groups")
		return nil
	}

	if flags.SuitePath == "" {
		return fmt.Errorf("dronectl: --suite is required unless --disband is given")
	}

	s, err := suite.Load(flags.SuitePath)
	if err != nil {
		return err
	}

	runner := suite.NewRunner(log, func(label string) *group.Group {
		return group.New(h, label, false, suite.DefaultIdleInterval)
	})

	results, err := runner.Run(s)
	if writeErr := writeResults(flags.ResultsPath, results); writeErr != nil {
		log.Warn("failed to write results", "error", writeErr)
	}
	if err != nil {
		return fmt.Errorf("dronectl: suite run: %w", err)
	}

	log.Info("suite complete", "suite", s.ID, "tasks", len(results.Tasks))
	return nil
}

func writeResults(path string, results suite.Results) error {
	if path == "" {
		path = "results.json"
	}
	b, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("dronectl: marshal results: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("dronectl: write %s: %w", path, err)
	}
	return nil
}

func parseFlags() cliFlags {
	var f cliFlags

	flag.StringVarP(&f.ConfigPath, "config", "c", "config.yml", "path to YAML configuration file")
	flag.StringVarP(&f.SuitePath, "suite", "s", "", "path to suite YAML file to run")
	flag.StringVar(&f.ResultsPath, "results", "results.json", "path to write suite results to")
	flag.BoolVar(&f.Disband, "disband", false, "disband all groups on this host and exit")
	flag.BoolVarP(&f.Verbose, "verbose", "v", false, "verbose mode - show debug logs")
	flag.BoolVar(&f.ShowVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "dronectl - run a drone test suite over the multicast control protocol\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  dronectl --suite path/to/suite.yml\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return f
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
