package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/aparcar/udronerc/internal/config"
	"github.com/aparcar/udronerc/internal/host"
	"github.com/aparcar/udronerc/internal/transport"
	"github.com/aparcar/udronerc/internal/wire"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const droneIDPrefix = "drone"

type cliFlags struct {
	ConfigPath  string
	DroneID     string
	Board       string
	StatusDelay time.Duration
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
		fmt.Printf("dronesim version: %s, commit: %s, date: %s\n", version, commit, date)
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

	droneID := flags.DroneID
	if droneID == "" {
		droneID, err = genDroneID()
		if err != nil {
			return fmt.Errorf("dronesim: generate drone id: %w", err)
		}
	}

	tr, err := transport.New(transport.Config{
		Logger:        log,
		MulticastIP:   cfg.Address,
		Port:          cfg.Port,
		InterfaceName: cfg.InterfaceName,
	})
	if err != nil {
		return fmt.Errorf("dronesim: open transport: %w", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	sim := newSimulator(droneID, flags.Board, flags.StatusDelay, tr, log)
	return sim.run(ctx)
}

// simulator answers the drone-side of the control protocol for a single
// simulated drone: it starts in the default unassigned pool and tracks
// whichever group it is most recently !assign'd or !reset out of.
type simulator struct {
	id          string
	board       string
	statusDelay time.Duration
	tr          *transport.Transport
	log         *slog.Logger

	mu      sync.Mutex
	groupID string
}

func newSimulator(id, board string, statusDelay time.Duration, tr *transport.Transport, log *slog.Logger) *simulator {
	return &simulator{
		id:          id,
		board:       board,
		statusDelay: statusDelay,
		tr:          tr,
		log:         log.With("component", "dronesim", "drone_id", id),
		groupID:     host.DefaultGroup,
	}
}

func (s *simulator) run(ctx context.Context) error {
	s.log.Info("drone online", "board", s.board, "group", s.currentGroup())

	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutting down")
			return nil
		default:
		}

		s.tr.Poll(200 * time.Millisecond)

		for {
			env, ok, err := s.tr.RecvNonblocking()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("dronesim: recv: %w", err)
			}
			if !ok {
				break
			}
			s.handle(env)
		}
	}
}

func (s *simulator) currentGroup() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupID
}

func (s *simulator) setGroup(g string) {
	s.mu.Lock()
	s.groupID = g
	s.mu.Unlock()
}

// handle dispatches one inbound envelope. Anything not addressed to this
// drone directly or to its current group is ignored.
func (s *simulator) handle(env wire.Envelope) {
	if env.From == s.id || (env.To != s.id && env.To != s.currentGroup()) {
		return
	}

	switch env.Type {
	case "!whois":
		s.reply(env, "status", wire.StatusPayload{Board: s.board})
	case "!assign":
		var payload struct {
			Group string `json:"group"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Group == "" {
			s.reply(env, "status", wire.StatusPayload{Code: 1, ErrStr: "malformed assign"})
			return
		}
		s.setGroup(payload.Group)
		s.log.Info("assigned", "group", payload.Group)
		s.reply(env, "status", wire.StatusPayload{Code: 0})
	case "!reset":
		s.setGroup(host.DefaultGroup)
		s.log.Info("reset", "group", host.DefaultGroup)
		s.reply(env, "status", wire.StatusPayload{Code: 0})
	default:
		s.reply(env, "accept", nil)
		go s.delayedStatus(env)
	}
}

// delayedStatus sends the terminal status reply for an application
// command after statusDelay, matching the accept-then-status shape real
// drones use for commands that take time to apply (spec §8 S3).
func (s *simulator) delayedStatus(req wire.Envelope) {
	time.Sleep(s.statusDelay)
	s.reply(req, "status", wire.StatusPayload{Code: 0})
}

func (s *simulator) reply(req wire.Envelope, msgType string, data any) {
	out := wire.Envelope{From: s.id, To: req.From, Type: msgType, Seq: req.Seq, Data: wire.MustData(data)}
	if err := s.tr.Send(out); err != nil {
		s.log.Warn("reply failed", "type", msgType, "error", err)
	}
}

func genDroneID() (string, error) {
	b := make([]byte, 3) // 24 bits
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%02x%02x%02x", droneIDPrefix, b[0], b[1], b[2]), nil
}

func parseFlags() cliFlags {
	var f cliFlags

	flag.StringVarP(&f.ConfigPath, "config", "c", "config.yml", "path to YAML configuration file")
	flag.StringVar(&f.DroneID, "id", "", "drone identity; a random one is generated if empty")
	flag.StringVar(&f.Board, "board", "generic", "board name reported in whois replies")
	flag.DurationVar(&f.StatusDelay, "status-delay", 500*time.Millisecond, "delay between the accept and the terminal status reply")
	flag.BoolVarP(&f.Verbose, "verbose", "v", false, "verbose mode - show debug logs")
	flag.BoolVar(&f.ShowVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "dronesim - simulate a drone for manual and integration testing\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  dronesim [flags]\n\n")
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
