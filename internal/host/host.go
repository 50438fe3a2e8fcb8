// Package host implements DroneHost: the owner of the multicast
// transport, the host identity, the sequence-number generator, and the
// registry of live groups. It implements whois, reset, call, and
// call_multi with bounded retransmission.
package host

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/aparcar/udronerc/internal/wire"
)

// DefaultGroup is the well-known group id of the pool of unassigned
// drones.
const DefaultGroup = "default"

const hostIDPrefix = "udronerc"

// sender is the subset of transport.Transport the host depends on,
// narrowed so host tests can fake the wire without opening a socket.
type sender interface {
	Send(env wire.Envelope) error
	Poll(timeout time.Duration)
	RecvNonblocking() (wire.Envelope, bool, error)
}

// Config configures a Host.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Transport is the multicast socket the host sends/receives on.
	Transport sender

	// HostID is a fixed identity; if empty, one is generated as
	// "udronerc_" plus 24 bits of randomness.
	HostID string

	// RetransmitSchedule is the finite ordered sequence of per-attempt
	// timeouts. Its length caps the number of transmissions per
	// logical request.
	RetransmitSchedule []time.Duration
}

// DefaultRetransmitSchedule matches the source's resend strategy.
func DefaultRetransmitSchedule() []time.Duration {
	return []time.Duration{
		200 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.Transport == nil {
		return fmt.Errorf("host: transport is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HostID == "" {
		id, err := genHostID()
		if err != nil {
			return fmt.Errorf("host: generate host id: %w", err)
		}
		c.HostID = id
	}
	if len(c.RetransmitSchedule) == 0 {
		c.RetransmitSchedule = DefaultRetransmitSchedule()
	}
	return nil
}

func genHostID() (string, error) {
	b := make([]byte, 3) // 24 bits
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%02x%02x%02x", hostIDPrefix, b[0], b[1], b[2]), nil
}

// Host owns the transport and a registry of live groups.
type Host struct {
	log       *slog.Logger
	clock     clockwork.Clock
	transport sender
	hostID    string
	schedule  []time.Duration

	groups []Registrant
}

// Registrant is the subset of Group the host's registry needs, to
// avoid an import cycle between host and group (group imports host).
type Registrant interface {
	Reset(how string) error
	Close()
}

// New constructs a Host.
func New(cfg Config) (*Host, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	h := &Host{
		log:       cfg.Logger.With("component", "host", "host_id", cfg.HostID),
		clock:     cfg.Clock,
		transport: cfg.Transport,
		hostID:    cfg.HostID,
		schedule:  cfg.RetransmitSchedule,
	}
	h.log.Info("host initialized")
	return h, nil
}

// ID returns the host's identity.
func (h *Host) ID() string { return h.hostID }

// Clock exposes the host's clock so groups share the same notion of
// time (real or faked) for their keep-alive timers.
func (h *Host) Clock() clockwork.Clock { return h.clock }

// Schedule returns the configured retransmit schedule.
func (h *Host) Schedule() []time.Duration { return h.schedule }

// GenSeq returns a uniformly random sequence number in [0, 2e9).
// Collisions are tolerated: seq matching is only one of three
// disambiguation keys ((to, seq, type)).
func (h *Host) GenSeq() uint32 {
	// Draws at or above 4e9 are redrawn so the reduction modulo 2e9 stays
	// uniform.
	for {
		var b [4]byte
		_, _ = rand.Read(b[:])
		v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		if v < 4_000_000_000 {
			return v % 2_000_000_000
		}
	}
}

// Send constructs an envelope with from=hostID and hands it to the
// transport. No buffering, no retries at this layer.
func (h *Host) Send(to string, seq uint32, msgType string, data any) error {
	env := wire.Envelope{
		From: h.hostID,
		To:   to,
		Type: msgType,
		Seq:  seq,
		Data: wire.MustData(data),
	}
	if err := h.transport.Send(env); err != nil {
		h.log.Debug("send failed", "error", err)
		return err
	}
	return nil
}

// Recv drains the transport until an envelope matches: to==hostID,
// from/type present, seq matches if nonzero, type matches if given.
// Non-matching envelopes are discarded. Returns (nil, nil) if nothing
// matching is currently available.
func (h *Host) Recv(seq uint32, msgType string) (*wire.Envelope, error) {
	for {
		env, ok, err := h.transport.RecvNonblocking()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		if env.To != h.hostID || env.From == "" || env.Type == "" {
			continue
		}
		if seq != 0 && env.Seq != seq {
			continue
		}
		if msgType != "" && env.Type != msgType {
			continue
		}
		e := env
		return &e, nil
	}
}

// RecvUntil drains matching envelopes into answers (latest reply per
// drone wins) until timeout elapses or expect becomes empty. expect is
// mutated in place: each from present in expect is removed once it has
// answered. If order is non-nil, each from-ID is appended to it the
// first time it answers, preserving arrival order across repeated
// calls (spec §4.2's "take them in arrival order" tie-break depends on
// this, not on map iteration).
func (h *Host) RecvUntil(answers map[string]*wire.Envelope, seq uint32, msgType string, timeout time.Duration, expect map[string]struct{}, order *[]string) {
	deadline := h.clock.Now().Add(timeout)
	for {
		remaining := deadline.Sub(h.clock.Now())
		if remaining <= 0 || (expect != nil && len(expect) == 0) {
			return
		}

		h.transport.Poll(remaining)

		for {
			env, err := h.Recv(seq, msgType)
			if err != nil || env == nil {
				break
			}
			if order != nil {
				if _, seen := answers[env.From]; !seen {
					*order = append(*order, env.From)
				}
			}
			e := *env
			answers[env.From] = &e
			if expect != nil {
				delete(expect, env.From)
			}
		}
	}
}

// Call sends to `to` and waits for replies, retransmitting on the
// configured schedule. If seq is zero, one is allocated. If expect is
// non-nil, the loop exits as soon as expect becomes empty; expect is
// mutated in place. Returns the accumulated answers.
func (h *Host) Call(to string, seq uint32, msgType string, data any, respType string, expect map[string]struct{}) map[string]*wire.Envelope {
	if seq == 0 {
		seq = h.GenSeq()
	}
	answers := make(map[string]*wire.Envelope)

	for _, timeout := range h.schedule {
		if err := h.Send(to, seq, msgType, data); err != nil {
			h.log.Warn("call: send failed", "to", to, "type", msgType, "error", err)
		}
		h.RecvUntil(answers, seq, respType, timeout, expect, nil)
		if expect != nil && len(expect) == 0 {
			break
		}
	}
	return answers
}

// CallMulti is like Call but addresses every node individually on each
// attempt (unicast-style bursts over the shared multicast socket).
// nodes is the expect set and is mutated in place.
func (h *Host) CallMulti(nodes map[string]struct{}, seq uint32, msgType string, data any, respType string) map[string]*wire.Envelope {
	if seq == 0 {
		seq = h.GenSeq()
	}
	answers := make(map[string]*wire.Envelope)

	for _, timeout := range h.schedule {
		for node := range nodes {
			if err := h.Send(node, seq, msgType, data); err != nil {
				h.log.Warn("call_multi: send failed", "to", node, "type", msgType, "error", err)
			}
		}
		h.RecvUntil(answers, seq, respType, timeout, nodes, nil)
		if len(nodes) == 0 {
			break
		}
	}
	return answers
}

// Whois broadcasts a !whois to group. If need==0, a single keep-alive
// datagram is sent with no wait and no read, returning immediately
// (this is a liveness refresh, not a query — do not simplify). Otherwise
// it retransmits on schedule and stops once len(answers)>=need; that
// count is checked only after each attempt's receive window, so the
// current window is always waited out in full even when need is reached
// early in it.
// The second return value lists the replying drone IDs in the order
// their first reply arrived, so callers that must take a subset of
// answers (spec §4.2's assign tie-break) do so in arrival order rather
// than Go's randomized map iteration.
func (h *Host) Whois(group string, need int, seq uint32, board string) (map[string]*wire.Envelope, []string) {
	answers := make(map[string]*wire.Envelope)
	var order []string
	if seq == 0 {
		seq = h.GenSeq()
	}

	var data any
	if board != "" {
		data = map[string]string{"board": board}
	}

	for _, timeout := range h.schedule {
		if err := h.Send(group, seq, "!whois", data); err != nil {
			h.log.Warn("whois: send failed", "group", group, "error", err)
		}
		if need == 0 {
			return answers, order
		}
		h.RecvUntil(answers, seq, "status", timeout, nil, &order)
		if len(answers) >= need {
			break
		}
	}
	return answers, order
}

// Reset wraps Call with !reset.
func (h *Host) Reset(whom string, how string, expect map[string]struct{}) map[string]*wire.Envelope {
	var data any
	if how != "" {
		data = map[string]string{"how": how}
	}
	return h.Call(whom, 0, "!reset", data, "status", expect)
}

// Register adds a group to the host's registry, for Disband.
func (h *Host) Register(g Registrant) {
	h.groups = append(h.groups, g)
}

// Disband resets every registered group, stops their keep-alive timers,
// and clears the registry.
func (h *Host) Disband(how string) {
	for _, g := range h.groups {
		if err := g.Reset(how); err != nil {
			h.log.Warn("disband: group reset failed", "error", err)
		}
		g.Close()
	}
	h.groups = nil
}
