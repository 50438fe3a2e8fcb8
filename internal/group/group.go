// Package group implements DroneGroup: a named set of assigned drones,
// a per-group monotonic sequence counter, a keep-alive timer, and the
// high-level assign/request/call/reset operations built on Host.
package group

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/aparcar/udronerc/internal/droneerr"
	"github.com/aparcar/udronerc/internal/host"
	"github.com/aparcar/udronerc/internal/wire"
)

// caller is the subset of *host.Host a Group depends on, narrowed so
// group tests can fake the host without a real transport.
type caller interface {
	ID() string
	Clock() clockwork.Clock
	GenSeq() uint32
	Call(to string, seq uint32, msgType string, data any, respType string, expect map[string]struct{}) map[string]*wire.Envelope
	CallMulti(nodes map[string]struct{}, seq uint32, msgType string, data any, respType string) map[string]*wire.Envelope
	Whois(group string, need int, seq uint32, board string) (map[string]*wire.Envelope, []string)
	Reset(whom string, how string, expect map[string]struct{}) map[string]*wire.Envelope
	RecvUntil(answers map[string]*wire.Envelope, seq uint32, msgType string, timeout time.Duration, expect map[string]struct{}, order *[]string)
	Register(g host.Registrant)
}

const defaultIdleInterval = 30 * time.Second

// Group owns a group identity, its assigned drone set, a monotonic
// sequence counter, and a keep-alive timer.
type Group struct {
	log   *slog.Logger
	host  caller
	clock clockwork.Clock

	groupID      string
	idleInterval time.Duration

	mu       sync.Mutex
	seq      uint32
	assigned map[string]struct{}

	timerMu sync.Mutex
	timer   clockwork.Timer
	live    bool
}

// New constructs a Group whose id is label (if absolute) or
// "<hostID>_<label>", and registers it with h for Disband. This is the
// Go shape of the source's Host.Group(label, absolute) factory: Go
// cannot have Host return a group.Group without an import cycle, so
// the factory lives here and takes the host as its first argument.
func New(h caller, label string, absolute bool, idleInterval time.Duration) *Group {
	groupID := label
	if !absolute {
		groupID = fmt.Sprintf("%s_%s", h.ID(), label)
	}
	if idleInterval <= 0 {
		idleInterval = defaultIdleInterval
	}

	g := &Group{
		log:          slog.Default().With("component", "group", "group_id", groupID),
		host:         h,
		clock:        h.Clock(),
		groupID:      groupID,
		idleInterval: idleInterval,
		seq:          h.GenSeq(),
		assigned:     make(map[string]struct{}),
	}
	h.Register(g)
	g.rearmKeepAlive()
	g.log.Debug("group created")
	return g
}

// ID returns the group's identity.
func (g *Group) ID() string { return g.groupID }

// Assigned returns a snapshot of the drone IDs currently believed to be
// members.
func (g *Group) Assigned() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.assigned))
	for d := range g.assigned {
		out = append(out, d)
	}
	return out
}

func (g *Group) addAssigned(drones ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range drones {
		g.assigned[d] = struct{}{}
	}
}

func (g *Group) assignedSnapshot() map[string]struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]struct{}, len(g.assigned))
	for d := range g.assigned {
		out[d] = struct{}{}
	}
	return out
}

func (g *Group) assignedLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.assigned)
}

// Assign adopts or recruits drones into the group until between min and
// max are assigned:
//  1. Query existing members via whois(group, max, board). If the count
//     already lies in [min, max], adopt them and return.
//  2. Otherwise query the default pool, take up to max candidates, and
//     !assign them. Drones replying status code 0 are added.
//  3. If still short of min, one more round against the remaining
//     deficit from the default pool.
//  4. If still short of min and nothing succeeded, fail NotFound.
//  5. If still short of min but some succeeded, roll them back with
//     !reset, then fail NotFound.
//
// Returns the full set of drones now assigned as a result of this call
// (see SPEC_FULL.md open-question resolution).
func (g *Group) Assign(min, max int, board string) ([]string, error) {
	if max <= 0 {
		max = min
	}

	inGroup, _ := g.host.Whois(g.groupID, max, 0, board)
	if len(inGroup) >= min && len(inGroup) <= max {
		ids := make([]string, 0, len(inGroup))
		for id := range inGroup {
			ids = append(ids, id)
		}
		g.addAssigned(ids...)
		g.log.Debug("assign: adopted existing members", "drones", ids)
		return ids, nil
	}

	newMembers := make(map[string]struct{})

	pool, poolOrder := g.host.Whois(host.DefaultGroup, max, 0, board)
	candidates := take(pool, poolOrder, max)
	g.assignDrones(candidates, newMembers)

	if len(newMembers) < min {
		deficit := max - len(newMembers)
		more, moreOrder := g.host.Whois(host.DefaultGroup, deficit, 0, board)
		g.assignDrones(take(more, moreOrder, deficit), newMembers)
	}

	if len(newMembers) < min {
		if len(newMembers) > 0 {
			rollback := make(map[string]struct{}, len(newMembers))
			for d := range newMembers {
				rollback[d] = struct{}{}
			}
			g.host.CallMulti(rollback, 0, "!reset", nil, "status")
			g.mu.Lock()
			for d := range newMembers {
				delete(g.assigned, d)
			}
			g.mu.Unlock()
		}
		return nil, droneerr.NotFound("assign", "no drones available")
	}

	ids := make([]string, 0, len(newMembers))
	for d := range newMembers {
		ids = append(ids, d)
	}
	g.log.Debug("assign: recruited new members", "drones", ids)
	return ids, nil
}

// assignDrones sends !assign to candidates and records those replying
// status code 0 into both into and the group's assigned set.
func (g *Group) assignDrones(candidates map[string]struct{}, into map[string]struct{}) {
	if len(candidates) == 0 {
		return
	}
	g.mu.Lock()
	groupSeq := g.seq
	g.mu.Unlock()

	// The transport-level seq is fresh and random (a control message);
	// the payload's "seq" field carries the group's own generation
	// counter so drones can tell which assignment round this is.
	responses := g.host.CallMulti(candidates, 0, "!assign", map[string]any{
		"group": g.groupID,
		"seq":   groupSeq,
	}, "status")

	for drone, resp := range responses {
		if resp == nil {
			continue
		}
		sp, err := wire.DecodeStatus(*resp)
		if err != nil || sp.Code != 0 {
			continue
		}
		into[drone] = struct{}{}
		g.addAssigned(drone)
	}
}

// take selects up to n candidates from m, in the arrival order recorded
// by order, per spec §4.2: "when more candidates respond than needed,
// take them in arrival order; excess is ignored but not reset." Using
// Go's map iteration order here would pick a random subset instead.
func take(m map[string]*wire.Envelope, order []string, n int) map[string]struct{} {
	out := make(map[string]struct{})
	if n <= 0 {
		return out
	}
	for _, id := range order {
		if len(out) >= n {
			break
		}
		if _, ok := m[id]; !ok {
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

// nextAppSeq increments and returns the group's monotonic sequence
// counter, used for all non-control application messages.
func (g *Group) nextAppSeq() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return g.seq
}

// Request is the core fan-out/fan-in loop described in spec §4.4: odd
// attempts retransmit via Call, even attempts only drain late replies
// via RecvUntil (accept frames often arrive promptly but the terminal
// status lags, and resending would keep flooding the fabric with
// duplicates). accept is distinguished from a terminal reply by never
// clearing the pending slot. Drones still pending at timeout have nil
// values in the returned map.
func (g *Group) Request(msgType string, data any, timeout time.Duration) (map[string]*wire.Envelope, error) {
	if g.assignedLen() == 0 {
		return nil, droneerr.NotFound("request", "group empty")
	}

	var seq uint32
	if len(msgType) > 0 && msgType[0] == '!' {
		seq = g.host.GenSeq()
	} else {
		seq = g.nextAppSeq()
	}

	pending := g.assignedSnapshot()
	answers := make(map[string]*wire.Envelope)

	start := g.clock.Now()
	attempt := 0
	for len(pending) > 0 && g.clock.Now().Sub(start) < timeout {
		attempt++
		expect := cloneSet(pending)

		if attempt%2 == 1 {
			for drone, ans := range g.host.Call(g.groupID, seq, msgType, data, "", expect) {
				answers[drone] = ans
			}
		} else {
			remaining := timeout - g.clock.Now().Sub(start)
			if remaining > 10*time.Second {
				remaining = 10 * time.Second
			}
			g.recvUntilOnly(answers, seq, expect, remaining)
		}

		for drone := range expect {
			answers[drone] = nil // timed out so far
		}
		for drone, ans := range answers {
			if ans != nil && ans.Type == "accept" {
				answers[drone] = nil // in progress, keep waiting
				continue
			}
			if ans != nil {
				delete(pending, drone)
			}
		}

		g.rearmKeepAlive()
	}

	return answers, nil
}

// recvUntilOnly drains replies without retransmitting, mirroring the
// even-attempt branch of Request (host.RecvUntil with no resend).
func (g *Group) recvUntilOnly(answers map[string]*wire.Envelope, seq uint32, expect map[string]struct{}, timeout time.Duration) {
	g.host.RecvUntil(answers, seq, "", timeout, expect, nil)
}

func cloneSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// Call wraps Request with the error classification from spec §4.4 and
// §7. If sink is non-nil, results are merged into it and it is
// returned; otherwise the raw answers map is returned.
func (g *Group) Call(msgType string, data any, timeout time.Duration, sink map[string]*wire.Envelope) (map[string]*wire.Envelope, error) {
	answers, err := g.Request(msgType, data, timeout)
	if err != nil {
		return nil, err
	}

	assignedNow := g.assignedSnapshot()

	var unreachable []string
	for drone, ans := range answers {
		if ans == nil {
			unreachable = append(unreachable, drone)
			continue
		}
		if _, ok := assignedNow[drone]; !ok {
			return nil, droneerr.Conflict("call", drone)
		}
		if ans.Type == "unsupported" {
			return nil, droneerr.Unsupported("call", drone)
		}
		if ans.Type == "status" {
			sp, err := wire.DecodeStatus(*ans)
			if err != nil {
				return nil, droneerr.Malformed("call", drone, err)
			}
			if sp.Code > 0 {
				return nil, droneerr.StatusFailed("call", drone, sp.Code, sp.ErrStr)
			}
		}
	}
	if len(unreachable) > 0 {
		return nil, droneerr.NotReachable("call", unreachable)
	}

	if sink != nil {
		for k, v := range answers {
			sink[k] = v
		}
		return sink, nil
	}
	return answers, nil
}

// Reset resets the group: if assigned is non-empty, sends !reset to
// host.Reset(groupID, how, expect=copy(assigned)). Drones that did not
// ACK cause NotReachable; on success assigned is cleared.
func (g *Group) Reset(how string) error {
	assignedNow := g.assignedSnapshot()
	if len(assignedNow) == 0 {
		return nil
	}

	expect := cloneSet(assignedNow)
	g.host.Reset(g.groupID, how, expect)

	g.mu.Lock()
	g.assigned = expect
	g.mu.Unlock()

	if len(expect) > 0 {
		unreachable := make([]string, 0, len(expect))
		for d := range expect {
			unreachable = append(unreachable, d)
		}
		return droneerr.NotReachable("reset", unreachable)
	}
	return nil
}

// rearmKeepAlive (re)schedules the one-shot keep-alive timer,
// idle_interval seconds in the future. Invariant 3: the timer is
// scheduled iff the group is live.
func (g *Group) rearmKeepAlive() {
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.live = true
	g.timer = g.clock.AfterFunc(g.idleInterval, g.onKeepAlive)
}

func (g *Group) cancelKeepAlive() {
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.live = false
}

// Close stops the keep-alive timer permanently. It does not reset the
// group's drones; callers that want both should Reset before Close.
// Unlike Reset, which the group may survive to be reassigned later,
// Close marks the group as disbanded (invariant 3).
func (g *Group) Close() {
	g.cancelKeepAlive()
}

// onKeepAlive fires on the auxiliary timer task: if the group still
// holds members, it transmits a best-effort !whois with need=0 (no
// reply expected) and reschedules itself. It never touches assigned and
// never affects the outcome of a concurrently pending request.
func (g *Group) onKeepAlive() {
	if g.assignedLen() > 0 {
		g.host.Whois(g.groupID, 0, 0, "")
	}

	g.timerMu.Lock()
	live := g.live
	g.timerMu.Unlock()
	if live {
		g.rearmKeepAlive()
	}
}
