package udronerc_test

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aparcar/udronerc/internal/group"
	"github.com/aparcar/udronerc/internal/host"
	"github.com/aparcar/udronerc/internal/transport"
	"github.com/aparcar/udronerc/internal/wire"
)

// fakeDrone is a minimal stand-in for cmd/dronesim, driving a real
// multicast socket so these tests exercise transport+host+group
// together instead of against fakes.
type fakeDrone struct {
	id    string
	board string
	tr    *transport.Transport
	done  chan struct{}

	mu      sync.Mutex
	groupID string
}

func newFakeDrone(t *testing.T, id, board string, tr *transport.Transport) *fakeDrone {
	t.Helper()
	d := &fakeDrone{id: id, board: board, tr: tr, groupID: host.DefaultGroup, done: make(chan struct{})}
	go d.run()
	return d
}

func (d *fakeDrone) stop() { close(d.done) }

func (d *fakeDrone) group() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.groupID
}

func (d *fakeDrone) setGroup(g string) {
	d.mu.Lock()
	d.groupID = g
	d.mu.Unlock()
}

func (d *fakeDrone) run() {
	for {
		select {
		case <-d.done:
			return
		default:
		}
		d.tr.Poll(50 * time.Millisecond)
		for {
			env, ok, err := d.tr.RecvNonblocking()
			if err != nil || !ok {
				break
			}
			d.handle(env)
		}
	}
}

func (d *fakeDrone) handle(env wire.Envelope) {
	if env.From == d.id || (env.To != d.id && env.To != d.group()) {
		return
	}
	switch env.Type {
	case "!whois":
		d.reply(env, "status", wire.StatusPayload{Board: d.board})
	case "!assign":
		var p struct {
			Group string `json:"group"`
		}
		_ = json.Unmarshal(env.Data, &p)
		d.setGroup(p.Group)
		d.reply(env, "status", wire.StatusPayload{Code: 0})
	case "!reset":
		d.setGroup(host.DefaultGroup)
		d.reply(env, "status", wire.StatusPayload{Code: 0})
	default:
		d.reply(env, "accept", nil)
		go func() {
			time.Sleep(20 * time.Millisecond)
			d.reply(env, "status", wire.StatusPayload{Code: 0})
		}()
	}
}

func (d *fakeDrone) reply(req wire.Envelope, msgType string, data any) {
	_ = d.tr.Send(wire.Envelope{From: d.id, To: req.From, Type: msgType, Seq: req.Seq, Data: wire.MustData(data)})
}

func openTestTransport(t *testing.T, ip string, port int) *transport.Transport {
	t.Helper()
	tr, err := transport.New(transport.Config{
		Logger:            slog.Default(),
		MulticastIP:       ip,
		Port:              port,
		MaxDatagram:       2048,
		MulticastLoopback: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

// TestIntegration_AssignCallReset drives the full assign -> call ->
// reset lifecycle over real multicast sockets against a fake drone,
// exercising transport, host and group together (spec §8 S1/S3).
func TestIntegration_AssignCallReset(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multicast integration test in short mode")
	}

	ip := "239.255.255.251"
	port := 10000 + rand.Intn(5000)

	hostTr := openTestTransport(t, ip, port)
	droneTr := openTestTransport(t, ip, port)

	h, err := host.New(host.Config{Logger: slog.Default(), Transport: hostTr, HostID: "ithost"})
	require.NoError(t, err)

	drone := newFakeDrone(t, "idrone1", "genericboard", droneTr)
	t.Cleanup(drone.stop)

	g := group.New(h, "itest", false, time.Minute)
	defer g.Close()

	assigned, err := g.Assign(1, 1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"idrone1"}, assigned)

	answers, err := g.Call("sysinfo", nil, 3*time.Second, nil)
	require.NoError(t, err)
	require.Contains(t, answers, "idrone1")
	sp, err := wire.DecodeStatus(*answers["idrone1"])
	require.NoError(t, err)
	assert.Equal(t, 0, sp.Code)

	require.NoError(t, g.Reset(""))
}

// TestIntegration_AssignInsufficientDronesFails exercises the rollback
// path (spec §8 S2) against a real socket: the pool has one drone but
// two are required, so the drone that did accept must be reset back to
// the default pool and assign must fail.
func TestIntegration_AssignInsufficientDronesFails(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multicast integration test in short mode")
	}

	ip := "239.255.255.252"
	port := 10000 + rand.Intn(5000)

	hostTr := openTestTransport(t, ip, port)
	droneTr := openTestTransport(t, ip, port)

	h, err := host.New(host.Config{Logger: slog.Default(), Transport: hostTr, HostID: "ithost2"})
	require.NoError(t, err)

	drone := newFakeDrone(t, "lonedrone", "genericboard", droneTr)
	t.Cleanup(drone.stop)

	g := group.New(h, "itest2", false, time.Minute)
	defer g.Close()

	_, err = g.Assign(2, 2, "")
	require.Error(t, err)

	assert.Equal(t, host.DefaultGroup, drone.group(), "rolled-back drone rejoins the default pool")
}
