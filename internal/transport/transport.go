// Package transport implements the non-blocking multicast UDP socket
// that the drone control protocol rides on.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/aparcar/udronerc/internal/wire"
)

const (
	// DefaultMaxDatagram bounds serialized envelope size; larger
	// inbound datagrams are silently dropped.
	DefaultMaxDatagram = 2048
)

// Config holds configuration for the multicast transport.
type Config struct {
	Logger *slog.Logger

	// MulticastIP and Port are the well-known (ip, port) the protocol
	// runs on.
	MulticastIP   string
	Port          int
	InterfaceName string // optional; local interface to derive the outbound IP from
	LocalIP       string // optional; explicit outbound multicast interface IP

	// MulticastLoopback lets this socket receive its own transmissions,
	// useful when host and drones share a loopback interface (tests,
	// dronesim on the same box as dronectl).
	MulticastLoopback bool

	MaxDatagram int
}

// Transport is a non-blocking multicast UDP socket. Send is safe to
// call concurrently with itself and with Poll/RecvNonblocking (a single
// mutex serializes Sends and guards the conn handle and the pending
// queue; reads run outside it, as net.UDPConn allows a read concurrent
// with a write), matching spec §5's
// requirement that the keep-alive timer task may send concurrently
// with the main task.
type Transport struct {
	log         *slog.Logger
	addr        *net.UDPAddr
	maxDatagram int

	mu      sync.Mutex
	conn    *net.UDPConn
	pending []wire.Envelope // envelopes read by Poll, awaiting RecvNonblocking
}

// New opens the multicast socket: binds the configured port on the
// multicast address itself (not an ephemeral local port), joins the
// multicast group for receive, and sets the outbound multicast
// interface to the configured local IP or named interface.
func New(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ip := net.ParseIP(cfg.MulticastIP)
	if ip == nil {
		return nil, fmt.Errorf("transport: invalid multicast IP: %s", cfg.MulticastIP)
	}
	if !ip.IsMulticast() {
		return nil, fmt.Errorf("transport: IP %s is not a multicast address", cfg.MulticastIP)
	}
	maxDatagram := cfg.MaxDatagram
	if maxDatagram <= 0 {
		maxDatagram = DefaultMaxDatagram
	}

	// Binding the socket to the multicast address itself (rather than
	// 0.0.0.0:0) is what makes datagrams sent to the group actually
	// arrive here; this is the same shape net.ListenUDP expects for
	// multicast receive.
	laddr := &net.UDPAddr{IP: ip, Port: cfg.Port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}

	p := ipv4.NewPacketConn(conn)

	var ifi *net.Interface
	switch {
	case cfg.InterfaceName != "":
		ifi, err = net.InterfaceByName(cfg.InterfaceName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: interface %s: %w", cfg.InterfaceName, err)
		}
	case cfg.LocalIP != "":
		ifi, err = interfaceForIP(cfg.LocalIP)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: resolve interface for %s: %w", cfg.LocalIP, err)
		}
	}

	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: ip}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: join multicast group: %w", err)
	}

	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			cfg.Logger.Warn("failed to set outbound multicast interface", "error", err)
		}
	}

	if cfg.MulticastLoopback {
		if err := p.SetMulticastLoopback(true); err != nil {
			cfg.Logger.Warn("failed to enable multicast loopback", "error", err)
		}
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: clear read deadline: %w", err)
	}

	cfg.Logger.Info("transport opened",
		"multicast_ip", ip.String(),
		"port", cfg.Port,
		"local_addr", conn.LocalAddr().String(),
	)

	return &Transport{
		log:         cfg.Logger,
		addr:        &net.UDPAddr{IP: ip, Port: cfg.Port},
		maxDatagram: maxDatagram,
		conn:        conn,
	}, nil
}

// MaxDatagram returns the configured max datagram size.
func (t *Transport) MaxDatagram() int {
	return t.maxDatagram
}

// Send fire-and-forgets an envelope to the multicast address. No
// delivery guarantee.
func (t *Transport) Send(env wire.Envelope) error {
	payload, err := wire.Encode(env, t.maxDatagram)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return net.ErrClosed
	}
	if _, err := t.conn.WriteToUDP(payload, t.addr); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	t.log.Debug("sent", "to", env.To, "type", env.Type, "seq", env.Seq)
	return nil
}

// Poll sleeps up to timeout waiting for inbound traffic. If a datagram
// arrives before the deadline it is read and queued for the next
// RecvNonblocking call, so no traffic is lost between Poll and Recv. A
// zero or negative timeout returns immediately without reading.
func (t *Transport) Poll(timeout time.Duration) {
	if timeout <= 0 {
		return
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return
	}

	buf := make([]byte, t.maxDatagram+1)
	n, _, err := conn.ReadFromUDP(buf)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return // timeout, or the conn was closed concurrently; recv will surface fatal errors
	}

	t.queue(buf[:n])
}

// queue decodes a raw datagram and, if well formed, appends it to the
// pending queue drained by RecvNonblocking. Malformed or oversize
// datagrams are silently dropped per spec.
func (t *Transport) queue(raw []byte) {
	env, err := wire.Decode(raw, t.maxDatagram)
	if err != nil {
		t.log.Debug("dropping malformed datagram", "error", err, "bytes", len(raw))
		return
	}
	t.mu.Lock()
	t.pending = append(t.pending, env)
	t.mu.Unlock()
}

// RecvNonblocking drains one envelope if available, else returns
// (Envelope{}, false, nil). Errors other than "would block"/timeout are
// fatal and returned.
func (t *Transport) RecvNonblocking() (wire.Envelope, bool, error) {
	t.mu.Lock()
	if len(t.pending) > 0 {
		env := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()
		t.log.Debug("received", "from", env.From, "to", env.To, "type", env.Type, "seq", env.Seq)
		return env, true, nil
	}
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return wire.Envelope{}, false, net.ErrClosed
	}

	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return wire.Envelope{}, false, fmt.Errorf("transport: set read deadline: %w", err)
	}

	buf := make([]byte, t.maxDatagram+1)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		if isTimeout(err) {
			return wire.Envelope{}, false, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return wire.Envelope{}, false, err
		}
		return wire.Envelope{}, false, fmt.Errorf("transport: recv: %w", err)
	}

	env, err := wire.Decode(buf[:n], t.maxDatagram)
	if err != nil {
		t.log.Debug("dropping malformed datagram", "error", err, "bytes", n)
		return wire.Envelope{}, false, nil
	}
	t.log.Debug("received", "from", env.From, "to", env.To, "type", env.Type, "seq", env.Seq)
	return env, true, nil
}

// Close releases the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// interfaceForIP finds the local network interface carrying the given
// address, used to derive the outbound multicast interface from a
// configured local IP rather than an interface name.
func interfaceForIP(ip string) (*net.Interface, error) {
	want := net.ParseIP(ip)
	if want == nil {
		return nil, fmt.Errorf("invalid IP: %s", ip)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.Equal(want) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface with address %s", ip)
}
