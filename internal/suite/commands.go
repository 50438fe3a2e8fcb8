package suite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aparcar/udronerc/internal/group"
	"github.com/aparcar/udronerc/internal/wire"
)

const defaultCallTimeout = 60 * time.Second

// caller is the subset of *group.Group the per-command helpers need.
type caller interface {
	Call(msgType string, data any, timeout time.Duration, sink map[string]*wire.Envelope) (map[string]*wire.Envelope, error)
}

var _ caller = (*group.Group)(nil)

// sysinfo asks every drone in the group for its system info, grounded
// on udronerc.py's sysinfo().
func sysinfo(g caller) (map[string]*wire.Envelope, error) {
	return g.Call("sysinfo", nil, defaultCallTimeout, nil)
}

// ubusCall issues a ubus RPC against every drone in the group, grounded
// on udronerc.py's read_file/service helpers which all funnel through
// the same "ubus" message shape.
func ubusCall(g caller, path, method string, param map[string]any) (map[string]*wire.Envelope, error) {
	data := map[string]any{"path": path, "method": method}
	if param != nil {
		data["param"] = param
	}
	return g.Call("ubus", data, defaultCallTimeout, nil)
}

// uciSet pushes a UCI configuration change to every drone in the
// group, grounded on udronerc.py's uci_set().
func uciSet(g caller, data map[string]any) (map[string]*wire.Envelope, error) {
	return g.Call("uci_set", data, defaultCallTimeout, nil)
}

type ifaceDump struct {
	IPv4 []struct {
		Address string `json:"address"`
	} `json:"ipv4-address"`
	IPv6 []struct {
		Address string `json:"address"`
	} `json:"ipv6-address"`
}

// checkIPResult reports, per drone, whether its observed interface
// state matched the requested expectation.
type checkIPResult map[string]bool

// checkIP inspects each drone's named interface and reports, for each
// checked family (IPv4/IPv6), whether it carries no address at all or,
// when a specific address is given, whether it carries that one,
// grounded on modules/checkip.py's checkip().
func checkIP(g caller, iface string, checkIPv4, checkIPv6 bool, specificIPv4, specificIPv6 string) (checkIPResult, error) {
	responses, err := ubusCall(g, fmt.Sprintf("network.interface.%s", iface), "dump", nil)
	if err != nil {
		return nil, err
	}

	result := make(checkIPResult, len(responses))
	for drone, env := range responses {
		result[drone] = true
		if env == nil || len(env.Data) == 0 {
			continue
		}
		var dump ifaceDump
		if err := json.Unmarshal(env.Data, &dump); err != nil {
			return nil, fmt.Errorf("suite: checkip: decode %s: %w", drone, err)
		}

		if checkIPv4 {
			result[drone] = result[drone] && matchesAddress(dump.IPv4Addrs(), specificIPv4)
		}
		if checkIPv6 {
			result[drone] = result[drone] && matchesAddress(dump.IPv6Addrs(), specificIPv6)
		}
	}
	return result, nil
}

func (d ifaceDump) IPv4Addrs() []string {
	out := make([]string, len(d.IPv4))
	for i, a := range d.IPv4 {
		out[i] = a.Address
	}
	return out
}

func (d ifaceDump) IPv6Addrs() []string {
	out := make([]string, len(d.IPv6))
	for i, a := range d.IPv6 {
		out[i] = a.Address
	}
	return out
}

// matchesAddress mirrors checkip.py: with no specific address wanted,
// success means the interface has none; with one wanted, success means
// it's present among the observed addresses.
func matchesAddress(observed []string, want string) bool {
	if want == "" {
		return len(observed) == 0
	}
	for _, a := range observed {
		if a == want {
			return true
		}
	}
	return false
}
