package suite

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aparcar/udronerc/internal/droneerr"
	"github.com/aparcar/udronerc/internal/group"
	"github.com/aparcar/udronerc/internal/wire"
)

// DefaultIdleInterval is the keep-alive period recommended for groups
// the CLI creates to run a suite, matching UDRONE_IDLE_INTVAL's role in
// the source.
const DefaultIdleInterval = 30 * time.Second

// TaskResult records the outcome of replaying a single suite task.
type TaskResult struct {
	Task   string                 `json:"task"`
	Status string                 `json:"status"` // "ok" or "failed"
	Drones map[string]DroneResult `json:"drones,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// DroneResult is one drone's reply to a task, flattened for JSON.
type DroneResult struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Results is the full output of a suite run, written to results.json.
type Results struct {
	SuiteID string       `json:"suite_id"`
	Tasks   []TaskResult `json:"tasks"`
}

// groupHandle is the subset of *group.Group the Runner drives.
type groupHandle interface {
	Assign(min, max int, board string) ([]string, error)
	Call(msgType string, data any, timeout time.Duration, sink map[string]*wire.Envelope) (map[string]*wire.Envelope, error)
	Reset(how string) error
}

var _ groupHandle = (*group.Group)(nil)

// Runner replays a Suite's tasks against a drone group, logging and
// recording each task's outcome, mirroring udronerc.py's run_suite/
// run_task.
type Runner struct {
	log *slog.Logger
	// newGroup creates the group a suite run is played against; callers
	// close over their *host.Host so this package need not import host.
	newGroup func(label string) groupHandle
}

// NewRunner constructs a Runner that creates one group per suite via
// newGroup, e.g. func(label string) *group.Group { return
// group.New(h, label, false, suite.DefaultIdleInterval) }.
func NewRunner(log *slog.Logger, newGroup func(label string) *group.Group) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		log: log.With("component", "suite_runner"),
		newGroup: func(label string) groupHandle {
			return newGroup(label)
		},
	}
}

// Run assigns drones to a group named after the suite, replays its
// tasks suite.Repeat+1 times, resets the group, and returns the
// accumulated results. Per-task errors are logged and recorded but do
// not abort the suite unless a drone returns a terminal failure status
// (spec §7: terminal failures abort, transport/codec errors do not).
func (r *Runner) Run(s Suite) (Results, error) {
	g := r.newGroup(s.ID)

	if _, err := g.Assign(s.DronesMin, s.DronesMax, s.Board); err != nil {
		return Results{}, fmt.Errorf("suite: assign: %w", err)
	}
	defer func() {
		if err := g.Reset(""); err != nil {
			r.log.Warn("suite: group reset failed", "error", err)
		}
	}()

	results := Results{SuiteID: s.ID}

	rounds := s.Repeat + 1
	for round := 0; round < rounds; round++ {
		r.log.Info("suite round", "suite", s.ID, "name", s.Name, "round", round, "of", rounds)
		for _, task := range s.Tasks {
			tr, err := r.runTask(g, task)
			results.Tasks = append(results.Tasks, tr)
			if err != nil && isTerminal(err) {
				r.log.Error("suite aborted: terminal drone failure", "task", task.Name, "error", err)
				return results, fmt.Errorf("suite: task %q: %w", task.Name, err)
			}
			if err != nil {
				r.log.Warn("task failed, continuing", "task", task.Name, "error", err)
			}
		}
	}

	return results, nil
}

func (r *Runner) runTask(g groupHandle, task Task) (TaskResult, error) {
	r.log.Info("task", "name", task.Name, "command", task.Command())

	switch cmd := task.Command(); cmd {
	case "host_sleep":
		return r.runHostSleep(task), nil
	case "host_comment":
		r.log.Info("comment", "msg", task.Params()["msg"])
		return TaskResult{Task: task.Name, Status: "ok"}, nil
	case "host_raw":
		r.log.Warn("host_raw not implemented", "cmd", task.Params()["cmd"])
		return TaskResult{Task: task.Name, Status: "ok"}, nil
	case "sysinfo":
		answers, err := sysinfo(g)
		return toResult(task.Name, answers, err)
	case "ubus":
		p := task.Params()
		path, _ := p["path"].(string)
		method, _ := p["method"].(string)
		param, _ := p["param"].(map[string]any)
		answers, err := ubusCall(g, path, method, param)
		return toResult(task.Name, answers, err)
	case "uci_set":
		answers, err := uciSet(g, task.Params())
		return toResult(task.Name, answers, err)
	case "checkip":
		return r.runCheckIP(task, g)
	default:
		err := fmt.Errorf("unknown command %q", cmd)
		return TaskResult{Task: task.Name, Status: "failed", Error: err.Error()}, err
	}
}

func (r *Runner) runHostSleep(task Task) TaskResult {
	seconds := 5
	if v, ok := task.Params()["seconds"].(int); ok {
		seconds = v
	}
	r.log.Info("host sleep", "seconds", seconds, "comment", task.Params()["comment"])
	time.Sleep(time.Duration(seconds) * time.Second)
	return TaskResult{Task: task.Name, Status: "ok"}
}

func (r *Runner) runCheckIP(task Task, g groupHandle) (TaskResult, error) {
	p := task.Params()
	iface, _ := p["interface"].(string)
	if iface == "" {
		iface = "lan"
	}
	checkIPv4, _ := p["check_ipv4"].(bool)
	checkIPv6, _ := p["check_ipv6"].(bool)
	specificIPv4, _ := p["specific_ipv4"].(string)
	specificIPv6, _ := p["specific_ipv6"].(string)

	result, err := checkIP(g, iface, checkIPv4, checkIPv6, specificIPv4, specificIPv6)
	if err != nil {
		return TaskResult{Task: task.Name, Status: "failed", Error: err.Error()}, err
	}

	ok := true
	for _, passed := range result {
		ok = ok && passed
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	return TaskResult{Task: task.Name, Status: status}, nil
}

func toResult(name string, answers map[string]*wire.Envelope, err error) (TaskResult, error) {
	if err != nil {
		return TaskResult{Task: name, Status: "failed", Error: err.Error()}, err
	}
	drones := make(map[string]DroneResult, len(answers))
	for drone, env := range answers {
		if env == nil {
			continue
		}
		drones[drone] = DroneResult{Type: env.Type, Data: env.Data}
	}
	return TaskResult{Task: name, Status: "ok", Drones: drones}, nil
}

// isTerminal reports whether a task error came from a terminal drone
// status reply (code>0), as opposed to a transient NotReachable/
// Conflict/Unsupported that the suite should merely record and move
// past.
func isTerminal(err error) bool {
	var derr *droneerr.Error
	if !errors.As(err, &derr) {
		return false
	}
	return derr.Kind == droneerr.KindRuntime && strings.HasPrefix(derr.Message, "status code")
}
