// Package suite loads and replays a declarative YAML test suite
// against a drone group, the Go-native analogue of udronerc.py's
// load_suite/run_suite.
package suite

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Task is a single-key map naming either a drone command (ubus,
// sysinfo, uci_set, checkip, ...) or a host directive (host_sleep,
// host_comment). Args carries the command's keyword arguments, if any.
type Task struct {
	Name string
	Args map[string]any
}

// UnmarshalYAML accepts both `cmd: {args...}` and `cmd:` (no args) and
// an optional sibling `name:` key used as the task's display name in the
// log line and in its TaskResult, mirroring the source's loose task shape.
func (t *Task) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("suite: decode task: %w", err)
	}

	if displayName, ok := raw["name"]; ok {
		delete(raw, "name")
		if s, ok := displayName.(string); ok {
			t.Name = s
		}
	}

	if len(raw) != 1 {
		return fmt.Errorf("suite: task must name exactly one command, got %d", len(raw))
	}
	for cmd, args := range raw {
		t.Args = map[string]any{}
		if t.Name == "" {
			t.Name = cmd
		}
		t.Args["__cmd"] = cmd
		if m, ok := args.(map[string]any); ok {
			for k, v := range m {
				t.Args[k] = v
			}
		}
	}
	return nil
}

// Command returns the single command key this task names.
func (t Task) Command() string {
	cmd, _ := t.Args["__cmd"].(string)
	return cmd
}

// Params returns the task's keyword arguments, excluding the command
// marker.
func (t Task) Params() map[string]any {
	out := make(map[string]any, len(t.Args))
	for k, v := range t.Args {
		if k == "__cmd" {
			continue
		}
		out[k] = v
	}
	return out
}

// Suite is a declarative test run: a named set of drones and the tasks
// to replay against them, optionally several times.
type Suite struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Board     string `yaml:"board"`
	DronesMin int    `yaml:"drones_min"`
	DronesMax int    `yaml:"drones_max"`
	Repeat    int    `yaml:"repeat"`
	Tasks     []Task `yaml:"tasks"`
}

// Load reads and parses a suite YAML file.
func Load(path string) (Suite, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Suite{}, fmt.Errorf("suite: read %s: %w", path, err)
	}

	var s Suite
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Suite{}, fmt.Errorf("suite: parse %s: %w", path, err)
	}
	if s.ID == "" {
		return Suite{}, fmt.Errorf("suite: %s: missing id", path)
	}
	if s.DronesMin <= 0 {
		s.DronesMin = 1
	}
	if s.DronesMax <= 0 {
		s.DronesMax = s.DronesMin
	}
	return s, nil
}
