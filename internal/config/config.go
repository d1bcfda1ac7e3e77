package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Scenario is a topology plus the commands to drive through it and the
// faults simulated endpoints should inject.
type Scenario struct {
	Name       string           `toml:"name" yaml:"name"`
	SubGraphs  []SubGraphEntry  `toml:"sub_graphs" yaml:"sub_graphs"`
	Containers []ContainerEntry `toml:"containers" yaml:"containers"`
	Links      []LinkEntry      `toml:"links" yaml:"links"`
	Steps      []StepEntry      `toml:"steps" yaml:"steps"`

	Faults         []FaultEntry  `toml:"faults" yaml:"faults"`
	Grants         []GrantEntry  `toml:"grants" yaml:"grants"`
	CreateFailures []CreateEntry `toml:"create_failures" yaml:"create_failures"`
	Silent         []uint32      `toml:"silent" yaml:"silent"`
}

type SubGraphEntry struct {
	ID       uint32 `toml:"id" yaml:"id"`
	Scenario string `toml:"scenario" yaml:"scenario"`
	Key      uint32 `toml:"key" yaml:"key"`
	Proxy    uint32 `toml:"proxy" yaml:"proxy"`
}

type ContainerEntry struct {
	ID        uint32   `toml:"id" yaml:"id"`
	SubGraphs []uint32 `toml:"sub_graphs" yaml:"sub_graphs"`
}

type LinkEntry struct {
	ID     uint32 `toml:"id" yaml:"id"`
	Self   uint32 `toml:"self" yaml:"self"`
	Peer   uint32 `toml:"peer" yaml:"peer"`
	Cyclic bool   `toml:"cyclic" yaml:"cyclic"`
}

// StepEntry is one client command. An empty sub-graph list means every
// sub-graph in the topology.
type StepEntry struct {
	Command     string            `toml:"command" yaml:"command"`
	SubGraphs   []uint32          `toml:"sub_graphs" yaml:"sub_graphs"`
	Params      []ParamEntry      `toml:"params" yaml:"params"`
	ProxyParams []ProxyParamEntry `toml:"proxy_params" yaml:"proxy_params"`
	CloseAll    bool              `toml:"close_all" yaml:"close_all"`
	// Expect is the status name the step must finish with. Empty means "ok".
	Expect string `toml:"expect" yaml:"expect"`
}

// ExpectedStatus resolves Expect.
func (e StepEntry) ExpectedStatus() (apm.Status, error) {
	if e.Expect == "" {
		return apm.StatusOK, nil
	}
	st, ok := apm.ParseStatus(e.Expect)
	if !ok {
		return 0, fmt.Errorf("unknown expected status %q", e.Expect)
	}
	return st, nil
}

// ParamEntry data is a plain string, or hex bytes when prefixed "hex:".
type ParamEntry struct {
	Container uint32 `toml:"container" yaml:"container"`
	Module    uint32 `toml:"module" yaml:"module"`
	Param     uint32 `toml:"param" yaml:"param"`
	Data      string `toml:"data" yaml:"data"`
}

type ProxyParamEntry struct {
	Proxy    uint32 `toml:"proxy" yaml:"proxy"`
	Scenario string `toml:"scenario" yaml:"scenario"`
	Key      uint32 `toml:"key" yaml:"key"`
	Param    uint32 `toml:"param" yaml:"param"`
	Data     string `toml:"data" yaml:"data"`
}

// FaultEntry sets the reply status for one opcode at a container or proxy.
type FaultEntry struct {
	Container uint32 `toml:"container" yaml:"container"`
	Proxy     uint32 `toml:"proxy" yaml:"proxy"`
	Opcode    string `toml:"opcode" yaml:"opcode"`
	Status    string `toml:"status" yaml:"status"`
}

type GrantEntry struct {
	Proxy     uint32   `toml:"proxy" yaml:"proxy"`
	SubGraphs []uint32 `toml:"sub_graphs" yaml:"sub_graphs"`
}

type CreateEntry struct {
	Container uint32 `toml:"container" yaml:"container"`
	Status    string `toml:"status" yaml:"status"`
}

type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the decoder from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("scenario format unknown for %s", path)
	}
}

func LoadScenario(path string) (Scenario, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return Scenario{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("scenario load failed (%s): %w", path, err)
	}
	s, err := ParseScenario(data, format)
	if err != nil {
		return Scenario{}, fmt.Errorf("scenario parse failed (%s): %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s, nil
}

func ParseScenario(data []byte, format Format) (Scenario, error) {
	var s Scenario
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &s); err != nil {
			return Scenario{}, err
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Scenario{}, err
		}
	default:
		return Scenario{}, fmt.Errorf("unknown scenario format: %s", format)
	}
	if err := ValidateScenario(s); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

func ValidateScenario(s Scenario) error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}
	known := make(map[uint32]struct{}, len(s.SubGraphs))
	for i, sg := range s.SubGraphs {
		if sg.ID == 0 {
			return fmt.Errorf("sub_graphs[%d] missing id", i)
		}
		if _, dup := known[sg.ID]; dup {
			return fmt.Errorf("sub_graphs[%d] duplicate id %d", i, sg.ID)
		}
		known[sg.ID] = struct{}{}
	}
	for i, c := range s.Containers {
		if c.ID == 0 {
			return fmt.Errorf("containers[%d] missing id", i)
		}
		for _, sg := range c.SubGraphs {
			if _, ok := known[sg]; !ok {
				return fmt.Errorf("containers[%d] hosts unknown sub-graph %d", i, sg)
			}
		}
	}
	for i, l := range s.Links {
		if _, ok := known[l.Self]; !ok {
			return fmt.Errorf("links[%d] unknown self %d", i, l.Self)
		}
		if _, ok := known[l.Peer]; !ok {
			return fmt.Errorf("links[%d] unknown peer %d", i, l.Peer)
		}
	}
	for i, step := range s.Steps {
		if _, err := step.ExpectedStatus(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, f := range s.Faults {
		if (f.Container == 0) == (f.Proxy == 0) {
			return fmt.Errorf("faults[%d] needs exactly one of container or proxy", i)
		}
	}
	return nil
}
