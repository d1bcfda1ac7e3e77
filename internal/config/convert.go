package config

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/danmuck/apmctl/internal/sim"
)

// Commands converts every step into an apm command.
func (s Scenario) Commands() ([]apm.Command, error) {
	out := make([]apm.Command, 0, len(s.Steps))
	for i, step := range s.Steps {
		cmd, err := s.command(step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		out = append(out, cmd)
	}
	return out, nil
}

func (s Scenario) command(step StepEntry) (apm.Command, error) {
	op, ok := apm.ParseCommandOpcode(step.Command)
	if !ok {
		return apm.Command{}, fmt.Errorf("unknown command %q", step.Command)
	}
	proxyParams, err := convertProxyParams(step.ProxyParams)
	if err != nil {
		return apm.Command{}, err
	}
	switch op.Family() {
	case apm.FamilyGraphOpen:
		p, err := s.openPayload(step.SubGraphs)
		if err != nil {
			return apm.Command{}, err
		}
		p.ProxyParams = proxyParams
		return apm.Command{Opcode: op, Payload: p}, nil
	case apm.FamilyGraphMgmt:
		return apm.Command{Opcode: op, Payload: apm.GraphMgmtPayload{SubGraphs: s.selectSubGraphs(step.SubGraphs)}}, nil
	case apm.FamilyCloseAll:
		return apm.Command{Opcode: op, Payload: apm.CloseAllPayload{}}, nil
	default:
		params, err := convertParams(step.Params)
		if err != nil {
			return apm.Command{}, err
		}
		return apm.Command{Opcode: op, Payload: apm.ConfigPayload{
			Params:      params,
			ProxyParams: proxyParams,
			CloseAll:    step.CloseAll,
		}}, nil
	}
}

func (s Scenario) selectSubGraphs(ids []uint32) []apm.SubGraphID {
	if len(ids) == 0 {
		ids = make([]uint32, 0, len(s.SubGraphs))
		for _, sg := range s.SubGraphs {
			ids = append(ids, sg.ID)
		}
	}
	out := make([]apm.SubGraphID, len(ids))
	for i, id := range ids {
		out[i] = apm.SubGraphID(id)
	}
	return out
}

// openPayload restricts the topology to ids: containers host only selected
// sub-graphs and links need both ends selected.
func (s Scenario) openPayload(ids []uint32) (apm.OpenPayload, error) {
	selected := s.selectSubGraphs(ids)
	in := func(id uint32) bool { return slices.Contains(selected, apm.SubGraphID(id)) }

	var p apm.OpenPayload
	for _, sg := range s.SubGraphs {
		if !in(sg.ID) {
			continue
		}
		spec := apm.SubGraphSpec{
			ID:    apm.SubGraphID(sg.ID),
			Key:   apm.CorrelationKey(sg.Key),
			Proxy: apm.ProxyInstanceID(sg.Proxy),
		}
		if sg.Scenario != "" {
			sc, ok := apm.ParseScenario(sg.Scenario)
			if !ok {
				return apm.OpenPayload{}, fmt.Errorf("sub-graph %d: unknown scenario %q", sg.ID, sg.Scenario)
			}
			spec.Scenario = sc
		}
		p.SubGraphs = append(p.SubGraphs, spec)
	}
	for _, c := range s.Containers {
		spec := apm.ContainerSpec{ID: apm.ContainerID(c.ID)}
		for _, sg := range c.SubGraphs {
			if in(sg) {
				spec.SubGraphs = append(spec.SubGraphs, apm.SubGraphID(sg))
			}
		}
		if len(spec.SubGraphs) > 0 {
			p.Containers = append(p.Containers, spec)
		}
	}
	for _, l := range s.Links {
		if in(l.Self) && in(l.Peer) {
			p.Links = append(p.Links, apm.LinkSpec{
				ID:     apm.LinkID(l.ID),
				Self:   apm.SubGraphID(l.Self),
				Peer:   apm.SubGraphID(l.Peer),
				Cyclic: l.Cyclic,
			})
		}
	}
	return p, nil
}

func convertParams(in []ParamEntry) ([]apm.Param, error) {
	var out []apm.Param
	for _, e := range in {
		data, err := decodeData(e.Data)
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", e.Param, err)
		}
		out = append(out, apm.Param{
			Container: apm.ContainerID(e.Container),
			Module:    e.Module,
			ParamID:   e.Param,
			Data:      data,
		})
	}
	return out, nil
}

func convertProxyParams(in []ProxyParamEntry) ([]apm.ProxyParam, error) {
	var out []apm.ProxyParam
	for _, e := range in {
		data, err := decodeData(e.Data)
		if err != nil {
			return nil, fmt.Errorf("proxy param %d: %w", e.Param, err)
		}
		sc, ok := apm.ParseScenario(e.Scenario)
		if !ok {
			return nil, fmt.Errorf("proxy param %d: unknown scenario %q", e.Param, e.Scenario)
		}
		out = append(out, apm.ProxyParam{
			Proxy:    apm.ProxyInstanceID(e.Proxy),
			Scenario: sc,
			Key:      apm.CorrelationKey(e.Key),
			ParamID:  e.Param,
			Data:     data,
		})
	}
	return out, nil
}

func decodeData(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "hex:"); ok {
		return hex.DecodeString(rest)
	}
	if s == "" {
		return nil, nil
	}
	return []byte(s), nil
}

// Behavior builds the simulated endpoint script.
func (s Scenario) Behavior() (sim.Behavior, error) {
	var b sim.Behavior
	for i, f := range s.Faults {
		op, ok := apm.ParseMsgOpcode(f.Opcode)
		if !ok {
			return sim.Behavior{}, fmt.Errorf("faults[%d]: unknown opcode %q", i, f.Opcode)
		}
		st, ok := apm.ParseStatus(f.Status)
		if !ok {
			return sim.Behavior{}, fmt.Errorf("faults[%d]: unknown status %q", i, f.Status)
		}
		if f.Container != 0 {
			b.FailContainer(apm.ContainerID(f.Container), op, st)
		} else {
			b.FailProxy(apm.ProxyInstanceID(f.Proxy), op, st)
		}
	}
	for _, g := range s.Grants {
		ids := make([]apm.SubGraphID, len(g.SubGraphs))
		for i, id := range g.SubGraphs {
			ids[i] = apm.SubGraphID(id)
		}
		b.Grant(apm.ProxyInstanceID(g.Proxy), ids...)
	}
	for i, c := range s.CreateFailures {
		st := apm.StatusNoResource
		if c.Status != "" {
			var ok bool
			if st, ok = apm.ParseStatus(c.Status); !ok {
				return sim.Behavior{}, fmt.Errorf("create_failures[%d]: unknown status %q", i, c.Status)
			}
		}
		b.FailCreate(apm.ContainerID(c.Container), st)
	}
	if len(s.Silent) > 0 {
		b.Silent = make(map[apm.ContainerID]bool, len(s.Silent))
		for _, id := range s.Silent {
			b.Silent[apm.ContainerID(id)] = true
		}
	}
	return b, nil
}
