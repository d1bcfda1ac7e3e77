package apm

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
)

// intakeOpen registers the sub-graphs, containers, links and proxy
// memberships named by a graph open. A container creation failure is not an
// error here: it classifies the open as OpenCreateFail and routes the
// command straight into recovery.
func (m *Manager) intakeOpen(ctrl *CommandControl) error {
	p := ctrl.Payload.(OpenPayload)
	if err := m.validateOpen(p); err != nil {
		return err
	}

	op := &ctrl.open
	for _, spec := range p.SubGraphs {
		if _, err := m.reg.AddSubGraph(spec); err != nil {
			return withStatus(StatusBadParam, err)
		}
		op.subGraphs = append(op.subGraphs, spec.ID)
	}

	for _, cs := range p.Containers {
		if _, ok := m.reg.Container(cs.ID); !ok {
			if err := m.factory.CreateContainer(ctrl.ctx, cs.ID); err != nil {
				op.state = OpenCreateFail
				ctrl.cmdStatus = StatusOf(err)
				ctrl.seq.pri.Op = OpOpenErrHandler
				log.Warn().
					Str("command", string(ctrl.ID)).
					Uint32("container", uint32(cs.ID)).
					Err(err).
					Msg("apm.graph_open container create failed")
				return nil
			}
			m.reg.AddContainer(cs.ID, true)
		}
		op.containers = append(op.containers, cs.ID)
		op.containerCfg[cs.ID] = &containerTarget{id: cs.ID, subGraphs: slices.Clone(cs.SubGraphs)}
	}

	for _, cs := range p.Containers {
		for _, sid := range cs.SubGraphs {
			if err := m.reg.Attach(cs.ID, sid); err != nil {
				return withStatus(StatusBadParam, err)
			}
		}
	}
	for _, ls := range p.Links {
		if _, err := m.reg.AddLink(ls); err != nil {
			return withStatus(StatusBadParam, err)
		}
		op.links = append(op.links, ls.ID)
		for _, sid := range []SubGraphID{ls.Self, ls.Peer} {
			for _, cid := range m.hostsOf(sid) {
				if t, ok := op.containerCfg[cid]; ok && !slices.Contains(t.links, ls.ID) {
					t.links = append(t.links, ls.ID)
				}
			}
		}
	}

	for _, spec := range p.SubGraphs {
		if spec.Proxy == 0 {
			continue
		}
		pm := m.reg.FindOrCreateProxy(spec.Proxy, spec.Scenario, spec.Key)
		pm.addSubGraph(spec.ID)
		if _, err := pm.acquireSlot(ctrl); err != nil {
			return err
		}
		if !slices.Contains(op.proxies, pm) {
			op.proxies = append(op.proxies, pm)
		}
	}
	return nil
}

func (m *Manager) validateOpen(p OpenPayload) error {
	if len(p.SubGraphs) == 0 {
		return withStatus(StatusBadParam, fmt.Errorf("%w: graph open names no sub-graphs", ErrSubGraphNotFound))
	}
	seen := make(map[SubGraphID]struct{}, len(p.SubGraphs))
	for _, sg := range p.SubGraphs {
		if _, dup := seen[sg.ID]; dup {
			return withStatus(StatusBadParam, fmt.Errorf("%w: %d listed twice", ErrSubGraphExists, sg.ID))
		}
		if _, ok := m.reg.SubGraph(sg.ID); ok {
			return withStatus(StatusBadParam, fmt.Errorf("%w: %d", ErrSubGraphExists, sg.ID))
		}
		seen[sg.ID] = struct{}{}
	}
	for _, cs := range p.Containers {
		for _, sid := range cs.SubGraphs {
			if _, ok := seen[sid]; ok {
				continue
			}
			if _, ok := m.reg.SubGraph(sid); !ok {
				return withStatus(StatusBadParam, fmt.Errorf("%w: container %d hosts %d", ErrSubGraphNotFound, cs.ID, sid))
			}
		}
	}
	for _, ls := range p.Links {
		for _, sid := range []SubGraphID{ls.Self, ls.Peer} {
			if _, ok := seen[sid]; ok {
				continue
			}
			if _, ok := m.reg.SubGraph(sid); !ok {
				return withStatus(StatusBadParam, fmt.Errorf("%w: link %d endpoint %d", ErrLinkEndpointAbsent, ls.ID, sid))
			}
		}
		if _, ok := m.reg.Link(ls.ID); ok {
			return withStatus(StatusBadParam, fmt.Errorf("%w: %d", ErrLinkExists, ls.ID))
		}
	}
	return nil
}

func (m *Manager) hostsOf(sid SubGraphID) []ContainerID {
	sg, ok := m.reg.SubGraph(sid)
	if !ok {
		return nil
	}
	return sg.Containers()
}

// advanceGraphOpen steps the graph-open family.
func (m *Manager) advanceGraphOpen(ctrl *CommandControl) error {
	sq := &ctrl.seq
	seq := &sq.open
	p := ctrl.Payload.(OpenPayload)

	switch seq.Op {
	case OpOpenSendContMsg:
		return m.runContainerCycle(ctrl, seq, OpcodeContext{Command: CmdGraphOpen, Phase: PhaseOpenSend}, func() []containerTarget {
			return m.openTargets(ctrl)
		})

	case OpOpenHandleDataPaths:
		return m.runDataPaths(ctrl, seq, PhaseOpenDataPaths, DataPathRequest{
			Command:   CmdGraphOpen,
			Create:    true,
			SubGraphs: ctrl.open.subGraphs,
			Links:     ctrl.open.links,
		})

	case OpOpenProxyMgrOpen:
		return m.runProxyRound(ctrl, seq, MsgGraphInfo, func() ([]proxyTarget, error) {
			var out []proxyTarget
			for _, pm := range ctrl.open.proxies {
				var ids []SubGraphID
				for _, id := range ctrl.open.subGraphs {
					if slices.Contains(pm.subGraphs, id) {
						ids = append(ids, id)
					}
				}
				if len(ids) > 0 {
					out = append(out, proxyTarget{pm: pm, subGraphs: ids})
				}
			}
			return out, nil
		})

	case OpOpenProxyMgrPreprocess:
		for _, pp := range p.ProxyParams {
			if pp.ParamID != ParamSessionKey {
				continue
			}
			key, err := sessionKey(pp)
			if err != nil {
				return err
			}
			if _, err := m.reg.MergeProxies(pp.Scenario, key); err != nil {
				return err
			}
		}
		return nil

	case OpOpenProxyMgrConfig:
		return m.runProxyRound(ctrl, seq, MsgSetConfig, func() ([]proxyTarget, error) {
			return m.proxyParamTargets(ctrl, p.ProxyParams)
		})

	case OpOpenLinkOpenInfo:
		links := make([]Link, 0, len(ctrl.open.links))
		for _, id := range ctrl.open.links {
			if l, ok := m.reg.Link(id); ok {
				links = append(links, *l)
			}
		}
		ids, err := m.hooks.RuntimeLink.LinksOpened(ctrl.ctx, LinkOpenInfo{SubGraphs: ctrl.open.subGraphs, Links: links})
		if err = hookErr(err); err != nil {
			return err
		}
		ctrl.gm.clearRound()
		ctrl.gm.command = CmdGraphStart
		ctrl.gm.regList = ids
		return nil

	case OpOpenLinkStart:
		return m.runGraphMgmtCycle(ctrl, seq, PathRegular, CmdGraphStart)

	case OpOpenDBQueryPreprocess:
		return hookErr(m.hooks.DBQuery.PreprocessOpen(ctrl.ctx, ctrl.open.subGraphs))

	case OpOpenDBQuerySendInfo:
		return hookErr(m.hooks.DBQuery.SendOpenInfo(ctrl.ctx, ctrl.open.subGraphs))

	case OpOpenErrHandler:
		err := m.advanceErrHandler(ctrl)
		if err != nil {
			ctrl.cmdStatus = foldStatus(ctrl.cmdStatus, StatusOf(err))
		}
		if sq.err.Op == OpCompleted || err != nil {
			seq.Op = OpCompleted
		}
		seq.Pending = true
		return nil

	case OpCompleted:
		return nil
	}
	return unexpectedOp(seq)
}

// openTargets returns the cached per-container open configuration still
// pending for this command.
func (m *Manager) openTargets(ctrl *CommandControl) []containerTarget {
	out := make([]containerTarget, 0, len(ctrl.open.containers))
	for _, id := range ctrl.open.containers {
		if t, ok := ctrl.open.containerCfg[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// runDataPaths asks the data-path hook for SET_CFG parameters and sends them
// through the common cycle.
func (m *Manager) runDataPaths(ctrl *CommandControl, seq *OperationSequence, phase Phase, req DataPathRequest) error {
	if seq.Seq == SeqInvalid {
		params, err := m.hooks.DataPath.DataPathParams(ctrl.ctx, req)
		if err = hookErr(err); err != nil {
			return err
		}
		if len(params) == 0 {
			return nil
		}
		targets, err := m.targetsFromParams(params)
		if err != nil {
			return err
		}
		ctrl.targets = targets
	}
	return m.runContainerCycle(ctrl, seq, OpcodeContext{Command: ctrl.Opcode, Phase: phase}, func() []containerTarget {
		return ctrl.targets
	})
}

// proxyParamTargets groups proxy parameters by manager. Parameters for a
// broadcast role create the manager on demand; a session-key parameter is
// routed to the manager for the key it carries.
func (m *Manager) proxyParamTargets(ctrl *CommandControl, params []ProxyParam) ([]proxyTarget, error) {
	var order []*ProxyManager
	byPM := make(map[*ProxyManager]*proxyTarget)
	for _, pp := range params {
		var pm *ProxyManager
		switch {
		case pp.Scenario == ScenarioBroadcast:
			pm = m.reg.FindOrCreateProxy(pp.Proxy, ScenarioBroadcast, KeyDontCare)
		case pp.ParamID == ParamSessionKey:
			key, err := sessionKey(pp)
			if err != nil {
				return nil, err
			}
			merged, err := m.reg.MergeProxies(pp.Scenario, key)
			if err != nil {
				return nil, err
			}
			pm = merged
		default:
			found, ok := m.reg.ProxyForKey(pp.Scenario, pp.Key)
			if !ok {
				return nil, withStatus(StatusNotExist, fmt.Errorf("%w: scenario %s key %d", ErrProxyNotFound, pp.Scenario, pp.Key))
			}
			pm = found
		}
		slot, err := pm.acquireSlot(ctrl)
		if err != nil {
			return nil, err
		}
		slot.params = append(slot.params, pp)
		pm.cacheParam(pp)
		t, ok := byPM[pm]
		if !ok {
			t = &proxyTarget{pm: pm}
			byPM[pm] = t
			order = append(order, pm)
		}
		t.params = append(t.params, pp)
	}
	out := make([]proxyTarget, 0, len(order))
	for _, pm := range order {
		out = append(out, *byPM[pm])
	}
	return out, nil
}
