package apm

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
)

var ErrDestinationBusy = errors.New("apm: destination has an outstanding message")

// Transport delivers messages to containers and proxy managers. Replies come
// back through Manager.HandleContainerResponse or HandleProxyResponse and
// must not be delivered from inside a Send call.
type Transport interface {
	SendContainer(ctx context.Context, msg ContainerMessage) error
	SendProxy(ctx context.Context, msg ProxyMessage) error
}

// sendToContainers sends op once to every target. A target that still owes a
// reply refuses the whole round.
func (m *Manager) sendToContainers(ctrl *CommandControl, op MsgOpcode, targets []containerTarget) error {
	for _, t := range targets {
		if ctrl.rsp.isOutstanding(TokenContainer, uint32(t.id)) {
			return withStatus(StatusBusy, fmt.Errorf("%w: container %d", ErrDestinationBusy, t.id))
		}
	}
	for _, t := range targets {
		msg := ContainerMessage{
			Token:     ctrl.token(TokenContainer, uint32(t.id)),
			Container: t.id,
			Opcode:    op,
			SubGraphs: slices.Clone(t.subGraphs),
			Links:     slices.Clone(t.links),
			Params:    slices.Clone(t.params),
		}
		if err := m.transport.SendContainer(ctrl.ctx, msg); err != nil {
			return withStatus(StatusFailed, fmt.Errorf("apm: send %s to container %d: %w", op, t.id, err))
		}
		ctrl.rsp.markIssued(TokenContainer, uint32(t.id), op)
		m.metrics.MessageSent("container", op.String())
		log.Debug().
			Str("command", string(ctrl.ID)).
			Str("opcode", op.String()).
			Uint32("container", uint32(t.id)).
			Int("sub_graphs", len(t.subGraphs)).
			Msg("apm.dispatch container")
	}
	return nil
}

type proxyTarget struct {
	pm        *ProxyManager
	subGraphs []SubGraphID
	params    []ProxyParam
}

// sendToProxies sends op once to every proxy manager target.
func (m *Manager) sendToProxies(ctrl *CommandControl, op MsgOpcode, targets []proxyTarget, direct bool) error {
	for _, t := range targets {
		if ctrl.rsp.isOutstanding(TokenProxy, t.pm.Handle) {
			return withStatus(StatusBusy, fmt.Errorf("%w: proxy %d", ErrDestinationBusy, t.pm.InstanceID))
		}
	}
	for _, t := range targets {
		msg := ProxyMessage{
			Token:     ctrl.token(TokenProxy, t.pm.Handle),
			Proxy:     t.pm.InstanceID,
			Key:       t.pm.Key,
			Opcode:    op,
			SubGraphs: slices.Clone(t.subGraphs),
			Direct:    direct,
			Params:    slices.Clone(t.params),
		}
		if err := m.transport.SendProxy(ctrl.ctx, msg); err != nil {
			return withStatus(StatusFailed, fmt.Errorf("apm: send %s to proxy %d: %w", op, t.pm.InstanceID, err))
		}
		ctrl.rsp.markIssued(TokenProxy, t.pm.Handle, op)
		m.metrics.MessageSent("proxy", op.String())
		log.Debug().
			Str("command", string(ctrl.ID)).
			Str("opcode", op.String()).
			Uint32("proxy", uint32(t.pm.InstanceID)).
			Bool("direct", direct).
			Msg("apm.dispatch proxy")
	}
	return nil
}

func (m *Manager) onContainerResponse(ctrl *CommandControl, rsp ContainerResponse) error {
	cid := ContainerID(rsp.Token.Dest)
	settled, err := ctrl.recordResponse(responseRecord{
		kind:    TokenContainer,
		dest:    rsp.Token.Dest,
		opcode:  rsp.Opcode,
		status:  rsp.Status,
		payload: rsp.Payload,
	})
	if err != nil {
		return err
	}

	switch {
	case rsp.Opcode == MsgClose && rsp.Status == StatusTerminated:
		m.reg.RemoveContainer(cid)
		log.Debug().Uint32("container", uint32(cid)).Msg("apm.dispatch container exited on close")
	case rsp.Opcode == MsgDestroyContainer && (rsp.Status == StatusOK || rsp.Status == StatusTerminated):
		m.reg.RemoveContainer(cid)
	}
	if ctrl.Opcode == CmdGraphOpen && rsp.Status != StatusOK && rsp.Status != StatusTerminated {
		switch rsp.Opcode {
		case MsgOpen:
			ctrl.open.state = OpenFail
		case MsgConnect:
			if ctrl.open.state == OpenOK {
				ctrl.open.state = OpenConnectFail
			}
		}
	}

	if settled {
		m.run(ctrl)
	}
	return nil
}

func (m *Manager) onProxyResponse(ctrl *CommandControl, rsp ProxyResponse) error {
	pm, found := m.reg.Proxy(rsp.Token.Dest)
	rec := responseRecord{
		kind:    TokenProxy,
		dest:    rsp.Token.Dest,
		opcode:  rsp.Opcode,
		status:  rsp.Status,
		payload: rsp.Payload,
	}
	if found {
		rec.instance = pm.InstanceID
	}
	settled, err := ctrl.recordResponse(rec)
	if err != nil {
		return err
	}
	switch {
	case !found:
		log.Warn().
			Uint32("handle", rsp.Token.Dest).
			Str("command", string(ctrl.ID)).
			Msg("apm.dispatch reply from a freed proxy manager")
	case rsp.Status == StatusOK && len(rsp.Permitted) > 0:
		m.acceptPermitted(ctrl, pm, rsp.Permitted)
	}
	if settled {
		m.run(ctrl)
	}
	return nil
}

// acceptPermitted moves permitted sub-graphs from the proxy's candidate list
// into the regular processing list. Ids the proxy does not own are ignored.
func (m *Manager) acceptPermitted(ctrl *CommandControl, pm *ProxyManager, permitted []SubGraphID) {
	slot := pm.slotFor(ctrl)
	if slot == nil {
		return
	}
	for _, id := range permitted {
		if !slices.Contains(slot.candidates, id) || !slices.Contains(pm.subGraphs, id) {
			log.Warn().
				Uint32("proxy", uint32(pm.InstanceID)).
				Uint32("sub_graph", uint32(id)).
				Msg("apm.dispatch permission for unknown sub-graph")
			continue
		}
		slot.permitted[id] = struct{}{}
		if !slices.Contains(ctrl.gm.regList, id) {
			ctrl.gm.regList = append(ctrl.gm.regList, id)
		}
	}
}

// runContainerCycle is the common set-up, send, complete micro-cycle.
// targets is evaluated for every opcode in the list.
func (m *Manager) runContainerCycle(ctrl *CommandControl, seq *OperationSequence, oc OpcodeContext, targets func() []containerTarget) error {
	seq.initStep(SeqSetUpContMsg)
	switch seq.Seq {
	case SeqSetUpContMsg:
		ops, err := BuildOpcodeList(oc)
		if err != nil {
			return err
		}
		if err := ctrl.cycle.set(ops); err != nil {
			return err
		}
		seq.Seq = SeqSendMsgToContainers
	case SeqSendMsgToContainers:
		seq.Seq = SeqContSendMsgCompleted
		if ctrl.cycle.done() {
			return nil
		}
		return m.sendToContainers(ctrl, ctrl.cycle.current(), targets())
	case SeqContSendMsgCompleted:
		if seq.Status == StatusOK {
			ctrl.cycle.next()
		}
		if ctrl.cycle.done() || seq.Status != StatusOK {
			seq.Pending = false
			ctrl.cycle.clear()
			return seq.Status.Err()
		}
		seq.Seq = SeqSendMsgToContainers
	default:
		return withStatus(StatusUnexpected, fmt.Errorf("apm: container cycle at seq %d", seq.Seq))
	}
	return nil
}

// runProxyRound sends one opcode to a set of proxy managers and waits for
// every reply. No targets means nothing to do.
func (m *Manager) runProxyRound(ctrl *CommandControl, seq *OperationSequence, op MsgOpcode, targets func() ([]proxyTarget, error)) error {
	switch seq.Seq {
	case SeqInvalid:
		ts, err := targets()
		if err != nil || len(ts) == 0 {
			return err
		}
		seq.Seq = SeqProxySubGraphProcCompleted
		seq.Pending = true
		return m.sendToProxies(ctrl, op, ts, false)
	case SeqProxySubGraphProcCompleted:
		seq.Pending = false
		return seq.Status.Err()
	}
	return withStatus(StatusUnexpected, fmt.Errorf("apm: proxy round at seq %d", seq.Seq))
}

// targetsFromParams groups container parameters by destination.
func (m *Manager) targetsFromParams(params []Param) ([]containerTarget, error) {
	byID := make(map[ContainerID]*containerTarget)
	for _, p := range params {
		if _, ok := m.reg.Container(p.Container); !ok {
			return nil, withStatus(StatusBadParam, fmt.Errorf("%w: %d", ErrContainerNotFound, p.Container))
		}
		t, ok := byID[p.Container]
		if !ok {
			t = &containerTarget{id: p.Container}
			byID[p.Container] = t
		}
		t.params = append(t.params, p)
	}
	out := make([]containerTarget, 0, len(byID))
	for _, id := range sortedKeys(byID) {
		out = append(out, *byID[id])
	}
	return out, nil
}
