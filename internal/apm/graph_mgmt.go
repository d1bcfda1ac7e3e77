package apm

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
)

// Container list indices. Only one list is mid-traversal at a time.
const (
	listCyclic = iota
	listAcyclic
)

// advanceGraphMgmt steps the graph-management family. It is the primary for
// lifecycle commands and runs nested under close-all and graph-open
// recovery.
func (m *Manager) advanceGraphMgmt(ctrl *CommandControl) error {
	sq := &ctrl.seq
	seq := &sq.gm
	sq.enter(seq)
	gm := &ctrl.gm

	switch seq.Op {
	case OpMgmtPreProcess:
		if gm.openErr {
			return nil
		}
		return m.preprocessGraphMgmt(ctrl)

	case OpMgmtDBQuerySendInfo:
		if gm.openErr || !isCloseCommand(gm.command) {
			return nil
		}
		return hookErr(m.hooks.DBQuery.SendCloseInfo(ctrl.ctx, gm.source))

	case OpMgmtProcessRegGraph:
		return m.runGraphMgmtCycle(ctrl, seq, PathRegular, gm.command)

	case OpMgmtProcessProxyGraph:
		return m.runProxyGraphMgmt(ctrl, seq)

	case OpMgmtCommonHandler:
		if gm.openErr || isCloseCommand(gm.command) {
			if pruned := m.reg.PruneContainers(); len(pruned) > 0 {
				log.Debug().
					Str("command", string(ctrl.ID)).
					Int("containers", len(pruned)).
					Msg("apm.graph_mgmt pruned empty containers")
			}
		}
		return nil

	case OpMgmtHandleDataPaths:
		if gm.openErr || len(gm.processed) == 0 {
			return nil
		}
		return m.runDataPaths(ctrl, seq, PhaseDataPaths, DataPathRequest{
			Command:   gm.command,
			SubGraphs: gm.processed,
		})

	case OpHandleFailure, OpCompleted:
		sq.finish(seq)
		return nil
	}
	return unexpectedOp(seq)
}

// preprocessGraphMgmt splits the requested sub-graphs into the regular list
// and per-proxy permission candidates.
func (m *Manager) preprocessGraphMgmt(ctrl *CommandControl) error {
	gm := &ctrl.gm
	gm.regList = gm.regList[:0]
	gm.proxies = gm.proxies[:0]
	for _, id := range gm.source {
		if _, ok := m.reg.SubGraph(id); !ok {
			return withStatus(StatusBadParam, fmt.Errorf("%w: %d", ErrSubGraphNotFound, id))
		}
		if !gm.command.isProxyOriginated() {
			if pm, ok := m.reg.ProxyForSubGraph(id); ok {
				slot, err := pm.acquireSlot(ctrl)
				if err != nil {
					return err
				}
				if !slices.Contains(slot.candidates, id) {
					slot.candidates = append(slot.candidates, id)
				}
				if !slices.Contains(gm.proxies, pm) {
					gm.proxies = append(gm.proxies, pm)
				}
				continue
			}
		}
		gm.regList = append(gm.regList, id)
	}
	return nil
}

// runGraphMgmtCycle drives one list of sub-graphs through the opcode list
// derived for cmd: validate, set up, split into cyclic and acyclic container
// lists, then send each list for each opcode.
func (m *Manager) runGraphMgmtCycle(ctrl *CommandControl, seq *OperationSequence, path Path, cmd CommandOpcode) error {
	gm := &ctrl.gm
	if path == PathRegular {
		seq.initStep(SeqValidateSubGraphList)
	}

	switch seq.Seq {
	case SeqValidateSubGraphList:
		if seq.Status != StatusOK {
			return seq.Status.Err()
		}
		gm.clearRound()
		target := targetState(cmd)
		for _, id := range gm.regList {
			sg, ok := m.reg.SubGraph(id)
			if !ok || (target != StateInvalid && sg.State == target) {
				continue
			}
			if !slices.Contains(gm.applicable, id) {
				gm.applicable = append(gm.applicable, id)
			}
		}
		if len(gm.applicable) == 0 {
			m.endRegCycle(ctrl, seq, path)
			return nil
		}
		seq.Seq = SeqSetUpContMsg

	case SeqSetUpContMsg:
		states := make([]SubGraphState, 0, len(gm.applicable))
		for _, id := range gm.applicable {
			if sg, ok := m.reg.SubGraph(id); ok {
				states = append(states, sg.State)
			}
		}
		peer := path == PathRegular && isPrepareOrStart(cmd) && m.peerSuspendRequired(gm.applicable)
		ops, err := BuildOpcodeList(OpcodeContext{
			Command:     cmd,
			Phase:       phaseFor(ctrl, seq, cmd),
			Path:        path,
			ListState:   aggregateState(cmd, states),
			PeerSuspend: peer,
			OpenState:   ctrl.open.state,
		})
		if err != nil {
			return err
		}
		if err := gm.opcodes.set(ops); err != nil {
			return err
		}
		gm.peerStep = peer && len(ops) > 0 && ops[0] == MsgSuspend
		log.Debug().
			Str("command", string(ctrl.ID)).
			Str("for", cmd.String()).
			Str("opcodes", fmt.Sprint(ops)).
			Bool("peer_suspend", peer).
			Int("sub_graphs", len(gm.applicable)).
			Msg("apm.graph_mgmt opcode list")
		seq.Seq = SeqPreprocGraphMgmtMsg

	case SeqPreprocGraphMgmtMsg:
		if gm.opcodes.done() {
			m.endRegCycle(ctrl, seq, path)
			return nil
		}
		op := gm.opcodes.current()
		ids := m.applicableFor(gm, op)
		if len(ids) == 0 {
			nextOpcode(gm)
			return nil
		}
		gm.lists = m.partition(ids)
		gm.active = -1
		gm.mixed = len(gm.lists[listCyclic].targets) > 0 && len(gm.lists[listAcyclic].targets) > 0
		seq.Seq = SeqPrepareForNextContMsg

	case SeqPrepareForNextContMsg:
		gm.active = -1
		for i := range gm.lists {
			if len(gm.lists[i].targets) > 0 && !gm.lists[i].started {
				gm.lists[i].started = true
				gm.active = i
				break
			}
		}
		if gm.active >= 0 {
			seq.Seq = SeqSendMsgToContainers
			return nil
		}
		op := gm.opcodes.current()
		m.applyOpcodeResult(ctrl, op, m.applicableFor(gm, op))
		nextOpcode(gm)
		seq.Seq = SeqPreprocGraphMgmtMsg

	case SeqSendMsgToContainers:
		seq.Seq = SeqContSendMsgCompleted
		return m.sendToContainers(ctrl, gm.opcodes.current(), gm.lists[gm.active].targets)

	case SeqContSendMsgCompleted:
		if seq.Status != StatusOK {
			return seq.Status.Err()
		}
		seq.Seq = SeqPrepareForNextContMsg

	default:
		return withStatus(StatusUnexpected, fmt.Errorf("apm: graph management cycle at seq %d", seq.Seq))
	}
	return nil
}

// endRegCycle closes one regular-list pass. On the regular path the
// operation is done; the proxy path returns to its round.
func (m *Manager) endRegCycle(ctrl *CommandControl, seq *OperationSequence, path Path) {
	gm := &ctrl.gm
	for _, id := range gm.applicable {
		if !slices.Contains(gm.processed, id) {
			gm.processed = append(gm.processed, id)
		}
	}
	gm.clearRound()
	if path == PathRegular {
		seq.Pending = false
		return
	}
	seq.Seq = SeqRegSubGraphProcCompleted
}

func nextOpcode(gm *graphMgmtControl) {
	gm.opcodes.next()
	gm.peerStep = false
	gm.lists = [2]containerList{}
	gm.active = -1
}

// applicableFor returns the sub-graphs of the current list op acts on.
func (m *Manager) applicableFor(gm *graphMgmtControl, op MsgOpcode) []SubGraphID {
	var out []SubGraphID
	for _, id := range gm.applicable {
		sg, ok := m.reg.SubGraph(id)
		if ok && appliesTo(op, sg.State, gm.peerStep && op == MsgSuspend) {
			out = append(out, id)
		}
	}
	return out
}

// partition builds the cyclic and acyclic container lists for ids. A
// container hosting any sub-graph on a cyclic link goes to the cyclic list.
func (m *Manager) partition(ids []SubGraphID) [2]containerList {
	set := make(map[SubGraphID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	links := m.reg.LinksTouching(set)
	onCycle := make(map[SubGraphID]bool)
	for _, l := range links {
		if l.Cyclic {
			onCycle[l.Self] = true
			onCycle[l.Peer] = true
		}
	}

	byID := make(map[ContainerID]*containerTarget)
	cyclic := make(map[ContainerID]bool)
	for _, id := range ids {
		sg, ok := m.reg.SubGraph(id)
		if !ok {
			continue
		}
		for _, cid := range sg.Containers() {
			t, ok := byID[cid]
			if !ok {
				t = &containerTarget{id: cid}
				byID[cid] = t
			}
			t.subGraphs = append(t.subGraphs, id)
			if onCycle[id] {
				cyclic[cid] = true
			}
		}
	}
	for _, l := range links {
		for _, end := range []SubGraphID{l.Self, l.Peer} {
			if _, ok := set[end]; !ok {
				continue
			}
			for _, cid := range m.hostsOf(end) {
				if t, ok := byID[cid]; ok && !slices.Contains(t.links, l.ID) {
					t.links = append(t.links, l.ID)
				}
			}
		}
	}

	var out [2]containerList
	for _, cid := range sortedKeys(byID) {
		i := listAcyclic
		if cyclic[cid] {
			i = listCyclic
		}
		out[i].targets = append(out[i].targets, *byID[cid])
	}
	return out
}

// applyOpcodeResult records the effect of a completed opcode on sub-graph
// and link state. The peer-suspend step only marks the links to suspended
// peers and leaves the sub-graphs' own state alone.
func (m *Manager) applyOpcodeResult(ctrl *CommandControl, op MsgOpcode, ids []SubGraphID) {
	if op == MsgClose {
		for _, id := range ids {
			m.reg.RemoveSubGraph(id)
		}
		return
	}
	if op == MsgSuspend && ctrl.gm.peerStep {
		for _, id := range ids {
			for _, l := range m.reg.LinksForSelf(id) {
				if peer, ok := m.reg.SubGraph(l.Peer); ok && peer.State == StateSuspended && l.PeerPropagatedState == StateStopped {
					l.PeerPropagatedState = StateSuspended
				}
			}
		}
		return
	}
	next, ok := stateAfter(op)
	if !ok {
		return
	}
	for _, id := range ids {
		sg, ok := m.reg.SubGraph(id)
		if !ok {
			continue
		}
		sg.State = next
		for _, l := range m.reg.Links() {
			if l.Peer == id {
				l.PeerPropagatedState = next
			}
		}
	}
}

// peerSuspendRequired reports whether any sub-graph in ids links to a peer
// that is suspended while the link still carries Stopped.
func (m *Manager) peerSuspendRequired(ids []SubGraphID) bool {
	for _, id := range ids {
		for _, l := range m.reg.LinksForSelf(id) {
			peer, ok := m.reg.SubGraph(l.Peer)
			if ok && peer.State == StateSuspended && l.PeerPropagatedState == StateStopped {
				return true
			}
		}
	}
	return false
}

// runProxyGraphMgmt asks each proxy manager for permission per proxy opcode
// and runs the permitted sub-graphs through the regular container cycle.
// Candidates that are never permitted stay pending.
func (m *Manager) runProxyGraphMgmt(ctrl *CommandControl, seq *OperationSequence) error {
	gm := &ctrl.gm
	seq.initStep(SeqSetUpProxyMgrMsg)

	switch seq.Seq {
	case SeqSetUpProxyMgrMsg:
		var states []SubGraphState
		for _, pm := range gm.proxies {
			for _, id := range m.proxyCandidates(ctrl, pm) {
				sg, _ := m.reg.SubGraph(id)
				states = append(states, sg.State)
			}
		}
		if len(states) == 0 {
			seq.Pending = false
			return nil
		}
		ops, err := BuildProxyOpcodeList(gm.command, aggregateState(gm.command, states))
		if err != nil {
			return err
		}
		if err := gm.proxyOps.set(ops); err != nil {
			return err
		}
		seq.Seq = SeqSeekProxyMgrPermission

	case SeqSeekProxyMgrPermission:
		if gm.proxyOps.done() {
			gm.proxyOps.clear()
			seq.Pending = false
			return nil
		}
		var targets []proxyTarget
		for _, pm := range gm.proxies {
			if ids := m.proxyCandidates(ctrl, pm); len(ids) > 0 {
				targets = append(targets, proxyTarget{pm: pm, subGraphs: ids})
			}
		}
		if len(targets) == 0 {
			gm.proxyOps.clear()
			seq.Pending = false
			return nil
		}
		gm.regList = nil
		seq.Seq = SeqValidateSubGraphList
		return m.sendToProxies(ctrl, gm.proxyOps.current(), targets, true)

	case SeqValidateSubGraphList, SeqSetUpContMsg, SeqPreprocGraphMgmtMsg,
		SeqPrepareForNextContMsg, SeqSendMsgToContainers, SeqContSendMsgCompleted:
		return m.runGraphMgmtCycle(ctrl, seq, PathProxy, commandForProxyOpcode(gm.proxyOps.current()))

	case SeqRegSubGraphProcCompleted:
		seq.Seq = SeqProxySubGraphProcCompleted

	case SeqProxySubGraphProcCompleted:
		gm.proxyOps.next()
		seq.Seq = SeqSeekProxyMgrPermission

	default:
		return withStatus(StatusUnexpected, fmt.Errorf("apm: proxy graph management at seq %d", seq.Seq))
	}
	return nil
}

// proxyCandidates returns the command's candidates on pm that still exist.
func (m *Manager) proxyCandidates(ctrl *CommandControl, pm *ProxyManager) []SubGraphID {
	slot := pm.slotFor(ctrl)
	if slot == nil {
		return nil
	}
	var out []SubGraphID
	for _, id := range slot.candidates {
		if _, ok := m.reg.SubGraph(id); ok {
			out = append(out, id)
		}
	}
	return out
}

func phaseFor(ctrl *CommandControl, seq *OperationSequence, cmd CommandOpcode) Phase {
	switch {
	case ctrl.gm.openErr && cmd == CmdGraphOpen:
		return PhaseOpenErrClose
	case seq == &ctrl.seq.open:
		return PhaseOpenLinkStart
	}
	return PhaseGraphMgmt
}

func isCloseCommand(cmd CommandOpcode) bool {
	return cmd == CmdGraphClose || cmd == CmdCloseAll
}

func isPrepareOrStart(cmd CommandOpcode) bool {
	switch cmd {
	case CmdGraphPrepare, CmdGraphStart, CmdProxyGraphPrepare, CmdProxyGraphStart:
		return true
	}
	return false
}
