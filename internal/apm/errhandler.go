package apm

import (
	"slices"

	"github.com/rs/zerolog/log"
)

// advanceErrHandler steps graph-open recovery. It runs nested under the
// graph-open sequence and nests graph management for the close phase.
// Failures inside the close phase are folded into the command status and
// recovery still runs its cleanup.
func (m *Manager) advanceErrHandler(ctrl *CommandControl) error {
	sq := &ctrl.seq
	seq := &sq.err
	sq.enter(seq)
	op := &ctrl.open

	switch seq.Op {
	case OpErrHandler:
		op.destroy = op.destroy[:0]
		for _, cid := range op.containers {
			c, ok := m.reg.Container(cid)
			if ok && c.NewlyCreated {
				op.destroy = append(op.destroy, cid)
				continue
			}
			delete(op.containerCfg, cid)
		}
		if op.state == OpenOK {
			op.state = OpenConnectFail
		}
		log.Warn().
			Str("command", string(ctrl.ID)).
			Str("open_state", op.state.String()).
			Int("destroy", len(op.destroy)).
			Str("status", ctrl.cmdStatus.String()).
			Msg("apm.graph_open recovering")
		return nil

	case OpErrHandleCreateFail:
		if op.state != OpenCreateFail {
			return nil
		}
		err := m.runContainerCycle(ctrl, seq, OpcodeContext{
			Command:        CmdGraphOpen,
			Phase:          PhaseCreateFail,
			OpenState:      op.state,
			DestroyPending: len(op.destroy) > 0,
		}, func() []containerTarget {
			out := make([]containerTarget, 0, len(op.destroy))
			for _, cid := range op.destroy {
				out = append(out, containerTarget{id: cid})
			}
			return out
		})
		if err != nil {
			ctrl.cmdStatus = foldStatus(ctrl.cmdStatus, StatusOf(err))
			seq.Pending = false
		}
		if !seq.Pending {
			m.dropOpenEntities(ctrl)
			seq.Op = OpErrCompleted
			seq.reset()
			seq.Pending = true
		}
		return nil

	case OpErrPrepOpenConnectFail:
		var list []SubGraphID
		for _, id := range op.subGraphs {
			if sg, ok := m.reg.SubGraph(id); ok {
				sg.State = StateStopped
				list = append(list, id)
			}
		}
		ctrl.gm.clearRound()
		ctrl.gm.command = CmdGraphOpen
		ctrl.gm.openErr = true
		ctrl.gm.source = slices.Clone(list)
		ctrl.gm.regList = list
		ctrl.gm.processed = nil
		ctrl.gm.proxies = nil
		sq.gm = newSequence(FamilyGraphMgmt)
		return nil

	case OpErrCloseSubGraphList:
		err := m.advanceGraphMgmt(ctrl)
		if err != nil {
			ctrl.cmdStatus = foldStatus(ctrl.cmdStatus, StatusOf(err))
			log.Warn().
				Str("command", string(ctrl.ID)).
				Err(err).
				Msg("apm.graph_open close during recovery failed")
		}
		if err != nil || sq.gm.Op == OpCompleted {
			sq.enter(seq)
			seq.Op = OpErrCompleted
			seq.reset()
		}
		seq.Pending = true
		return nil

	case OpErrCompleted:
		m.dropOpenEntities(ctrl)
		sq.finish(seq)
		return nil
	}
	return unexpectedOp(seq)
}

// dropOpenEntities removes whatever records the failed open still holds.
func (m *Manager) dropOpenEntities(ctrl *CommandControl) {
	op := &ctrl.open
	for _, id := range op.subGraphs {
		m.reg.RemoveSubGraph(id)
	}
	for _, id := range op.links {
		m.reg.RemoveLink(id)
	}
	clear(op.containerCfg)
}
