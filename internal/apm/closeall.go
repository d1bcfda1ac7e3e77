package apm

import (
	"github.com/rs/zerolog/log"
)

// advanceCloseAll tears down every registered sub-graph through nested
// graph management, then drops the containers and proxy managers left
// without members.
func (m *Manager) advanceCloseAll(ctrl *CommandControl) error {
	sq := &ctrl.seq
	seq := &sq.closeAll
	sq.enter(seq)

	switch seq.Op {
	case OpCloseAllPreProcess:
		all := m.reg.SubGraphs()
		ids := make([]SubGraphID, 0, len(all))
		for _, sg := range all {
			ids = append(ids, sg.ID)
		}
		ctrl.gm = graphMgmtControl{command: CmdCloseAll, source: ids, active: -1}
		sq.gm = newSequence(FamilyGraphMgmt)
		log.Info().
			Str("command", string(ctrl.ID)).
			Int("sub_graphs", len(ids)).
			Msg("apm.close_all started")
		return nil

	case OpCloseAllGraphMgmt:
		err := m.advanceGraphMgmt(ctrl)
		if err != nil {
			if StatusOf(err) == StatusBusy {
				m.abort(ctrl, StatusBusy)
				return nil
			}
			ctrl.cmdStatus = foldStatus(ctrl.cmdStatus, StatusOf(err))
			log.Warn().Str("command", string(ctrl.ID)).Err(err).Msg("apm.close_all graph management failed")
		}
		if err != nil || sq.gm.Op == OpCompleted {
			sq.enter(seq)
			seq.Op = OpCloseAllCleanup
			seq.reset()
		}
		seq.Pending = true
		return nil

	case OpCloseAllCleanup:
		pruned := m.reg.PruneContainers()
		for _, pm := range m.reg.Proxies() {
			if pm.activeMask == 0 && len(pm.subGraphs) == 0 {
				m.reg.FreeProxy(pm)
			}
		}
		log.Info().
			Str("command", string(ctrl.ID)).
			Int("containers_pruned", len(pruned)).
			Int("sub_graphs_left", len(m.reg.SubGraphs())).
			Msg("apm.close_all cleanup")
		seq.Pending = false
		return nil

	case OpHandleFailure, OpCompleted:
		sq.finish(seq)
		return nil
	}
	return unexpectedOp(seq)
}
