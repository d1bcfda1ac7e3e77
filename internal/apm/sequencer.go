package apm

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// run is the common driver. It steps the primary family until a response is
// outstanding or the command completes. A failing step is folded into the
// command status and redirects the primary to OpHandleFailure once.
func (m *Manager) run(ctrl *CommandControl) {
	sq := &ctrl.seq
	for !ctrl.rsp.rspPending {
		if sq.pri.Op == OpCompleted {
			m.endCommand(ctrl)
			return
		}
		if m.onDriverIt != nil {
			m.onDriverIt(ctrl)
		}

		if err := m.advanceFamily(ctrl); err != nil {
			ctrl.cmdStatus = foldStatus(ctrl.cmdStatus, StatusOf(err))
			log.Warn().
				Str("command", string(ctrl.ID)).
				Str("opcode", ctrl.Opcode.String()).
				Str("seq", sq.curr.String()).
				Err(err).
				Msg("apm.Manager.run step failed")
			if !sq.pri.done() {
				sq.pri.Op = OpHandleFailure
				sq.pri.reset()
			}
			continue
		}

		if sq.pri.Op == OpCompleted {
			m.endCommand(ctrl)
			return
		}
		if !sq.curr.Pending && sq.curr.Op != OpCompleted {
			sq.curr.advance()
		}
	}
}

func (m *Manager) advanceFamily(ctrl *CommandControl) error {
	switch ctrl.seq.pri.Family {
	case FamilyGraphOpen:
		return m.advanceGraphOpen(ctrl)
	case FamilyGraphMgmt:
		return m.advanceGraphMgmt(ctrl)
	case FamilyConfig:
		return m.advanceConfig(ctrl)
	case FamilyCloseAll:
		return m.advanceCloseAll(ctrl)
	}
	m.abort(ctrl, StatusUnsupported)
	return nil
}

// abort ends the command without recovery.
func (m *Manager) abort(ctrl *CommandControl, status Status) {
	if status == StatusOK {
		status = StatusFailed
	}
	if ctrl.cmdStatus == StatusOK {
		ctrl.cmdStatus = status
	}
	ctrl.seq.pri.Op = OpCompleted
	ctrl.seq.pri.Pending = false
	log.Warn().
		Str("command", string(ctrl.ID)).
		Str("opcode", ctrl.Opcode.String()).
		Str("status", ctrl.cmdStatus.String()).
		Msg("apm.Manager.abort")
}

// unexpectedOp is the sequencing-bug failure for an index a family does not
// define.
func unexpectedOp(seq *OperationSequence) error {
	return withStatus(StatusUnexpected, fmt.Errorf("apm: %s has no operation %#x", seq.Family, uint8(seq.Op)))
}
