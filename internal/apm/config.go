package apm

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

func (m *Manager) intakeConfig(ctrl *CommandControl) error {
	p := ctrl.Payload.(ConfigPayload)
	if len(p.Params) == 0 && len(p.ProxyParams) == 0 && !p.CloseAll {
		return withStatus(StatusBadParam, fmt.Errorf("%w: %s carries no parameters", ErrPayloadMismatch, ctrl.Opcode))
	}
	if p.CloseAll && ctrl.Opcode != CmdSetConfig {
		return withStatus(StatusBadParam, fmt.Errorf("%w: close-all request on %s", ErrPayloadMismatch, ctrl.Opcode))
	}
	for _, prm := range p.Params {
		if _, ok := m.reg.Container(prm.Container); !ok {
			return withStatus(StatusBadParam, fmt.Errorf("%w: %d", ErrContainerNotFound, prm.Container))
		}
	}
	return nil
}

// advanceConfig steps SET_CFG, GET_CFG, register, deregister and path
// delay commands. A set-config carrying the close-all request nests the
// close-all family as its last operation.
func (m *Manager) advanceConfig(ctrl *CommandControl) error {
	sq := &ctrl.seq
	seq := &sq.cfg
	p := ctrl.Payload.(ConfigPayload)

	switch seq.Op {
	case OpCfgSendContMsg:
		if len(p.Params) == 0 {
			return nil
		}
		if seq.Seq == SeqInvalid {
			targets, err := m.targetsFromParams(p.Params)
			if err != nil {
				return err
			}
			ctrl.targets = targets
		}
		return m.runContainerCycle(ctrl, seq, OpcodeContext{Command: ctrl.Opcode, Phase: PhaseConfig}, func() []containerTarget {
			return ctrl.targets
		})

	case OpCfgSendProxyMgrMsg:
		if len(p.ProxyParams) == 0 {
			return nil
		}
		ops, err := BuildProxyOpcodeList(ctrl.Opcode, StateInvalid)
		if err != nil {
			return err
		}
		return m.runProxyRound(ctrl, seq, ops[0], func() ([]proxyTarget, error) {
			return m.proxyParamTargets(ctrl, p.ProxyParams)
		})

	case OpCfgHandleDebugInfo:
		if ctrl.Opcode != CmdSetConfig || len(p.Params) == 0 {
			return nil
		}
		return hookErr(m.hooks.DebugInfo.HandleDebugInfo(ctrl.ctx, p.Params))

	case OpCfgCloseAll:
		if !p.CloseAll {
			return nil
		}
		if err := m.advanceCloseAll(ctrl); err != nil {
			return err
		}
		if sq.closeAll.Op == OpCompleted {
			sq.enter(seq)
			seq.Pending = false
			log.Debug().Str("command", string(ctrl.ID)).Msg("apm.config close-all finished")
			return nil
		}
		seq.Pending = true
		return nil

	case OpHandleFailure, OpCompleted:
		sq.finish(seq)
		return nil
	}
	return unexpectedOp(seq)
}
