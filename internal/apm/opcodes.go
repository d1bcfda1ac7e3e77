package apm

import (
	"errors"
	"fmt"
)

var ErrOpcodeList = errors.New("apm: no opcode list for context")

// maxMsgOpcodes is the capacity of one operation's opcode list.
const maxMsgOpcodes = 3

// Phase names where in a command an opcode list is being derived.
type Phase uint8

const (
	// PhaseGraphMgmt derives lists for lifecycle commands from the
	// aggregated sub-graph state.
	PhaseGraphMgmt Phase = iota
	PhaseOpenSend
	PhaseOpenDataPaths
	PhaseOpenLinkStart
	// PhaseOpenErrClose tears down a partially opened graph.
	PhaseOpenErrClose
	PhaseCreateFail
	PhaseDataPaths
	PhaseConfig
)

type Path uint8

const (
	PathRegular Path = iota
	PathProxy
)

// OpcodeContext is everything the opcode table depends on.
type OpcodeContext struct {
	Command     CommandOpcode
	Phase       Phase
	Path        Path
	ListState   SubGraphState
	PeerSuspend bool
	OpenState   OpenState
	// DestroyPending is set when created containers await destruction.
	DestroyPending bool
}

// BuildOpcodeList derives the ordered container opcodes for one operation.
// An empty list with a nil error means there is nothing to send.
func BuildOpcodeList(oc OpcodeContext) ([]MsgOpcode, error) {
	switch oc.Phase {
	case PhaseOpenSend:
		return []MsgOpcode{MsgOpen, MsgConnect}, nil
	case PhaseOpenDataPaths, PhaseDataPaths:
		return []MsgOpcode{MsgSetConfig}, nil
	case PhaseCreateFail:
		if oc.OpenState == OpenCreateFail && oc.DestroyPending {
			return []MsgOpcode{MsgDestroyContainer}, nil
		}
		return nil, nil
	case PhaseOpenLinkStart:
		return startList(oc)
	case PhaseOpenErrClose:
		return closeList(oc, true)
	case PhaseConfig:
		return configList(oc.Command)
	case PhaseGraphMgmt:
		return graphMgmtList(oc)
	}
	return nil, withStatus(StatusUnexpected, fmt.Errorf("%w: phase %d", ErrOpcodeList, oc.Phase))
}

func graphMgmtList(oc OpcodeContext) ([]MsgOpcode, error) {
	switch oc.Command {
	case CmdGraphPrepare, CmdProxyGraphPrepare:
		if oc.Path == PathRegular && oc.PeerSuspend {
			return []MsgOpcode{MsgSuspend, MsgPrepare}, nil
		}
		return []MsgOpcode{MsgPrepare}, nil
	case CmdGraphStart, CmdProxyGraphStart:
		return startList(oc)
	case CmdGraphStop, CmdProxyGraphStop:
		return []MsgOpcode{MsgStop}, nil
	case CmdGraphFlush:
		return []MsgOpcode{MsgFlush}, nil
	case CmdGraphSuspend:
		return []MsgOpcode{MsgSuspend}, nil
	case CmdGraphClose, CmdCloseAll:
		return closeList(oc, false)
	case CmdGraphOpen:
		return closeList(oc, true)
	}
	return nil, withStatus(StatusUnsupported, fmt.Errorf("%w: command %s", ErrOpcodeList, oc.Command))
}

func startList(oc OpcodeContext) ([]MsgOpcode, error) {
	switch oc.ListState {
	case StatePrepared, StateSuspended:
		return []MsgOpcode{MsgStart}, nil
	case StateStopped:
		if oc.Path == PathProxy {
			return []MsgOpcode{MsgPrepare}, nil
		}
		if oc.PeerSuspend {
			return []MsgOpcode{MsgSuspend, MsgPrepare, MsgStart}, nil
		}
		return []MsgOpcode{MsgPrepare, MsgStart}, nil
	}
	return nil, withStatus(StatusFailed, fmt.Errorf("%w: start from %s", ErrOpcodeList, oc.ListState))
}

func closeList(oc OpcodeContext, openFailure bool) ([]MsgOpcode, error) {
	switch oc.ListState {
	case StateStopped, StatePrepared:
		if !openFailure {
			return []MsgOpcode{MsgDisconnect, MsgClose}, nil
		}
		switch oc.OpenState {
		case OpenFail:
			return []MsgOpcode{MsgClose}, nil
		case OpenConnectFail:
			return []MsgOpcode{MsgDisconnect, MsgClose}, nil
		}
		return nil, withStatus(StatusUnexpected, fmt.Errorf("%w: open state %s", ErrOpcodeList, oc.OpenState))
	case StateStarted, StateSuspended:
		if oc.Path == PathProxy {
			return []MsgOpcode{MsgStop}, nil
		}
		return []MsgOpcode{MsgStop, MsgDisconnect, MsgClose}, nil
	}
	return nil, withStatus(StatusFailed, fmt.Errorf("%w: close from %s", ErrOpcodeList, oc.ListState))
}

func configList(cmd CommandOpcode) ([]MsgOpcode, error) {
	switch cmd {
	case CmdSetConfig:
		return []MsgOpcode{MsgSetConfig}, nil
	case CmdGetConfig:
		return []MsgOpcode{MsgGetConfig}, nil
	case CmdPathDelay:
		// delay query, then the source-module delay list
		return []MsgOpcode{MsgSetConfig, MsgSetConfig}, nil
	case CmdRegisterConfig:
		return []MsgOpcode{MsgRegisterConfig}, nil
	case CmdDeregisterConfig:
		return []MsgOpcode{MsgDeregisterConfig}, nil
	}
	return nil, withStatus(StatusUnsupported, fmt.Errorf("%w: config command %s", ErrOpcodeList, cmd))
}

// BuildProxyOpcodeList derives the opcodes sent to a proxy manager for the
// sub-graphs it owns.
func BuildProxyOpcodeList(cmd CommandOpcode, state SubGraphState) ([]MsgOpcode, error) {
	switch cmd {
	case CmdGraphOpen:
		return []MsgOpcode{MsgGraphInfo}, nil
	case CmdGraphPrepare, CmdProxyGraphPrepare:
		return []MsgOpcode{MsgPrepare}, nil
	case CmdGraphStop, CmdProxyGraphStop:
		return []MsgOpcode{MsgStop}, nil
	case CmdGraphFlush:
		return []MsgOpcode{MsgFlush}, nil
	case CmdGraphSuspend:
		return []MsgOpcode{MsgSuspend}, nil
	case CmdGraphStart, CmdProxyGraphStart:
		switch state {
		case StatePrepared, StateSuspended:
			return []MsgOpcode{MsgStart}, nil
		case StateStopped:
			return []MsgOpcode{MsgPrepare, MsgStart}, nil
		}
	case CmdGraphClose, CmdCloseAll:
		switch state {
		case StateStopped:
			return []MsgOpcode{MsgClose}, nil
		case StatePrepared, StateStarted, StateSuspended:
			return []MsgOpcode{MsgStop, MsgClose}, nil
		}
	case CmdSetConfig:
		return []MsgOpcode{MsgSetConfig}, nil
	case CmdGetConfig:
		return []MsgOpcode{MsgGetConfig}, nil
	case CmdRegisterConfig:
		return []MsgOpcode{MsgRegisterConfig}, nil
	case CmdDeregisterConfig:
		return []MsgOpcode{MsgDeregisterConfig}, nil
	default:
		return nil, withStatus(StatusUnsupported, fmt.Errorf("%w: proxy command %s", ErrOpcodeList, cmd))
	}
	return nil, withStatus(StatusFailed, fmt.Errorf("%w: proxy %s from %s", ErrOpcodeList, cmd, state))
}

// commandForProxyOpcode maps a proxy round opcode back to the lifecycle
// command that drives the container list for that round.
func commandForProxyOpcode(op MsgOpcode) CommandOpcode {
	switch op {
	case MsgPrepare:
		return CmdGraphPrepare
	case MsgStart:
		return CmdGraphStart
	case MsgStop:
		return CmdGraphStop
	case MsgFlush:
		return CmdGraphFlush
	case MsgSuspend:
		return CmdGraphSuspend
	case MsgClose:
		return CmdGraphClose
	}
	return 0
}

// aggregateState collapses a sub-graph list to the single state the opcode
// table keys on: the lowest state for START, the highest for CLOSE.
func aggregateState(cmd CommandOpcode, states []SubGraphState) SubGraphState {
	if len(states) == 0 {
		return StateInvalid
	}
	out := states[0]
	useMax := cmd == CmdGraphClose || cmd == CmdCloseAll || cmd == CmdGraphOpen
	for _, s := range states[1:] {
		if useMax && s > out || !useMax && s < out {
			out = s
		}
	}
	return out
}

// targetState is the state a lifecycle command converges to. Commands with
// no single target return StateInvalid.
func targetState(cmd CommandOpcode) SubGraphState {
	switch cmd {
	case CmdGraphPrepare, CmdProxyGraphPrepare:
		return StatePrepared
	case CmdGraphStart, CmdProxyGraphStart:
		return StateStarted
	case CmdGraphStop, CmdProxyGraphStop:
		return StateStopped
	case CmdGraphSuspend:
		return StateSuspended
	}
	return StateInvalid
}

// appliesTo reports whether op acts on a sub-graph in state st. peerStep
// marks the SUSPEND that only propagates a suspended peer.
func appliesTo(op MsgOpcode, st SubGraphState, peerStep bool) bool {
	if st == StateInvalid {
		return false
	}
	switch op {
	case MsgPrepare:
		return st == StateStopped
	case MsgStart:
		return st == StatePrepared || st == StateSuspended
	case MsgSuspend:
		if peerStep {
			return st == StateStopped
		}
		return st == StateStarted
	case MsgStop:
		return st == StateStarted || st == StateSuspended || st == StatePrepared
	}
	return true
}

// stateAfter is the sub-graph state once op completes. ok is false for
// opcodes that do not change lifecycle state.
func stateAfter(op MsgOpcode) (SubGraphState, bool) {
	switch op {
	case MsgPrepare:
		return StatePrepared, true
	case MsgStart:
		return StateStarted, true
	case MsgSuspend:
		return StateSuspended, true
	case MsgStop:
		return StateStopped, true
	}
	return StateInvalid, false
}

// opcodeList is the cursor over one operation's opcodes.
type opcodeList struct {
	ops    [maxMsgOpcodes]MsgOpcode
	n      int
	cursor int
}

func (l *opcodeList) set(ops []MsgOpcode) error {
	if len(ops) > maxMsgOpcodes {
		return withStatus(StatusUnexpected, fmt.Errorf("%w: %d opcodes", ErrOpcodeList, len(ops)))
	}
	*l = opcodeList{}
	l.n = copy(l.ops[:], ops)
	return nil
}

func (l *opcodeList) current() MsgOpcode {
	if l.done() {
		return 0
	}
	return l.ops[l.cursor]
}

func (l *opcodeList) done() bool { return l.cursor >= l.n }

func (l *opcodeList) next() { l.cursor++ }

func (l *opcodeList) clear() { *l = opcodeList{} }

func (l *opcodeList) list() []MsgOpcode { return append([]MsgOpcode(nil), l.ops[:l.n]...) }
