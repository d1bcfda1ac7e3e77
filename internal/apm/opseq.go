package apm

import (
	"fmt"
	"slices"
)

// OpIndex is the coarse operation within one sequencer family. The two
// terminal indices are shared by every family.
type OpIndex uint8

const (
	OpHandleFailure OpIndex = 0xF0
	OpCompleted     OpIndex = 0xFF
)

// Graph open.
const (
	OpOpenSendContMsg OpIndex = iota
	OpOpenHandleDataPaths
	OpOpenProxyMgrOpen
	OpOpenProxyMgrPreprocess
	OpOpenProxyMgrConfig
	OpOpenLinkOpenInfo
	OpOpenLinkStart
	OpOpenDBQueryPreprocess
	OpOpenDBQuerySendInfo

	OpOpenErrHandler = OpHandleFailure
)

// Graph management.
const (
	OpMgmtPreProcess OpIndex = iota
	OpMgmtDBQuerySendInfo
	OpMgmtProcessRegGraph
	OpMgmtProcessProxyGraph
	OpMgmtCommonHandler
	OpMgmtHandleDataPaths
)

// Set/Get config.
const (
	OpCfgSendContMsg OpIndex = iota
	OpCfgSendProxyMgrMsg
	OpCfgHandleDebugInfo
	OpCfgCloseAll
)

// Close all.
const (
	OpCloseAllPreProcess OpIndex = iota
	OpCloseAllGraphMgmt
	OpCloseAllCleanup
)

// Error handler. Entry is the shared failure index.
const (
	OpErrHandler             = OpHandleFailure
	OpErrHandleCreateFail    = OpHandleFailure + 1
	OpErrPrepOpenConnectFail = OpHandleFailure + 2
	OpErrCloseSubGraphList   = OpHandleFailure + 3
	OpErrCompleted           = OpHandleFailure + 4
)

var opOrder = map[Family][]OpIndex{
	FamilyGraphOpen: {
		OpOpenSendContMsg, OpOpenHandleDataPaths, OpOpenProxyMgrOpen, OpOpenProxyMgrPreprocess,
		OpOpenProxyMgrConfig, OpOpenLinkOpenInfo, OpOpenLinkStart, OpOpenDBQueryPreprocess, OpOpenDBQuerySendInfo,
	},
	FamilyGraphMgmt: {
		OpMgmtPreProcess, OpMgmtDBQuerySendInfo, OpMgmtProcessRegGraph, OpMgmtProcessProxyGraph,
		OpMgmtCommonHandler, OpMgmtHandleDataPaths,
	},
	FamilyConfig:   {OpCfgSendContMsg, OpCfgSendProxyMgrMsg, OpCfgHandleDebugInfo, OpCfgCloseAll},
	FamilyCloseAll: {OpCloseAllPreProcess, OpCloseAllGraphMgmt, OpCloseAllCleanup},
	FamilyErrHandler: {
		OpErrHandler, OpErrHandleCreateFail, OpErrPrepOpenConnectFail, OpErrCloseSubGraphList, OpErrCompleted,
	},
}

// SeqIndex is the step inside one operation.
type SeqIndex uint8

const (
	SeqInvalid SeqIndex = iota
	SeqSetUpContMsg
	SeqSendMsgToContainers
	SeqContSendMsgCompleted
	SeqValidateSubGraphList
	SeqPreprocGraphMgmtMsg
	SeqPrepareForNextContMsg
	SeqRegSubGraphProcCompleted
	SeqSetUpProxyMgrMsg
	SeqSeekProxyMgrPermission
	SeqProxySubGraphProcCompleted
)

// OperationSequence is one family's position in the nested state machine.
type OperationSequence struct {
	Family  Family
	Op      OpIndex
	Seq     SeqIndex
	Pending bool
	Status  Status
}

func newSequence(f Family) OperationSequence {
	order := opOrder[f]
	return OperationSequence{Family: f, Op: order[0]}
}

func (s *OperationSequence) String() string {
	return fmt.Sprintf("%s(op=%#x seq=%d pending=%t status=%s)", s.Family, uint8(s.Op), s.Seq, s.Pending, s.Status)
}

// done reports whether the family reached a terminal index.
func (s *OperationSequence) done() bool {
	return s.Op == OpCompleted || s.Op == OpHandleFailure
}

// advance moves to the next operation in the family order and resets the
// inner step.
func (s *OperationSequence) advance() {
	order := opOrder[s.Family]
	i := slices.Index(order, s.Op)
	if i < 0 || i+1 >= len(order) {
		s.Op = OpCompleted
	} else {
		s.Op = order[i+1]
	}
	s.reset()
}

// reset clears the inner step, pending flag and status.
func (s *OperationSequence) reset() {
	s.Seq = SeqInvalid
	s.Pending = false
	s.Status = StatusOK
}

// initStep starts an operation's inner sequence at first when none is set.
func (s *OperationSequence) initStep(first SeqIndex) {
	if s.Seq == SeqInvalid {
		s.Seq = first
		s.Pending = true
	}
}

// sequenceInfo holds every family's sequence plus the primary and current
// pointers. Nested sequencers push their caller on stack and pop it on exit.
type sequenceInfo struct {
	open     OperationSequence
	gm       OperationSequence
	cfg      OperationSequence
	closeAll OperationSequence
	err      OperationSequence

	pri   *OperationSequence
	curr  *OperationSequence
	stack []*OperationSequence
}

func (si *sequenceInfo) init(primary Family) {
	si.open = newSequence(FamilyGraphOpen)
	si.gm = newSequence(FamilyGraphMgmt)
	si.cfg = newSequence(FamilyConfig)
	si.closeAll = newSequence(FamilyCloseAll)
	si.err = newSequence(FamilyErrHandler)
	si.stack = si.stack[:0]
	si.pri = si.family(primary)
	si.curr = si.pri
}

func (si *sequenceInfo) family(f Family) *OperationSequence {
	switch f {
	case FamilyGraphOpen:
		return &si.open
	case FamilyGraphMgmt:
		return &si.gm
	case FamilyConfig:
		return &si.cfg
	case FamilyCloseAll:
		return &si.closeAll
	case FamilyErrHandler:
		return &si.err
	default:
		return nil
	}
}

// enter makes seq current, saving the caller as its continuation. A
// sequence already on the active chain is returned to, abandoning anything
// it had nested.
func (si *sequenceInfo) enter(seq *OperationSequence) {
	if si.curr == seq {
		return
	}
	if slices.Contains(si.stack, seq) {
		for si.curr != seq {
			si.leave()
		}
		return
	}
	si.stack = append(si.stack, si.curr)
	si.curr = seq
}

// leave restores the most recent caller, or the primary when none is saved.
func (si *sequenceInfo) leave() {
	n := len(si.stack)
	if n == 0 {
		si.curr = si.pri
		return
	}
	si.curr = si.stack[n-1]
	si.stack = si.stack[:n-1]
}

// finish ends seq. Ending the primary unwinds every nested sequence.
func (si *sequenceInfo) finish(seq *OperationSequence) {
	seq.Op = OpCompleted
	seq.Pending = false
	if seq == si.pri {
		si.stack = si.stack[:0]
		si.curr = si.pri
		return
	}
	if si.curr == seq {
		si.leave()
	}
}

// depth is the number of saved continuations.
func (si *sequenceInfo) depth() int {
	return len(si.stack)
}
