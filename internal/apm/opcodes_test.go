package apm

import (
	"testing"

	"github.com/danmuck/apmctl/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestBuildOpcodeListTable(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		oc   OpcodeContext
		want []MsgOpcode
	}{
		{"prepare stopped peer", OpcodeContext{Command: CmdGraphPrepare, ListState: StateStopped, PeerSuspend: true}, []MsgOpcode{MsgSuspend, MsgPrepare}},
		{"prepare stopped", OpcodeContext{Command: CmdGraphPrepare, ListState: StateStopped}, []MsgOpcode{MsgPrepare}},
		{"start prepared", OpcodeContext{Command: CmdGraphStart, ListState: StatePrepared}, []MsgOpcode{MsgStart}},
		{"start suspended", OpcodeContext{Command: CmdGraphStart, ListState: StateSuspended, PeerSuspend: true}, []MsgOpcode{MsgStart}},
		{"start stopped peer", OpcodeContext{Command: CmdGraphStart, ListState: StateStopped, PeerSuspend: true}, []MsgOpcode{MsgSuspend, MsgPrepare, MsgStart}},
		{"start stopped", OpcodeContext{Command: CmdGraphStart, ListState: StateStopped}, []MsgOpcode{MsgPrepare, MsgStart}},
		{"stop", OpcodeContext{Command: CmdGraphStop, ListState: StateStarted}, []MsgOpcode{MsgStop}},
		{"flush", OpcodeContext{Command: CmdGraphFlush, ListState: StatePrepared}, []MsgOpcode{MsgFlush}},
		{"suspend", OpcodeContext{Command: CmdGraphSuspend, ListState: StateStarted}, []MsgOpcode{MsgSuspend}},
		{"close stopped", OpcodeContext{Command: CmdGraphClose, ListState: StateStopped}, []MsgOpcode{MsgDisconnect, MsgClose}},
		{"close all prepared", OpcodeContext{Command: CmdCloseAll, ListState: StatePrepared}, []MsgOpcode{MsgDisconnect, MsgClose}},
		{"close started", OpcodeContext{Command: CmdGraphClose, ListState: StateStarted}, []MsgOpcode{MsgStop, MsgDisconnect, MsgClose}},
		{"close suspended", OpcodeContext{Command: CmdGraphClose, ListState: StateSuspended}, []MsgOpcode{MsgStop, MsgDisconnect, MsgClose}},
		{"open", OpcodeContext{Command: CmdGraphOpen, Phase: PhaseOpenSend}, []MsgOpcode{MsgOpen, MsgConnect}},
		{"open fail close", OpcodeContext{Command: CmdGraphOpen, Phase: PhaseOpenErrClose, ListState: StateStopped, OpenState: OpenFail}, []MsgOpcode{MsgClose}},
		{"connect fail close", OpcodeContext{Command: CmdGraphOpen, Phase: PhaseOpenErrClose, ListState: StateStopped, OpenState: OpenConnectFail}, []MsgOpcode{MsgDisconnect, MsgClose}},
		{"create fail destroy", OpcodeContext{Phase: PhaseCreateFail, OpenState: OpenCreateFail, DestroyPending: true}, []MsgOpcode{MsgDestroyContainer}},
		{"create fail nothing created", OpcodeContext{Phase: PhaseCreateFail, OpenState: OpenCreateFail}, nil},
		{"set cfg", OpcodeContext{Command: CmdSetConfig, Phase: PhaseConfig}, []MsgOpcode{MsgSetConfig}},
		{"get cfg", OpcodeContext{Command: CmdGetConfig, Phase: PhaseConfig}, []MsgOpcode{MsgGetConfig}},
		{"path delay", OpcodeContext{Command: CmdPathDelay, Phase: PhaseConfig}, []MsgOpcode{MsgSetConfig, MsgSetConfig}},
		{"data paths", OpcodeContext{Command: CmdGraphOpen, Phase: PhaseOpenDataPaths}, []MsgOpcode{MsgSetConfig}},
		{"proxy path start stopped", OpcodeContext{Command: CmdGraphStart, Path: PathProxy, ListState: StateStopped, PeerSuspend: true}, []MsgOpcode{MsgPrepare}},
		{"proxy path close started", OpcodeContext{Command: CmdGraphClose, Path: PathProxy, ListState: StateStarted}, []MsgOpcode{MsgStop}},
		{"proxy originated prepare", OpcodeContext{Command: CmdProxyGraphPrepare, ListState: StateStopped}, []MsgOpcode{MsgPrepare}},
	}
	for _, tc := range cases {
		got, err := BuildOpcodeList(tc.oc)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestBuildOpcodeListRejects(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		oc   OpcodeContext
		want Status
	}{
		{"start from invalid", OpcodeContext{Command: CmdGraphStart, ListState: StateInvalid}, StatusFailed},
		{"close unknown open state", OpcodeContext{Command: CmdGraphOpen, Phase: PhaseOpenErrClose, ListState: StateStopped}, StatusUnexpected},
		{"config for lifecycle command", OpcodeContext{Command: CmdGraphStart, Phase: PhaseConfig}, StatusUnsupported},
		{"unknown phase", OpcodeContext{Phase: Phase(99)}, StatusUnexpected},
	}
	for _, tc := range cases {
		_, err := BuildOpcodeList(tc.oc)
		if got := StatusOf(err); got != tc.want {
			t.Fatalf("%s: status=%s want %s (err=%v)", tc.name, got, tc.want, err)
		}
	}
}

func TestBuildProxyOpcodeList(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		cmd   CommandOpcode
		state SubGraphState
		want  []MsgOpcode
	}{
		{CmdGraphOpen, StateInvalid, []MsgOpcode{MsgGraphInfo}},
		{CmdGraphStart, StateStopped, []MsgOpcode{MsgPrepare, MsgStart}},
		{CmdGraphStart, StateSuspended, []MsgOpcode{MsgStart}},
		{CmdGraphClose, StateStopped, []MsgOpcode{MsgClose}},
		{CmdCloseAll, StateStarted, []MsgOpcode{MsgStop, MsgClose}},
		{CmdGetConfig, StateInvalid, []MsgOpcode{MsgGetConfig}},
	}
	for _, tc := range cases {
		got, err := BuildProxyOpcodeList(tc.cmd, tc.state)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.cmd, tc.state, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%s/%s (-want +got):\n%s", tc.cmd, tc.state, diff)
		}
	}
	if _, err := BuildProxyOpcodeList(CmdPathDelay, StateInvalid); StatusOf(err) != StatusUnsupported {
		t.Fatalf("path delay proxy list err=%v", err)
	}
}

func TestAggregateState(t *testing.T) {
	testlog.Start(t)

	mixed := []SubGraphState{StatePrepared, StateStopped, StateStarted}
	if got := aggregateState(CmdGraphStart, mixed); got != StateStopped {
		t.Fatalf("start aggregate=%s", got)
	}
	if got := aggregateState(CmdGraphClose, mixed); got != StateStarted {
		t.Fatalf("close aggregate=%s", got)
	}
	if got := aggregateState(CmdGraphStart, nil); got != StateInvalid {
		t.Fatalf("empty aggregate=%s", got)
	}
}

func TestOpcodeListCursor(t *testing.T) {
	testlog.Start(t)

	var l opcodeList
	if err := l.set([]MsgOpcode{MsgPrepare, MsgStart}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if l.current() != MsgPrepare {
		t.Fatalf("current=%s", l.current())
	}
	l.next()
	if l.current() != MsgStart || l.done() {
		t.Fatalf("cursor did not advance")
	}
	l.next()
	if !l.done() || l.current() != 0 {
		t.Fatalf("cursor past end not done")
	}
	if err := l.set(make([]MsgOpcode, maxMsgOpcodes+1)); StatusOf(err) != StatusUnexpected {
		t.Fatalf("oversized list err=%v", err)
	}
}

func TestParseNamesMatchString(t *testing.T) {
	op, ok := ParseMsgOpcode("DESTROY_CONTAINER")
	assert.True(t, ok)
	assert.Equal(t, MsgDestroyContainer, op)

	st, ok := ParseStatus("terminated")
	assert.True(t, ok)
	assert.Equal(t, StatusTerminated, st)

	sc, ok := ParseScenario("voice_call")
	assert.True(t, ok)
	assert.Equal(t, ScenarioVoiceCall, sc)

	cmd, ok := ParseCommandOpcode("path_delay")
	assert.True(t, ok)
	assert.Equal(t, CmdPathDelay, cmd)

	_, ok = ParseMsgOpcode("start")
	assert.False(t, ok)
}
