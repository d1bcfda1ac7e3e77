package sim

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/danmuck/apmctl/internal/journal"
	"github.com/danmuck/apmctl/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	t   *testing.T
	net *Network
	m   *apm.Manager
	j   *journal.MemoryJournal
}

func newRig(t *testing.T, b Behavior) *rig {
	t.Helper()
	testlog.Start(t)
	n := New(b)
	j := journal.NewMemoryJournal()
	m := apm.NewManager(apm.DefaultManagerConfig(), n,
		apm.WithContainerFactory(n),
		apm.WithReporter(j),
	)
	return &rig{t: t, net: n, m: m, j: j}
}

func (r *rig) do(cmd apm.Command) journal.Entry {
	r.t.Helper()
	ctx := context.Background()
	id, err := r.m.Submit(ctx, cmd)
	require.NoError(r.t, err)
	_, err = r.net.Drain(ctx, r.m)
	require.NoError(r.t, err)
	e, err := r.j.Find(id)
	require.NoError(r.t, err, "%s did not complete", cmd.Opcode)
	return e
}

func (r *rig) opcodes() []apm.MsgOpcode {
	var out []apm.MsgOpcode
	for _, ev := range r.net.Trace() {
		if !ev.Proxy {
			out = append(out, ev.Opcode)
		}
	}
	return out
}

func linkedOpen() apm.Command {
	return apm.Command{Opcode: apm.CmdGraphOpen, Payload: apm.OpenPayload{
		SubGraphs: []apm.SubGraphSpec{{ID: 1}, {ID: 2}},
		Containers: []apm.ContainerSpec{
			{ID: 10, SubGraphs: []apm.SubGraphID{1}},
			{ID: 20, SubGraphs: []apm.SubGraphID{2}},
		},
		Links: []apm.LinkSpec{{ID: 100, Self: 1, Peer: 2}},
	}}
}

func TestOpenStartCloseOverWire(t *testing.T) {
	r := newRig(t, Behavior{})

	e := r.do(linkedOpen())
	require.True(t, e.OK(), "open status=%s", e.Status)
	assert.Equal(t, []apm.ContainerID{10, 20}, r.net.Containers())
	op, ok := r.net.ContainerState(10, 1)
	require.True(t, ok)
	assert.Equal(t, apm.MsgOpen, op)

	r.net.ResetTrace()
	e = r.do(apm.Command{Opcode: apm.CmdGraphStart, Payload: apm.GraphMgmtPayload{SubGraphs: []apm.SubGraphID{1, 2}}})
	require.True(t, e.OK(), "start status=%s", e.Status)
	assert.Equal(t, []apm.MsgOpcode{apm.MsgPrepare, apm.MsgPrepare, apm.MsgStart, apm.MsgStart}, r.opcodes())
	op, _ = r.net.ContainerState(20, 2)
	assert.Equal(t, apm.MsgStart, op)

	r.net.ResetTrace()
	e = r.do(apm.Command{Opcode: apm.CmdGraphClose, Payload: apm.GraphMgmtPayload{SubGraphs: []apm.SubGraphID{1, 2}}})
	require.True(t, e.OK(), "close status=%s", e.Status)
	assert.Contains(t, r.opcodes(), apm.MsgClose)
	assert.Empty(t, r.m.Registry().SubGraphs())
	assert.Zero(t, r.net.Pending())
}

func TestCreateFailureOverWire(t *testing.T) {
	var b Behavior
	b.FailCreate(20, apm.StatusNoResource)
	r := newRig(t, b)

	e := r.do(linkedOpen())
	assert.Equal(t, "no_resource", e.Status)
	assert.Equal(t, []apm.MsgOpcode{apm.MsgDestroyContainer}, r.opcodes())
	assert.Empty(t, r.net.Containers())
	assert.Empty(t, r.m.Registry().Containers())
	assert.Empty(t, r.m.Registry().SubGraphs())
}

func TestContainerExitOnCloseOverWire(t *testing.T) {
	var b Behavior
	b.FailContainer(10, apm.MsgConnect, apm.StatusFailed)
	b.FailContainer(10, apm.MsgClose, apm.StatusTerminated)
	r := newRig(t, b)

	e := r.do(apm.Command{Opcode: apm.CmdGraphOpen, Payload: apm.OpenPayload{
		SubGraphs:  []apm.SubGraphSpec{{ID: 1}},
		Containers: []apm.ContainerSpec{{ID: 10, SubGraphs: []apm.SubGraphID{1}}},
	}})
	assert.Equal(t, "failed", e.Status)
	if diff := cmp.Diff([]apm.MsgOpcode{apm.MsgOpen, apm.MsgConnect, apm.MsgDisconnect, apm.MsgClose}, r.opcodes()); diff != "" {
		t.Fatalf("opcodes (-want +got):\n%s", diff)
	}
	assert.Empty(t, r.net.Containers())
	_, ok := r.m.Registry().Container(10)
	assert.False(t, ok)
}

func TestProxyGrantOverWire(t *testing.T) {
	var b Behavior
	b.Grant(7, 1)
	r := newRig(t, b)

	e := r.do(apm.Command{Opcode: apm.CmdGraphOpen, Payload: apm.OpenPayload{
		SubGraphs: []apm.SubGraphSpec{
			{ID: 1, Scenario: apm.ScenarioVoiceCall, Key: 42, Proxy: 7},
			{ID: 2, Scenario: apm.ScenarioVoiceCall, Key: 42, Proxy: 7},
		},
		Containers: []apm.ContainerSpec{{ID: 3, SubGraphs: []apm.SubGraphID{1, 2}}},
	}})
	require.True(t, e.OK(), "open status=%s", e.Status)
	assert.Equal(t, []apm.SubGraphID{1, 2}, r.net.ProxyMembers(7))

	e = r.do(apm.Command{Opcode: apm.CmdGraphStart, Payload: apm.GraphMgmtPayload{SubGraphs: []apm.SubGraphID{1, 2}}})
	require.True(t, e.OK(), "start status=%s", e.Status)
	assert.Equal(t, []uint32{2}, e.PendingSubGraphs)
	op, _ := r.net.ContainerState(3, 1)
	assert.Equal(t, apm.MsgStart, op)
	op, _ = r.net.ContainerState(3, 2)
	assert.Equal(t, apm.MsgOpen, op)
}

func TestGetConfigEchoesParams(t *testing.T) {
	r := newRig(t, Behavior{Payloads: map[apm.ContainerID][]byte{20: []byte("fixed")}})
	require.True(t, r.do(linkedOpen()).OK())

	e := r.do(apm.Command{Opcode: apm.CmdGetConfig, Payload: apm.ConfigPayload{Params: []apm.Param{
		{Container: 10, Module: 1, ParamID: 2, Data: []byte("echo")},
		{Container: 20, Module: 1, ParamID: 2, Data: []byte("ignored")},
	}}})
	require.True(t, e.OK(), "get_cfg status=%s", e.Status)
	assert.Equal(t, []byte("echo"), e.Payloads[10])
	assert.Equal(t, []byte("fixed"), e.Payloads[20])
}

func TestSilentContainerHoldsCommand(t *testing.T) {
	r := newRig(t, Behavior{Silent: map[apm.ContainerID]bool{10: true}})
	ctx := context.Background()
	_, err := r.m.Submit(ctx, linkedOpen())
	require.NoError(t, err)
	_, err = r.net.Drain(ctx, r.m)
	require.NoError(t, err)

	assert.Empty(t, r.j.Entries())
	assert.NotZero(t, r.m.ActiveMask())
}

func TestPumpDrivesRunningManager(t *testing.T) {
	r := newRig(t, Behavior{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- r.m.Run(ctx) }()
	go func() { _ = r.net.Pump(ctx, r.m) }()

	_, err := r.m.EnqueueCommand(ctx, linkedOpen())
	require.NoError(t, err)
	require.NoError(t, r.j.WaitFor(ctx, 1))
	_, err = r.m.EnqueueCommand(ctx, apm.Command{
		Opcode:  apm.CmdGraphStart,
		Payload: apm.GraphMgmtPayload{SubGraphs: []apm.SubGraphID{1, 2}},
	})
	require.NoError(t, err)
	require.NoError(t, r.j.WaitFor(ctx, 2))

	for _, e := range r.j.Entries() {
		assert.True(t, e.OK(), "%s status=%s", e.Opcode, e.Status)
	}
	cancel()
	assert.ErrorIs(t, <-runDone, context.Canceled)
}
