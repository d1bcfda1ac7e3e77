package apm

import (
	"testing"

	"github.com/danmuck/apmctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryWithProxies(t *testing.T) (*Registry, *ProxyManager, *ProxyManager) {
	t.Helper()
	r := NewRegistry()
	for _, spec := range []SubGraphSpec{
		{ID: 1, Scenario: ScenarioVoiceCall, Key: 42},
		{ID: 2, Scenario: ScenarioVoiceCall, Key: 42},
		{ID: 3, Scenario: ScenarioVoiceCall},
	} {
		_, err := r.AddSubGraph(spec)
		require.NoError(t, err)
	}
	a := r.FindOrCreateProxy(7, ScenarioVoiceCall, 42)
	a.addSubGraph(1)
	a.addSubGraph(2)
	b := r.FindOrCreateProxy(7, ScenarioVoiceCall, KeyDontCare)
	b.addSubGraph(3)
	require.NotSame(t, a, b)
	return r, a, b
}

func TestMergeProxiesUnion(t *testing.T) {
	testlog.Start(t)

	r, a, b := registryWithProxies(t)
	ctrl := newTestControl(CmdGraphOpen)
	slot, err := b.acquireSlot(ctrl)
	require.NoError(t, err)
	slot.candidates = []SubGraphID{3}
	ctrl.open.proxies = []*ProxyManager{b}

	merged, err := r.MergeProxies(ScenarioVoiceCall, 42)
	require.NoError(t, err)
	assert.Same(t, a, merged)
	assert.ElementsMatch(t, []SubGraphID{1, 2, 3}, merged.SubGraphs())
	assert.Equal(t, CorrelationKey(42), merged.Key)

	alias, ok := r.Proxy(b.Handle)
	require.True(t, ok, "merged handle must resolve for in-flight tokens")
	assert.Same(t, a, alias)
	_, ok = r.ProxyForKey(ScenarioVoiceCall, KeyDontCare)
	assert.False(t, ok)
	assert.Len(t, r.Proxies(), 1)

	sg, _ := r.SubGraph(3)
	assert.Equal(t, CorrelationKey(42), sg.Key)
	moved := merged.slotFor(ctrl)
	require.NotNil(t, moved)
	assert.Equal(t, []SubGraphID{3}, moved.candidates)
	assert.Equal(t, []*ProxyManager{a}, ctrl.open.proxies)

	r.FreeProxy(a)
	_, ok = r.Proxy(b.Handle)
	assert.False(t, ok, "alias outlived the absorbing manager")
}

func TestMergeProxiesRekeysLoneDontCare(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	_, err := r.AddSubGraph(SubGraphSpec{ID: 5, Scenario: ScenarioVoiceCall})
	require.NoError(t, err)
	b := r.FindOrCreateProxy(4, ScenarioVoiceCall, KeyDontCare)
	b.addSubGraph(5)

	merged, err := r.MergeProxies(ScenarioVoiceCall, 9)
	require.NoError(t, err)
	assert.Same(t, b, merged)
	assert.Equal(t, CorrelationKey(9), merged.Key)
	sg, _ := r.SubGraph(5)
	assert.Equal(t, CorrelationKey(9), sg.Key)
}

func TestMergeProxiesMissing(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	_, err := r.MergeProxies(ScenarioVoiceCall, 9)
	assert.Equal(t, StatusNotExist, StatusOf(err))
	_, err = r.MergeProxies(ScenarioVoiceCall, KeyDontCare)
	assert.Equal(t, StatusBadParam, StatusOf(err))
}

func TestProxySlotsAndBroadcastCache(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	pm := r.FindOrCreateProxy(2, ScenarioBroadcast, KeyDontCare)
	require.True(t, pm.Broadcast)

	var ctrls []*CommandControl
	for i := range MaxParallelCommands {
		ctrl := newCommandControl(CommandID(rune('a'+i)), Command{Opcode: CmdSetConfig}, uint8(i), 1)
		slot, err := pm.acquireSlot(ctrl)
		require.NoError(t, err)
		p := ProxyParam{ParamID: uint32(100 + i)}
		slot.params = append(slot.params, p)
		pm.cacheParam(p)
		ctrls = append(ctrls, ctrl)
	}
	_, err := pm.acquireSlot(newTestControl(CmdSetConfig))
	assert.Equal(t, StatusBusy, StatusOf(err))
	assert.Equal(t, []uint32{100, 101, 102, 103}, pm.SharedParams())

	pm.releaseSlot(ctrls[2])
	assert.Equal(t, []uint32{100, 101, 103}, pm.SharedParams())
	assert.Equal(t, uint8(0b1011), pm.ActiveMask())
	assert.Nil(t, pm.slotFor(ctrls[2]))
}

func TestSessionKeyParam(t *testing.T) {
	testlog.Start(t)

	p := SessionKeyParam(7, ScenarioVoiceCall, 0x01020304)
	assert.Equal(t, []byte{4, 3, 2, 1}, p.Data)
	key, err := sessionKey(p)
	require.NoError(t, err)
	assert.Equal(t, CorrelationKey(0x01020304), key)

	_, err = sessionKey(ProxyParam{ParamID: ParamSessionKey, Data: []byte{1}})
	assert.Equal(t, StatusBadParam, StatusOf(err))
}
