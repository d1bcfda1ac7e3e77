package apm

import (
	"testing"

	"github.com/danmuck/apmctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
)

func TestSequenceAdvanceFollowsFamilyOrder(t *testing.T) {
	testlog.Start(t)

	seq := newSequence(FamilyCloseAll)
	assert.Equal(t, OpCloseAllPreProcess, seq.Op)
	seq.Pending = true
	seq.Status = StatusBusy
	seq.advance()
	assert.Equal(t, OpCloseAllGraphMgmt, seq.Op)
	assert.False(t, seq.Pending)
	assert.Equal(t, StatusOK, seq.Status)
	seq.advance()
	seq.advance()
	assert.Equal(t, OpCompleted, seq.Op)
	assert.True(t, seq.done())

	errSeq := newSequence(FamilyErrHandler)
	for range 4 {
		errSeq.advance()
	}
	assert.Equal(t, OpErrCompleted, errSeq.Op)
	assert.NotEqual(t, OpCompleted, OpErrCompleted)
}

func TestSequenceNestingUnwinds(t *testing.T) {
	testlog.Start(t)

	var si sequenceInfo
	si.init(FamilyGraphOpen)
	assert.Same(t, &si.open, si.curr)

	si.enter(&si.err)
	si.enter(&si.gm)
	assert.Same(t, &si.gm, si.curr)
	assert.Equal(t, 2, si.depth())

	si.enter(&si.gm)
	assert.Equal(t, 2, si.depth(), "re-entering the current sequence pushed a continuation")

	si.finish(&si.gm)
	assert.Same(t, &si.err, si.curr)
	assert.Equal(t, OpCompleted, si.gm.Op)

	si.enter(&si.gm)
	si.enter(&si.err)
	assert.Same(t, &si.err, si.curr, "returning to a caller abandons its nested sequence")
	assert.Equal(t, 1, si.depth())

	si.enter(&si.gm)
	si.finish(&si.open)
	assert.Same(t, &si.open, si.curr)
	assert.Zero(t, si.depth())
}

func TestSequenceInitStep(t *testing.T) {
	testlog.Start(t)

	seq := newSequence(FamilyConfig)
	seq.initStep(SeqSetUpContMsg)
	assert.Equal(t, SeqSetUpContMsg, seq.Seq)
	assert.True(t, seq.Pending)
	seq.Seq = SeqSendMsgToContainers
	seq.initStep(SeqSetUpContMsg)
	assert.Equal(t, SeqSendMsgToContainers, seq.Seq)
}
