package apm

import (
	"testing"

	"github.com/danmuck/apmctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryMembership(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	for _, id := range []SubGraphID{1, 2} {
		_, err := r.AddSubGraph(SubGraphSpec{ID: id})
		require.NoError(t, err)
	}
	_, err := r.AddSubGraph(SubGraphSpec{ID: 1})
	require.ErrorIs(t, err, ErrSubGraphExists)

	r.AddContainer(10, true)
	r.AddContainer(11, false)
	require.NoError(t, r.Attach(10, 1))
	require.NoError(t, r.Attach(10, 2))
	require.NoError(t, r.Attach(11, 2))
	require.ErrorIs(t, r.Attach(12, 1), ErrContainerNotFound)
	require.ErrorIs(t, r.Attach(10, 9), ErrSubGraphNotFound)

	_, err = r.AddLink(LinkSpec{ID: 5, Self: 1, Peer: 2})
	require.NoError(t, err)
	_, err = r.AddLink(LinkSpec{ID: 6, Self: 1, Peer: 9})
	require.ErrorIs(t, err, ErrLinkEndpointAbsent)

	sg2, _ := r.SubGraph(2)
	assert.Equal(t, []ContainerID{10, 11}, sg2.Containers())
	assert.Len(t, r.LinksTouching(map[SubGraphID]struct{}{2: {}}), 1)

	require.True(t, r.RemoveSubGraph(2))
	assert.False(t, r.RemoveSubGraph(2))
	c11, _ := r.Container(11)
	assert.Empty(t, c11.SubGraphs())
	assert.Empty(t, r.Links(), "link to a removed sub-graph survived")

	assert.Equal(t, []ContainerID{11}, r.PruneContainers())
	assert.Len(t, r.Containers(), 1)

	require.True(t, r.RemoveContainer(10))
	sg1, _ := r.SubGraph(1)
	assert.Empty(t, sg1.Containers())
}
