package roadgraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
	"github.com/carbonscribe/sentinel-core/internal/roadgraph"
)

func testNodes() []domain.RoadNode {
	return []domain.RoadNode{
		{ID: 1, Location: domain.Location{Lon: 0, Lat: 0}},
		{ID: 2, Location: domain.Location{Lon: 0.01, Lat: 0}},
		{ID: 3, Location: domain.Location{Lon: 0.02, Lat: 0}},
		{ID: 4, Location: domain.Location{Lon: 0.02, Lat: 0.01}},
		{ID: 9, Location: domain.Location{Lon: 5, Lat: 5}}, // disconnected
	}
}

func TestShortestPath_PicksCheaperRoute(t *testing.T) {
	g := roadgraph.New()
	g.Load(testNodes(), []domain.RoadSegment{
		{EdgeID: 10, Source: 1, Target: 3, CostMinutes: 10, ReverseCostMinutes: -1},
		{EdgeID: 11, Source: 1, Target: 2, CostMinutes: 2, ReverseCostMinutes: -1},
		{EdgeID: 12, Source: 2, Target: 3, CostMinutes: 2, ReverseCostMinutes: -1},
	})

	steps, cost, err := g.ShortestPath(1, 3)
	require.NoError(t, err)
	assert.Equal(t, 4.0, cost)
	require.Len(t, steps, 2)
	assert.Equal(t, int64(11), steps[0].EdgeID)
	assert.Equal(t, int64(12), steps[1].EdgeID)
	assert.Equal(t, 1, steps[0].Seq)
	assert.Equal(t, 2, steps[1].Seq)
}

func TestShortestPath_TieBreaksByAscendingEdgeID(t *testing.T) {
	g := roadgraph.New()
	g.Load(testNodes(), []domain.RoadSegment{
		{EdgeID: 20, Source: 1, Target: 2, CostMinutes: 5, ReverseCostMinutes: -1},
		{EdgeID: 5, Source: 1, Target: 2, CostMinutes: 5, ReverseCostMinutes: -1},
	})

	steps, cost, err := g.ShortestPath(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5.0, cost)
	require.Len(t, steps, 1)
	assert.Equal(t, int64(5), steps[0].EdgeID)
}

func TestShortestPath_SameNodeReturnsZeroCost(t *testing.T) {
	g := roadgraph.New()
	g.Load(testNodes(), nil)

	steps, cost, err := g.ShortestPath(1, 1)
	require.NoError(t, err)
	assert.Nil(t, steps)
	assert.Equal(t, 0.0, cost)
}

func TestShortestPath_DisconnectedComponentReturnsNoPath(t *testing.T) {
	g := roadgraph.New()
	g.Load(testNodes(), []domain.RoadSegment{
		{EdgeID: 1, Source: 1, Target: 2, CostMinutes: 1, ReverseCostMinutes: -1},
	})

	_, _, err := g.ShortestPath(1, 9)
	assert.True(t, domainerr.Is(err, domainerr.NoPath))
}

func TestShortestPath_UnknownNodeReturnsUnknownEndpoint(t *testing.T) {
	g := roadgraph.New()
	g.Load(testNodes(), nil)

	_, _, err := g.ShortestPath(1, 999)
	assert.True(t, domainerr.Is(err, domainerr.UnknownEndpoint))
}

func TestShortestPath_OneWaySegmentBlocksReverseTraversal(t *testing.T) {
	g := roadgraph.New()
	g.Load(testNodes(), []domain.RoadSegment{
		{EdgeID: 1, Source: 1, Target: 2, CostMinutes: 1, ReverseCostMinutes: -1},
	})

	_, _, err := g.ShortestPath(2, 1)
	assert.True(t, domainerr.Is(err, domainerr.NoPath))
}

func TestShortestPath_TwoWaySegmentAllowsReverseTraversal(t *testing.T) {
	g := roadgraph.New()
	g.Load(testNodes(), []domain.RoadSegment{
		{EdgeID: 1, Source: 1, Target: 2, CostMinutes: 1, ReverseCostMinutes: 3},
	})

	steps, cost, err := g.ShortestPath(2, 1)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 3.0, cost)
}

func TestSnap_ReturnsNearestNode(t *testing.T) {
	g := roadgraph.New()
	g.Load(testNodes(), nil)

	id, _, err := g.Snap(domain.Location{Lon: 0.0001, Lat: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestSnap_EmptyGraphReturnsUnknownEndpoint(t *testing.T) {
	g := roadgraph.New()
	_, _, err := g.Snap(domain.Location{Lon: 0, Lat: 0})
	assert.True(t, domainerr.Is(err, domainerr.UnknownEndpoint))
}
