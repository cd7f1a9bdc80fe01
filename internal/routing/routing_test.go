package routing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/geoindex"
	"github.com/carbonscribe/sentinel-core/internal/roadgraph"
	"github.com/carbonscribe/sentinel-core/internal/routing"
)

func buildGraph() *roadgraph.Graph {
	g := roadgraph.New()
	g.Load(
		[]domain.RoadNode{
			{ID: 1, Location: domain.Location{Lon: 0, Lat: 0}},
			{ID: 2, Location: domain.Location{Lon: 0, Lat: 0.01}},
			{ID: 3, Location: domain.Location{Lon: 0, Lat: 0.02}},
		},
		[]domain.RoadSegment{
			{EdgeID: 1, Source: 1, Target: 2, CostMinutes: 2, ReverseCostMinutes: 2},
			{EdgeID: 2, Source: 2, Target: 3, CostMinutes: 3, ReverseCostMinutes: 3},
		},
	)
	return g
}

func buildIndex(withCapacity bool) *geoindex.Index {
	idx := geoindex.New()
	shelter := domain.Shelter{ID: 42, State: domain.ShelterAvailable, CapacityMax: 10}
	if !withCapacity {
		shelter.State = domain.ShelterFull
		shelter.CapacityCurrent = 10
	}
	idx.Upsert(geoindex.Entity{ID: 42, Kind: "shelter", Location: domain.Location{Lon: 0, Lat: 0.02}, Shelter: &shelter})
	return idx
}

func TestRouteToNearestShelter_ReturnsGeoJSON(t *testing.T) {
	planner := routing.New(buildIndex(true), buildGraph())
	route, err := planner.RouteToNearestShelter(context.Background(), domain.Location{Lon: 0, Lat: 0}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(42), route.ShelterID)
	assert.Equal(t, 5.0, route.TotalMinutes)
	assert.Equal(t, route.TotalMinutes, route.EstimatedMinutes, "estimated time equals total cost until a speed/traffic model exists")
	assert.Equal(t, "FeatureCollection", route.GeoJSON.Type)
	require.Len(t, route.GeoJSON.Features, 1)
}

func TestRouteToNearestShelter_NoShelterCapacity(t *testing.T) {
	planner := routing.New(buildIndex(false), buildGraph())
	_, err := planner.RouteToNearestShelter(context.Background(), domain.Location{Lon: 0, Lat: 0}, 3)
	assert.Error(t, err)
}
