// Package routing implements C7, the EvacuationPlanner. It combines
// C2's nearest-shelter search with C3's shortest-path graph to produce
// a turn-by-turn route from a sensor's location to a candidate
// shelter, rendered as a GeoJSON FeatureCollection for downstream
// mapping clients.
package routing

import (
	"context"
	"fmt"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
	"github.com/carbonscribe/sentinel-core/internal/geoindex"
	"github.com/carbonscribe/sentinel-core/internal/roadgraph"
	"github.com/carbonscribe/sentinel-core/pkg/geo"
)

// Route is a planned evacuation path to one shelter. Field names and
// tags follow spec §4.7/§6's documented route(sensor_id, shelter_id)
// response shape: {segments, total_cost_minutes,
// estimated_time_minutes, geojson}. EstimatedMinutes currently equals
// TotalMinutes — per §4.7, "estimated time equals total cost (identity,
// until a speed/traffic model is introduced)" — but is carried as its
// own field so a future traffic model can diverge from it without an
// API shape change.
type Route struct {
	ShelterID        int64                 `json:"shelter_id"`
	TotalMinutes     float64               `json:"total_cost_minutes"`
	EstimatedMinutes float64               `json:"estimated_time_minutes"`
	Steps            []roadgraph.Step      `json:"segments"`
	GeoJSON          geo.FeatureCollection `json:"geojson"`
}

// Planner is C7's explicit handle.
type Planner struct {
	geo   *geoindex.Index
	graph *roadgraph.Graph
}

// New constructs the EvacuationPlanner over a shared index and graph.
func New(index *geoindex.Index, graph *roadgraph.Graph) *Planner {
	return &Planner{geo: index, graph: graph}
}

// RouteToNearestShelter finds the nearest shelter with available
// capacity from origin, and the shortest road-graph route to it.
func (p *Planner) RouteToNearestShelter(ctx context.Context, origin domain.Location, candidates int) (*Route, error) {
	matches := p.geo.KNearest(origin, candidates, geoindex.HasCapacity)
	if len(matches) == 0 {
		return nil, domainerr.New("routing.RouteToNearestShelter", domainerr.UnknownShelter)
	}

	var lastErr error
	for _, m := range matches {
		route, err := p.RouteTo(ctx, origin, m.Shelter.Location, m.Shelter.ID)
		if err == nil {
			return route, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no reachable shelter among %d candidates: %w", len(matches), lastErr)
}

// RouteTo plans a route from origin to a specific shelter's location.
func (p *Planner) RouteTo(ctx context.Context, origin, destination domain.Location, shelterID int64) (*Route, error) {
	srcNode, _, err := p.graph.Snap(origin)
	if err != nil {
		return nil, fmt.Errorf("failed to snap origin: %w", err)
	}
	dstNode, _, err := p.graph.Snap(destination)
	if err != nil {
		return nil, fmt.Errorf("failed to snap destination: %w", err)
	}

	steps, totalMinutes, err := p.graph.ShortestPath(srcNode, dstNode)
	if err != nil {
		return nil, err
	}

	fc := geo.NewFeatureCollection()
	points := []geo.Point{{Lon: origin.Lon, Lat: origin.Lat}}
	for _, step := range steps {
		if lon, lat, ok := lineStringEndpoint(step.Geometry); ok {
			points = append(points, geo.Point{Lon: lon, Lat: lat})
		}
	}
	points = append(points, geo.Point{Lon: destination.Lon, Lat: destination.Lat})
	fc.AddLineString(points, map[string]interface{}{
		"shelter_id":    shelterID,
		"total_minutes": totalMinutes,
	})

	return &Route{
		ShelterID:        shelterID,
		TotalMinutes:     totalMinutes,
		EstimatedMinutes: totalMinutes,
		Steps:            steps,
		GeoJSON:          *fc,
	}, nil
}

// lineStringEndpoint extracts a trailing [lon, lat] pair from a road
// segment's stored GeoJSON geometry, when present, so the rendered
// route hugs the actual segment shape rather than a straight line
// between snapped nodes.
func lineStringEndpoint(geometry domain.JSONB) (lon, lat float64, ok bool) {
	if geometry == nil {
		return 0, 0, false
	}
	coords, ok := geometry["coordinates"].([]interface{})
	if !ok || len(coords) == 0 {
		return 0, 0, false
	}
	last, ok := coords[len(coords)-1].([]interface{})
	if !ok || len(last) < 2 {
		return 0, 0, false
	}
	lonVal, ok1 := last[0].(float64)
	latVal, ok2 := last[1].(float64)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return lonVal, latVal, true
}
