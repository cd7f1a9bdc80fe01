// Package geoindex implements C2, the spatial index over sensors and
// shelters used by both the alert evaluator's shelter selection and
// the evacuation planner. Mutation publishes a new copy-on-write
// snapshot atomically; readers hold their own reference for the
// duration of a query and never observe a torn read, per the
// platform's move away from shared mutable geospatial indices.
package geoindex

import (
	"sort"
	"sync/atomic"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/pkg/geo"
)

// Entity is anything the index can place and query: a sensor or a
// shelter, distinguished by Kind.
type Entity struct {
	ID       int64
	Kind     string // "sensor" | "shelter"
	Location domain.Location
	Shelter  *domain.Shelter // set only when Kind == "shelter"
	Sensor   *domain.Sensor  // set only when Kind == "sensor"
}

// Predicate filters candidate shelters during k-nearest queries.
type Predicate func(Entity) bool

// HasCapacity matches shelters with available capacity and state
// "available".
func HasCapacity(e Entity) bool {
	return e.Shelter != nil && e.Shelter.HasCapacity()
}

// HasService matches shelters carrying the given service flag.
func HasService(flag domain.ServiceFlag) Predicate {
	return func(e Entity) bool {
		return e.Shelter != nil && e.Shelter.Services.Has(flag)
	}
}

type snapshot struct {
	entities []Entity
}

// Index is the published, swappable spatial index.
type Index struct {
	current atomic.Pointer[snapshot]
}

// New returns an empty Index.
func New() *Index {
	idx := &Index{}
	idx.current.Store(&snapshot{})
	return idx
}

// Replace atomically publishes a brand-new snapshot built from the
// full entity list, the copy-on-write path used when C9 reloads
// sensors/shelters.
func (idx *Index) Replace(entities []Entity) {
	cp := make([]Entity, len(entities))
	copy(cp, entities)
	idx.current.Store(&snapshot{entities: cp})
}

// Upsert rebuilds the snapshot with the given entity inserted or
// replaced by (Kind, ID), then republishes it atomically.
func (idx *Index) Upsert(e Entity) {
	cur := idx.current.Load()
	next := make([]Entity, 0, len(cur.entities)+1)
	replaced := false
	for _, existing := range cur.entities {
		if existing.Kind == e.Kind && existing.ID == e.ID {
			next = append(next, e)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, e)
	}
	idx.current.Store(&snapshot{entities: next})
}

type distanced struct {
	entity Entity
	meters float64
}

// WithinRadius returns entities of kind within radiusMeters of center,
// sorted ascending by distance.
func (idx *Index) WithinRadius(center domain.Location, radiusMeters float64, kind string) []Entity {
	snap := idx.current.Load()
	center_ := geo.Point{Lon: center.Lon, Lat: center.Lat}

	var matches []distanced
	for _, e := range snap.entities {
		if kind != "" && e.Kind != kind {
			continue
		}
		d := geo.HaversineMeters(center_, geo.Point{Lon: e.Location.Lon, Lat: e.Location.Lat})
		if d <= radiusMeters {
			matches = append(matches, distanced{entity: e, meters: d})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].meters < matches[j].meters })

	out := make([]Entity, len(matches))
	for i, m := range matches {
		out[i] = m.entity
	}
	return out
}

// KNearest returns up to k entities satisfying predicate, sorted
// ascending by distance from center. A nil predicate matches all.
func (idx *Index) KNearest(center domain.Location, k int, predicate Predicate) []Entity {
	snap := idx.current.Load()
	center_ := geo.Point{Lon: center.Lon, Lat: center.Lat}

	var matches []distanced
	for _, e := range snap.entities {
		if predicate != nil && !predicate(e) {
			continue
		}
		d := geo.HaversineMeters(center_, geo.Point{Lon: e.Location.Lon, Lat: e.Location.Lat})
		matches = append(matches, distanced{entity: e, meters: d})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].meters < matches[j].meters })

	if k < len(matches) {
		matches = matches[:k]
	}
	out := make([]Entity, len(matches))
	for i, m := range matches {
		out[i] = m.entity
	}
	return out
}
