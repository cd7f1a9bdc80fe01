// Package geo holds standalone geometry helpers shared by the spatial
// index and the evacuation planner, kept at pkg/ rather than internal/
// the way the teacher splits its own geospatial math from its
// domain-specific packages.
package geo

import (
	"encoding/json"
	"errors"
	"math"
)

const earthRadiusMeters = 6371008.8

// Point is a WGS84 coordinate, longitude first.
type Point struct {
	Lon float64
	Lat float64
}

// HaversineMeters computes the great-circle distance between two
// points, accurate to well under 0.5% for radii up to 100km, matching
// the accuracy the spatial index's radius queries require.
func HaversineMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)

	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// ValidateGeoJSON validates that the input is valid JSON and carries a
// "type" field; used when an admin reload submits road segment
// geometry as raw JSON text, rejecting malformed geometry before it
// ever reaches the road graph snapshot.
func ValidateGeoJSON(input string) (map[string]interface{}, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(input), &parsed); err != nil {
		return nil, err
	}
	if _, ok := parsed["type"]; !ok {
		return nil, errors.New("invalid GeoJSON: missing type field")
	}
	return parsed, nil
}

// FeatureCollection is a minimal GeoJSON FeatureCollection builder for
// route export.
type FeatureCollection struct {
	Type     string                   `json:"type"`
	Features []map[string]interface{} `json:"features"`
}

// NewFeatureCollection builds an empty FeatureCollection.
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{Type: "FeatureCollection", Features: []map[string]interface{}{}}
}

// AddLineString appends a LineString feature built from ordered points.
func (fc *FeatureCollection) AddLineString(points []Point, properties map[string]interface{}) {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lon, p.Lat}
	}
	fc.Features = append(fc.Features, map[string]interface{}{
		"type": "Feature",
		"geometry": map[string]interface{}{
			"type":        "LineString",
			"coordinates": coords,
		},
		"properties": properties,
	})
}
