package geoindex_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/geoindex"
)

func shelterEntity(id int64, lon, lat float64, state domain.ShelterState, current, max int) geoindex.Entity {
	return geoindex.Entity{
		ID:       id,
		Kind:     "shelter",
		Location: domain.Location{Lon: lon, Lat: lat},
		Shelter: &domain.Shelter{
			ID: id, State: state, CapacityCurrent: current, CapacityMax: max,
		},
	}
}

func TestWithinRadius_FiltersByKindAndDistance(t *testing.T) {
	idx := geoindex.New()
	idx.Replace([]geoindex.Entity{
		shelterEntity(1, 0, 0, domain.ShelterAvailable, 0, 10),
		shelterEntity(2, 1, 1, domain.ShelterAvailable, 0, 10),
		{ID: 3, Kind: "sensor", Location: domain.Location{Lon: 0.001, Lat: 0}},
	})

	matches := idx.WithinRadius(domain.Location{Lon: 0, Lat: 0}, 1000, "shelter")
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].ID)
}

func TestKNearest_SortsByDistanceAscending(t *testing.T) {
	idx := geoindex.New()
	idx.Replace([]geoindex.Entity{
		shelterEntity(1, 0.02, 0, domain.ShelterAvailable, 0, 10),
		shelterEntity(2, 0.01, 0, domain.ShelterAvailable, 0, 10),
		shelterEntity(3, 0.03, 0, domain.ShelterAvailable, 0, 10),
	})

	matches := idx.KNearest(domain.Location{Lon: 0, Lat: 0}, 2, nil)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(2), matches[0].ID)
	assert.Equal(t, int64(1), matches[1].ID)
}

func TestKNearest_HasCapacityPredicateExcludesFullShelters(t *testing.T) {
	idx := geoindex.New()
	idx.Replace([]geoindex.Entity{
		shelterEntity(1, 0.01, 0, domain.ShelterAvailable, 10, 10), // full
		shelterEntity(2, 0.02, 0, domain.ShelterAvailable, 3, 10),
	})

	matches := idx.KNearest(domain.Location{Lon: 0, Lat: 0}, 5, geoindex.HasCapacity)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(2), matches[0].ID)
}

func TestHasService_MatchesShelterServiceFlags(t *testing.T) {
	e := geoindex.Entity{
		Kind: "shelter",
		Shelter: &domain.Shelter{
			Services: domain.ServiceFlags{domain.ServiceMedical: true},
		},
	}
	assert.True(t, geoindex.HasService(domain.ServiceMedical)(e))
	assert.False(t, geoindex.HasService(domain.ServicePetFriendly)(e))
}

func TestUpsert_ReplacesExistingEntityByKindAndID(t *testing.T) {
	idx := geoindex.New()
	idx.Replace([]geoindex.Entity{shelterEntity(1, 0, 0, domain.ShelterAvailable, 0, 10)})

	idx.Upsert(shelterEntity(1, 0, 0, domain.ShelterFull, 10, 10))

	matches := idx.KNearest(domain.Location{Lon: 0, Lat: 0}, 5, nil)
	require.Len(t, matches, 1)
	assert.Equal(t, domain.ShelterFull, matches[0].Shelter.State)
}

func TestUpsert_AppendsNewEntity(t *testing.T) {
	idx := geoindex.New()
	idx.Replace([]geoindex.Entity{shelterEntity(1, 0, 0, domain.ShelterAvailable, 0, 10)})

	idx.Upsert(shelterEntity(2, 0.01, 0, domain.ShelterAvailable, 0, 10))

	matches := idx.KNearest(domain.Location{Lon: 0, Lat: 0}, 5, nil)
	assert.Len(t, matches, 2)
}

func TestReplace_PublishesIndependentSnapshot(t *testing.T) {
	idx := geoindex.New()
	first := []geoindex.Entity{shelterEntity(1, 0, 0, domain.ShelterAvailable, 0, 10)}
	idx.Replace(first)
	first[0].ID = 99 // mutating caller's slice must not affect the published snapshot

	matches := idx.KNearest(domain.Location{Lon: 0, Lat: 0}, 5, nil)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].ID)

	idx.Replace([]geoindex.Entity{shelterEntity(2, 0, 0, domain.ShelterAvailable, 0, 10)})

	matches = idx.KNearest(domain.Location{Lon: 0, Lat: 0}, 5, nil)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(2), matches[0].ID)
}
