// Package timeseries implements C1, the TimeStore: an append-only,
// time-partitioned observation store. Chunk routing, the lateness and
// closure horizons, and cold-archival of sealed chunks to S3 are all
// owned here; everything downstream (C4, C5) only ever sees an
// accepted, possibly-late observation. Repository access follows the
// teacher's sqlx NamedExecContext/SelectContext idiom.
package timeseries

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
	"github.com/carbonscribe/sentinel-core/pkg/storage"
)

// SensorLookup resolves a sensor's validation metadata; satisfied by
// internal/state's Store, kept as a narrow local interface.
type SensorLookup interface {
	GetSensor(ctx context.Context, id int64) (*domain.Sensor, error)
}

// Config bundles the partitioning and horizon tunables from §6.
type Config struct {
	ChunkInterval   time.Duration
	LatenessHorizon time.Duration
	ClosureHorizon  time.Duration
	ArchiveBucket   string
}

// Store is C1's explicit handle.
type Store struct {
	db      *sqlx.DB
	sensors SensorLookup
	cfg     Config
	s3      storage.S3Client

	arrivalSeq atomic.Int64
}

// New constructs the TimeStore over a shared connection pool.
func New(db *sqlx.DB, sensors SensorLookup, cfg Config, s3 storage.S3Client) *Store {
	return &Store{db: db, sensors: sensors, cfg: cfg, s3: s3}
}

// chunkStart floors a timestamp to its owning chunk boundary, epoch
// aligned so every node computes the same boundaries independently.
func (s *Store) chunkStart(t time.Time) time.Time {
	interval := s.cfg.ChunkInterval
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}
	epoch := t.UTC().Unix()
	intervalSecs := int64(interval.Seconds())
	floored := (epoch / intervalSecs) * intervalSecs
	return time.Unix(floored, 0).UTC()
}

// Append validates and durably writes one observation, assigning the
// current time when Timestamp is zero and marking the point late when
// it falls before the lateness horizon but within the closure horizon.
func (s *Store) Append(ctx context.Context, obs domain.Observation) (domain.AppendResult, error) {
	sensor, err := s.sensors.GetSensor(ctx, obs.SensorID)
	if err != nil {
		return domain.AppendResult{}, err
	}

	now := time.Now().UTC()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = now
	}

	age := now.Sub(obs.Timestamp)
	if age > s.cfg.ClosureHorizon {
		return domain.AppendResult{}, domainerr.New("timeseries.Append", domainerr.StaleAppend)
	}
	obs.Late = age > s.cfg.LatenessHorizon

	if !sensor.ValidRange.Contains(obs.Value) {
		if sensor.Strict {
			return domain.AppendResult{}, domainerr.New("timeseries.Append", domainerr.OutOfRange)
		}
		obs.Quality = domain.QualitySuspect
	}
	if obs.Quality == "" {
		obs.Quality = domain.QualityGood
	}
	if obs.Unit == "" {
		obs.Unit = sensor.Unit
	}

	obs.ArrivalSeq = s.arrivalSeq.Add(1)

	chunk := s.chunkStart(obs.Timestamp)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO observations (sensor_id, kind, ts, value, unit, quality, late, arrival_seq, chunk_start, sidecar)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		obs.SensorID, sensor.Kind, obs.Timestamp, obs.Value, obs.Unit, obs.Quality, obs.Late, obs.ArrivalSeq,
		chunk, sidecarJSON(obs.Sidecar))
	if err != nil {
		return domain.AppendResult{}, domainerr.Wrap("timeseries.Append", domainerr.BackendUnavailable, err)
	}

	return domain.AppendResult{AssignedTimestamp: obs.Timestamp, Late: obs.Late}, nil
}

// Range returns observations for the given sensors/kinds overlapping
// [t0,t1], newest first. The query filters on ts alone; chunk_start is
// not part of the predicate, so chunks are not pruned explicitly.
func (s *Store) Range(ctx context.Context, sensorIDs []int64, kinds []domain.SensorKind, t0, t1 time.Time, limit int) ([]domain.Observation, error) {
	query, args := buildRangeQuery(sensorIDs, kinds, t0, t1, limit)
	var out []domain.Observation
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, domainerr.Wrap("timeseries.Range", domainerr.BackendUnavailable, err)
	}
	return out, nil
}

func buildRangeQuery(sensorIDs []int64, kinds []domain.SensorKind, t0, t1 time.Time, limit int) (string, []interface{}) {
	query := `SELECT sensor_id, ts, value, unit, quality, late, arrival_seq FROM observations WHERE ts BETWEEN $1 AND $2`
	args := []interface{}{t0, t1}
	argN := 3

	if len(sensorIDs) > 0 {
		query += fmt.Sprintf(" AND sensor_id = ANY($%d)", argN)
		args = append(args, pq.Array(sensorIDs))
		argN++
	}
	if len(kinds) > 0 {
		kindStrs := make([]string, len(kinds))
		for i, k := range kinds {
			kindStrs[i] = string(k)
		}
		query += fmt.Sprintf(" AND kind = ANY($%d)", argN)
		args = append(args, pq.Array(kindStrs))
		argN++
	}
	query += fmt.Sprintf(" ORDER BY ts DESC, arrival_seq DESC LIMIT $%d", argN)
	args = append(args, limit)
	return query, args
}

// Latest returns the most recent observation per sensor within the
// trailing window.
func (s *Store) Latest(ctx context.Context, sensorIDs []int64, within time.Duration) (map[int64]domain.Observation, error) {
	query := `
		SELECT DISTINCT ON (sensor_id) sensor_id, ts, value, unit, quality, late, arrival_seq
		FROM observations
		WHERE ts >= $1`
	args := []interface{}{time.Now().UTC().Add(-within)}
	if len(sensorIDs) > 0 {
		query += ` AND sensor_id = ANY($2)`
		args = append(args, pq.Array(sensorIDs))
	}
	query += ` ORDER BY sensor_id, ts DESC, arrival_seq DESC`

	var rows []domain.Observation
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domainerr.Wrap("timeseries.Latest", domainerr.BackendUnavailable, err)
	}

	out := make(map[int64]domain.Observation, len(rows))
	for _, r := range rows {
		out[r.SensorID] = r
	}
	return out, nil
}

// ArchiveClosedChunks uploads every chunk older than the closure
// horizon to cold storage and marks it archived, run on a schedule by
// the supervisor rather than inline with any read/write path.
func (s *Store) ArchiveClosedChunks(ctx context.Context) error {
	if s.s3 == nil || s.cfg.ArchiveBucket == "" {
		return nil
	}

	// A chunk is sealed once its end, not just its start, is past the
	// closure horizon; only then can no further Append land in it.
	interval := s.cfg.ChunkInterval
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-s.cfg.ClosureHorizon - interval)
	var chunks []time.Time
	err := s.db.SelectContext(ctx, &chunks, `
		SELECT DISTINCT chunk_start FROM observations
		WHERE chunk_start < $1 AND chunk_start NOT IN (SELECT chunk_start FROM archived_chunks)`, cutoff)
	if err != nil {
		return domainerr.Wrap("timeseries.ArchiveClosedChunks", domainerr.BackendUnavailable, err)
	}

	for _, chunk := range chunks {
		var rows []domain.Observation
		if err := s.db.SelectContext(ctx, &rows, `
			SELECT sensor_id, ts, value, unit, quality, late, arrival_seq FROM observations
			WHERE chunk_start = $1`, chunk); err != nil {
			return domainerr.Wrap("timeseries.ArchiveClosedChunks", domainerr.BackendUnavailable, err)
		}

		key := fmt.Sprintf("chunks/%s.json", chunk.Format(time.RFC3339))
		body, err := encodeChunk(rows)
		if err != nil {
			return fmt.Errorf("failed to encode chunk %s: %w", chunk, err)
		}
		if err := s.s3.Upload(ctx, s.cfg.ArchiveBucket, key, body); err != nil {
			return fmt.Errorf("failed to archive chunk %s: %w", chunk, err)
		}

		if _, err := s.db.ExecContext(ctx, `INSERT INTO archived_chunks (chunk_start, s3_key) VALUES ($1, $2)`, chunk, key); err != nil {
			return domainerr.Wrap("timeseries.ArchiveClosedChunks", domainerr.BackendUnavailable, err)
		}
	}
	return nil
}

func encodeChunk(rows []domain.Observation) (io.Reader, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func sidecarJSON(sc *domain.Sidecar) domain.JSONB {
	if sc == nil {
		return nil
	}
	j := domain.JSONB{}
	if sc.AmbientTemp != nil {
		j["ambient_temp"] = *sc.AmbientTemp
	}
	if sc.Humidity != nil {
		j["humidity"] = *sc.Humidity
	}
	if sc.BatteryLevel != nil {
		j["battery_level"] = *sc.BatteryLevel
	}
	if sc.SignalStrength != nil {
		j["signal_strength"] = *sc.SignalStrength
	}
	return j
}
