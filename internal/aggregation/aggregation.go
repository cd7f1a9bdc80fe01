// Package aggregation implements C4, the AggregatorEngine. It keeps
// hourly and daily rolling statistics per sensor using Welford's
// online algorithm and coalesces late-point recomputes per bucket. Its
// recompute sweep and daily flush are driven by internal/supervisor's
// ticker and cron jobs rather than an owned loop, the way the
// teacher's cmd/workers aggregation worker is generalized into an
// explicit handle instead of a package-level singleton.
package aggregation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carbonscribe/sentinel-core/internal/alerting"
	"github.com/carbonscribe/sentinel-core/internal/domain"
)

// Repository is the persistence boundary for aggregates; satisfied by
// internal/state's sqlx-backed StateStore, kept as a local interface
// so this package never imports internal/state directly.
type Repository interface {
	UpsertHourly(ctx context.Context, agg domain.HourlyAggregate) error
	UpsertDaily(ctx context.Context, agg domain.DailyAggregate) error
	GetHourly(ctx context.Context, sensorID int64, t0, t1 time.Time) ([]domain.HourlyAggregate, error)
	GetDaily(ctx context.Context, sensorID int64, t0, t1 time.Time) ([]domain.DailyAggregate, error)
	RangeObservations(ctx context.Context, sensorID int64, t0, t1 time.Time) ([]domain.Observation, error)
}

type bucketKey struct {
	sensorID    int64
	bucketStart time.Time
}

// obsKey identifies an individual observation within a bucket by the
// same (sensor, timestamp, value) tuple the time store treats as the
// same reading, so a re-fed observation is recognized as a duplicate
// rather than applied to the running statistics a second time.
type obsKey struct {
	ts    int64
	value float64
}

func keyFor(obs domain.Observation) obsKey {
	return obsKey{ts: obs.Timestamp.UTC().UnixNano(), value: obs.Value}
}

// hourlyBucket pairs a bucket's running statistics with the set of
// observations already folded into it.
type hourlyBucket struct {
	w       *welford
	applied map[obsKey]struct{}
}

// Engine is C4's explicit handle: constructed once, started by the
// supervisor, fed continuously from the ingest path.
type Engine struct {
	repo   Repository
	logger *zap.Logger

	thresholds map[string]float64 // sensor kind -> hours_over_threshold limit

	mu      sync.Mutex
	hourly  map[bucketKey]*hourlyBucket
	daily   map[bucketKey]*dailyAccumulator
	pending map[bucketKey]struct{} // buckets awaiting recompute from late points
}

type dailyAccumulator struct {
	welford
	bucketStart  time.Time
	minAt, maxAt time.Time
	hoursOver    map[int]struct{}
	applied      map[obsKey]struct{}
}

// New constructs the AggregatorEngine with per-sensor-kind hour-over
// thresholds.
func New(repo Repository, logger *zap.Logger, thresholds map[string]float64) *Engine {
	return &Engine{
		repo:       repo,
		logger:     logger,
		thresholds: thresholds,
		hourly:     map[bucketKey]*hourlyBucket{},
		daily:      map[bucketKey]*dailyAccumulator{},
		pending:    map[bucketKey]struct{}{},
	}
}

func hourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func dayBucket(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Feed updates the affected hour and day buckets for an accepted
// observation. Re-feeding an observation already applied to its hour
// bucket — same sensor, timestamp, and value — is a no-op, so replays
// and at-least-once redelivery never double-count a reading. Late
// observations are additionally scheduled for a full-bucket recompute
// so the materialized aggregate stays correct after a quiet period
// beyond the lateness horizon; multiple late points against the same
// bucket coalesce into a single pending entry.
func (e *Engine) Feed(ctx context.Context, kind domain.SensorKind, obs domain.Observation) error {
	key := keyFor(obs)

	e.mu.Lock()
	hKey := bucketKey{sensorID: obs.SensorID, bucketStart: hourBucket(obs.Timestamp)}
	hb, ok := e.hourly[hKey]
	if !ok {
		hb = &hourlyBucket{w: &welford{}, applied: map[obsKey]struct{}{}}
		e.hourly[hKey] = hb
	}
	if _, dup := hb.applied[key]; dup {
		e.mu.Unlock()
		return nil
	}
	hb.applied[key] = struct{}{}
	hb.w.add(obs.Value)

	dStart := dayBucket(obs.Timestamp)
	dKey := bucketKey{sensorID: obs.SensorID, bucketStart: dStart}
	dAcc, ok := e.daily[dKey]
	if !ok {
		dAcc = &dailyAccumulator{bucketStart: dStart, hoursOver: map[int]struct{}{}, applied: map[obsKey]struct{}{}}
		e.daily[dKey] = dAcc
	}
	if _, dup := dAcc.applied[key]; !dup {
		dAcc.applied[key] = struct{}{}
		wasFirst := dAcc.count == 0
		prevMin, prevMax := dAcc.min, dAcc.max
		dAcc.add(obs.Value)
		if wasFirst || obs.Value < prevMin || (obs.Value == prevMin && obs.Timestamp.Before(dAcc.minAt)) {
			dAcc.minAt = obs.Timestamp
		}
		if wasFirst || obs.Value > prevMax || (obs.Value == prevMax && obs.Timestamp.Before(dAcc.maxAt)) {
			dAcc.maxAt = obs.Timestamp
		}

		if limit, ok := e.thresholds[string(kind)]; ok && obs.Value > limit {
			dAcc.hoursOver[obs.Timestamp.UTC().Hour()] = struct{}{}
		}
	}

	if obs.Late {
		e.pending[hKey] = struct{}{}
	}
	e.mu.Unlock()

	return e.flushHourly(ctx, hKey, hb.w)
}

func (e *Engine) flushHourly(ctx context.Context, key bucketKey, w *welford) error {
	e.mu.Lock()
	agg := domain.HourlyAggregate{
		SensorID:    key.sensorID,
		BucketStart: key.bucketStart,
		Mean:        w.mean,
		Min:         w.min,
		Max:         w.max,
		Count:       w.count,
		PopStdDev:   w.populationStdDev(),
	}
	e.mu.Unlock()
	return e.repo.UpsertHourly(ctx, agg)
}

// Hourly returns the hourly aggregates for sensorID overlapping [t0,t1].
func (e *Engine) Hourly(ctx context.Context, sensorID int64, t0, t1 time.Time) ([]domain.HourlyAggregate, error) {
	return e.repo.GetHourly(ctx, sensorID, t0, t1)
}

// Daily returns the daily aggregates for sensorID overlapping [t0,t1].
func (e *Engine) Daily(ctx context.Context, sensorID int64, t0, t1 time.Time) ([]domain.DailyAggregate, error) {
	return e.repo.GetDaily(ctx, sensorID, t0, t1)
}

// Recompute runs a full re-scan of every coalesced pending bucket and
// atomically replaces the persisted aggregate row, making the
// recompute idempotent under replay. Persistent per-bucket failure is
// logged and left pending for the next sweep rather than propagated to
// the caller; it is not reported to system health, since Recompute
// returns nothing for the sweep to record.
func (e *Engine) Recompute(ctx context.Context) {
	e.mu.Lock()
	keys := make([]bucketKey, 0, len(e.pending))
	for k := range e.pending {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	for _, key := range keys {
		if err := e.recomputeBucket(ctx, key); err != nil {
			e.logger.Error("bucket recompute failed, retrying next sweep",
				zap.Int64("sensor_id", key.sensorID),
				zap.Time("bucket_start", key.bucketStart),
				zap.Error(err))
			continue
		}
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
	}
}

func (e *Engine) recomputeBucket(ctx context.Context, key bucketKey) error {
	observations, err := e.repo.RangeObservations(ctx, key.sensorID, key.bucketStart, key.bucketStart.Add(time.Hour))
	if err != nil {
		return fmt.Errorf("failed to range observations for recompute: %w", err)
	}

	w := &welford{}
	applied := make(map[obsKey]struct{}, len(observations))
	for _, obs := range observations {
		w.add(obs.Value)
		applied[keyFor(obs)] = struct{}{}
	}

	e.mu.Lock()
	e.hourly[key] = &hourlyBucket{w: w, applied: applied}
	e.mu.Unlock()

	return e.repo.UpsertHourly(ctx, domain.HourlyAggregate{
		SensorID:    key.sensorID,
		BucketStart: key.bucketStart,
		Mean:        w.mean,
		Min:         w.min,
		Max:         w.max,
		Count:       w.count,
		PopStdDev:   w.populationStdDev(),
	})
}

// HourStats implements internal/alerting.StatsSource: the in-progress
// hour bucket's running mean/stddev for sensorID at the bucket
// containing at. Ready is false until the bucket has accumulated
// enough points to make a z-score meaningful.
func (e *Engine) HourStats(ctx context.Context, sensorID int64, at time.Time) alerting.RecentStats {
	e.mu.Lock()
	hb, ok := e.hourly[bucketKey{sensorID: sensorID, bucketStart: hourBucket(at)}]
	e.mu.Unlock()
	if !ok || hb.w.count < 2 {
		return alerting.RecentStats{}
	}
	return alerting.RecentStats{Mean: hb.w.mean, StdDev: hb.w.populationStdDev(), Ready: true}
}

// FlushDaily persists every in-memory daily accumulator currently held
// for a sensor. Accumulators are keyed by (sensorID, bucketStart)
// rather than sensorID alone, so this may be more than one bucket: the
// day that just rolled over, plus any earlier day a late cross-day
// observation opened a separate accumulator for instead of clobbering
// the then-current day's in-progress one. Each is upserted
// independently and left in memory afterward — a later Feed for the
// same bucket, or a later sweep, simply overwrites the persisted row
// again, so this is safe to call repeatedly. Called by the scheduled
// sweep at day rollover. A bucket that fails to persist is logged,
// stays in memory for the next sweep to retry, and does not stop the
// remaining buckets; the first such error is returned to the caller.
func (e *Engine) FlushDaily(ctx context.Context, sensorID int64) error {
	e.mu.Lock()
	var accs []*dailyAccumulator
	for k, acc := range e.daily {
		if k.sensorID == sensorID {
			accs = append(accs, acc)
		}
	}
	e.mu.Unlock()

	var firstErr error
	for _, acc := range accs {
		agg := domain.DailyAggregate{
			SensorID:           sensorID,
			BucketStart:        acc.bucketStart,
			Mean:               acc.mean,
			Min:                acc.min,
			Max:                acc.max,
			Count:              acc.count,
			PopStdDev:          acc.populationStdDev(),
			MinAt:              acc.minAt,
			MaxAt:              acc.maxAt,
			HoursOverThreshold: len(acc.hoursOver),
		}
		if err := e.repo.UpsertDaily(ctx, agg); err != nil {
			e.logger.Error("daily flush failed, retrying next sweep",
				zap.Int64("sensor_id", sensorID), zap.Time("bucket_start", acc.bucketStart), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
