// Package ingest implements C8, the IngestGateway: the single
// entrypoint every observation passes through before it is considered
// accepted. It rate-limits per sensor, serializes per-sensor writes so
// the alert evaluator always sees a monotonic stream, and fans out to
// the time store, aggregator, and alert evaluator after a successful
// write.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
)

// Writer is C1's append boundary.
type Writer interface {
	Append(ctx context.Context, obs domain.Observation) (domain.AppendResult, error)
}

// SensorLookup resolves sensor validation metadata.
type SensorLookup interface {
	GetSensor(ctx context.Context, id int64) (*domain.Sensor, error)
}

// Aggregator is C4's feed boundary.
type Aggregator interface {
	Feed(ctx context.Context, kind domain.SensorKind, obs domain.Observation) error
}

// Evaluator is C5's evaluate boundary.
type Evaluator interface {
	Evaluate(ctx context.Context, sensor domain.Sensor, obs domain.Observation) error
}

// Config bundles the rate-limit and deadline tunables from §6.
type Config struct {
	RatePerSensorHz  float64
	BurstPerSensor   int
	EvalDeadline     time.Duration
	MaxDeferredEvals int
}

// deferredEval is an evaluation that missed its deadline on the ingest
// path, held for a retry sweep rather than dropped so a slow
// evaluation still eventually reaches the alert evaluator per §5.
type deferredEval struct {
	sensor domain.Sensor
	obs    domain.Observation
}

// Gateway is C8's explicit handle.
type Gateway struct {
	writer     Writer
	sensors    SensorLookup
	aggregator Aggregator
	evaluator  Evaluator
	cfg        Config
	logger     *zap.Logger

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	locks    map[int64]*sync.Mutex

	deferredMu sync.Mutex
	deferred   []deferredEval
}

// New constructs the IngestGateway.
func New(writer Writer, sensors SensorLookup, aggregator Aggregator, evaluator Evaluator, cfg Config, logger *zap.Logger) *Gateway {
	return &Gateway{
		writer:     writer,
		sensors:    sensors,
		aggregator: aggregator,
		evaluator:  evaluator,
		cfg:        cfg,
		logger:     logger,
		limiters:   map[int64]*rate.Limiter{},
		locks:      map[int64]*sync.Mutex{},
	}
}

// Result is returned from a successful ingest call.
type Result struct {
	Accepted          bool
	AssignedTimestamp time.Time
	Warnings          []string
}

func (g *Gateway) limiterFor(sensorID int64) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[sensorID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.cfg.RatePerSensorHz), g.cfg.BurstPerSensor)
		g.limiters[sensorID] = l
	}
	return l
}

func (g *Gateway) lockFor(sensorID int64) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[sensorID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[sensorID] = l
	}
	return l
}

// Ingest validates, writes, and fans out a single observation. The
// per-sensor lock ensures observations from the same sensor are
// processed strictly in the order Ingest is called for them.
func (g *Gateway) Ingest(ctx context.Context, obs domain.Observation) (Result, error) {
	if !g.limiterFor(obs.SensorID).Allow() {
		return Result{}, domainerr.New("ingest.Ingest", domainerr.RateLimited)
	}

	lock := g.lockFor(obs.SensorID)
	lock.Lock()
	defer lock.Unlock()

	sensor, err := g.sensors.GetSensor(ctx, obs.SensorID)
	if err != nil {
		return Result{}, err
	}

	written, err := g.writer.Append(ctx, obs)
	if err != nil {
		return Result{}, err
	}
	obs.Timestamp = written.AssignedTimestamp
	obs.Late = written.Late

	var warnings []string
	if written.Late {
		warnings = append(warnings, "observation accepted late; affected aggregates scheduled for recompute")
	}

	evalCtx, cancel := context.WithTimeout(ctx, g.cfg.EvalDeadline)
	defer cancel()

	var wg sync.WaitGroup
	var aggErr, evalErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		aggErr = g.aggregator.Feed(evalCtx, sensor.Kind, obs)
	}()
	go func() {
		defer wg.Done()
		evalErr = g.evaluator.Evaluate(evalCtx, *sensor, obs)
	}()
	wg.Wait()

	if aggErr != nil {
		g.logger.Error("aggregator feed failed on ingest path", zap.Int64("sensor_id", obs.SensorID), zap.Error(aggErr))
	}
	if evalErr != nil {
		if evalCtx.Err() != nil {
			warnings = append(warnings, "alert evaluation deferred: deadline exceeded")
			g.logger.Warn("alert evaluation deferred, scheduling retry", zap.Int64("sensor_id", obs.SensorID))
			g.scheduleRetry(*sensor, obs)
		} else {
			g.logger.Error("alert evaluation failed on ingest path", zap.Int64("sensor_id", obs.SensorID), zap.Error(evalErr))
			warnings = append(warnings, fmt.Sprintf("alert evaluation deferred: %v", evalErr))
			g.scheduleRetry(*sensor, obs)
		}
	}

	return Result{Accepted: true, AssignedTimestamp: obs.Timestamp, Warnings: warnings}, nil
}

// scheduleRetry enqueues an evaluation that missed its deadline for the
// next RetryDeferredEvaluations sweep. The queue is bounded; once full,
// the oldest deferred evaluation is dropped and logged rather than
// growing unboundedly under sustained evaluator slowness.
func (g *Gateway) scheduleRetry(sensor domain.Sensor, obs domain.Observation) {
	limit := g.cfg.MaxDeferredEvals
	if limit <= 0 {
		limit = 10_000
	}

	g.deferredMu.Lock()
	defer g.deferredMu.Unlock()
	if len(g.deferred) >= limit {
		dropped := g.deferred[0]
		g.deferred = g.deferred[1:]
		g.logger.Error("deferred evaluation queue full, dropping oldest entry",
			zap.Int64("sensor_id", dropped.sensor.ID))
	}
	g.deferred = append(g.deferred, deferredEval{sensor: sensor, obs: obs})
}

// RetryDeferredEvaluations drains every evaluation queued by a prior
// deadline miss and re-runs it against the alert evaluator. Evaluations
// that fail again are re-queued for the next sweep rather than
// dropped, so a sensor's alerting eventually catches up once the
// evaluator recovers.
func (g *Gateway) RetryDeferredEvaluations(ctx context.Context) {
	g.deferredMu.Lock()
	pending := g.deferred
	g.deferred = nil
	g.deferredMu.Unlock()

	if len(pending) == 0 {
		return
	}

	var stillPending []deferredEval
	for _, d := range pending {
		evalCtx, cancel := context.WithTimeout(ctx, g.cfg.EvalDeadline)
		err := g.evaluator.Evaluate(evalCtx, d.sensor, d.obs)
		cancel()
		if err != nil {
			g.logger.Warn("deferred alert evaluation retry failed, re-queuing",
				zap.Int64("sensor_id", d.sensor.ID), zap.Error(err))
			stillPending = append(stillPending, d)
			continue
		}
		g.logger.Info("deferred alert evaluation completed", zap.Int64("sensor_id", d.sensor.ID))
	}

	if len(stillPending) > 0 {
		g.deferredMu.Lock()
		g.deferred = append(stillPending, g.deferred...)
		g.deferredMu.Unlock()
	}
}
