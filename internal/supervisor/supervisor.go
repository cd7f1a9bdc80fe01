// Package supervisor owns the long-lived background loops every
// subsystem needs once it is no longer a module-global singleton: the
// aggregator's recompute sweep, the daily-bucket flush, the
// notification dispatcher's claim loop, chunk archival, and the
// deferred-evaluation retry sweep. Each loop records its own status in
// a HealthReporter as it runs; there is no separate health-check loop,
// and Config.HealthCheckInterval is not read. cmd/sentinel-worker
// starts every loop except the retry sweep; cmd/sentinel-api starts all
// of them, so a single-process deployment still delivers
// notifications. The supervisor cancels every loop on
// shutdown, the redesign §9 calls for in place of the source's
// singleton service objects.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/carbonscribe/sentinel-core/internal/domain"
)

// Aggregator is the subset of C4 the supervisor schedules.
type Aggregator interface {
	Recompute(ctx context.Context)
	FlushDaily(ctx context.Context, sensorID int64) error
}

// Dispatcher is the subset of C6 the supervisor runs.
type Dispatcher interface {
	Run(ctx context.Context, interval time.Duration)
}

// EvalRetrier is the subset of C8 the supervisor sweeps to re-run alert
// evaluations that missed their deadline on the ingest path.
type EvalRetrier interface {
	RetryDeferredEvaluations(ctx context.Context)
}

// Archiver is the subset of C1 the supervisor schedules for cold
// archival of sealed chunks.
type Archiver interface {
	ArchiveClosedChunks(ctx context.Context) error
}

// SensorLister resolves the sensors the supervisor sweeps daily
// buckets for.
type SensorLister interface {
	ListSensors(ctx context.Context, kind *domain.SensorKind) ([]domain.Sensor, error)
}

// Config bundles the supervisor's own scheduling tunables; these are
// not part of §6's enumerated configuration because they govern
// background cadence rather than request-path behavior.
type Config struct {
	RecomputeInterval    time.Duration
	DispatchInterval     time.Duration
	ArchiveCron          string // cron expression, e.g. "0 3 * * *"
	DailyFlushCron       string
	HealthCheckInterval  time.Duration
	EvalRetryInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		RecomputeInterval:   time.Minute,
		DispatchInterval:    2 * time.Second,
		ArchiveCron:         "0 3 * * *",
		DailyFlushCron:      "5 0 * * *",
		HealthCheckInterval: 30 * time.Second,
		EvalRetryInterval:   15 * time.Second,
	}
}

// HealthReporter records subsystem health; the supervisor marks a
// component unhealthy as soon as one iteration of its loop fails,
// surfaced per §7's "propagation policy" ("storage faults inside
// background recompute loops are logged and retried; they never
// propagate to ingest callers").
type HealthReporter interface {
	ReportHealthy(component string)
	ReportUnhealthy(component string, err error)
}

// HealthRegistry is the default HealthReporter: an in-memory map of
// component name to last-seen status, read by the API process's
// /health endpoint.
type HealthRegistry struct {
	mu     sync.Mutex
	status map[string]string
}

// NewHealthRegistry constructs an empty HealthRegistry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{status: map[string]string{}}
}

func (h *HealthRegistry) ReportHealthy(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[component] = "healthy"
}

func (h *HealthRegistry) ReportUnhealthy(component string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[component] = "unhealthy: " + err.Error()
}

// Snapshot returns a copy of the current per-component status map.
func (h *HealthRegistry) Snapshot() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.status))
	for k, v := range h.status {
		out[k] = v
	}
	return out
}

// Supervisor owns every background loop's lifecycle.
type Supervisor struct {
	logger     *zap.Logger
	cfg        Config
	cron       *cron.Cron
	health     HealthReporter
	wg         sync.WaitGroup
	cancelFns  []context.CancelFunc
	mu         sync.Mutex
}

// New constructs a Supervisor. health may be nil, in which case health
// reporting is a no-op.
func New(logger *zap.Logger, cfg Config, health HealthReporter) *Supervisor {
	return &Supervisor{
		logger: logger,
		cfg:    cfg,
		cron:   cron.New(),
		health: health,
	}
}

func (s *Supervisor) reportHealthy(component string) {
	if s.health != nil {
		s.health.ReportHealthy(component)
	}
}

func (s *Supervisor) reportUnhealthy(component string, err error) {
	if s.health != nil {
		s.health.ReportUnhealthy(component, err)
	}
}

// StartAggregatorSweep runs the recompute sweep on a ticker for the
// lifetime of ctx, coalescing pending late-point buckets per §4.4.
func (s *Supervisor) StartAggregatorSweep(ctx context.Context, agg Aggregator) {
	ctx, cancel := context.WithCancel(ctx)
	s.track(cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.RecomputeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				agg.Recompute(ctx)
				s.reportHealthy("aggregator_recompute")
			}
		}
	}()
}

// StartDailyFlush registers a cron job that flushes each sensor's
// in-memory daily accumulator to storage at day rollover.
func (s *Supervisor) StartDailyFlush(ctx context.Context, agg Aggregator, sensors SensorLister) error {
	_, err := s.cron.AddFunc(s.cfg.DailyFlushCron, func() {
		sensorList, err := sensors.ListSensors(ctx, nil)
		if err != nil {
			s.logger.Error("daily flush: failed to list sensors", zap.Error(err))
			s.reportUnhealthy("daily_flush", err)
			return
		}
		for _, sensor := range sensorList {
			if err := agg.FlushDaily(ctx, sensor.ID); err != nil {
				s.logger.Error("daily flush failed for sensor", zap.Int64("sensor_id", sensor.ID), zap.Error(err))
			}
		}
		s.reportHealthy("daily_flush")
	})
	return err
}

// StartArchiveSweep registers a cron job that uploads sealed chunks to
// cold storage past the closure horizon.
func (s *Supervisor) StartArchiveSweep(ctx context.Context, store Archiver) error {
	_, err := s.cron.AddFunc(s.cfg.ArchiveCron, func() {
		if err := store.ArchiveClosedChunks(ctx); err != nil {
			s.logger.Error("chunk archival failed", zap.Error(err))
			s.reportUnhealthy("chunk_archive", err)
			return
		}
		s.reportHealthy("chunk_archive")
	})
	return err
}

// StartDispatcher runs the notification dispatcher's claim/deliver
// loop for the lifetime of ctx.
func (s *Supervisor) StartDispatcher(ctx context.Context, dispatcher Dispatcher) {
	ctx, cancel := context.WithCancel(ctx)
	s.track(cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dispatcher.Run(ctx, s.cfg.DispatchInterval)
	}()
}

// StartEvalRetrySweep runs the deferred-evaluation retry sweep on a
// ticker for the lifetime of ctx, re-running alert evaluations that
// missed their deadline on the ingest path per §5.
func (s *Supervisor) StartEvalRetrySweep(ctx context.Context, gateway EvalRetrier) {
	ctx, cancel := context.WithCancel(ctx)
	s.track(cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.EvalRetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gateway.RetryDeferredEvaluations(ctx)
				s.reportHealthy("eval_retry_sweep")
			}
		}
	}()
}

func (s *Supervisor) track(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelFns = append(s.cancelFns, cancel)
	s.mu.Unlock()
}

// Start launches the cron scheduler; call once all jobs have been
// registered via the Start* methods above.
func (s *Supervisor) Start() {
	s.cron.Start()
}

// Shutdown cancels every running loop, stops the cron scheduler, and
// waits up to timeout for goroutines to exit cleanly.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	for _, cancel := range s.cancelFns {
		cancel()
	}
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(timeout):
		s.logger.Warn("cron jobs did not finish before shutdown timeout")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("background loops did not finish before shutdown timeout")
	}
}
