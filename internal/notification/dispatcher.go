// Package notification implements C6, the NotificationDispatcher. It
// drains a queue of per-alert, per-channel delivery jobs with bounded
// concurrency, retries failures with exponential backoff, trips a
// circuit breaker per channel after sustained failure, and guarantees
// at most one in-flight delivery attempt per alert at a time so an
// alert resolved mid-retry can be cancelled cleanly. The worker-pool
// and semaphore-bounded concurrency shape follows the teacher's
// cmd/workers aggregation worker.
package notification

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
)

// Repository is the persistence boundary for notification jobs;
// satisfied by internal/state's StateStore.
type Repository interface {
	EnqueueJob(ctx context.Context, job domain.NotificationJob) error
	ClaimDueJobs(ctx context.Context, limit int) ([]domain.NotificationJob, error)
	UpdateJob(ctx context.Context, job domain.NotificationJob) error
	CancelJobsForAlert(ctx context.Context, alertID uuid.UUID) error
	// MarkAlertDelivered flips the owning alert's sms_sent/email_sent
	// flag for channel once a job for it reaches JobDelivered.
	MarkAlertDelivered(ctx context.Context, alertID uuid.UUID, channel domain.NotificationChannel) error
}

// Archiver records a terminal delivery attempt for audit, satisfied
// by internal/notification/archive's Mongo-backed store.
type Archiver interface {
	RecordDelivery(ctx context.Context, job domain.NotificationJob, attempt int, err error)
}

// Config bundles the retry/backoff tunables from §6.
type Config struct {
	Parallelism int
	RetryBase   time.Duration
	RetryFactor float64
	RetryJitter float64
	MaxAttempts int
}

// Dispatcher is C6's explicit handle.
type Dispatcher struct {
	repo     Repository
	channels map[domain.NotificationChannel]Channel
	breakers map[domain.NotificationChannel]*gobreaker.CircuitBreaker
	archiver Archiver
	cfg      Config
	logger   *zap.Logger

	mu        sync.Mutex
	inFlight  map[uuid.UUID]context.CancelFunc // one entry per alert currently being dispatched
	alertLock map[uuid.UUID]*sync.Mutex        // serializes deliver() across jobs sharing an AlertID
	sem       chan struct{}
}

// New constructs the Dispatcher with one circuit breaker per channel.
func New(repo Repository, channels map[domain.NotificationChannel]Channel, archiver Archiver, cfg Config, logger *zap.Logger) *Dispatcher {
	breakers := make(map[domain.NotificationChannel]*gobreaker.CircuitBreaker, len(channels))
	for ch := range channels {
		breakers[ch] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(ch),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return &Dispatcher{
		repo:     repo,
		channels: channels,
		breakers: breakers,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
		inFlight:  map[uuid.UUID]context.CancelFunc{},
		alertLock: map[uuid.UUID]*sync.Mutex{},
		sem:       make(chan struct{}, cfg.Parallelism),
	}
}

// lockForAlert returns the mutex serializing deliver calls for alertID,
// creating one on first use. Mirrors ingest.Gateway.lockFor's per-key
// lock registry.
func (d *Dispatcher) lockForAlert(alertID uuid.UUID) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.alertLock[alertID]
	if !ok {
		l = &sync.Mutex{}
		d.alertLock[alertID] = l
	}
	return l
}

// Enqueue persists a new job for delivery; called synchronously from
// C5 when an alert is created or its severity is upgraded.
func (d *Dispatcher) Enqueue(ctx context.Context, job domain.NotificationJob) error {
	return d.repo.EnqueueJob(ctx, job)
}

// Cancel marks every pending job for an alert as cancelled and, if a
// delivery attempt is in flight for that alert, cancels its context so
// the in-progress send is abandoned rather than retried. Called when
// an alert resolves.
func (d *Dispatcher) Cancel(ctx context.Context, alertID uuid.UUID) error {
	d.mu.Lock()
	if cancel, ok := d.inFlight[alertID]; ok {
		cancel()
	}
	d.mu.Unlock()
	return d.repo.CancelJobsForAlert(ctx, alertID)
}

// Run drains due jobs on a ticker until ctx is cancelled, dispatching
// up to Parallelism deliveries concurrently. It returns once every
// outstanding goroutine has finished, so the caller can await a clean
// shutdown.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := d.repo.ClaimDueJobs(ctx, d.cfg.Parallelism*4)
			if err != nil {
				d.logger.Error("failed to claim due notification jobs", zap.Error(err))
				continue
			}
			for _, job := range jobs {
				job := job
				select {
				case d.sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-d.sem }()
					d.deliver(ctx, job)
				}()
			}
		}
	}
}

// deliver attempts one channel send, tracking the alert's in-flight
// cancellation handle so Cancel can abandon it, and reschedules with
// backoff on a retryable failure. Delivery for a given alert is
// serialized by lockForAlert so two jobs sharing an AlertID (e.g. the
// SMS and email jobs enqueueNotifications creates together) never run
// concurrently and clobber each other's inFlight cancel handle.
func (d *Dispatcher) deliver(ctx context.Context, job domain.NotificationJob) {
	alertLock := d.lockForAlert(job.AlertID)
	alertLock.Lock()
	defer alertLock.Unlock()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.inFlight[job.AlertID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, job.AlertID)
		d.mu.Unlock()
	}()

	channel, ok := d.channels[job.Channel]
	if !ok {
		job.Status = domain.JobFailed
		d.finish(ctx, job, 0, domainerr.New("notification.deliver", domainerr.PermanentNotificationFailure))
		return
	}

	breaker := d.breakers[job.Channel]
	providerID, err := breaker.Execute(func() (interface{}, error) {
		return channel.Send(jobCtx, job)
	})

	job.AttemptCount++

	if err == nil {
		job.Status = domain.JobDelivered
		id := providerID.(string)
		job.ProviderID = &id
		if markErr := d.repo.MarkAlertDelivered(ctx, job.AlertID, job.Channel); markErr != nil {
			d.logger.Error("failed to mark alert delivered", zap.Error(markErr))
		}
		d.finish(ctx, job, job.AttemptCount, nil)
		return
	}

	if jobCtx.Err() != nil {
		job.Status = domain.JobCancelled
		d.finish(ctx, job, job.AttemptCount, jobCtx.Err())
		return
	}

	if domainerr.Is(err, domainerr.PermanentNotificationFailure) {
		job.Status = domain.JobFailed
		d.finish(ctx, job, job.AttemptCount, err)
		return
	}

	if job.AttemptCount >= d.cfg.MaxAttempts {
		job.Status = domain.JobFailed
		d.finish(ctx, job, job.AttemptCount, domainerr.Wrap("notification.deliver", domainerr.PermanentNotificationFailure, err))
		return
	}

	job.Status = domain.JobPending
	job.NextAttemptAt = time.Now().UTC().Add(d.backoff(job.AttemptCount))
	if updateErr := d.repo.UpdateJob(ctx, job); updateErr != nil {
		d.logger.Error("failed to persist retry schedule", zap.Error(updateErr))
	}
}

// backoff computes base * factor^(attempt-1) with +/- jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := float64(d.cfg.RetryBase)
	for i := 1; i < attempt; i++ {
		delay *= d.cfg.RetryFactor
	}
	jitter := (rand.Float64()*2 - 1) * d.cfg.RetryJitter
	return time.Duration(delay * (1 + jitter))
}

func (d *Dispatcher) finish(ctx context.Context, job domain.NotificationJob, attempt int, err error) {
	if updateErr := d.repo.UpdateJob(ctx, job); updateErr != nil {
		d.logger.Error("failed to persist terminal job state", zap.Error(updateErr))
	}
	if d.archiver != nil {
		d.archiver.RecordDelivery(ctx, job, attempt, err)
	}
	if err != nil && job.Status == domain.JobFailed {
		d.logger.Warn("notification delivery permanently failed",
			zap.String("alert_id", job.AlertID.String()),
			zap.String("channel", string(job.Channel)),
			zap.Error(err))
	}
}
