package notification_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
	"github.com/carbonscribe/sentinel-core/internal/notification"
)

type fakeRepo struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]domain.NotificationJob
	cancelled map[uuid.UUID]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[uuid.UUID]domain.NotificationJob{}, cancelled: map[uuid.UUID]bool{}}
}

func (f *fakeRepo) EnqueueJob(ctx context.Context, job domain.NotificationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeRepo) ClaimDueJobs(ctx context.Context, limit int) ([]domain.NotificationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []domain.NotificationJob
	now := time.Now().UTC()
	for _, j := range f.jobs {
		if j.Status == domain.JobPending && !j.NextAttemptAt.After(now.Add(time.Second)) {
			due = append(due, j)
		}
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (f *fakeRepo) UpdateJob(ctx context.Context, job domain.NotificationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeRepo) MarkAlertDelivered(ctx context.Context, alertID uuid.UUID, channel domain.NotificationChannel) error {
	return nil
}

func (f *fakeRepo) CancelJobsForAlert(ctx context.Context, alertID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[alertID] = true
	for id, j := range f.jobs {
		if j.AlertID == alertID {
			j.Status = domain.JobCancelled
			f.jobs[id] = j
		}
	}
	return nil
}

type fakeChannel struct {
	mu        sync.Mutex
	failUntil int
	calls     int
}

func (c *fakeChannel) Send(ctx context.Context, job domain.NotificationJob) (string, error) {
	c.mu.Lock()
	c.calls++
	attempt := c.calls
	c.mu.Unlock()
	if attempt <= c.failUntil {
		return "", errors.New("transient failure")
	}
	return "provider-123", nil
}

func testConfig() notification.Config {
	return notification.Config{Parallelism: 2, RetryBase: time.Millisecond, RetryFactor: 2, RetryJitter: 0, MaxAttempts: 5}
}

func TestDispatcher_DeliversSuccessfully(t *testing.T) {
	repo := newFakeRepo()
	ch := &fakeChannel{}
	d := notification.New(repo, map[domain.NotificationChannel]notification.Channel{domain.ChannelSMS: ch}, nil, testConfig(), zap.NewNop())

	alertID := uuid.New()
	job := domain.NotificationJob{ID: uuid.New(), AlertID: alertID, Channel: domain.ChannelSMS, Recipient: "+15551234567", Status: domain.JobPending, NextAttemptAt: time.Now().UTC()}
	require.NoError(t, d.Enqueue(context.Background(), job))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go d.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.jobs[job.ID].Status == domain.JobDelivered
	}, 400*time.Millisecond, 10*time.Millisecond)
}

func TestDispatcher_RetriesOnTransientFailure(t *testing.T) {
	repo := newFakeRepo()
	ch := &fakeChannel{failUntil: 2}
	d := notification.New(repo, map[domain.NotificationChannel]notification.Channel{domain.ChannelSMS: ch}, nil, testConfig(), zap.NewNop())

	alertID := uuid.New()
	job := domain.NotificationJob{ID: uuid.New(), AlertID: alertID, Channel: domain.ChannelSMS, Recipient: "+15551234567", Status: domain.JobPending, NextAttemptAt: time.Now().UTC()}
	require.NoError(t, d.Enqueue(context.Background(), job))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go d.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.jobs[job.ID].Status == domain.JobDelivered
	}, 900*time.Millisecond, 10*time.Millisecond)

	assert.GreaterOrEqual(t, ch.calls, 3)
}

func TestDispatcher_PermanentFailureAfterMaxAttempts(t *testing.T) {
	repo := newFakeRepo()
	ch := &fakeChannel{failUntil: 1000}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	d := notification.New(repo, map[domain.NotificationChannel]notification.Channel{domain.ChannelSMS: ch}, nil, cfg, zap.NewNop())

	alertID := uuid.New()
	job := domain.NotificationJob{ID: uuid.New(), AlertID: alertID, Channel: domain.ChannelSMS, Recipient: "+15551234567", Status: domain.JobPending, NextAttemptAt: time.Now().UTC()}
	require.NoError(t, d.Enqueue(context.Background(), job))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go d.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.jobs[job.ID].Status == domain.JobFailed
	}, 400*time.Millisecond, 10*time.Millisecond)
}

type permanentFailChannel struct {
	mu    sync.Mutex
	calls int
}

func (c *permanentFailChannel) Send(ctx context.Context, job domain.NotificationJob) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return "", domainerr.Wrap("notification.Send", domainerr.PermanentNotificationFailure, errors.New("malformed phone number"))
}

func TestDispatcher_PermanentFailureSkipsRetry(t *testing.T) {
	repo := newFakeRepo()
	ch := &permanentFailChannel{}
	cfg := testConfig()
	cfg.MaxAttempts = 5
	d := notification.New(repo, map[domain.NotificationChannel]notification.Channel{domain.ChannelSMS: ch}, nil, cfg, zap.NewNop())

	alertID := uuid.New()
	job := domain.NotificationJob{ID: uuid.New(), AlertID: alertID, Channel: domain.ChannelSMS, Recipient: "not-a-number", Status: domain.JobPending, NextAttemptAt: time.Now().UTC()}
	require.NoError(t, d.Enqueue(context.Background(), job))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go d.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.jobs[job.ID].Status == domain.JobFailed
	}, 250*time.Millisecond, 10*time.Millisecond)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Equal(t, 1, ch.calls, "a permanent error must fail on the first attempt, not burn retry cycles")
}

type overlapChannel struct {
	mu         sync.Mutex
	inProgress bool
	overlapped bool
}

func (c *overlapChannel) Send(ctx context.Context, job domain.NotificationJob) (string, error) {
	c.mu.Lock()
	if c.inProgress {
		c.overlapped = true
	}
	c.inProgress = true
	c.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	c.mu.Lock()
	c.inProgress = false
	c.mu.Unlock()
	return "provider-123", nil
}

// TestDispatcher_SerializesJobsForSameAlert covers the SMS+Email jobs
// enqueueNotifications creates together for a single alert: both can be
// claimed in the same ClaimDueJobs batch, and without per-alert
// serialization they'd run deliver() concurrently, with the second
// job's cancel func silently clobbering the first's in d.inFlight.
func TestDispatcher_SerializesJobsForSameAlert(t *testing.T) {
	repo := newFakeRepo()
	ch := &overlapChannel{}
	cfg := testConfig()
	cfg.Parallelism = 4
	d := notification.New(repo, map[domain.NotificationChannel]notification.Channel{
		domain.ChannelSMS:   ch,
		domain.ChannelEmail: ch,
	}, nil, cfg, zap.NewNop())

	alertID := uuid.New()
	smsJob := domain.NotificationJob{ID: uuid.New(), AlertID: alertID, Channel: domain.ChannelSMS, Recipient: "+15551234567", Status: domain.JobPending, NextAttemptAt: time.Now().UTC()}
	emailJob := domain.NotificationJob{ID: uuid.New(), AlertID: alertID, Channel: domain.ChannelEmail, Recipient: "ops@example.com", Status: domain.JobPending, NextAttemptAt: time.Now().UTC()}
	require.NoError(t, d.Enqueue(context.Background(), smsJob))
	require.NoError(t, d.Enqueue(context.Background(), emailJob))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go d.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.jobs[smsJob.ID].Status == domain.JobDelivered && repo.jobs[emailJob.ID].Status == domain.JobDelivered
	}, 1500*time.Millisecond, 10*time.Millisecond)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.False(t, ch.overlapped, "deliveries for the same alert must be serialized, not run concurrently")
}

func TestDispatcher_CancelMarksJobsCancelled(t *testing.T) {
	repo := newFakeRepo()
	alertID := uuid.New()
	job := domain.NotificationJob{ID: uuid.New(), AlertID: alertID, Channel: domain.ChannelSMS, Status: domain.JobPending, NextAttemptAt: time.Now().UTC()}
	require.NoError(t, repo.EnqueueJob(context.Background(), job))

	d := notification.New(repo, map[domain.NotificationChannel]notification.Channel{}, nil, testConfig(), zap.NewNop())
	require.NoError(t, d.Cancel(context.Background(), alertID))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, domain.JobCancelled, repo.jobs[job.ID].Status)
	assert.True(t, repo.cancelled[alertID])
}
