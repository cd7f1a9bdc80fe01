package alerting_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carbonscribe/sentinel-core/internal/alerting"
	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/geoindex"
)

type fakeRepo struct {
	byID     map[uuid.UUID]*domain.Alert
	creates  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: map[uuid.UUID]*domain.Alert{}}
}

func (f *fakeRepo) GetActiveAlert(ctx context.Context, sensorID int64, rule domain.RuleKind) (*domain.Alert, error) {
	for _, a := range f.byID {
		if a.SensorID == sensorID && a.Rule == rule && a.State != domain.AlertResolved {
			return a, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) GetAlert(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	return f.byID[id], nil
}

func (f *fakeRepo) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	f.byID[alert.ID] = alert
	f.creates++
	return nil
}

func (f *fakeRepo) UpdateAlertCAS(ctx context.Context, alert *domain.Alert) error {
	f.byID[alert.ID] = alert
	return nil
}

type fakeNotifier struct {
	jobs      []domain.NotificationJob
	cancelled []uuid.UUID
}

func (f *fakeNotifier) Enqueue(ctx context.Context, job domain.NotificationJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeNotifier) Cancel(ctx context.Context, alertID uuid.UUID) error {
	f.cancelled = append(f.cancelled, alertID)
	return nil
}

type fakeRecipients struct{}

func (fakeRecipients) For(rule domain.RuleKind, severity domain.Severity) []alerting.Recipient {
	return []alerting.Recipient{{Channel: domain.ChannelSMS, Address: "+15551234567"}}
}

type fakeStats struct {
	stats alerting.RecentStats
}

func (f fakeStats) HourStats(ctx context.Context, sensorID int64, at time.Time) alerting.RecentStats {
	return f.stats
}

type fakeFeed struct {
	events []string
}

func (f *fakeFeed) Publish(eventType string, alert domain.Alert) {
	f.events = append(f.events, eventType)
}

func testConfig() alerting.Config {
	return alerting.Config{
		Thresholds: map[domain.SensorKind]alerting.Thresholds{
			domain.SensorTemperature: {Min: 0, Max: 35, Critical: 40},
		},
		RapidChangeK:      3.0,
		RapidChangeCritK:  5.0,
		SustainedFor:      10 * time.Minute,
		HysteresisFor:     10 * time.Minute,
		ShelterCandidates: 3,
	}
}

func testSensor() domain.Sensor {
	return domain.Sensor{ID: 1, Kind: domain.SensorTemperature, Location: domain.Location{Lon: -122.4, Lat: 37.7}}
}

func shelterIndex(hasCapacity bool) *geoindex.Index {
	idx := geoindex.New()
	shelter := domain.Shelter{ID: 99, State: domain.ShelterAvailable, CapacityMax: 10, CapacityCurrent: 0}
	if !hasCapacity {
		shelter.CapacityCurrent = 10
	}
	idx.Upsert(geoindex.Entity{ID: 99, Kind: "shelter", Location: domain.Location{Lon: -122.41, Lat: 37.71}, Shelter: &shelter})
	return idx
}

func TestEvaluate_HeatExtremeRequiresSustainedDuration(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	feed := &fakeFeed{}
	ev := alerting.New(repo, shelterIndex(true), notifier, fakeRecipients{}, fakeStats{}, feed, testConfig(), zap.NewNop())

	sensor := testSensor()
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base, Value: 38}))
	assert.Equal(t, 0, repo.creates, "alert should not fire before the sustained duration elapses")

	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base.Add(11 * time.Minute), Value: 38}))
	assert.Equal(t, 1, repo.creates, "alert should fire once sustained past the configured duration")
	require.Len(t, notifier.jobs, 1)
	assert.Equal(t, domain.ChannelSMS, notifier.jobs[0].Channel)
	assert.Equal(t, []string{"alert_created"}, feed.events, "a new alert must be broadcast to the operator feed")
}

func TestEvaluate_HeatExtremeCriticalSeverity(t *testing.T) {
	repo := newFakeRepo()
	ev := alerting.New(repo, shelterIndex(true), &fakeNotifier{}, fakeRecipients{}, fakeStats{}, nil, testConfig(), zap.NewNop())

	sensor := testSensor()
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base, Value: 42}))
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base.Add(11 * time.Minute), Value: 42}))

	require.Equal(t, 1, repo.creates)
	for _, a := range repo.byID {
		assert.Equal(t, domain.SeverityCritical, a.Severity)
	}
}

func TestEvaluate_SeverityUpgradeRegeneratesMessageOnReenqueue(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	ev := alerting.New(repo, shelterIndex(true), notifier, fakeRecipients{}, fakeStats{}, nil, testConfig(), zap.NewNop())

	sensor := testSensor()
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base, Value: 38}))
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base.Add(11 * time.Minute), Value: 38}))
	require.Len(t, notifier.jobs, 1)
	assert.Contains(t, notifier.jobs[0].Body, "severity=high")

	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base.Add(12 * time.Minute), Value: 42}))
	require.Len(t, notifier.jobs, 2, "a severity upgrade must enqueue one additional job")
	assert.Contains(t, notifier.jobs[1].Body, "severity=critical", "the re-enqueued job must reflect the upgraded severity, not the stale original body")
}

func TestEvaluate_DedupesActiveAlertPerSensorRule(t *testing.T) {
	repo := newFakeRepo()
	ev := alerting.New(repo, shelterIndex(true), &fakeNotifier{}, fakeRecipients{}, fakeStats{}, nil, testConfig(), zap.NewNop())

	sensor := testSensor()
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{
			SensorID: 1, Timestamp: base.Add(time.Duration(i) * 5 * time.Minute), Value: 38,
		}))
	}
	assert.Equal(t, 1, repo.creates, "repeated breaches must not create a second alert for the same sensor/rule")
}

func TestEvaluate_ResolvesAfterHysteresisWindow(t *testing.T) {
	repo := newFakeRepo()
	feed := &fakeFeed{}
	notifier := &fakeNotifier{}
	ev := alerting.New(repo, shelterIndex(true), notifier, fakeRecipients{}, fakeStats{}, feed, testConfig(), zap.NewNop())

	sensor := testSensor()
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base, Value: 38}))
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base.Add(11 * time.Minute), Value: 38}))
	require.Equal(t, 1, repo.creates)

	var alertID uuid.UUID
	for id, a := range repo.byID {
		alertID = id
		_ = a
	}

	cooled := base.Add(12 * time.Minute)
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: cooled, Value: 20}))
	assert.Equal(t, domain.AlertActive, repo.byID[alertID].State, "must not resolve before hysteresis window elapses")

	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: cooled.Add(11 * time.Minute), Value: 20}))
	assert.Equal(t, domain.AlertResolved, repo.byID[alertID].State)
	assert.Equal(t, []string{"alert_created", "alert_resolved"}, feed.events)
	require.Len(t, notifier.cancelled, 1, "an automatic resolve must cancel the alert's pending notification jobs")
	assert.Equal(t, alertID, notifier.cancelled[0])
}

func TestEvaluate_RapidChangeUsesHourlyStats(t *testing.T) {
	repo := newFakeRepo()
	stats := fakeStats{stats: alerting.RecentStats{Mean: 20, StdDev: 2, Ready: true}}
	ev := alerting.New(repo, shelterIndex(true), &fakeNotifier{}, fakeRecipients{}, stats, nil, testConfig(), zap.NewNop())

	sensor := testSensor()
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: time.Now().UTC(), Value: 30}))

	found := false
	for _, a := range repo.byID {
		if a.Rule == domain.RuleRapidChange {
			found = true
		}
	}
	assert.True(t, found, "a 5-stddev deviation must trigger rapid_change")
}

func TestEvaluate_RapidChangeRequiresHysteresisBeforeResolving(t *testing.T) {
	repo := newFakeRepo()
	stats := fakeStats{stats: alerting.RecentStats{Mean: 20, StdDev: 2, Ready: true}}
	notifier := &fakeNotifier{}
	ev := alerting.New(repo, shelterIndex(true), notifier, fakeRecipients{}, stats, nil, testConfig(), zap.NewNop())

	sensor := testSensor()
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base, Value: 30}))

	var alertID uuid.UUID
	for id, a := range repo.byID {
		if a.Rule == domain.RuleRapidChange {
			alertID = id
		}
	}
	require.NotEqual(t, uuid.Nil, alertID, "a 5-stddev deviation must open a rapid_change alert")

	// The z-score drops back near zero, but the hysteresis window
	// (10 minutes, per testConfig) hasn't elapsed yet.
	settled := base.Add(time.Minute)
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: settled, Value: 21}))
	assert.Equal(t, domain.AlertActive, repo.byID[alertID].State, "rapid_change must not resolve instantly on a single in-band sample")

	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base.Add(11 * time.Minute), Value: 21}))
	assert.Equal(t, domain.AlertResolved, repo.byID[alertID].State, "rapid_change must resolve once the z-score has stayed in-band for the hysteresis window")
	require.Len(t, notifier.cancelled, 1)
	assert.Equal(t, alertID, notifier.cancelled[0])
}

func TestEvaluate_NoShelterCapacityLeavesPending(t *testing.T) {
	repo := newFakeRepo()
	ev := alerting.New(repo, shelterIndex(false), &fakeNotifier{}, fakeRecipients{}, fakeStats{}, nil, testConfig(), zap.NewNop())

	sensor := testSensor()
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base, Value: 38}))
	require.NoError(t, ev.Evaluate(context.Background(), sensor, domain.Observation{SensorID: 1, Timestamp: base.Add(11 * time.Minute), Value: 38}))

	for _, a := range repo.byID {
		assert.True(t, a.ShelterPending)
		assert.Nil(t, a.ShelterID)
	}
}

func TestAcknowledge_RejectsUnknownAlert(t *testing.T) {
	repo := newFakeRepo()
	ev := alerting.New(repo, shelterIndex(true), &fakeNotifier{}, fakeRecipients{}, fakeStats{}, nil, testConfig(), zap.NewNop())

	err := ev.Acknowledge(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestResolve_IsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	ev := alerting.New(repo, shelterIndex(true), &fakeNotifier{}, fakeRecipients{}, fakeStats{}, nil, testConfig(), zap.NewNop())

	alert := &domain.Alert{ID: uuid.New(), State: domain.AlertResolved}
	require.NoError(t, ev.Resolve(context.Background(), alert, "already resolved"))
	assert.Equal(t, domain.AlertResolved, alert.State)
}
