package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
	"github.com/carbonscribe/sentinel-core/internal/ingest"
)

type fakeWriter struct {
	mu    sync.Mutex
	calls int
}

func (w *fakeWriter) Append(ctx context.Context, obs domain.Observation) (domain.AppendResult, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	return domain.AppendResult{AssignedTimestamp: time.Now().UTC()}, nil
}

type fakeSensors struct{}

func (fakeSensors) GetSensor(ctx context.Context, id int64) (*domain.Sensor, error) {
	return &domain.Sensor{ID: id, Kind: domain.SensorTemperature, ValidRange: domain.Range{Min: -10, Max: 50}}, nil
}

type fakeAggregator struct{ calls int }

func (a *fakeAggregator) Feed(ctx context.Context, kind domain.SensorKind, obs domain.Observation) error {
	a.calls++
	return nil
}

type fakeEvaluator struct {
	calls int
	delay time.Duration
}

func (e *fakeEvaluator) Evaluate(ctx context.Context, sensor domain.Sensor, obs domain.Observation) error {
	e.calls++
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func testConfig() ingest.Config {
	return ingest.Config{RatePerSensorHz: 1000, BurstPerSensor: 1000, EvalDeadline: 200 * time.Millisecond}
}

func TestIngest_FansOutToAggregatorAndEvaluator(t *testing.T) {
	writer := &fakeWriter{}
	agg := &fakeAggregator{}
	eval := &fakeEvaluator{}
	gw := ingest.New(writer, fakeSensors{}, agg, eval, testConfig(), zap.NewNop())

	result, err := gw.Ingest(context.Background(), domain.Observation{SensorID: 1, Value: 20})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, 1, agg.calls)
	assert.Equal(t, 1, eval.calls)
}

func TestIngest_RateLimitsPerSensor(t *testing.T) {
	writer := &fakeWriter{}
	gw := ingest.New(writer, fakeSensors{}, &fakeAggregator{}, &fakeEvaluator{}, ingest.Config{RatePerSensorHz: 1, BurstPerSensor: 1, EvalDeadline: time.Second}, zap.NewNop())

	_, err := gw.Ingest(context.Background(), domain.Observation{SensorID: 5, Value: 20})
	require.NoError(t, err)

	_, err = gw.Ingest(context.Background(), domain.Observation{SensorID: 5, Value: 20})
	require.Error(t, err)
	assert.True(t, domainerr.Is(err, domainerr.RateLimited))
}

func TestIngest_EvaluationDeadlineProducesWarningNotError(t *testing.T) {
	writer := &fakeWriter{}
	eval := &fakeEvaluator{delay: 500 * time.Millisecond}
	gw := ingest.New(writer, fakeSensors{}, &fakeAggregator{}, eval, ingest.Config{RatePerSensorHz: 1000, BurstPerSensor: 1000, EvalDeadline: 20 * time.Millisecond}, zap.NewNop())

	result, err := gw.Ingest(context.Background(), domain.Observation{SensorID: 9, Value: 20})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	require.NotEmpty(t, result.Warnings)
}

func TestIngest_EvaluationDeadlineSchedulesRetryThatLaterSucceeds(t *testing.T) {
	writer := &fakeWriter{}
	eval := &fakeEvaluator{delay: 500 * time.Millisecond}
	gw := ingest.New(writer, fakeSensors{}, &fakeAggregator{}, eval, ingest.Config{RatePerSensorHz: 1000, BurstPerSensor: 1000, EvalDeadline: 20 * time.Millisecond}, zap.NewNop())

	_, err := gw.Ingest(context.Background(), domain.Observation{SensorID: 9, Value: 20})
	require.NoError(t, err)
	assert.Equal(t, 1, eval.calls, "the deadline-missed attempt still counts as a call")

	eval.delay = 0
	gw.RetryDeferredEvaluations(context.Background())
	assert.Equal(t, 2, eval.calls, "the retry sweep must re-run the deferred evaluation")

	eval.delay = 0
	gw.RetryDeferredEvaluations(context.Background())
	assert.Equal(t, 2, eval.calls, "a successfully retried evaluation must not be retried again")
}
