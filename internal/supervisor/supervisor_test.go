package supervisor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/carbonscribe/sentinel-core/internal/supervisor"
)

type countingAggregator struct {
	recomputes atomic.Int32
}

func (a *countingAggregator) Recompute(ctx context.Context) { a.recomputes.Add(1) }
func (a *countingAggregator) FlushDaily(ctx context.Context, sensorID int64) error { return nil }

type blockingDispatcher struct {
	ran chan struct{}
}

func (d *blockingDispatcher) Run(ctx context.Context, interval time.Duration) {
	close(d.ran)
	<-ctx.Done()
}

func TestStartAggregatorSweep_RunsOnTicker(t *testing.T) {
	cfg := supervisor.DefaultConfig()
	cfg.RecomputeInterval = 10 * time.Millisecond
	sup := supervisor.New(zap.NewNop(), cfg, nil)

	agg := &countingAggregator{}
	sup.StartAggregatorSweep(context.Background(), agg)

	assert.Eventually(t, func() bool { return agg.recomputes.Load() >= 2 }, time.Second, 5*time.Millisecond)

	sup.Shutdown(time.Second)
}

func TestStartDispatcher_StopsOnShutdown(t *testing.T) {
	sup := supervisor.New(zap.NewNop(), supervisor.DefaultConfig(), nil)
	d := &blockingDispatcher{ran: make(chan struct{})}

	sup.StartDispatcher(context.Background(), d)
	<-d.ran

	done := make(chan struct{})
	go func() {
		sup.Shutdown(time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestHealthRegistry_TracksLastStatus(t *testing.T) {
	h := supervisor.NewHealthRegistry()
	h.ReportHealthy("aggregator_recompute")
	snap := h.Snapshot()
	assert.Equal(t, "healthy", snap["aggregator_recompute"])
}
