package entitle_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/meter"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
)

func TestRecordIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "pro", nil, map[string]plan.LimitConfig{"api_calls": blocked(1000)}, "acme")
	ctx := context.Background()

	first, err := f.engine.Record(ctx, "acme", "api_calls", 5, "req-1")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// Buffered duplicate.
	again, err := f.engine.Record(ctx, "acme", "api_calls", 5, "req-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	require.NoError(t, f.engine.Flush(ctx))

	// Committed duplicate.
	again, err = f.engine.Record(ctx, "acme", "api_calls", 5, "req-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	sum, err := f.engine.CurrentUsage(ctx, "acme", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum.Quantity)
	assert.Equal(t, int64(5), sum.Flushed)
	assert.Equal(t, int64(0), sum.Pending)
	require.NotNil(t, sum.Limit)
	assert.Equal(t, int64(1000), *sum.Limit)
}

func TestRecordValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Record(ctx, "acme", "api_calls", 0, "k")
	assert.ErrorIs(t, err, entitle.ErrInvalidQuantity)

	_, err = f.engine.Record(ctx, "", "api_calls", 1, "k")
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)

	r, err := f.engine.Record(ctx, "acme", "api_calls", 1, "")
	require.NoError(t, err)
	assert.NotEmpty(t, r.IdempotencyKey)
}

func TestSummaryReadsOwnWrites(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "pro", nil, map[string]plan.LimitConfig{"api_calls": blocked(1000)}, "acme")
	ctx := context.Background()

	r, err := f.engine.Record(ctx, "acme", "api_calls", 7, "")
	require.NoError(t, err)

	sum, err := f.engine.Summary(ctx, "acme", "api_calls", r.Period)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sum.Quantity)
	assert.Equal(t, int64(7), sum.Pending)

	require.NoError(t, f.engine.Flush(ctx))
	_, err = f.engine.Record(ctx, "acme", "api_calls", 3, "")
	require.NoError(t, err)

	sum, err = f.engine.Summary(ctx, "acme", "api_calls", r.Period)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum.Quantity)
	assert.Equal(t, int64(7), sum.Flushed)
	assert.Equal(t, int64(3), sum.Pending)
}

func TestConcurrentRecordAndFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Record(ctx, "acme", "events", 1, fmt.Sprintf("evt-%d", i))
			assert.NoError(t, err)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			assert.NoError(t, f.engine.Flush(ctx))
		}
	}()

	wg.Wait()
	<-done

	sum, err := f.engine.CurrentUsage(ctx, "acme", "events")
	require.NoError(t, err)
	assert.Equal(t, int64(n), sum.Quantity)

	require.NoError(t, f.engine.Flush(ctx))
	sum, err = f.engine.CurrentUsage(ctx, "acme", "events")
	require.NoError(t, err)
	assert.Equal(t, int64(n), sum.Flushed)
}

func TestStopFlushesBufferedUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.engine.Record(ctx, "acme", "api_calls", 42, "")
	require.NoError(t, err)

	require.NoError(t, f.engine.Stop(ctx))

	total, err := f.store.UsageTotal(ctx, "acme", "api_calls", r.Period.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)

	_, err = f.engine.Record(ctx, "acme", "api_calls", 1, "")
	assert.ErrorIs(t, err, entitle.ErrEngineStopped)
}

func TestBackgroundFlushOnBatchSize(t *testing.T) {
	f := newFixture(t, entitle.WithConfig(entitle.Config{
		MeterBatchSize:     2,
		MeterBufferLimit:   10,
		MeterFlushInterval: time.Hour,
	}))
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))

	r, err := f.engine.Record(ctx, "acme", "api_calls", 1, "")
	require.NoError(t, err)
	_, err = f.engine.Record(ctx, "acme", "api_calls", 1, "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		total, err := f.store.UsageTotal(ctx, "acme", "api_calls", r.Period.Start)
		return err == nil && total == 2
	}, time.Second, 10*time.Millisecond)
}

func TestMeterBufferLimit(t *testing.T) {
	f := newFixture(t, entitle.WithConfig(entitle.Config{MeterBatchSize: 2, MeterBufferLimit: 2}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.engine.Record(ctx, "acme", "api_calls", 1, "")
		require.NoError(t, err)
	}
	_, err := f.engine.Record(ctx, "acme", "api_calls", 1, "")
	assert.ErrorIs(t, err, entitle.ErrMeterBufferFull)

	require.NoError(t, f.engine.Flush(ctx))
	_, err = f.engine.Record(ctx, "acme", "api_calls", 1, "")
	assert.NoError(t, err)
}

func TestUsageResetsWithPeriod(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t, "pro", nil, map[string]plan.LimitConfig{
		"builds": {HardCap: plan.Cap(10), ResetPeriod: plan.ResetDaily},
	}, "acme")
	ctx := context.Background()

	_, err := f.engine.Record(ctx, "acme", "builds", 10, "")
	require.NoError(t, err)

	d, err := f.engine.Check(ctx, "acme", "builds", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed())

	f.clock.Advance(25 * time.Hour)

	d, err = f.engine.Check(ctx, "acme", "builds", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.Equal(t, int64(0), d.Used)
}

// gatedStore holds the idempotency lookup for key "held" until release closes.
type gatedStore struct {
	*memory.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) IdempotencyKeySeen(ctx context.Context, tenantID, usageType, key string) (bool, error) {
	if key == "held" {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Store.IdempotencyKeySeen(ctx, tenantID, usageType, key)
}

func TestStopWaitsForInFlightRecord(t *testing.T) {
	s := &gatedStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	e := entitle.New(s, entitle.WithLogger(quietLogger()))
	ctx := context.Background()

	type result struct {
		receipt *meter.Receipt
		err     error
	}
	recorded := make(chan result, 1)
	go func() {
		r, err := e.Record(ctx, "acme", "api_calls", 7, "held")
		recorded <- result{r, err}
	}()
	<-s.entered

	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop(ctx) }()

	require.Eventually(t, func() bool {
		_, err := e.Record(ctx, "acme", "api_calls", 0, "")
		return errors.Is(err, entitle.ErrEngineStopped)
	}, time.Second, 5*time.Millisecond)
	close(s.release)

	res := <-recorded
	require.NoError(t, res.err)
	require.NotNil(t, res.receipt)
	require.NoError(t, <-stopped)

	total, err := s.UsageTotal(ctx, "acme", "api_calls", res.receipt.Period.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
}

// slowCommitStore makes every usage commit slow and unsuccessful.
type slowCommitStore struct {
	*memory.Store
	once    sync.Once
	entered chan struct{}
}

func (s *slowCommitStore) CommitUsage(context.Context, *meter.Record) (bool, error) {
	s.once.Do(func() { close(s.entered) })
	time.Sleep(400 * time.Millisecond)
	return false, errors.New("connection reset")
}

func TestSlowCommitDoesNotStallChecks(t *testing.T) {
	s := &slowCommitStore{Store: memory.New(), entered: make(chan struct{})}
	e := entitle.New(s,
		entitle.WithLogger(quietLogger()),
		entitle.WithConfig(entitle.Config{
			UsageTimeout:         100 * time.Millisecond,
			RetryInitialInterval: time.Millisecond,
			RetryMaxElapsed:      300 * time.Millisecond,
		}),
	)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	ctx := context.Background()

	snap, err := e.CreatePlan(ctx, &plan.Plan{Slug: "pro"}, nil,
		map[string]plan.LimitConfig{"api_calls": blocked(100)})
	require.NoError(t, err)
	_, err = e.AssignPlan(ctx, "acme", snap.Plan.ID, time.Time{})
	require.NoError(t, err)

	_, err = e.Record(ctx, "acme", "api_calls", 1, "k1")
	require.NoError(t, err)

	flushed := make(chan error, 1)
	go func() { flushed <- e.Flush(ctx) }()
	<-s.entered

	start := time.Now()
	d, err := e.Check(ctx, "acme", "api_calls", 1)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, 350*time.Millisecond)
	assert.False(t, d.Allowed())
	assert.ErrorIs(t, d.Err, context.DeadlineExceeded)
	assert.Error(t, <-flushed)
}
