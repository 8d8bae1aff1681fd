package entitle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/meter"
	"github.com/xraph/entitle/plan"
)

// usageKey identifies one (tenant, usage type, period) counter.
type usageKey struct {
	tenantID    string
	usageType   string
	periodStart int64
}

func keyOf(r *meter.Record) usageKey {
	return usageKey{r.TenantID, r.UsageType, r.PeriodStart.UnixNano()}
}

type usageBatch struct {
	records []*meter.Record
	total   int64
}

func (b *usageBatch) add(r *meter.Record) {
	b.records = append(b.records, r)
	b.total += r.Quantity
}

// Commits and reads of one counter are serialised through a striped
// semaphore: readers take one unit, a commit attempt takes the whole stripe.
const (
	usageStripes = 64
	stripeWeight = 1 << 20
)

// usageBuffer holds accepted records until they are committed. Records move
// from pending to inflight for the duration of a flush; both count toward
// reads. Idempotency keys stay in seen until their record is committed, and
// a key is reserved in seen while Record consults the store.
type usageBuffer struct {
	mu       sync.Mutex
	pending  map[usageKey]*usageBatch
	inflight map[usageKey]*usageBatch
	seen     map[string]struct{}
	count    int

	stripes [usageStripes]*semaphore.Weighted
}

func newUsageBuffer() *usageBuffer {
	b := &usageBuffer{
		pending:  make(map[usageKey]*usageBatch),
		inflight: make(map[usageKey]*usageBatch),
		seen:     make(map[string]struct{}),
	}
	for i := range b.stripes {
		b.stripes[i] = semaphore.NewWeighted(stripeWeight)
	}
	return b
}

func (b *usageBuffer) stripe(k usageKey) *semaphore.Weighted {
	return b.stripes[xxhash.Sum64String(k.tenantID+"\x00"+k.usageType)%usageStripes]
}

// settle removes a committed record from the inflight totals.
func (b *usageBuffer) settle(k usageKey, r *meter.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f := b.inflight[k]; f != nil {
		f.total -= r.Quantity
	}
	delete(b.seen, dedupeKey(r.TenantID, r.UsageType, r.IdempotencyKey))
	b.count--
}

// reserve claims dk for one Record call. It reports false when the key is
// already buffered or reserved.
func (b *usageBuffer) reserve(dk string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[dk]; ok {
		return false
	}
	b.seen[dk] = struct{}{}
	return true
}

func (b *usageBuffer) release(dk string) {
	b.mu.Lock()
	delete(b.seen, dk)
	b.mu.Unlock()
}

func dedupeKey(tenantID, usageType, key string) string {
	return tenantID + "\x00" + usageType + "\x00" + key
}

func (b *usageBuffer) buffered(k usageKey) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	if p := b.pending[k]; p != nil {
		n += p.total
	}
	if f := b.inflight[k]; f != nil {
		n += f.total
	}
	return n
}

func (b *usageBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// ──────────────────────────────────────────────────
// Recording
// ──────────────────────────────────────────────────

// Record accepts a usage event into the buffer. A repeated idempotency key is
// acknowledged with Duplicate set and counted once. An empty key is replaced
// by a generated one, which makes the call non-idempotent.
func (e *Engine) Record(ctx context.Context, tenantID, usageType string, quantity int64, idempotencyKey string) (*meter.Receipt, error) {
	if e.stopped.Load() {
		return nil, ErrEngineStopped
	}
	if tenantID == "" || usageType == "" {
		return nil, ValidationError{Field: "tenant_id/usage_type", Message: "required"}
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if idempotencyKey == "" {
		idempotencyKey = id.NewUsageEventID().String()
	}

	// Stop waits for every Record holding the gate before its final flush.
	e.recording.RLock()
	defer e.recording.RUnlock()
	if e.stopped.Load() {
		return nil, ErrEngineStopped
	}

	now := e.now()
	period := e.periodFor(ctx, tenantID, usageType, now)

	dk := dedupeKey(tenantID, usageType, idempotencyKey)
	b := e.usage
	if !b.reserve(dk) {
		e.duplicateUsage(ctx, tenantID, usageType, idempotencyKey)
		return &meter.Receipt{IdempotencyKey: idempotencyKey, Period: period, Duplicate: true}, nil
	}

	uctx, cancel := context.WithTimeout(ctx, e.config.UsageTimeout)
	seen, err := retryValue(uctx, e, func() (bool, error) {
		return e.store.IdempotencyKeySeen(uctx, tenantID, usageType, idempotencyKey)
	})
	cancel()
	if err != nil {
		b.release(dk)
		return nil, fmt.Errorf("entitle: record usage: %w", err)
	}
	if seen {
		b.release(dk)
		e.duplicateUsage(ctx, tenantID, usageType, idempotencyKey)
		return &meter.Receipt{IdempotencyKey: idempotencyKey, Period: period, Duplicate: true}, nil
	}

	rec := &meter.Record{
		ID:             id.NewUsageEventID(),
		TenantID:       tenantID,
		UsageType:      usageType,
		Quantity:       quantity,
		Timestamp:      now,
		IdempotencyKey: idempotencyKey,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
	}
	k := keyOf(rec)

	b.mu.Lock()
	if b.count >= e.config.MeterBufferLimit {
		delete(b.seen, dk)
		b.mu.Unlock()
		return nil, ErrMeterBufferFull
	}
	batch := b.pending[k]
	if batch == nil {
		batch = &usageBatch{}
		b.pending[k] = batch
	}
	batch.add(rec)
	b.count++
	full := b.count >= e.config.MeterBatchSize
	b.mu.Unlock()

	if full {
		select {
		case e.flushSignal <- struct{}{}:
		default:
		}
	}

	e.plugins.EmitUsageRecorded(ctx, rec)
	return &meter.Receipt{ID: rec.ID, IdempotencyKey: idempotencyKey, Period: period}, nil
}

func (e *Engine) duplicateUsage(ctx context.Context, tenantID, usageType, key string) {
	e.logger.Info("duplicate usage event",
		"event", "duplicate_usage",
		"tenant_id", tenantID,
		"usage_type", usageType,
		"idempotency_key", key,
		"error", ErrDuplicateUsageEvent,
	)
	e.plugins.EmitDuplicateUsage(ctx, tenantID, usageType, key)
}

// periodFor derives the billing period from the tenant's anchor and the
// limit's reset period. When the config cannot be resolved the defaults'
// reset period applies on calendar boundaries.
func (e *Engine) periodFor(ctx context.Context, tenantID, usageType string, at time.Time) meter.Period {
	rc, err := e.Resolve(ctx, tenantID)
	if err != nil {
		e.logger.Warn("config unavailable, metering on calendar period",
			"tenant_id", tenantID,
			"usage_type", usageType,
			"error", err,
		)
		rc = e.defaultsConfig(tenantID)
	}
	return periodOf(rc, usageType, at)
}

func periodOf(rc *plan.ResolvedConfig, usageType string, at time.Time) meter.Period {
	reset := plan.ResetMonthly
	if l, ok := rc.Limits[usageType]; ok {
		reset = l.Period()
	}
	return meter.PeriodFor(rc.BillingAnchor, reset, at)
}

// ──────────────────────────────────────────────────
// Reading
// ──────────────────────────────────────────────────

// Summary returns committed plus buffered usage for a period. Every record
// acknowledged by Record before the call is included. The wait for an
// in-progress commit of the same counter is bounded by ctx.
func (e *Engine) Summary(ctx context.Context, tenantID, usageType string, period meter.Period) (*meter.Summary, error) {
	k := usageKey{tenantID, usageType, period.Start.UnixNano()}
	sem := e.usage.stripe(k)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("entitle: usage read: %w", err)
	}
	defer sem.Release(1)

	flushed, err := retryValue(ctx, e, func() (int64, error) {
		return e.store.UsageTotal(ctx, tenantID, usageType, period.Start)
	})
	if err != nil {
		return nil, fmt.Errorf("entitle: usage total: %w", err)
	}
	pending := e.usage.buffered(k)

	return &meter.Summary{
		TenantID:  tenantID,
		UsageType: usageType,
		Period:    period,
		Quantity:  flushed + pending,
		Flushed:   flushed,
		Pending:   pending,
	}, nil
}

// CurrentUsage summarises the period containing now and attaches the
// tenant's cap for the usage type.
func (e *Engine) CurrentUsage(ctx context.Context, tenantID, usageType string) (*meter.Summary, error) {
	rc, err := e.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s, err := e.Summary(ctx, tenantID, usageType, periodOf(rc, usageType, e.now()))
	if err != nil {
		return nil, err
	}
	if l, ok := rc.Limits[usageType]; ok {
		s.Limit = l.HardCap
	}
	return s, nil
}

// ──────────────────────────────────────────────────
// Flushing
// ──────────────────────────────────────────────────

// Flush commits every buffered record. Records that fail stay buffered for
// the next flush; the returned error lists them.
func (e *Engine) Flush(ctx context.Context) error {
	e.flushRun.Lock()
	defer e.flushRun.Unlock()

	start := time.Now()
	b := e.usage

	b.mu.Lock()
	batches := b.pending
	b.pending = make(map[usageKey]*usageBatch)
	for k, batch := range batches {
		b.inflight[k] = batch
	}
	b.mu.Unlock()

	if len(batches) == 0 {
		return nil
	}

	var (
		errs       MultiError
		committed  int
		duplicates int
	)
	for k, batch := range batches {
		c, d, failed, err := e.commitBatch(ctx, k, batch)
		committed += c
		duplicates += d
		if err != nil {
			errs.Add(fmt.Errorf("entitle: flush %s/%s: %d records: %w", k.tenantID, k.usageType, len(failed), err))
		}
	}

	elapsed := time.Since(start)
	if committed > 0 {
		e.plugins.EmitUsageFlushed(ctx, committed, elapsed)
	}
	e.logger.Debug("flushed usage",
		"committed", committed,
		"duplicates", duplicates,
		"failed", len(errs.Errors),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return errs.ErrOrNil()
}

// commitBatch writes one counter's records. Each attempt holds the counter's
// stripe exclusively and settles the record before releasing it, so readers
// never see a record both committed and buffered. Backoff between attempts
// runs without the stripe.
func (e *Engine) commitBatch(ctx context.Context, k usageKey, batch *usageBatch) (committed, duplicates int, failed []*meter.Record, lastErr error) {
	for _, r := range batch.records {
		claimed, err := retryValue(ctx, e, func() (bool, error) {
			return e.commitOne(ctx, k, r)
		})
		switch {
		case err != nil:
			failed = append(failed, r)
			lastErr = err
		case !claimed:
			duplicates++
			e.duplicateUsage(ctx, r.TenantID, r.UsageType, r.IdempotencyKey)
		default:
			committed++
		}
	}

	b := e.usage
	b.mu.Lock()
	delete(b.inflight, k)
	if len(failed) > 0 {
		retryBatch := b.pending[k]
		if retryBatch == nil {
			retryBatch = &usageBatch{}
			b.pending[k] = retryBatch
		}
		for _, r := range failed {
			retryBatch.add(r)
		}
	}
	b.mu.Unlock()

	return committed, duplicates, failed, lastErr
}

func (e *Engine) commitOne(ctx context.Context, k usageKey, r *meter.Record) (bool, error) {
	sem := e.usage.stripe(k)
	if err := sem.Acquire(ctx, stripeWeight); err != nil {
		return false, err
	}
	defer sem.Release(stripeWeight)

	cctx, cancel := context.WithTimeout(ctx, e.config.UsageTimeout)
	defer cancel()
	claimed, err := e.store.CommitUsage(cctx, r)
	if err != nil {
		return false, err
	}
	e.usage.settle(k, r)
	return claimed, nil
}

// meterFlushWorker flushes on an interval, when the buffer reaches the batch
// size, and once more on stop.
func (e *Engine) meterFlushWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.MeterFlushInterval)
	defer ticker.Stop()

	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.MeterFlushInterval+e.config.RetryMaxElapsed)
		defer cancel()
		if err := e.Flush(ctx); err != nil {
			e.logger.Error("failed to flush usage",
				"error", err,
				"buffered", e.usage.size(),
			)
		}
	}

	for {
		select {
		case <-e.stopChan:
			// Final flush
			flush()
			return
		case <-e.flushSignal:
			flush()
		case <-ticker.C:
			flush()
		}
	}
}
