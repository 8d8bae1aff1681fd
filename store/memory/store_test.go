package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/meter"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/types"
)

func TestPlanPointerRevision(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	p := &plan.Plan{Entity: types.NewEntity(time.Now()), ID: id.NewPlanID(), Slug: "pro", Status: plan.StatusActive}
	require.NoError(t, s.CreatePlan(ctx, p))
	assert.Equal(t, int64(1), p.Revision)

	dup := &plan.Plan{ID: id.NewPlanID(), Slug: "pro"}
	assert.ErrorIs(t, s.CreatePlan(ctx, dup), entitle.ErrAlreadyExists)

	v2 := id.NewPlanVersionID()
	require.NoError(t, s.UpdatePlanPointer(ctx, p.ID, v2, 2, 1))
	assert.ErrorIs(t, s.UpdatePlanPointer(ctx, p.ID, v2, 2, 1), entitle.ErrStaleWriteConflict)

	got, err := s.GetPlanBySlug(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentVersion)
	assert.Equal(t, int64(2), got.Revision)
}

func TestVersionNumbersUnique(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	planID := id.NewPlanID()

	require.NoError(t, s.CreateVersion(ctx, &plan.Version{ID: id.NewPlanVersionID(), PlanID: planID, Number: 1}))
	err := s.CreateVersion(ctx, &plan.Version{ID: id.NewPlanVersionID(), PlanID: planID, Number: 1})
	assert.ErrorIs(t, err, entitle.ErrAlreadyExists)

	_, err = s.GetVersionByNumber(ctx, planID, 2)
	assert.ErrorIs(t, err, entitle.ErrVersionNotFound)
}

func TestAssignmentOptimisticWrites(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	a := &plan.Assignment{ID: id.NewAssignmentID(), TenantID: "t1", PlanID: id.NewPlanID(), VersionID: id.NewPlanVersionID()}
	require.NoError(t, s.SaveAssignment(ctx, a, 0))
	assert.ErrorIs(t, s.SaveAssignment(ctx, a, 0), entitle.ErrStaleWriteConflict)
	require.NoError(t, s.SaveAssignment(ctx, a, 1))
	assert.ErrorIs(t, s.SaveAssignment(ctx, a, 1), entitle.ErrStaleWriteConflict)

	require.NoError(t, s.DeleteAssignment(ctx, "t1"))
	_, err := s.GetAssignment(ctx, "t1")
	assert.ErrorIs(t, err, entitle.ErrNoAssignment)
}

func TestCommitUsageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	r := &meter.Record{TenantID: "t1", UsageType: "api_calls", Quantity: 5, IdempotencyKey: "k1", PeriodStart: start, Timestamp: start}
	ok, err := s.CommitUsage(ctx, r)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CommitUsage(ctx, r)
	require.NoError(t, err)
	assert.False(t, ok)

	total, err := s.UsageTotal(ctx, "t1", "api_calls", start)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	seen, err := s.IdempotencyKeySeen(ctx, "t1", "api_calls", "k1")
	require.NoError(t, err)
	assert.True(t, seen)

	n, err := s.PurgeIdempotencyKeys(ctx, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAppendTransactionConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	grant := &credits.Transaction{ID: id.NewCreditTxID(), TenantID: "t1", Amount: decimal.NewFromInt(10), Type: credits.TypeGrant}
	require.NoError(t, s.AppendTransaction(ctx, grant, false))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := &credits.Transaction{ID: id.NewCreditTxID(), TenantID: "t1", Amount: decimal.NewFromInt(-1), Type: credits.TypeDebit}
			if err := s.AppendTransaction(ctx, tx, false); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	bal, err := s.CreditBalance(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, bal.Amount.IsZero())

	sum, err := s.SumTransactions(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, sum.Equal(bal.Amount))
}

func TestAppendTransactionDuplicateKey(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx := &credits.Transaction{ID: id.NewCreditTxID(), TenantID: "t1", Amount: decimal.NewFromInt(3), Type: credits.TypeGrant, IdempotencyKey: "order-1"}
	require.NoError(t, s.AppendTransaction(ctx, tx, false))

	again := *tx
	again.ID = id.NewCreditTxID()
	assert.ErrorIs(t, s.AppendTransaction(ctx, &again, false), entitle.ErrAlreadyExists)

	got, err := s.GetTransactionByKey(ctx, "t1", "order-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID.String(), got.ID.String())
}
