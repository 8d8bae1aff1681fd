package audithook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	audithook "github.com/xraph/entitle/audit_hook"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
)

type trail struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (tr *trail) record(_ context.Context, ev *audithook.AuditEvent) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, ev)
	return nil
}

func (tr *trail) actions() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, 0, len(tr.events))
	for _, ev := range tr.events {
		out = append(out, ev.Action)
	}
	return out
}

func (tr *trail) find(action string) *audithook.AuditEvent {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, ev := range tr.events {
		if ev.Action == action {
			return ev
		}
	}
	return nil
}

func newEngine(t *testing.T, ext *audithook.Extension) *entitle.Engine {
	t.Helper()
	e := entitle.New(memory.New(),
		entitle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		entitle.WithPlugin(ext),
	)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func TestAuditTrail(t *testing.T) {
	tr := &trail{}
	e := newEngine(t, audithook.New(audithook.RecorderFunc(tr.record)))
	ctx := context.Background()

	snap, err := e.CreatePlan(ctx, &plan.Plan{Slug: "pro"},
		map[string]plan.FeatureValue{"sso": plan.Bool(false)},
		map[string]plan.LimitConfig{"api_calls": {HardCap: plan.Cap(1)}})
	require.NoError(t, err)
	_, err = e.AssignPlan(ctx, "acme", snap.Plan.ID, time.Time{})
	require.NoError(t, err)

	_, err = e.SetOverride(ctx, "acme", "sso", plan.Bool(true))
	require.NoError(t, err)
	require.NoError(t, e.ClearOverride(ctx, "acme", "sso"))

	d, err := e.Check(ctx, "acme", "sso", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed())

	_, err = e.Grant(ctx, "acme", decimal.NewFromInt(5))
	require.NoError(t, err)

	_, err = e.Record(ctx, "acme", "api_calls", 1, "k1")
	require.NoError(t, err)
	_, err = e.Record(ctx, "acme", "api_calls", 1, "k1")
	require.NoError(t, err)

	_, err = e.Check(ctx, "acme", "api_calls", 1)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return tr.find(audithook.ActionLimitExceeded) != nil },
		time.Second, 10*time.Millisecond)

	actions := tr.actions()
	assert.Contains(t, actions, audithook.ActionPlanPublished)
	assert.Contains(t, actions, audithook.ActionOverrideSet)
	assert.Contains(t, actions, audithook.ActionOverrideCleared)
	assert.Contains(t, actions, audithook.ActionEntitlementDenied)
	assert.Contains(t, actions, audithook.ActionCreditsGranted)
	assert.Contains(t, actions, audithook.ActionDuplicateUsage)

	denied := tr.find(audithook.ActionEntitlementDenied)
	assert.Equal(t, "acme", denied.TenantID)
	assert.Equal(t, "sso", denied.ResourceID)
	assert.Equal(t, audithook.OutcomeFailure, denied.Outcome)
	assert.NotEmpty(t, denied.Reason)

	grant := tr.find(audithook.ActionCreditsGranted)
	assert.Equal(t, "5", grant.Metadata["amount"])
}

func TestAuditActionFilter(t *testing.T) {
	tr := &trail{}
	e := newEngine(t, audithook.New(audithook.RecorderFunc(tr.record),
		audithook.WithDisabledActions(audithook.ActionCreditsGranted)))
	ctx := context.Background()

	_, err := e.Grant(ctx, "acme", decimal.NewFromInt(5))
	require.NoError(t, err)
	_, err = e.Debit(ctx, "acme", decimal.NewFromInt(2), "use-1")
	require.NoError(t, err)

	assert.Equal(t, []string{audithook.ActionCreditsDebited}, tr.actions())
}

func TestAuditRecorderFailureIsSwallowed(t *testing.T) {
	ext := audithook.New(
		audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error { return errors.New("sink down") }),
		audithook.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	assert.NoError(t, ext.OnRateLimited(context.Background(), "acme", "search", time.Second))
}
