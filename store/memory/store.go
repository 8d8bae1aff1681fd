// Package memory is an in-process Store for tests and single-node use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/meter"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subscription"
)

var _ store.Store = (*Store)(nil)

type counterKey struct {
	tenantID    string
	usageType   string
	periodStart int64
}

type Store struct {
	mu     sync.RWMutex
	closed bool

	// Catalog
	plans       map[string]*plan.Plan
	versions    map[string]*plan.Version
	assignments map[string]*plan.Assignment
	overrides   map[string]map[string]*plan.Override

	// Subscriptions
	subscriptions map[string]*subscription.Subscription
	byExternalID  map[string]string
	events        map[string]time.Time

	// Usage counters and claimed idempotency keys
	usage   map[counterKey]int64
	claimed *gocache.Cache

	// Credits
	balances     map[string]*credits.Balance
	transactions map[string][]*credits.Transaction
	txByKey      map[string]*credits.Transaction
}

func New() *Store {
	return &Store{
		plans:         make(map[string]*plan.Plan),
		versions:      make(map[string]*plan.Version),
		assignments:   make(map[string]*plan.Assignment),
		overrides:     make(map[string]map[string]*plan.Override),
		subscriptions: make(map[string]*subscription.Subscription),
		byExternalID:  make(map[string]string),
		events:        make(map[string]time.Time),
		usage:         make(map[counterKey]int64),
		claimed:       gocache.New(gocache.NoExpiration, 0),
		balances:      make(map[string]*credits.Balance),
		transactions:  make(map[string][]*credits.Transaction),
		txByKey:       make(map[string]*credits.Transaction),
	}
}

func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return entitle.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Plan store
// ──────────────────────────────────────────────────

func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	for _, other := range s.plans {
		if other.Slug == p.Slug {
			return fmt.Errorf("%w: slug %s", entitle.ErrAlreadyExists, p.Slug)
		}
	}
	p.Revision = 1
	cp := *p
	s.plans[p.ID.String()] = &cp
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID id.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID.String()]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, entitle.ErrPlanNotFound
}

func (s *Store) GetPlanBySlug(_ context.Context, slug string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := lo.Find(lo.Values(s.plans), func(p *plan.Plan) bool { return p.Slug == slug })
	if !ok {
		return nil, entitle.ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPlans(_ context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := lo.FilterMap(lo.Values(s.plans), func(p *plan.Plan, _ int) (*plan.Plan, bool) {
		if opts.Status != "" && p.Status != opts.Status {
			return nil, false
		}
		cp := *p
		return &cp, true
	})
	sort.Slice(result, func(i, j int) bool {
		if result[i].TierRank != result[j].TierRank {
			return result[i].TierRank < result[j].TierRank
		}
		return result[i].Slug < result[j].Slug
	})
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdatePlanPointer(_ context.Context, planID id.PlanID, versionID id.PlanVersionID, number int, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[planID.String()]
	if !ok {
		return entitle.ErrPlanNotFound
	}
	if !p.Matches(expectedRevision) {
		return entitle.ErrStaleWriteConflict
	}
	p.CurrentVersionID = versionID
	p.CurrentVersion = number
	p.Revision++
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateVersion(_ context.Context, v *plan.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[v.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	for _, other := range s.versions {
		if other.PlanID.String() == v.PlanID.String() && other.Number == v.Number {
			return fmt.Errorf("%w: version %d", entitle.ErrAlreadyExists, v.Number)
		}
	}
	s.versions[v.ID.String()] = cloneVersion(v)
	return nil
}

func (s *Store) GetVersion(_ context.Context, versionID id.PlanVersionID) (*plan.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.versions[versionID.String()]; ok {
		return cloneVersion(v), nil
	}
	return nil, entitle.ErrVersionNotFound
}

func (s *Store) GetVersionByNumber(_ context.Context, planID id.PlanID, number int) (*plan.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions {
		if v.PlanID.String() == planID.String() && v.Number == number {
			return cloneVersion(v), nil
		}
	}
	return nil, entitle.ErrVersionNotFound
}

func (s *Store) ListVersions(_ context.Context, planID id.PlanID) ([]*plan.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*plan.Version
	for _, v := range s.versions {
		if v.PlanID.String() == planID.String() {
			result = append(result, cloneVersion(v))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result, nil
}

func (s *Store) GetAssignment(_ context.Context, tenantID string) (*plan.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.assignments[tenantID]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, entitle.ErrNoAssignment
}

func (s *Store) SaveAssignment(_ context.Context, a *plan.Assignment, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	cur, exists := s.assignments[a.TenantID]
	if exists {
		current = cur.Revision
	}
	if err := checkRevision(exists, current, expectedRevision); err != nil {
		return err
	}
	a.Revision = expectedRevision + 1
	cp := *a
	s.assignments[a.TenantID] = &cp
	return nil
}

func (s *Store) DeleteAssignment(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assignments[tenantID]; !ok {
		return entitle.ErrNoAssignment
	}
	delete(s.assignments, tenantID)
	return nil
}

func (s *Store) ListOverrides(_ context.Context, tenantID string) ([]*plan.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := lo.Map(lo.Values(s.overrides[tenantID]), func(o *plan.Override, _ int) *plan.Override {
		return cloneOverride(o)
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (s *Store) SaveOverride(_ context.Context, o *plan.Override, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	byKey := s.overrides[o.TenantID]
	cur, exists := byKey[o.Key]
	if exists {
		current = cur.Revision
	}
	if err := checkRevision(exists, current, expectedRevision); err != nil {
		return err
	}
	if byKey == nil {
		byKey = make(map[string]*plan.Override)
		s.overrides[o.TenantID] = byKey
	}
	o.Revision = expectedRevision + 1
	byKey[o.Key] = cloneOverride(o)
	return nil
}

func (s *Store) DeleteOverride(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.overrides[tenantID][key]; !ok {
		return entitle.ErrNotFound
	}
	delete(s.overrides[tenantID], key)
	return nil
}

// ──────────────────────────────────────────────────
// Subscription store
// ──────────────────────────────────────────────────

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, entitle.ErrSubscriptionNotFound
}

func (s *Store) GetSubscriptionByExternalID(_ context.Context, externalID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.byExternalID[externalID]; ok {
		cp := *s.subscriptions[key]
		return &cp, nil
	}
	return nil, entitle.ErrSubscriptionNotFound
}

func (s *Store) ListSubscriptions(_ context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.TenantID == tenantID && (opts.Status == "" || sub.Status == opts.Status) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) SaveSubscription(_ context.Context, sub *subscription.Subscription, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	key, exists := s.byExternalID[sub.ExternalID]
	if exists {
		current = s.subscriptions[key].Revision
	}
	if err := checkRevision(exists, current, expectedRevision); err != nil {
		return err
	}
	sub.Revision = expectedRevision + 1
	cp := *sub
	s.subscriptions[sub.ID.String()] = &cp
	s.byExternalID[sub.ExternalID] = sub.ID.String()
	return nil
}

func (s *Store) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		s.events[eventID] = at
	}
	return nil
}

// ──────────────────────────────────────────────────
// Meter store
// ──────────────────────────────────────────────────

func claimKey(tenantID, usageType, key string) string {
	return tenantID + "\x00" + usageType + "\x00" + key
}

func (s *Store) CommitUsage(_ context.Context, r *meter.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, entitle.ErrStoreClosed
	}
	if err := s.claimed.Add(claimKey(r.TenantID, r.UsageType, r.IdempotencyKey), r.Timestamp, gocache.NoExpiration); err != nil {
		return false, nil
	}
	s.usage[counterKey{r.TenantID, r.UsageType, r.PeriodStart.UnixNano()}] += r.Quantity
	return true, nil
}

func (s *Store) UsageTotal(_ context.Context, tenantID, usageType string, periodStart time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[counterKey{tenantID, usageType, periodStart.UnixNano()}], nil
}

func (s *Store) IdempotencyKeySeen(_ context.Context, tenantID, usageType, key string) (bool, error) {
	_, ok := s.claimed.Get(claimKey(tenantID, usageType, key))
	return ok, nil
}

func (s *Store) PurgeIdempotencyKeys(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, item := range s.claimed.Items() {
		if at, ok := item.Object.(time.Time); ok && at.Before(before) {
			s.claimed.Delete(k)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Credits store
// ──────────────────────────────────────────────────

func (s *Store) AppendTransaction(_ context.Context, tx *credits.Transaction, allowNegative bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if _, dup := s.txByKey[claimKey(tx.TenantID, "", tx.IdempotencyKey)]; dup {
			return entitle.ErrAlreadyExists
		}
	}

	bal, ok := s.balances[tx.TenantID]
	if !ok {
		bal = &credits.Balance{TenantID: tx.TenantID, Amount: decimal.Zero}
		s.balances[tx.TenantID] = bal
	}
	next := bal.Amount.Add(tx.Amount)
	if tx.Amount.IsNegative() && next.IsNegative() && !allowNegative {
		return entitle.ErrInsufficientCredits
	}

	bal.Amount = next
	bal.Revision++
	bal.UpdatedAt = tx.CreatedAt
	tx.BalanceAfter = next

	cp := *tx
	s.transactions[tx.TenantID] = append(s.transactions[tx.TenantID], &cp)
	if tx.IdempotencyKey != "" {
		s.txByKey[claimKey(tx.TenantID, "", tx.IdempotencyKey)] = &cp
	}
	return nil
}

func (s *Store) GetTransactionByKey(_ context.Context, tenantID, key string) (*credits.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tx, ok := s.txByKey[claimKey(tenantID, "", key)]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, entitle.ErrTransactionMissing
}

func (s *Store) CreditBalance(_ context.Context, tenantID string) (*credits.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[tenantID]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, entitle.ErrNotFound
}

func (s *Store) SumTransactions(_ context.Context, tenantID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Reduce(s.transactions[tenantID], func(sum decimal.Decimal, tx *credits.Transaction, _ int) decimal.Decimal {
		return sum.Add(tx.Amount)
	}, decimal.Zero), nil
}

func (s *Store) ListTransactions(_ context.Context, tenantID string, opts credits.ListOpts) ([]*credits.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transactions[tenantID]
	result := make([]*credits.Transaction, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if opts.Type == "" || all[i].Type == opts.Type {
			cp := *all[i]
			result = append(result, &cp)
		}
	}
	return page(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// checkRevision enforces the optimistic write contract shared by the
// revisioned entities.
func checkRevision(exists bool, current, expected int64) error {
	switch {
	case expected == 0 && exists:
		return entitle.ErrStaleWriteConflict
	case expected != 0 && !exists:
		return entitle.ErrStaleWriteConflict
	case expected != 0 && current != expected:
		return entitle.ErrStaleWriteConflict
	}
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func cloneVersion(v *plan.Version) *plan.Version {
	cp := *v
	cp.Features = make(map[string]plan.FeatureValue, len(v.Features))
	for k, f := range v.Features {
		cp.Features[k] = f
	}
	cp.Limits = make(map[string]plan.LimitConfig, len(v.Limits))
	for k, l := range v.Limits {
		cp.Limits[k] = l
	}
	return &cp
}

func cloneOverride(o *plan.Override) *plan.Override {
	cp := *o
	if o.Feature != nil {
		f := *o.Feature
		cp.Feature = &f
	}
	if o.Limit != nil {
		l := *o.Limit
		cp.Limit = &l
	}
	return &cp
}
