package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/meter"
	"github.com/xraph/entitle/plan"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subscription"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
//
// Usage commits and credit appends span several statements; mu serializes
// them within the process. A SQLite file is expected to have one writer.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
	mu  sync.Mutex
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("entitle/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	p.Revision = 1
	m, err := toPlanModel(p)
	if err != nil {
		return err
	}
	_, err = s.sdb.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: plan %s", entitle.ErrAlreadyExists, p.Slug)
	}
	return err
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", planID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("slug = ?", slug).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel
	q := s.sdb.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("tier_rank ASC, slug ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*plan.Plan, len(models))
	for i := range models {
		p, err := fromPlanModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdatePlanPointer(ctx context.Context, planID id.PlanID, versionID id.PlanVersionID, number int, expectedRevision int64) error {
	res, err := s.sdb.NewUpdate((*planModel)(nil)).
		Set("current_version_id = ?", versionID.String()).
		Set("current_version = ?", number).
		Set("revision = revision + 1").
		Set("updated_at = ?", now()).
		Where("id = ?", planID.String()).
		Where("revision = ?", expectedRevision).
		Exec(ctx)
	if err := updatedOrStale(res, err); err != nil {
		if errors.Is(err, entitle.ErrStaleWriteConflict) {
			if _, getErr := s.GetPlan(ctx, planID); getErr != nil {
				return getErr
			}
		}
		return err
	}
	return nil
}

func (s *Store) CreateVersion(ctx context.Context, v *plan.Version) error {
	m, err := toVersionModel(v)
	if err != nil {
		return err
	}
	_, err = s.sdb.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: version %d", entitle.ErrAlreadyExists, v.Number)
	}
	return err
}

func (s *Store) GetVersion(ctx context.Context, versionID id.PlanVersionID) (*plan.Version, error) {
	m := new(versionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", versionID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrVersionNotFound
		}
		return nil, err
	}
	return fromVersionModel(m)
}

func (s *Store) GetVersionByNumber(ctx context.Context, planID id.PlanID, number int) (*plan.Version, error) {
	m := new(versionModel)
	err := s.sdb.NewSelect(m).
		Where("plan_id = ?", planID.String()).
		Where("number = ?", number).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrVersionNotFound
		}
		return nil, err
	}
	return fromVersionModel(m)
}

func (s *Store) ListVersions(ctx context.Context, planID id.PlanID) ([]*plan.Version, error) {
	var models []versionModel
	err := s.sdb.NewSelect(&models).
		Where("plan_id = ?", planID.String()).
		OrderExpr("number ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*plan.Version, len(models))
	for i := range models {
		v, err := fromVersionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// ==================== Assignment Store ====================

func (s *Store) GetAssignment(ctx context.Context, tenantID string) (*plan.Assignment, error) {
	m := new(assignmentModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrNoAssignment
		}
		return nil, err
	}
	return fromAssignmentModel(m)
}

func (s *Store) SaveAssignment(ctx context.Context, a *plan.Assignment, expectedRevision int64) error {
	if expectedRevision == 0 {
		m := toAssignmentModel(a)
		m.Revision = 1
		res, err := s.sdb.NewInsert(m).
			OnConflict("(tenant_id) DO NOTHING").
			Exec(ctx)
		if err := updatedOrStale(res, err); err != nil {
			return err
		}
		a.Revision = 1
		return nil
	}

	res, err := s.sdb.NewUpdate((*assignmentModel)(nil)).
		Set("id = ?", a.ID.String()).
		Set("plan_id = ?", a.PlanID.String()).
		Set("version_id = ?", a.VersionID.String()).
		Set("billing_anchor = ?", a.BillingAnchor).
		Set("revision = revision + 1").
		Set("updated_at = ?", now()).
		Where("tenant_id = ?", a.TenantID).
		Where("revision = ?", expectedRevision).
		Exec(ctx)
	if err := updatedOrStale(res, err); err != nil {
		return err
	}
	a.Revision = expectedRevision + 1
	return nil
}

func (s *Store) DeleteAssignment(ctx context.Context, tenantID string) error {
	res, err := s.sdb.NewDelete((*assignmentModel)(nil)).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrNoAssignment
	}
	return nil
}

// ==================== Override Store ====================

func (s *Store) ListOverrides(ctx context.Context, tenantID string) ([]*plan.Override, error) {
	var models []overrideModel
	err := s.sdb.NewSelect(&models).
		Where("tenant_id = ?", tenantID).
		OrderExpr("key ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*plan.Override, len(models))
	for i := range models {
		o, err := fromOverrideModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = o
	}
	return result, nil
}

func (s *Store) SaveOverride(ctx context.Context, o *plan.Override, expectedRevision int64) error {
	m, err := toOverrideModel(o)
	if err != nil {
		return err
	}

	if expectedRevision == 0 {
		m.Revision = 1
		res, err := s.sdb.NewInsert(m).
			OnConflict("(tenant_id, key) DO NOTHING").
			Exec(ctx)
		if err := updatedOrStale(res, err); err != nil {
			return err
		}
		o.Revision = 1
		return nil
	}

	res, err := s.sdb.NewUpdate((*overrideModel)(nil)).
		Set("id = ?", m.ID).
		Set("value = ?", m.Value).
		Set("revision = revision + 1").
		Set("updated_at = ?", now()).
		Where("tenant_id = ?", o.TenantID).
		Where("key = ?", o.Key).
		Where("revision = ?", expectedRevision).
		Exec(ctx)
	if err := updatedOrStale(res, err); err != nil {
		return err
	}
	o.Revision = expectedRevision + 1
	return nil
}

func (s *Store) DeleteOverride(ctx context.Context, tenantID, key string) error {
	res, err := s.sdb.NewDelete((*overrideModel)(nil)).
		Where("tenant_id = ?", tenantID).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("external_id = ?", externalID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).Where("tenant_id = ?", tenantID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub *subscription.Subscription, expectedRevision int64) error {
	m := toSubscriptionModel(sub)

	if expectedRevision == 0 {
		m.Revision = 1
		res, err := s.sdb.NewInsert(m).
			OnConflict("(external_id) DO NOTHING").
			Exec(ctx)
		if err := updatedOrStale(res, err); err != nil {
			return err
		}
		sub.Revision = 1
		return nil
	}

	res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("plan_id = ?", m.PlanID).
		Set("status = ?", m.Status).
		Set("current_period_start = ?", m.CurrentPeriodStart).
		Set("current_period_end = ?", m.CurrentPeriodEnd).
		Set("canceled_at = ?", m.CanceledAt).
		Set("last_event_id = ?", m.LastEventID).
		Set("last_event_at = ?", m.LastEventAt).
		Set("revision = revision + 1").
		Set("updated_at = ?", now()).
		Where("external_id = ?", m.ExternalID).
		Where("revision = ?", expectedRevision).
		Exec(ctx)
	if err := updatedOrStale(res, err); err != nil {
		return err
	}
	sub.Revision = expectedRevision + 1
	return nil
}

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := s.sdb.NewRaw(`
		SELECT COUNT(*) FROM entitle_processed_events WHERE event_id = ?
	`, eventID).Scan(ctx, &n)
	return n > 0, err
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.sdb.NewInsert(&processedEventModel{EventID: eventID, ProcessedAt: at.UTC()}).
		OnConflict("(event_id) DO NOTHING").
		Exec(ctx)
	return err
}

// ==================== Meter Store ====================

// CommitUsage claims the idempotency key, then bumps the counter. A failed
// bump releases the claim so a retry of the same record can land.
func (s *Store) CommitUsage(ctx context.Context, r *meter.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim := &usageKeyModel{
		TenantID:       r.TenantID,
		UsageType:      r.UsageType,
		IdempotencyKey: r.IdempotencyKey,
		ClaimedAt:      r.Timestamp.UTC(),
	}
	res, err := s.sdb.NewInsert(claim).
		OnConflict("(tenant_id, usage_type, idempotency_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	_, err = s.sdb.NewInsert(&usageCounterModel{
		TenantID:    r.TenantID,
		UsageType:   r.UsageType,
		PeriodStart: r.PeriodStart.UTC(),
		Quantity:    r.Quantity,
		UpdatedAt:   now(),
	}).
		OnConflict("(tenant_id, usage_type, period_start) DO UPDATE").
		Set("quantity = entitle_usage_counters.quantity + EXCLUDED.quantity").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		_, _ = s.sdb.NewDelete((*usageKeyModel)(nil)).
			Where("tenant_id = ?", r.TenantID).
			Where("usage_type = ?", r.UsageType).
			Where("idempotency_key = ?", r.IdempotencyKey).
			Exec(ctx)
		return false, err
	}
	return true, nil
}

func (s *Store) UsageTotal(ctx context.Context, tenantID, usageType string, periodStart time.Time) (int64, error) {
	m := new(usageCounterModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Where("usage_type = ?", usageType).
		Where("period_start = ?", periodStart.UTC()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, err
	}
	return m.Quantity, nil
}

func (s *Store) IdempotencyKeySeen(ctx context.Context, tenantID, usageType, key string) (bool, error) {
	var n int64
	err := s.sdb.NewRaw(`
		SELECT COUNT(*) FROM entitle_usage_keys
		WHERE tenant_id = ? AND usage_type = ? AND idempotency_key = ?
	`, tenantID, usageType, key).Scan(ctx, &n)
	return n > 0, err
}

func (s *Store) PurgeIdempotencyKeys(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*usageKeyModel)(nil)).
		Where("claimed_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Credits Store ====================

// AppendTransaction inserts the ledger row, then moves the balance with a
// revision check. If the balance moved underneath, the row is removed again.
func (s *Store) AppendTransaction(ctx context.Context, tx *credits.Transaction, allowNegative bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := &balanceModel{TenantID: tx.TenantID, Amount: decimal.Zero, UpdatedAt: now()}
	if _, err := s.sdb.NewInsert(bal).OnConflict("(tenant_id) DO NOTHING").Exec(ctx); err != nil {
		return err
	}
	if err := s.sdb.NewSelect(bal).Where("tenant_id = ?", tx.TenantID).Scan(ctx); err != nil {
		return err
	}

	next := bal.Amount.Add(tx.Amount)
	if tx.Amount.IsNegative() && next.IsNegative() && !allowNegative {
		return entitle.ErrInsufficientCredits
	}
	tx.BalanceAfter = next

	_, err := s.sdb.NewInsert(toTransactionModel(tx)).Exec(ctx)
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	res, err := s.sdb.NewUpdate((*balanceModel)(nil)).
		Set("amount = ?", next).
		Set("revision = revision + 1").
		Set("updated_at = ?", tx.CreatedAt.UTC()).
		Where("tenant_id = ?", tx.TenantID).
		Where("revision = ?", bal.Revision).
		Exec(ctx)
	if err := updatedOrStale(res, err); err != nil {
		_, _ = s.sdb.NewDelete((*transactionModel)(nil)).
			Where("id = ?", tx.ID.String()).
			Exec(ctx)
		return err
	}
	return nil
}

func (s *Store) GetTransactionByKey(ctx context.Context, tenantID, key string) (*credits.Transaction, error) {
	m := new(transactionModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Where("idempotency_key = ?", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrTransactionMissing
		}
		return nil, err
	}
	return fromTransactionModel(m)
}

func (s *Store) CreditBalance(ctx context.Context, tenantID string) (*credits.Balance, error) {
	m := new(balanceModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrNotFound
		}
		return nil, err
	}
	return &credits.Balance{
		TenantID:  m.TenantID,
		Amount:    m.Amount,
		Revision:  m.Revision,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

// SumTransactions adds amounts in Go; SQLite SUM over TEXT would go through
// floating point.
func (s *Store) SumTransactions(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	var models []transactionModel
	if err := s.sdb.NewSelect(&models).Where("tenant_id = ?", tenantID).Scan(ctx); err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for i := range models {
		sum = sum.Add(models[i].Amount)
	}
	return sum, nil
}

func (s *Store) ListTransactions(ctx context.Context, tenantID string, opts credits.ListOpts) ([]*credits.Transaction, error) {
	var models []transactionModel
	q := s.sdb.NewSelect(&models).Where("tenant_id = ?", tenantID)

	if opts.Type != "" {
		q = q.Where("type = ?", string(opts.Type))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*credits.Transaction, len(models))
	for i := range models {
		tx, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = tx
	}
	return result, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

// updatedOrStale maps a write that touched no row to a stale write.
func updatedOrStale(res rowsAffecter, err error) error {
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrStaleWriteConflict
	}
	return nil
}
