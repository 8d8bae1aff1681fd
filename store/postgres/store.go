package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
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

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("entitle/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("entitle/postgres: migration failed: %w", err)
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
	_, err := s.pg.NewInsert(toPlanModel(p)).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: plan %s", entitle.ErrAlreadyExists, p.Slug)
	}
	return err
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", planID.String()).
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
	err := s.pg.NewSelect(m).
		Where("slug = $1", slug).
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
	q := s.pg.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = $1", string(opts.Status))
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
	var revision int64
	err := s.pg.NewRaw(`
		UPDATE entitle_plans
		SET current_version_id = $1, current_version = $2, revision = revision + 1, updated_at = $3
		WHERE id = $4 AND revision = $5
		RETURNING revision
	`, versionID.String(), number, now(), planID.String(), expectedRevision).Scan(ctx, &revision)
	if isNoRows(err) {
		if _, getErr := s.GetPlan(ctx, planID); getErr != nil {
			return getErr
		}
		return entitle.ErrStaleWriteConflict
	}
	return err
}

func (s *Store) CreateVersion(ctx context.Context, v *plan.Version) error {
	m, err := toVersionModel(v)
	if err != nil {
		return err
	}
	_, err = s.pg.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: version %d", entitle.ErrAlreadyExists, v.Number)
	}
	return err
}

func (s *Store) GetVersion(ctx context.Context, versionID id.PlanVersionID) (*plan.Version, error) {
	m := new(versionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", versionID.String()).
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
	err := s.pg.NewSelect(m).
		Where("plan_id = $1", planID.String()).
		Where("number = $2", number).
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
	err := s.pg.NewSelect(&models).
		Where("plan_id = $1", planID.String()).
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
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
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
		res, err := s.pg.NewInsert(m).
			OnConflict("(tenant_id) DO NOTHING").
			Exec(ctx)
		if err := insertedOrStale(res, err); err != nil {
			return err
		}
		a.Revision = 1
		return nil
	}

	var revision int64
	err := s.pg.NewRaw(`
		UPDATE entitle_assignments
		SET id = $1, plan_id = $2, version_id = $3, billing_anchor = $4,
		    revision = revision + 1, updated_at = $5
		WHERE tenant_id = $6 AND revision = $7
		RETURNING revision
	`, a.ID.String(), a.PlanID.String(), a.VersionID.String(), a.BillingAnchor, now(),
		a.TenantID, expectedRevision).Scan(ctx, &revision)
	if err != nil {
		return staleOnNoRows(err)
	}
	a.Revision = revision
	return nil
}

func (s *Store) DeleteAssignment(ctx context.Context, tenantID string) error {
	res, err := s.pg.NewDelete((*assignmentModel)(nil)).
		Where("tenant_id = $1", tenantID).
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
	err := s.pg.NewSelect(&models).
		Where("tenant_id = $1", tenantID).
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
		res, err := s.pg.NewInsert(m).
			OnConflict("(tenant_id, key) DO NOTHING").
			Exec(ctx)
		if err := insertedOrStale(res, err); err != nil {
			return err
		}
		o.Revision = 1
		return nil
	}

	var revision int64
	err = s.pg.NewRaw(`
		UPDATE entitle_overrides
		SET id = $1, value = $2, revision = revision + 1, updated_at = $3
		WHERE tenant_id = $4 AND key = $5 AND revision = $6
		RETURNING revision
	`, m.ID, string(m.Value), now(), o.TenantID, o.Key, expectedRevision).Scan(ctx, &revision)
	if err != nil {
		return staleOnNoRows(err)
	}
	o.Revision = revision
	return nil
}

func (s *Store) DeleteOverride(ctx context.Context, tenantID, key string) error {
	res, err := s.pg.NewDelete((*overrideModel)(nil)).
		Where("tenant_id = $1", tenantID).
		Where("key = $2", key).
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
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
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
	err := s.pg.NewSelect(m).
		Where("external_id = $1", externalID).
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
	q := s.pg.NewSelect(&models).Where("tenant_id = $1", tenantID)

	if opts.Status != "" {
		q = q.Where("status = $2", string(opts.Status))
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
		res, err := s.pg.NewInsert(m).
			OnConflict("(external_id) DO NOTHING").
			Exec(ctx)
		if err := insertedOrStale(res, err); err != nil {
			return err
		}
		sub.Revision = 1
		return nil
	}

	var revision int64
	err := s.pg.NewRaw(`
		UPDATE entitle_subscriptions
		SET plan_id = $1, status = $2, current_period_start = $3, current_period_end = $4,
		    canceled_at = $5, last_event_id = $6, last_event_at = $7,
		    revision = revision + 1, updated_at = $8
		WHERE external_id = $9 AND revision = $10
		RETURNING revision
	`, m.PlanID, m.Status, m.CurrentPeriodStart, m.CurrentPeriodEnd,
		m.CanceledAt, m.LastEventID, m.LastEventAt, now(),
		m.ExternalID, expectedRevision).Scan(ctx, &revision)
	if err != nil {
		return staleOnNoRows(err)
	}
	sub.Revision = revision
	return nil
}

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := s.pg.NewRaw(`
		SELECT EXISTS (SELECT 1 FROM entitle_processed_events WHERE event_id = $1)
	`, eventID).Scan(ctx, &seen)
	return seen, err
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.pg.NewInsert(&processedEventModel{EventID: eventID, ProcessedAt: at.UTC()}).
		OnConflict("(event_id) DO NOTHING").
		Exec(ctx)
	return err
}

// ==================== Meter Store ====================

// CommitUsage claims the record's idempotency key and bumps the period
// counter in one statement; the counter only moves when the claim inserted.
func (s *Store) CommitUsage(ctx context.Context, r *meter.Record) (bool, error) {
	var claimed int
	err := s.pg.NewRaw(`
		WITH claim AS (
			INSERT INTO entitle_usage_keys (tenant_id, usage_type, idempotency_key, claimed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
			RETURNING 1
		), bump AS (
			INSERT INTO entitle_usage_counters (tenant_id, usage_type, period_start, quantity, updated_at)
			SELECT $1, $2, $5, $6, $4 FROM claim
			ON CONFLICT (tenant_id, usage_type, period_start)
			DO UPDATE SET quantity = entitle_usage_counters.quantity + EXCLUDED.quantity,
			              updated_at = EXCLUDED.updated_at
			RETURNING 1
		)
		SELECT COUNT(*) FROM claim
	`, r.TenantID, r.UsageType, r.IdempotencyKey, r.Timestamp.UTC(),
		r.PeriodStart.UTC(), r.Quantity).Scan(ctx, &claimed)
	if err != nil {
		return false, err
	}
	return claimed > 0, nil
}

func (s *Store) UsageTotal(ctx context.Context, tenantID, usageType string, periodStart time.Time) (int64, error) {
	var total int64
	err := s.pg.NewRaw(`
		SELECT COALESCE(SUM(quantity), 0) FROM entitle_usage_counters
		WHERE tenant_id = $1 AND usage_type = $2 AND period_start = $3
	`, tenantID, usageType, periodStart.UTC()).Scan(ctx, &total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) IdempotencyKeySeen(ctx context.Context, tenantID, usageType, key string) (bool, error) {
	var seen bool
	err := s.pg.NewRaw(`
		SELECT EXISTS (
			SELECT 1 FROM entitle_usage_keys
			WHERE tenant_id = $1 AND usage_type = $2 AND idempotency_key = $3
		)
	`, tenantID, usageType, key).Scan(ctx, &seen)
	return seen, err
}

func (s *Store) PurgeIdempotencyKeys(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pg.NewDelete((*usageKeyModel)(nil)).
		Where("claimed_at < $1", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Credits Store ====================

// AppendTransaction writes the ledger row and moves the balance in one
// statement. The balance update is conditional, so a debit that would take
// the balance below zero inserts nothing.
func (s *Store) AppendTransaction(ctx context.Context, tx *credits.Transaction, allowNegative bool) error {
	_, err := s.pg.NewInsert(&balanceModel{TenantID: tx.TenantID, Amount: decimal.Zero, UpdatedAt: now()}).
		OnConflict("(tenant_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}

	var after decimal.Decimal
	err = s.pg.NewRaw(`
		WITH b AS (
			UPDATE entitle_credit_balances
			SET amount = amount + $2::numeric, revision = revision + 1, updated_at = $3
			WHERE tenant_id = $1 AND ($4::boolean OR $2::numeric >= 0 OR amount + $2::numeric >= 0)
			RETURNING amount
		), t AS (
			INSERT INTO entitle_credit_transactions
				(id, tenant_id, amount, type, reason, reference_id, idempotency_key, balance_after, expires_at, created_at)
			SELECT $5, $1, $2::numeric, $6, $7, $8, $9, b.amount, $10, $3 FROM b
			RETURNING balance_after
		)
		SELECT balance_after FROM t
	`, tx.TenantID, tx.Amount, tx.CreatedAt.UTC(), allowNegative,
		tx.ID.String(), string(tx.Type), tx.Reason, tx.ReferenceID, tx.IdempotencyKey, tx.ExpiresAt).
		Scan(ctx, &after)
	switch {
	case isNoRows(err):
		return entitle.ErrInsufficientCredits
	case isUniqueViolation(err):
		return entitle.ErrAlreadyExists
	case err != nil:
		return err
	}
	tx.BalanceAfter = after
	return nil
}

func (s *Store) GetTransactionByKey(ctx context.Context, tenantID, key string) (*credits.Transaction, error) {
	m := new(transactionModel)
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
		Where("idempotency_key = $2", key).
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
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
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

func (s *Store) SumTransactions(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.pg.NewRaw(`
		SELECT COALESCE(SUM(amount), 0) FROM entitle_credit_transactions WHERE tenant_id = $1
	`, tenantID).Scan(ctx, &sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (s *Store) ListTransactions(ctx context.Context, tenantID string, opts credits.ListOpts) ([]*credits.Transaction, error) {
	var models []transactionModel
	q := s.pg.NewSelect(&models).Where("tenant_id = $1", tenantID)

	if opts.Type != "" {
		q = q.Where("type = $2", string(opts.Type))
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

// isUniqueViolation reports a PostgreSQL unique constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

// insertedOrStale maps an ON CONFLICT DO NOTHING insert that wrote no row to
// a stale write.
func insertedOrStale(res rowsAffecter, err error) error {
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

func staleOnNoRows(err error) error {
	if isNoRows(err) {
		return entitle.ErrStaleWriteConflict
	}
	return err
}
