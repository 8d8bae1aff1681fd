package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/meter"
	"github.com/xraph/entitle/plan"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subscription"
)

// Collection name constants.
const (
	colPlans         = "entitle_plans"
	colVersions      = "entitle_plan_versions"
	colAssignments   = "entitle_assignments"
	colOverrides     = "entitle_overrides"
	colSubscriptions = "entitle_subscriptions"
	colUsageKeys     = "entitle_usage_keys"
	colTransactions  = "entitle_credit_transactions"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
//
// Revisioned documents are updated with the expected revision in the filter.
// Credit appends insert the ledger document first and then move the balance
// conditionally, removing the ledger document if the balance moved meanwhile.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all entitle collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("entitle/mongo: migrate %s indexes: %w", col, err)
		}
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
	_, err := s.mdb.NewInsert(toPlanModel(p)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: plan %s", entitle.ErrAlreadyExists, p.Slug)
		}
		return fmt.Errorf("entitle/mongo: create plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": planID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"slug": slug}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get plan by slug: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "tier_rank", Value: 1}, {Key: "slug", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list plans: %w", err)
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
	res, err := s.mdb.NewUpdate((*planModel)(nil)).
		Filter(bson.M{"_id": planID.String(), "revision": expectedRevision}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"current_version_id": versionID.String(),
				"current_version":    number,
				"updated_at":         now(),
			},
			"$inc": bson.M{"revision": 1},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: update plan pointer: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, err := s.GetPlan(ctx, planID); err != nil {
			return err
		}
		return entitle.ErrStaleWriteConflict
	}
	return nil
}

func (s *Store) CreateVersion(ctx context.Context, v *plan.Version) error {
	_, err := s.mdb.NewInsert(toVersionModel(v)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: version %d", entitle.ErrAlreadyExists, v.Number)
		}
		return fmt.Errorf("entitle/mongo: create version: %w", err)
	}
	return nil
}

func (s *Store) GetVersion(ctx context.Context, versionID id.PlanVersionID) (*plan.Version, error) {
	var m versionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": versionID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrVersionNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get version: %w", err)
	}
	return fromVersionModel(&m)
}

func (s *Store) GetVersionByNumber(ctx context.Context, planID id.PlanID, number int) (*plan.Version, error) {
	var m versionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"plan_id": planID.String(), "number": number}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrVersionNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get version by number: %w", err)
	}
	return fromVersionModel(&m)
}

func (s *Store) ListVersions(ctx context.Context, planID id.PlanID) ([]*plan.Version, error) {
	var models []versionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"plan_id": planID.String()}).
		Sort(bson.D{{Key: "number", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: list versions: %w", err)
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
	var m assignmentModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": tenantID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrNoAssignment
		}
		return nil, fmt.Errorf("entitle/mongo: get assignment: %w", err)
	}
	return fromAssignmentModel(&m)
}

func (s *Store) SaveAssignment(ctx context.Context, a *plan.Assignment, expectedRevision int64) error {
	m := toAssignmentModel(a)

	if expectedRevision == 0 {
		m.Revision = 1
		if err := s.insertNew(ctx, m, "assignment"); err != nil {
			return err
		}
		a.Revision = 1
		return nil
	}

	res, err := s.mdb.NewUpdate((*assignmentModel)(nil)).
		Filter(bson.M{"_id": a.TenantID, "revision": expectedRevision}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"assignment_id":  m.ID,
				"plan_id":        m.PlanID,
				"version_id":     m.VersionID,
				"billing_anchor": m.BillingAnchor,
				"updated_at":     now(),
			},
			"$inc": bson.M{"revision": 1},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: save assignment: %w", err)
	}
	if res.MatchedCount() == 0 {
		return entitle.ErrStaleWriteConflict
	}
	a.Revision = expectedRevision + 1
	return nil
}

func (s *Store) DeleteAssignment(ctx context.Context, tenantID string) error {
	res, err := s.mdb.NewDelete((*assignmentModel)(nil)).
		Filter(bson.M{"_id": tenantID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: delete assignment: %w", err)
	}
	if res.DeletedCount() == 0 {
		return entitle.ErrNoAssignment
	}
	return nil
}

// ==================== Override Store ====================

func (s *Store) ListOverrides(ctx context.Context, tenantID string) ([]*plan.Override, error) {
	var models []overrideModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"tenant_id": tenantID}).
		Sort(bson.D{{Key: "key", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: list overrides: %w", err)
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
	m := toOverrideModel(o)

	if expectedRevision == 0 {
		m.Revision = 1
		if err := s.insertNew(ctx, m, "override"); err != nil {
			return err
		}
		o.Revision = 1
		return nil
	}

	set := bson.M{"override_id": m.OverID, "updated_at": now()}
	unset := bson.M{}
	if m.Feature != nil {
		set["feature"] = m.Feature
		unset["limit"] = ""
	} else {
		set["limit"] = m.Limit
		unset["feature"] = ""
	}

	res, err := s.mdb.NewUpdate((*overrideModel)(nil)).
		Filter(bson.M{"_id": m.DocID, "revision": expectedRevision}).
		SetUpdate(bson.M{"$set": set, "$unset": unset, "$inc": bson.M{"revision": 1}}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: save override: %w", err)
	}
	if res.MatchedCount() == 0 {
		return entitle.ErrStaleWriteConflict
	}
	o.Revision = expectedRevision + 1
	return nil
}

func (s *Store) DeleteOverride(ctx context.Context, tenantID, key string) error {
	res, err := s.mdb.NewDelete((*overrideModel)(nil)).
		Filter(bson.M{"_id": overrideDocID(tenantID, key)}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: delete override: %w", err)
	}
	if res.DeletedCount() == 0 {
		return entitle.ErrNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"external_id": externalID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get subscription by external id: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	filter := bson.M{"tenant_id": tenantID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list subscriptions: %w", err)
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
		if err := s.insertNew(ctx, m, "subscription"); err != nil {
			return err
		}
		sub.Revision = 1
		return nil
	}

	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{"external_id": m.ExternalID, "revision": expectedRevision}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"plan_id":              m.PlanID,
				"status":               m.Status,
				"current_period_start": m.CurrentPeriodStart,
				"current_period_end":   m.CurrentPeriodEnd,
				"canceled_at":          m.CanceledAt,
				"last_event_id":        m.LastEventID,
				"last_event_at":        m.LastEventAt,
				"updated_at":           now(),
			},
			"$inc": bson.M{"revision": 1},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: save subscription: %w", err)
	}
	if res.MatchedCount() == 0 {
		return entitle.ErrStaleWriteConflict
	}
	sub.Revision = expectedRevision + 1
	return nil
}

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var m processedEventModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": eventID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return false, nil
		}
		return false, fmt.Errorf("entitle/mongo: event processed: %w", err)
	}
	return true, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.mdb.NewInsert(&processedEventModel{EventID: eventID, ProcessedAt: at.UTC()}).Exec(ctx)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("entitle/mongo: mark event processed: %w", err)
	}
	return nil
}

// ==================== Meter Store ====================

// CommitUsage claims the idempotency key through its unique _id, then
// increments the period counter. A failed increment releases the claim.
func (s *Store) CommitUsage(ctx context.Context, r *meter.Record) (bool, error) {
	claim := &usageKeyModel{
		DocID:          usageKeyDocID(r.TenantID, r.UsageType, r.IdempotencyKey),
		TenantID:       r.TenantID,
		UsageType:      r.UsageType,
		IdempotencyKey: r.IdempotencyKey,
		ClaimedAt:      r.Timestamp.UTC(),
	}
	if _, err := s.mdb.NewInsert(claim).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("entitle/mongo: claim usage key: %w", err)
	}

	_, err := s.mdb.NewUpdate((*usageCounterModel)(nil)).
		Filter(bson.M{"_id": usageCounterDocID(r.TenantID, r.UsageType, r.PeriodStart)}).
		SetUpdate(bson.M{
			"$setOnInsert": bson.M{
				"tenant_id":    r.TenantID,
				"usage_type":   r.UsageType,
				"period_start": r.PeriodStart.UTC(),
			},
			"$inc": bson.M{"quantity": r.Quantity},
			"$set": bson.M{"updated_at": now()},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		_, _ = s.mdb.NewDelete((*usageKeyModel)(nil)).
			Filter(bson.M{"_id": claim.DocID}).
			Exec(ctx)
		return false, fmt.Errorf("entitle/mongo: bump usage counter: %w", err)
	}
	return true, nil
}

func (s *Store) UsageTotal(ctx context.Context, tenantID, usageType string, periodStart time.Time) (int64, error) {
	var m usageCounterModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": usageCounterDocID(tenantID, usageType, periodStart)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("entitle/mongo: usage total: %w", err)
	}
	return m.Quantity, nil
}

func (s *Store) IdempotencyKeySeen(ctx context.Context, tenantID, usageType, key string) (bool, error) {
	var m usageKeyModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": usageKeyDocID(tenantID, usageType, key)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return false, nil
		}
		return false, fmt.Errorf("entitle/mongo: usage key seen: %w", err)
	}
	return true, nil
}

func (s *Store) PurgeIdempotencyKeys(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*usageKeyModel)(nil)).
		Filter(bson.M{"claimed_at": bson.M{"$lt": before.UTC()}}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("entitle/mongo: purge usage keys: %w", err)
	}
	return res.DeletedCount(), nil
}

// ==================== Credits Store ====================

func (s *Store) AppendTransaction(ctx context.Context, tx *credits.Transaction, allowNegative bool) error {
	current, revision, err := s.balance(ctx, tx.TenantID)
	if err != nil {
		return err
	}

	next := current.Add(tx.Amount)
	if tx.Amount.IsNegative() && next.IsNegative() && !allowNegative {
		return entitle.ErrInsufficientCredits
	}
	tx.BalanceAfter = next

	if _, err := s.mdb.NewInsert(toTransactionModel(tx)).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrAlreadyExists
		}
		return fmt.Errorf("entitle/mongo: append transaction: %w", err)
	}

	// A first write upserts on revision 0; a concurrent first write then
	// fails on the _id and is reported as stale like any other race.
	_, err = s.mdb.NewUpdate((*balanceModel)(nil)).
		Filter(bson.M{"_id": tx.TenantID, "revision": revision}).
		SetUpdate(bson.M{
			"$set": bson.M{"amount": next.String(), "updated_at": tx.CreatedAt.UTC()},
			"$inc": bson.M{"revision": 1},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		_, _ = s.mdb.NewDelete((*transactionModel)(nil)).
			Filter(bson.M{"_id": tx.ID.String()}).
			Exec(ctx)
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrStaleWriteConflict
		}
		return fmt.Errorf("entitle/mongo: move balance: %w", err)
	}
	return nil
}

func (s *Store) balance(ctx context.Context, tenantID string) (decimal.Decimal, int64, error) {
	var m balanceModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": tenantID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return decimal.Zero, 0, nil
		}
		return decimal.Zero, 0, fmt.Errorf("entitle/mongo: get balance: %w", err)
	}
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("entitle/mongo: parse balance: %w", err)
	}
	return amount, m.Revision, nil
}

func (s *Store) GetTransactionByKey(ctx context.Context, tenantID, key string) (*credits.Transaction, error) {
	var m transactionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"tenant_id": tenantID, "idempotency_key": key}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrTransactionMissing
		}
		return nil, fmt.Errorf("entitle/mongo: get transaction: %w", err)
	}
	return fromTransactionModel(&m)
}

func (s *Store) CreditBalance(ctx context.Context, tenantID string) (*credits.Balance, error) {
	var m balanceModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": tenantID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get balance: %w", err)
	}
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: parse balance: %w", err)
	}
	return &credits.Balance{
		TenantID:  m.TenantID,
		Amount:    amount,
		Revision:  m.Revision,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

func (s *Store) SumTransactions(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	cursor, err := s.mdb.Collection(colTransactions).Find(ctx,
		bson.M{"tenant_id": tenantID},
		options.Find().SetProjection(bson.M{"amount": 1}),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("entitle/mongo: sum transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Amount string `bson:"amount"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return decimal.Zero, fmt.Errorf("entitle/mongo: sum transactions decode: %w", err)
	}

	sum := decimal.Zero
	for _, r := range rows {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("entitle/mongo: parse amount: %w", err)
		}
		sum = sum.Add(amount)
	}
	return sum, nil
}

func (s *Store) ListTransactions(ctx context.Context, tenantID string, opts credits.ListOpts) ([]*credits.Transaction, error) {
	var models []transactionModel

	filter := bson.M{"tenant_id": tenantID}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list transactions: %w", err)
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

// insertNew inserts a document that must not exist yet.
func (s *Store) insertNew(ctx context.Context, model any, what string) error {
	if _, err := s.mdb.NewInsert(model).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrStaleWriteConflict
		}
		return fmt.Errorf("entitle/mongo: create %s: %w", what, err)
	}
	return nil
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all entitle collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colPlans: {
			{
				Keys:    bson.D{{Key: "slug", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "tier_rank", Value: 1}}},
		},
		colVersions: {
			{
				Keys:    bson.D{{Key: "plan_id", Value: 1}, {Key: "number", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colAssignments: {
			{Keys: bson.D{{Key: "version_id", Value: 1}}},
		},
		colOverrides: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "key", Value: 1}}},
		},
		colSubscriptions: {
			{
				Keys:    bson.D{{Key: "external_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colUsageKeys: {
			{Keys: bson.D{{Key: "claimed_at", Value: 1}}},
		},
		colTransactions: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{
				Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$gt": ""}}),
			},
		},
	}
}
