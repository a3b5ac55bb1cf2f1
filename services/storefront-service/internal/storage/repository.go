package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sitewright/sitewright/libs/db"
	"github.com/sitewright/sitewright/services/storefront-service/internal/outbox"
	"github.com/sitewright/sitewright/services/storefront-service/internal/plan"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrVersionConflict means the row changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

type Repository struct {
	pool       *db.Pool
	outboxRepo *outbox.Repository
}

func NewRepository(pool *db.Pool, outboxRepo *outbox.Repository) *Repository {
	return &Repository{pool: pool, outboxRepo: outboxRepo}
}

func (r *Repository) CreateAccount(ctx context.Context, a Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, customer_ref, referral_code, referred_by_code)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.Email, nullIfEmpty(a.CustomerRef), a.ReferralCode, nullIfEmpty(a.ReferredByCode))
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

const accountColumns = `
	id, email, COALESCE(customer_ref, ''), referral_code,
	referral_earnings_cents, referral_count, COALESCE(referred_by_code, ''),
	created_at, updated_at`

func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (r *Repository) GetAccountByReferralCode(ctx context.Context, code string) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+accountColumns+` FROM accounts WHERE referral_code = $1`, code)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.CustomerRef, &a.ReferralCode,
		&a.ReferralEarningsCents, &a.ReferralCount, &a.ReferredByCode,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

// SetCustomerRef records the provider customer id. Set once; later calls
// with a different ref are ignored so a concurrent create cannot clobber it.
func (r *Repository) SetCustomerRef(ctx context.Context, accountID uuid.UUID, ref string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET customer_ref = $2, updated_at = now()
		WHERE id = $1 AND (customer_ref IS NULL OR customer_ref = '')
	`, accountID, ref)
	return err
}

// ConsumeReferralCode stores the code an account signed up with. Write-once:
// returns false when the account already consumed a code.
func (r *Repository) ConsumeReferralCode(ctx context.Context, accountID uuid.UUID, code string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET referred_by_code = $2, updated_at = now()
		WHERE id = $1 AND referred_by_code IS NULL
	`, accountID, code)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CreditReferral adds a bounty to the referrer's ledger and emits the
// given outbox events in the same transaction.
func (r *Repository) CreditReferral(ctx context.Context, referrerID uuid.UUID, cents int64, evts ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET referral_earnings_cents = referral_earnings_cents + $2,
		    referral_count = referral_count + 1,
		    updated_at = now()
		WHERE id = $1
	`, referrerID, cents)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	for _, evt := range evts {
		if err := r.outboxRepo.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) CreateWebsite(ctx context.Context, w Website) error {
	pendingPlan, pendingAt := pendingDowngradeColumns(w)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO websites (id, account_id, name, hosting, updates, subscription_ref,
			pending_downgrade_plan, pending_downgrade_effective_at, pending_cancel_effective_at,
			current_period_end, final_payment_amount_cents, final_payment_paid, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
	`, w.ID, w.AccountID, w.Name, w.Hosting, w.Updates, nullIfEmpty(w.SubscriptionRef),
		pendingPlan, pendingAt, w.PendingCancelEffectiveAt,
		w.CurrentPeriodEnd, w.FinalPaymentAmountCents, w.FinalPaymentPaid)
	return err
}

const websiteColumns = `
	id, account_id, name, hosting, updates, COALESCE(subscription_ref, ''),
	COALESCE(pending_downgrade_plan, ''), pending_downgrade_effective_at, pending_cancel_effective_at,
	current_period_end, final_payment_amount_cents, final_payment_paid,
	last_payment_failed_at, cancelled_at, version, created_at, updated_at`

func (r *Repository) GetWebsite(ctx context.Context, id uuid.UUID) (Website, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+websiteColumns+` FROM websites WHERE id = $1`, id)
	return scanWebsite(row)
}

func (r *Repository) GetWebsiteBySubscriptionRef(ctx context.Context, ref string) (Website, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+websiteColumns+` FROM websites WHERE subscription_ref = $1`, ref)
	return scanWebsite(row)
}

func (r *Repository) ListWebsites(ctx context.Context, accountID uuid.UUID) ([]Website, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+websiteColumns+` FROM websites WHERE account_id = $1 ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebsites(rows)
}

// ListSubscribedWebsites returns websites with an active provider
// subscription, most recently touched first. The reconcile poller walks this.
func (r *Repository) ListSubscribedWebsites(ctx context.Context, limit int) ([]Website, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT`+websiteColumns+`
		FROM websites
		WHERE subscription_ref IS NOT NULL AND subscription_ref <> ''
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebsites(rows)
}

func scanWebsites(rows pgx.Rows) ([]Website, error) {
	var out []Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanWebsite(row pgx.Row) (Website, error) {
	var w Website
	var pendingPlan string
	err := row.Scan(&w.ID, &w.AccountID, &w.Name, &w.Hosting, &w.Updates, &w.SubscriptionRef,
		&pendingPlan, &w.PendingDowngradeEffectiveAt, &w.PendingCancelEffectiveAt,
		&w.CurrentPeriodEnd, &w.FinalPaymentAmountCents, &w.FinalPaymentPaid,
		&w.LastPaymentFailedAt, &w.CancelledAt, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Website{}, ErrNotFound
		}
		return Website{}, err
	}
	w.PendingDowngradePlan = plan.Plan(pendingPlan)
	return w, nil
}

// UpdateWebsite persists the full mutable state of a website guarded by its
// version, inserting any outbox events in the same transaction. The version
// the caller read must still be current or ErrVersionConflict is returned.
func (r *Repository) UpdateWebsite(ctx context.Context, w Website, evts ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	pendingPlan, pendingAt := pendingDowngradeColumns(w)
	tag, err := tx.Exec(ctx, `
		UPDATE websites
		SET name = $3,
		    hosting = $4,
		    updates = $5,
		    subscription_ref = $6,
		    pending_downgrade_plan = $7,
		    pending_downgrade_effective_at = $8,
		    pending_cancel_effective_at = $9,
		    current_period_end = $10,
		    last_payment_failed_at = $11,
		    cancelled_at = $12,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $2
	`, w.ID, w.Version, w.Name, w.Hosting, w.Updates, nullIfEmpty(w.SubscriptionRef),
		pendingPlan, pendingAt, w.PendingCancelEffectiveAt,
		w.CurrentPeriodEnd, w.LastPaymentFailedAt, w.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	for _, evt := range evts {
		if err := r.outboxRepo.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) DeleteWebsite(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM websites WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFinalPaymentPaid flips the paid flag. Returns true only for the call
// that performed the flip, which gates referral crediting to exactly once.
func (r *Repository) MarkFinalPaymentPaid(ctx context.Context, websiteID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE websites
		SET final_payment_paid = TRUE, updated_at = now()
		WHERE id = $1 AND final_payment_paid = FALSE
	`, websiteID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SeenEvent reports whether a provider event id was already processed.
func (r *Repository) SeenEvent(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM provider_events WHERE provider = $1 AND provider_event_id = $2)
	`, provider, eventID).Scan(&exists)
	return exists, err
}

// RecordEvent marks a provider event as processed. Safe to call twice.
func (r *Repository) RecordEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) error {
	var body any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return err
		}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, provider, eventID, eventType, body)
	return err
}

type AuditEvent struct {
	EventType string
	ActorType string
	ActorID   string
	AccountID string
	Metadata  []byte
}

func (r *Repository) InsertAuditEvent(ctx context.Context, evt AuditEvent) error {
	var metadata any
	if len(evt.Metadata) > 0 {
		if err := json.Unmarshal(evt.Metadata, &metadata); err != nil {
			return err
		}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_events (event_type, actor_type, actor_id, account_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, evt.EventType, evt.ActorType, nullIfEmpty(evt.ActorID), nullIfEmpty(evt.AccountID), metadata)
	return err
}

func pendingDowngradeColumns(w Website) (any, *time.Time) {
	if w.PendingDowngradeEffectiveAt == nil {
		return nil, nil
	}
	return string(w.PendingDowngradePlan), w.PendingDowngradeEffectiveAt
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
