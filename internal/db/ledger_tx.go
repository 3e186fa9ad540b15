package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"quotaledger/internal/ledger"
	"quotaledger/internal/types"
)

// LedgerTxRunner begins company-scoped transactions for admission checks and
// incremental usage adjustments. Each transaction locks the company row with
// SELECT ... FOR UPDATE, which is what makes all ledger writes for one tenant
// serializable relative to each other while tenants never contend.
//
// Store errors are wrapped in AppError with the driver error preserved in the
// chain, so IsRetryableTxError can still classify serialization and deadlock
// conflicts through the wrap.
type LedgerTxRunner struct {
	pool *pgxpool.Pool
}

// NewLedgerTxRunner creates a LedgerTxRunner over the given pool.
func NewLedgerTxRunner(pool *pgxpool.Pool) *LedgerTxRunner {
	return &LedgerTxRunner{pool: pool}
}

// Compile-time assertions that the runner satisfies the ledger interfaces.
var (
	_ ledger.AdmissionDB = (*LedgerTxRunner)(nil)
	_ ledger.AdjusterDB  = (*LedgerTxRunner)(nil)
)

// BeginCompanyTx starts a transaction and locks the full company document.
//
// SQL: SELECT <company columns> FROM companies c
//
//	WHERE c.id = $1 AND c.deleted_at IS NULL FOR UPDATE
func (r *LedgerTxRunner) BeginCompanyTx(ctx context.Context, companyID string) (ledger.CompanyTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin company transaction", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+companyColumns+`
		 FROM companies c
		 WHERE c.id = $1 AND c.deleted_at IS NULL
		 FOR UPDATE OF c`,
		companyID,
	)
	company, err := scanCompany(row)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCompany, "company not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock company row", err)
	}

	return &companyTx{tx: tx, company: company}, nil
}

// companyTx implements ledger.CompanyTx over a pgx transaction holding the
// row lock.
type companyTx struct {
	tx      pgx.Tx
	company *types.Company
}

func (t *companyTx) Company() *types.Company {
	return t.company
}

// Reserve increments the reservation counter for the resource and writes the
// whole usage document back. The row is locked, so the read-modify-write is
// safe. The reservation stamp is refreshed so reconcile passes know the
// reservation is fresh and must not release it yet.
func (t *companyTx) Reserve(ctx context.Context, resource types.ResourceType, n int) error {
	usage := t.company.Usage
	switch resource {
	case types.ResourceUsers:
		usage.ReservedUsers += n
	case types.ResourceConnections:
		usage.ReservedConnections += n
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidResource, "unknown resource type", nil)
	}
	now := time.Now().UTC()
	usage.ReservedUpdatedAt = &now

	_, err := t.tx.Exec(ctx,
		`UPDATE companies SET usage = $1, updated_at = NOW() WHERE id = $2`,
		usage, t.company.ID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write reservation", err)
	}
	t.company.Usage = usage
	return nil
}

// Release decrements the reservation counter, clamped at zero. Once both
// reservation counters are back to zero the stamp is dropped, so a snapshot
// write does not have to wait out the TTL on an empty reservation.
func (t *companyTx) Release(ctx context.Context, resource types.ResourceType, n int) error {
	usage := t.company.Usage
	switch resource {
	case types.ResourceUsers:
		usage.ReservedUsers -= n
		if usage.ReservedUsers < 0 {
			usage.ReservedUsers = 0
		}
	case types.ResourceConnections:
		usage.ReservedConnections -= n
		if usage.ReservedConnections < 0 {
			usage.ReservedConnections = 0
		}
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidResource, "unknown resource type", nil)
	}
	if usage.ReservedUsers == 0 && usage.ReservedConnections == 0 {
		usage.ReservedUpdatedAt = nil
	}

	_, err := t.tx.Exec(ctx,
		`UPDATE companies SET usage = $1, updated_at = NOW() WHERE id = $2`,
		usage, t.company.ID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release reservation", err)
	}
	t.company.Usage = usage
	return nil
}

// Touch bumps updated_at so the admission serializes as a write against
// concurrent transactions on the same row.
func (t *companyTx) Touch(ctx context.Context) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE companies SET updated_at = NOW() WHERE id = $1`,
		t.company.ID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to touch company row", err)
	}
	return nil
}

func (t *companyTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit company transaction", err)
	}
	return nil
}

func (t *companyTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// BeginUsageTx starts a transaction that locks only the live usage counters
// of the company document, for incremental adjustments.
//
// SQL: SELECT usage FROM companies
//
//	WHERE id = $1 AND deleted_at IS NULL FOR UPDATE
func (r *LedgerTxRunner) BeginUsageTx(ctx context.Context, companyID string) (ledger.UsageTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin usage transaction", err)
	}

	var usage types.UsageCounters
	err = tx.QueryRow(ctx,
		`SELECT usage FROM companies
		 WHERE id = $1 AND deleted_at IS NULL
		 FOR UPDATE`,
		companyID,
	).Scan(&usage)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCompany, "company not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock usage counters", err)
	}

	return &usageTx{tx: tx, companyID: companyID, usage: usage}, nil
}

// usageTx implements ledger.UsageTx over a pgx transaction holding the row
// lock.
type usageTx struct {
	tx        pgx.Tx
	companyID string
	usage     types.UsageCounters
}

func (t *usageTx) Usage() types.UsageCounters {
	return t.usage
}

// MarkEventApplied records the (event, company) pair inside the transaction.
// The composite primary key makes redelivered events no-ops: zero rows
// affected means the pair was already applied.
//
// SQL: INSERT INTO ledger_events (event_id, company_id, applied_at)
//
//	VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING
func (t *usageTx) MarkEventApplied(ctx context.Context, eventID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_events (event_id, company_id, applied_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT DO NOTHING`,
		eventID, t.companyID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record applied event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetCounter writes the new live counter value and persists the whole usage
// document.
func (t *usageTx) SetCounter(ctx context.Context, resource types.ResourceType, value int) error {
	usage := t.usage
	switch resource {
	case types.ResourceUsers:
		usage.Users = value
	case types.ResourceConnections:
		usage.Connections = value
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidResource, "unknown resource type", nil)
	}

	_, err := t.tx.Exec(ctx,
		`UPDATE companies SET usage = $1, updated_at = NOW() WHERE id = $2`,
		usage, t.companyID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write usage counter", err)
	}
	t.usage = usage
	return nil
}

func (t *usageTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit usage transaction", err)
	}
	return nil
}

func (t *usageTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
