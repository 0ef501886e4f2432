package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

// uniqueViolation is the Postgres error code raised by the partial unique
// index on credit_history(related_id) WHERE action = 'recharge'.
const uniqueViolation = "23505"

type Repository interface {
	ApplyRecharge(ctx context.Context, userID uuid.UUID, amount int, orderNo, description string) (*ApplyResult, error)
	HasRecharge(ctx context.Context, orderNo string) (bool, error)
	ListHistory(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]History, error)
}

// CreditRepository provides credit ledger and balance operations.
type CreditRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

// ApplyRecharge converts a confirmed payment into a balance increase plus one
// ledger row, in a single transaction. It is idempotent on orderNo: a second
// call for the same order returns Applied=false and changes nothing. The user
// row is locked FOR UPDATE so balance_after snapshots stay consistent, and the
// unique index on related_id closes the check-then-insert race between two
// simultaneous callback deliveries.
func (r *CreditRepository) ApplyRecharge(ctx context.Context, userID uuid.UUID, amount int, orderNo, description string) (*ApplyResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if orderNo == "" {
		return nil, fmt.Errorf("%w: empty order number", ErrInternal)
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	var balance int
	err = tx.QueryRowContext(ctx2, `SELECT credits FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: lock user row", ErrInternal)
	}

	var exists bool
	err = tx.QueryRowContext(ctx2, `
		SELECT EXISTS(
			SELECT 1 FROM credit_history WHERE related_id = $1 AND action = $2
		)
	`, orderNo, string(ActionRecharge)).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("%w: check existing recharge", ErrInternal)
	}
	if exists {
		return &ApplyResult{Applied: false, NewBalance: balance}, nil
	}

	newBalance := balance + amount

	_, err = tx.ExecContext(ctx2, `
		INSERT INTO credit_history (id, user_id, action, amount, balance_after, description, related_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), userID, string(ActionRecharge), amount, newBalance, description, orderNo)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			// Lost the race to a concurrent delivery of the same order
			return &ApplyResult{Applied: false, NewBalance: balance}, nil
		}
		return nil, fmt.Errorf("%w: insert ledger row", ErrInternal)
	}

	_, err = tx.ExecContext(ctx2, `UPDATE users SET credits = $2, updated_at = NOW() WHERE id = $1`, userID, newBalance)
	if err != nil {
		return nil, fmt.Errorf("%w: update user balance", ErrInternal)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return &ApplyResult{Applied: true, NewBalance: newBalance}, nil
}

// HasRecharge reports whether a ledger row already references this order
func (r *CreditRepository) HasRecharge(ctx context.Context, orderNo string) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := r.db.GetContext(ctx2, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM credit_history WHERE related_id = $1 AND action = $2
		)
	`, orderNo, string(ActionRecharge))
	if err != nil {
		return false, fmt.Errorf("%w: check recharge", ErrInternal)
	}
	return exists, nil
}

func (r *CreditRepository) ListHistory(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]History, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	history := make([]History, 0)
	err := r.db.SelectContext(ctx2, &history, `
		SELECT id, user_id, action, amount, balance_after, description, related_id, created_at
		FROM credit_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, pagination.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list history", ErrInternal)
	}

	return history, nil
}
