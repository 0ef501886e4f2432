package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Repository defines order persistence. payment_orders carries a unique index
// on order_no.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByOrderNo(ctx context.Context, orderNo string) (*Order, error)
	UpdateStatus(ctx context.Context, orderNo string, to Status) error
	MarkPaid(ctx context.Context, orderNo, transactionID string, needsReview bool) error
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates order repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, o *Order) error {
	query := `
		INSERT INTO payment_orders (id, order_no, user_id, amount_fen, credits, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		o.ID,
		o.OrderNo,
		o.UserID,
		o.AmountFen,
		o.Credits,
		o.Status,
		o.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("order %s already exists: %w", o.OrderNo, err)
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (r *repository) GetByOrderNo(ctx context.Context, orderNo string) (*Order, error) {
	var o Order
	err := r.db.GetContext(ctx, &o, `SELECT * FROM payment_orders WHERE order_no = $1`, orderNo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// UpdateStatus moves an order to a new state. Terminal states are never
// overwritten: the WHERE clause re-checks the allowed source states so a late
// or duplicate transition is a silent no-op.
func (r *repository) UpdateStatus(ctx context.Context, orderNo string, to Status) error {
	var query string
	switch to {
	case StatusPending:
		query = `UPDATE payment_orders SET status = $2, updated_at = NOW() WHERE order_no = $1 AND status = 'created'`
	case StatusFailed, StatusClosed:
		query = `UPDATE payment_orders SET status = $2, updated_at = NOW() WHERE order_no = $1 AND status IN ('created', 'pending')`
	default:
		return fmt.Errorf("unsupported status transition target: %s", to)
	}
	if _, err := r.db.ExecContext(ctx, query, orderNo, to); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// MarkPaid transitions an open order to success and records the provider's
// transaction id. A replayed success observation affects zero rows.
func (r *repository) MarkPaid(ctx context.Context, orderNo, transactionID string, needsReview bool) error {
	query := `
		UPDATE payment_orders
		SET status = 'success', transaction_id = $2, needs_review = $3, paid_at = NOW(), updated_at = NOW()
		WHERE order_no = $1 AND status IN ('created', 'pending')
	`
	if _, err := r.db.ExecContext(ctx, query, orderNo, transactionID, needsReview); err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	return nil
}

func (r *repository) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 50
	}
	orders := make([]Order, 0)
	err := r.db.SelectContext(ctx, &orders, `
		SELECT * FROM payment_orders
		WHERE status IN ('created', 'pending') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired pending orders: %w", err)
	}
	return orders, nil
}
