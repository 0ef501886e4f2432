package payment

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/semopic/payments-api/internal/pkg/wechatpay"
)

// Status represents order status
type Status string

const (
	// StatusCreated means the order row exists but the provider has not accepted it yet
	StatusCreated Status = "created"
	// StatusPending means the provider accepted the order and a QR payload was issued
	StatusPending Status = "pending"
	// StatusSuccess is the only state that triggers the credit ledger
	StatusSuccess Status = "success"
	// StatusFailed maps the provider's PAYERROR
	StatusFailed Status = "failed"
	// StatusClosed maps the provider's CLOSED and REVOKED, and local expiry
	StatusClosed Status = "closed"
)

// Terminal reports whether no further transitions are allowed
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusClosed:
		return true
	}
	return false
}

// CanTransition reports whether moving to the target state is allowed.
// created → pending → {success, failed, closed}; created may also jump
// straight to a terminal state when the provider rejects the order.
func (s Status) CanTransition(to Status) bool {
	if s.Terminal() {
		return false
	}
	switch to {
	case StatusPending:
		return s == StatusCreated
	case StatusSuccess, StatusFailed, StatusClosed:
		return s == StatusCreated || s == StatusPending
	}
	return false
}

// StatusFromTradeState maps a provider trade state onto the local state
// machine. The trade state itself is passed through to callers verbatim; this
// mapping only drives persistence.
func StatusFromTradeState(tradeState string) Status {
	switch tradeState {
	case wechatpay.TradeStateSuccess:
		return StatusSuccess
	case wechatpay.TradeStateClosed, wechatpay.TradeStateRevoked:
		return StatusClosed
	case wechatpay.TradeStatePayError:
		return StatusFailed
	default:
		// NOTPAY, USERPAYING and anything unrecognized keep the order open
		return StatusPending
	}
}

// Order represents a payment order. Persisted at creation time so orders that
// never receive a callback can still be reconciled after expiry.
type Order struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	OrderNo       string         `db:"order_no" json:"order_no"`
	UserID        uuid.UUID      `db:"user_id" json:"user_id"`
	AmountFen     int            `db:"amount_fen" json:"amount_fen"`
	Credits       int            `db:"credits" json:"credits"`
	Status        Status         `db:"status" json:"status"`
	TransactionID sql.NullString `db:"transaction_id" json:"transaction_id,omitempty"`
	NeedsReview   bool           `db:"needs_review" json:"needs_review"`
	ExpiresAt     time.Time      `db:"expires_at" json:"expires_at"`
	PaidAt        sql.NullTime   `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// IsPaid checks if the order reached success
func (o *Order) IsPaid() bool {
	return o.Status == StatusSuccess
}
