package credit

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Action defines supported ledger actions.
type Action string

const (
	// ActionRecharge is a credit grant from a confirmed payment
	ActionRecharge Action = "recharge"
	// ActionDeduction is a consumption charge (video generation etc., applied elsewhere)
	ActionDeduction Action = "deduction"
)

// History is a ledger row. BalanceAfter snapshots the user's balance
// immediately after this entry; RelatedID carries the merchant order number
// for recharge rows and is the idempotency key for callback processing.
type History struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	UserID       uuid.UUID      `db:"user_id" json:"user_id"`
	Action       string         `db:"action" json:"action"`
	Amount       int            `db:"amount" json:"amount"`
	BalanceAfter int            `db:"balance_after" json:"balance_after"`
	Description  sql.NullString `db:"description" json:"description,omitempty"`
	RelatedID    sql.NullString `db:"related_id" json:"related_id,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// ApplyResult reports the outcome of an idempotent recharge application
type ApplyResult struct {
	Applied    bool `json:"applied"`
	NewBalance int  `json:"new_balance"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}
