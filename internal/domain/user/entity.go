package user

import (
	"time"

	"github.com/google/uuid"
)

// User is the purchasing account. Credits are mutated only through the credit
// ledger applier, never directly.
type User struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Credits   int       `db:"credits" json:"credits"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
