package credit

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/semopic/payments-api/internal/domain/user"
)

// Service defines the credit ledger operations the payment flow depends on
type Service interface {
	// ApplyPurchase idempotently grants credits for a confirmed payment.
	// Replays for the same orderNo return Applied=false and are not an error.
	ApplyPurchase(ctx context.Context, userID uuid.UUID, amount int, orderNo, description string) (*ApplyResult, error)

	// HasPurchase reports whether orderNo has already been credited
	HasPurchase(ctx context.Context, orderNo string) (bool, error)

	// GetBalance returns the current credit balance for a user
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)

	// ListHistory returns paginated ledger history for a user
	ListHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]History, error)
}

type service struct {
	repo  Repository
	users user.Repository
}

// NewService creates a new credit service
func NewService(db *sqlx.DB) Service {
	return &service{repo: NewRepository(db), users: user.NewRepository(db)}
}

func (s *service) ApplyPurchase(ctx context.Context, userID uuid.UUID, amount int, orderNo, description string) (*ApplyResult, error) {
	result, err := s.repo.ApplyRecharge(ctx, userID, amount, orderNo, description)
	if err != nil {
		return nil, err
	}

	if result.Applied {
		log.Info().
			Str("user_id", userID.String()).
			Str("order_no", orderNo).
			Int("amount", amount).
			Int("new_balance", result.NewBalance).
			Msg("Credits granted for payment")
	} else {
		log.Info().
			Str("order_no", orderNo).
			Msg("Recharge already applied, skipping")
	}

	return result, nil
}

func (s *service) HasPurchase(ctx context.Context, orderNo string) (bool, error) {
	return s.repo.HasRecharge(ctx, orderNo)
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return u.Credits, nil
}

func (s *service) ListHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]History, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListHistory(ctx, userID, Pagination{Limit: limit, Offset: offset})
}
