package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/semopic/payments-api/internal/domain/credit"
	"github.com/semopic/payments-api/internal/pkg/wechatpay"
)

const defaultOrderTTL = 15 * time.Minute

// ProviderClient is the subset of the WeChat Pay client the service uses
type ProviderClient interface {
	CreateNativeOrder(ctx context.Context, req wechatpay.CreateOrderRequest) (*wechatpay.CreateOrderResponse, error)
	QueryOrder(ctx context.Context, orderNo string) (*wechatpay.OrderStatus, error)
}

// Service handles payment business logic
type Service struct {
	repo        Repository
	creditSvc   credit.Service
	client      ProviderClient
	priceTable  PriceTable
	packages    []Package
	orderTTL    time.Duration
	description string
	configErr   error
}

// NewService creates a payment service
func NewService(repo Repository, creditSvc credit.Service, client ProviderClient, description string) *Service {
	return &Service{
		repo:        repo,
		creditSvc:   creditSvc,
		client:      client,
		priceTable:  DefaultPriceTable(),
		packages:    DefaultPackages,
		orderTTL:    defaultOrderTTL,
		description: description,
	}
}

// SetPriceTable overrides the credit packages. Used by tests.
func (s *Service) SetPriceTable(packages []Package) {
	s.packages = packages
	table := make(PriceTable, len(packages))
	for _, p := range packages {
		table[p.AmountFen] = p.Credits
	}
	s.priceTable = table
}

// SetConfigError puts the subsystem into fail-closed mode: every operation
// returns the recorded configuration error instead of attempting provider
// calls with broken credentials.
func (s *Service) SetConfigError(err error) {
	s.configErr = err
}

// Packages lists the purchasable credit bundles
func (s *Service) Packages() []Package {
	return s.packages
}

// CreateOrderResult carries everything the client UI needs to render a QR code
type CreateOrderResult struct {
	OrderNo   string    `json:"order_no"`
	CodeURL   string    `json:"code_url"`
	AmountFen int       `json:"amount_fen"`
	Credits   int       `json:"credits"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateOrder persists an order row and asks the provider for a QR payload.
// Only amounts matching a configured package are accepted.
func (s *Service) CreateOrder(ctx context.Context, userID uuid.UUID, amountFen int) (*CreateOrderResult, error) {
	if s.configErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, s.configErr)
	}
	if amountFen <= 0 {
		return nil, ErrUnknownPackage
	}
	credits, ok := s.priceTable.CreditsFor(amountFen)
	if !ok {
		return nil, ErrUnknownPackage
	}

	order := &Order{
		ID:        uuid.New(),
		OrderNo:   newOrderNo(),
		UserID:    userID,
		AmountFen: amountFen,
		Credits:   credits,
		Status:    StatusCreated,
		ExpiresAt: time.Now().Add(s.orderTTL),
	}
	if err := s.repo.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	resp, err := s.client.CreateNativeOrder(ctx, wechatpay.CreateOrderRequest{
		OrderNo:     order.OrderNo,
		TotalFen:    amountFen,
		Description: s.description,
		Attach:      userID.String(),
		ExpireAt:    order.ExpiresAt,
	})
	if err != nil {
		log.Error().Err(err).Str("order_no", order.OrderNo).Msg("Provider rejected order creation")
		if updateErr := s.repo.UpdateStatus(ctx, order.OrderNo, StatusFailed); updateErr != nil {
			log.Error().Err(updateErr).Str("order_no", order.OrderNo).Msg("Failed to mark order failed")
		}
		return nil, err
	}

	if err := s.repo.UpdateStatus(ctx, order.OrderNo, StatusPending); err != nil {
		log.Error().Err(err).Str("order_no", order.OrderNo).Msg("Failed to mark order pending")
	}

	log.Info().
		Str("order_no", order.OrderNo).
		Str("user_id", userID.String()).
		Int("amount_fen", amountFen).
		Int("credits", credits).
		Msg("Payment order created")

	return &CreateOrderResult{
		OrderNo:   order.OrderNo,
		CodeURL:   resp.CodeURL,
		AmountFen: amountFen,
		Credits:   credits,
		ExpiresAt: order.ExpiresAt,
	}, nil
}

// ProcessNotification settles an order from a verified, decrypted callback
// payload. Safe to invoke repeatedly for the same event.
func (s *Service) ProcessNotification(ctx context.Context, txn wechatpay.TransactionResource) error {
	if strings.TrimSpace(txn.OutTradeNo) == "" || strings.TrimSpace(txn.Attach) == "" {
		return fmt.Errorf("%w: out_trade_no=%q attach=%q", ErrInsufficientData, txn.OutTradeNo, txn.Attach)
	}

	order, err := s.repo.GetByOrderNo(ctx, txn.OutTradeNo)
	if err != nil {
		return err
	}

	if attachID, parseErr := uuid.Parse(txn.Attach); parseErr != nil || attachID != order.UserID {
		log.Warn().
			Str("order_no", order.OrderNo).
			Str("attach", txn.Attach).
			Str("order_user_id", order.UserID.String()).
			Msg("Callback attach does not match order owner, using order record")
	}

	return s.settle(ctx, order, txn.TradeState, txn.TransactionID, txn.Amount.Total)
}

// settle applies one provider observation to the order state machine.
// Crediting is delegated to the ledger applier, whose related_id check is the
// correctness guard against duplicate deliveries and callback/poll races.
func (s *Service) settle(ctx context.Context, order *Order, tradeState, transactionID string, paidFen int) error {
	switch StatusFromTradeState(tradeState) {
	case StatusSuccess:
		credits, ok := s.priceTable.CreditsFor(paidFen)
		needsReview := !ok || paidFen != order.AmountFen
		if !ok {
			// Product decision: unknown amounts grant nothing and are flagged
			// for manual resolution instead of guessing a proportional grant.
			log.Error().
				Str("order_no", order.OrderNo).
				Int("paid_fen", paidFen).
				Msg("Paid amount matches no credit package, order flagged for review")
			credits = 0
		}

		if err := s.repo.MarkPaid(ctx, order.OrderNo, transactionID, needsReview); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}

		if credits > 0 {
			if _, err := s.creditSvc.ApplyPurchase(ctx, order.UserID, credits, order.OrderNo, "credit recharge"); err != nil {
				return fmt.Errorf("apply credits for order %s: %w", order.OrderNo, err)
			}
		}
		return nil

	case StatusClosed:
		if err := s.repo.UpdateStatus(ctx, order.OrderNo, StatusClosed); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return nil

	case StatusFailed:
		if err := s.repo.UpdateStatus(ctx, order.OrderNo, StatusFailed); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return nil

	default:
		// Order still open on the provider side, nothing to record
		return nil
	}
}

// OrderStatusResult combines the stored order with the provider's live view
type OrderStatusResult struct {
	OrderNo    string    `json:"order_no"`
	Status     Status    `json:"status"`
	TradeState string    `json:"trade_state,omitempty"`
	AmountFen  int       `json:"amount_fen"`
	Credits    int       `json:"credits"`
	ExpiresAt  time.Time `json:"expires_at"`
	PaidAt     string    `json:"paid_at,omitempty"`
}

// GetOrder returns the stored order plus a live provider query, and settles on
// an observed terminal state. This is the reconciliation path UIs poll while
// waiting for the asynchronous callback.
func (s *Service) GetOrder(ctx context.Context, userID uuid.UUID, orderNo string) (*OrderStatusResult, error) {
	order, err := s.repo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrNotOwner
	}

	result := &OrderStatusResult{
		OrderNo:   order.OrderNo,
		Status:    order.Status,
		AmountFen: order.AmountFen,
		Credits:   order.Credits,
		ExpiresAt: order.ExpiresAt,
	}
	if order.PaidAt.Valid {
		result.PaidAt = order.PaidAt.Time.Format(time.RFC3339)
	}

	if order.Status.Terminal() {
		return result, nil
	}
	if s.configErr != nil {
		return result, nil
	}

	status, err := s.client.QueryOrder(ctx, orderNo)
	if err != nil {
		if errors.Is(err, wechatpay.ErrOrderNotFound) {
			// Provider has no record; stored state stands
			return result, nil
		}
		log.Error().Err(err).Str("order_no", orderNo).Msg("Provider query failed")
		return result, nil
	}

	// trade_state passes through verbatim
	result.TradeState = status.TradeState

	if err := s.settle(ctx, order, status.TradeState, status.TransactionID, status.TotalFen); err != nil {
		return nil, err
	}

	// Reload so the response reflects any settlement
	if updated, reloadErr := s.repo.GetByOrderNo(ctx, orderNo); reloadErr == nil {
		result.Status = updated.Status
		if updated.PaidAt.Valid {
			result.PaidAt = updated.PaidAt.Time.Format(time.RFC3339)
		}
	}
	return result, nil
}

// Reconcile sweeps open orders past expiry: settles the ones the provider
// reports terminal and closes the rest.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	if s.configErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotConfigured, s.configErr)
	}

	orders, err := s.repo.ListExpiredPending(ctx, time.Now(), 50)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range orders {
		order := &orders[i]
		status, err := s.client.QueryOrder(ctx, order.OrderNo)
		if err != nil {
			if errors.Is(err, wechatpay.ErrOrderNotFound) {
				if updateErr := s.repo.UpdateStatus(ctx, order.OrderNo, StatusClosed); updateErr != nil {
					log.Error().Err(updateErr).Str("order_no", order.OrderNo).Msg("Failed to close unknown order")
				}
				settled++
				continue
			}
			log.Error().Err(err).Str("order_no", order.OrderNo).Msg("Reconciliation query failed")
			continue
		}

		if StatusFromTradeState(status.TradeState) == StatusPending {
			// Expired locally but still open on the provider side: close it,
			// the QR payload is no longer usable anyway
			if err := s.repo.UpdateStatus(ctx, order.OrderNo, StatusClosed); err != nil {
				log.Error().Err(err).Str("order_no", order.OrderNo).Msg("Failed to close expired order")
				continue
			}
			settled++
			continue
		}

		if err := s.settle(ctx, order, status.TradeState, status.TransactionID, status.TotalFen); err != nil {
			log.Error().Err(err).Str("order_no", order.OrderNo).Msg("Reconciliation settle failed")
			continue
		}
		settled++
	}
	return settled, nil
}

// newOrderNo generates a merchant order number: SP + timestamp + random suffix
func newOrderNo() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return "SP" + time.Now().Format("20060102150405") + strings.ToUpper(suffix)
}
