package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/semopic/payments-api/internal/domain/credit"
	"github.com/semopic/payments-api/internal/pkg/wechatpay"
)

/* =========================
   Fakes
   ========================= */

type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[string]*Order)}
}

func (f *fakeOrderRepo) Create(ctx context.Context, o *Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.orders[o.OrderNo]; exists {
		return fmt.Errorf("order %s already exists", o.OrderNo)
	}
	cp := *o
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.orders[o.OrderNo] = &cp
	return nil
}

func (f *fakeOrderRepo) GetByOrderNo(ctx context.Context, orderNo string) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderNo]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// UpdateStatus mirrors the SQL guards: transitions only fire from the allowed
// source states, everything else is a silent no-op.
func (f *fakeOrderRepo) UpdateStatus(ctx context.Context, orderNo string, to Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderNo]
	if !ok {
		return nil
	}
	switch to {
	case StatusPending:
		if o.Status == StatusCreated {
			o.Status = to
		}
	case StatusFailed, StatusClosed:
		if o.Status == StatusCreated || o.Status == StatusPending {
			o.Status = to
		}
	default:
		return fmt.Errorf("unsupported status transition target: %s", to)
	}
	return nil
}

func (f *fakeOrderRepo) MarkPaid(ctx context.Context, orderNo, transactionID string, needsReview bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderNo]
	if !ok {
		return nil
	}
	if o.Status != StatusCreated && o.Status != StatusPending {
		return nil
	}
	o.Status = StatusSuccess
	o.TransactionID = sql.NullString{String: transactionID, Valid: transactionID != ""}
	o.NeedsReview = needsReview
	o.PaidAt = sql.NullTime{Time: time.Now(), Valid: true}
	return nil
}

func (f *fakeOrderRepo) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Order
	for _, o := range f.orders {
		if (o.Status == StatusCreated || o.Status == StatusPending) && o.ExpiresAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrderRepo) get(t *testing.T, orderNo string) *Order {
	t.Helper()
	o, err := f.GetByOrderNo(context.Background(), orderNo)
	if err != nil {
		t.Fatalf("order %s: %v", orderNo, err)
	}
	return o
}

// fakeCreditService dedupes by order number the way the real ledger's
// related_id constraint does.
type fakeCreditService struct {
	mu       sync.Mutex
	granted  map[string]int // orderNo -> credits
	balances map[uuid.UUID]int
	calls    int
	failWith error
}

func newFakeCreditService() *fakeCreditService {
	return &fakeCreditService{
		granted:  make(map[string]int),
		balances: make(map[uuid.UUID]int),
	}
}

func (f *fakeCreditService) ApplyPurchase(ctx context.Context, userID uuid.UUID, amount int, orderNo, description string) (*credit.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	if _, done := f.granted[orderNo]; done {
		return &credit.ApplyResult{Applied: false, NewBalance: f.balances[userID]}, nil
	}
	f.granted[orderNo] = amount
	f.balances[userID] += amount
	return &credit.ApplyResult{Applied: true, NewBalance: f.balances[userID]}, nil
}

func (f *fakeCreditService) HasPurchase(ctx context.Context, orderNo string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.granted[orderNo]
	return ok, nil
}

func (f *fakeCreditService) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeCreditService) ListHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]credit.History, error) {
	return nil, nil
}

type fakeProvider struct {
	mu          sync.Mutex
	createResp  *wechatpay.CreateOrderResponse
	createErr   error
	createCalls int
	statuses    map[string]*wechatpay.OrderStatus
	queryErr    map[string]error
	queryCalls  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		createResp: &wechatpay.CreateOrderResponse{CodeURL: "weixin://wxpay/bizpayurl?pr=test"},
		statuses:   make(map[string]*wechatpay.OrderStatus),
		queryErr:   make(map[string]error),
	}
}

func (f *fakeProvider) CreateNativeOrder(ctx context.Context, req wechatpay.CreateOrderRequest) (*wechatpay.CreateOrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResp, nil
}

func (f *fakeProvider) QueryOrder(ctx context.Context, orderNo string) (*wechatpay.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if err, ok := f.queryErr[orderNo]; ok {
		return nil, err
	}
	if status, ok := f.statuses[orderNo]; ok {
		return status, nil
	}
	return nil, wechatpay.ErrOrderNotFound
}

func newTestService() (*Service, *fakeOrderRepo, *fakeCreditService, *fakeProvider) {
	repo := newFakeOrderRepo()
	credits := newFakeCreditService()
	provider := newFakeProvider()
	svc := NewService(repo, credits, provider, "credit recharge")
	return svc, repo, credits, provider
}

func successTxn(orderNo string, userID uuid.UUID, totalFen int) wechatpay.TransactionResource {
	txn := wechatpay.TransactionResource{
		OutTradeNo:    orderNo,
		TransactionID: "4200001234",
		TradeState:    wechatpay.TradeStateSuccess,
		SuccessTime:   "2026-08-30T12:00:00+08:00",
		Attach:        userID.String(),
	}
	txn.Amount.Total = totalFen
	txn.Amount.PayerTotal = totalFen
	return txn
}

/* =========================
   CreateOrder
   ========================= */

func TestCreateOrder(t *testing.T) {
	svc, repo, _, _ := newTestService()
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), userID, 4900)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if result.CodeURL == "" {
		t.Error("missing code_url")
	}
	if result.Credits != 540 {
		t.Errorf("credits = %d, want 540", result.Credits)
	}
	if result.AmountFen != 4900 {
		t.Errorf("amount_fen = %d", result.AmountFen)
	}

	order := repo.get(t, result.OrderNo)
	if order.Status != StatusPending {
		t.Errorf("status = %s, want pending", order.Status)
	}
	if order.UserID != userID {
		t.Errorf("user_id = %s", order.UserID)
	}
	if order.ExpiresAt.Before(time.Now()) {
		t.Error("order already expired at creation")
	}
}

func TestCreateOrderRejectsUnknownAmount(t *testing.T) {
	svc, _, _, provider := newTestService()

	for _, amount := range []int{0, -100, 1234} {
		if _, err := svc.CreateOrder(context.Background(), uuid.New(), amount); !errors.Is(err, ErrUnknownPackage) {
			t.Errorf("amount %d: got %v, want ErrUnknownPackage", amount, err)
		}
	}
	if provider.createCalls != 0 {
		t.Errorf("provider called %d times for rejected amounts", provider.createCalls)
	}
}

func TestCreateOrderProviderFailure(t *testing.T) {
	svc, repo, _, provider := newTestService()
	provider.createErr = &wechatpay.ProviderError{StatusCode: 403, Code: "NO_AUTH", Message: "no permission"}

	_, err := svc.CreateOrder(context.Background(), uuid.New(), 1000)
	if err == nil {
		t.Fatal("expected provider error")
	}

	// The persisted order must be marked failed, not left dangling
	var failed int
	for orderNo := range repo.orders {
		if repo.get(t, orderNo).Status == StatusFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed orders = %d, want 1", failed)
	}
}

func TestCreateOrderFailClosedWhenMisconfigured(t *testing.T) {
	svc, _, _, provider := newTestService()
	svc.SetConfigError(errors.New("WECHAT_MCH_ID is required"))

	if _, err := svc.CreateOrder(context.Background(), uuid.New(), 1000); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
	if provider.createCalls != 0 {
		t.Error("provider was called despite broken configuration")
	}
}

/* =========================
   ProcessNotification
   ========================= */

func TestProcessNotificationCreditsOnce(t *testing.T) {
	svc, repo, credits, _ := newTestService()
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), userID, 9900)
	if err != nil {
		t.Fatal(err)
	}
	txn := successTxn(result.OrderNo, userID, 9900)

	if err := svc.ProcessNotification(context.Background(), txn); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	order := repo.get(t, result.OrderNo)
	if order.Status != StatusSuccess {
		t.Errorf("status = %s, want success", order.Status)
	}
	if order.NeedsReview {
		t.Error("exact-amount payment flagged for review")
	}
	if balance, _ := credits.GetBalance(context.Background(), userID); balance != 1200 {
		t.Errorf("balance = %d, want 1200", balance)
	}

	// Redelivery of the same event must not double-credit
	for i := 0; i < 3; i++ {
		if err := svc.ProcessNotification(context.Background(), txn); err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
	}
	if balance, _ := credits.GetBalance(context.Background(), userID); balance != 1200 {
		t.Errorf("balance after redeliveries = %d, want 1200", balance)
	}
}

func TestProcessNotificationUnknownOrder(t *testing.T) {
	svc, _, credits, _ := newTestService()

	txn := successTxn("SPNEVERISSUED", uuid.New(), 1000)
	if err := svc.ProcessNotification(context.Background(), txn); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("got %v, want ErrOrderNotFound", err)
	}
	if credits.calls != 0 {
		t.Error("ledger touched for an unknown order")
	}
}

func TestProcessNotificationMissingFields(t *testing.T) {
	svc, _, credits, _ := newTestService()

	cases := []wechatpay.TransactionResource{
		{OutTradeNo: "", Attach: uuid.New().String()},
		{OutTradeNo: "SP1", Attach: ""},
		{OutTradeNo: "   ", Attach: "  "},
	}
	for i, txn := range cases {
		txn.TradeState = wechatpay.TradeStateSuccess
		if err := svc.ProcessNotification(context.Background(), txn); !errors.Is(err, ErrInsufficientData) {
			t.Errorf("case %d: got %v, want ErrInsufficientData", i, err)
		}
	}
	if credits.calls != 0 {
		t.Error("ledger touched for incomplete callbacks")
	}
}

func TestProcessNotificationUnknownAmountFlagsReview(t *testing.T) {
	svc, repo, credits, _ := newTestService()
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), userID, 1000)
	if err != nil {
		t.Fatal(err)
	}

	// Provider reports an amount no package sells
	txn := successTxn(result.OrderNo, userID, 1250)
	if err := svc.ProcessNotification(context.Background(), txn); err != nil {
		t.Fatalf("ProcessNotification: %v", err)
	}

	order := repo.get(t, result.OrderNo)
	if order.Status != StatusSuccess {
		t.Errorf("status = %s, want success", order.Status)
	}
	if !order.NeedsReview {
		t.Error("mismatched amount not flagged for review")
	}
	if balance, _ := credits.GetBalance(context.Background(), userID); balance != 0 {
		t.Errorf("balance = %d, want 0 credits for unknown amount", balance)
	}
}

func TestProcessNotificationMismatchedKnownAmount(t *testing.T) {
	svc, repo, credits, _ := newTestService()
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), userID, 9900)
	if err != nil {
		t.Fatal(err)
	}

	// Paid amount matches a package, but not the one this order was created for
	txn := successTxn(result.OrderNo, userID, 1000)
	if err := svc.ProcessNotification(context.Background(), txn); err != nil {
		t.Fatalf("ProcessNotification: %v", err)
	}

	order := repo.get(t, result.OrderNo)
	if !order.NeedsReview {
		t.Error("amount mismatch not flagged for review")
	}
	// Credits follow the amount actually paid
	if balance, _ := credits.GetBalance(context.Background(), userID); balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}
}

func TestProcessNotificationClosed(t *testing.T) {
	svc, repo, credits, _ := newTestService()
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), userID, 1000)
	if err != nil {
		t.Fatal(err)
	}

	txn := successTxn(result.OrderNo, userID, 1000)
	txn.TradeState = wechatpay.TradeStateClosed
	if err := svc.ProcessNotification(context.Background(), txn); err != nil {
		t.Fatalf("ProcessNotification: %v", err)
	}

	if got := repo.get(t, result.OrderNo).Status; got != StatusClosed {
		t.Errorf("status = %s, want closed", got)
	}
	if credits.calls != 0 {
		t.Error("ledger touched for a closed order")
	}
}

func TestProcessNotificationLedgerFailureIsRetryable(t *testing.T) {
	svc, _, credits, _ := newTestService()
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), userID, 1000)
	if err != nil {
		t.Fatal(err)
	}

	credits.failWith = errors.New("connection refused")
	txn := successTxn(result.OrderNo, userID, 1000)
	if err := svc.ProcessNotification(context.Background(), txn); err == nil {
		t.Fatal("ledger failure swallowed, provider would never retry")
	}

	// Retry after the ledger recovers succeeds and credits exactly once
	credits.failWith = nil
	if err := svc.ProcessNotification(context.Background(), txn); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if balance, _ := credits.GetBalance(context.Background(), userID); balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}
}

/* =========================
   GetOrder
   ========================= */

func TestGetOrderOwnership(t *testing.T) {
	svc, _, _, _ := newTestService()
	owner := uuid.New()

	result, err := svc.CreateOrder(context.Background(), owner, 1000)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.GetOrder(context.Background(), uuid.New(), result.OrderNo); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("got %v, want ErrNotOwner", err)
	}
	if _, err := svc.GetOrder(context.Background(), owner, "SPUNKNOWN"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("got %v, want ErrOrderNotFound", err)
	}
}

func TestGetOrderPassesTradeStateVerbatim(t *testing.T) {
	svc, _, _, provider := newTestService()
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), userID, 1000)
	if err != nil {
		t.Fatal(err)
	}
	provider.statuses[result.OrderNo] = &wechatpay.OrderStatus{TradeState: "USERPAYING"}

	status, err := svc.GetOrder(context.Background(), userID, result.OrderNo)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if status.TradeState != "USERPAYING" {
		t.Errorf("trade_state = %q, want verbatim USERPAYING", status.TradeState)
	}
	if status.Status != StatusPending {
		t.Errorf("status = %s, want pending", status.Status)
	}
}

func TestGetOrderSettlesOnProviderSuccess(t *testing.T) {
	svc, repo, credits, provider := newTestService()
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), userID, 4900)
	if err != nil {
		t.Fatal(err)
	}
	provider.statuses[result.OrderNo] = &wechatpay.OrderStatus{
		TradeState:    wechatpay.TradeStateSuccess,
		TransactionID: "4200009999",
		TotalFen:      4900,
	}

	status, err := svc.GetOrder(context.Background(), userID, result.OrderNo)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if status.Status != StatusSuccess {
		t.Errorf("status = %s, want success", status.Status)
	}
	if status.PaidAt == "" {
		t.Error("paid_at missing after settlement")
	}
	if balance, _ := credits.GetBalance(context.Background(), userID); balance != 540 {
		t.Errorf("balance = %d, want 540", balance)
	}
	if got := repo.get(t, result.OrderNo).TransactionID.String; got != "4200009999" {
		t.Errorf("transaction_id = %q", got)
	}
}

func TestGetOrderTerminalSkipsProvider(t *testing.T) {
	svc, _, _, provider := newTestService()
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), userID, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ProcessNotification(context.Background(), successTxn(result.OrderNo, userID, 1000)); err != nil {
		t.Fatal(err)
	}

	provider.queryCalls = 0
	if _, err := svc.GetOrder(context.Background(), userID, result.OrderNo); err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if provider.queryCalls != 0 {
		t.Error("provider queried for a terminal order")
	}
}

func TestCallbackAndPollRaceCreditsOnce(t *testing.T) {
	svc, _, credits, provider := newTestService()
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), userID, 9900)
	if err != nil {
		t.Fatal(err)
	}
	provider.statuses[result.OrderNo] = &wechatpay.OrderStatus{
		TradeState:    wechatpay.TradeStateSuccess,
		TransactionID: "4200001111",
		TotalFen:      9900,
	}

	// Callback lands first, then the UI polls the same success
	if err := svc.ProcessNotification(context.Background(), successTxn(result.OrderNo, userID, 9900)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetOrder(context.Background(), userID, result.OrderNo); err != nil {
		t.Fatal(err)
	}

	if balance, _ := credits.GetBalance(context.Background(), userID); balance != 1200 {
		t.Errorf("balance = %d, want 1200 after callback and poll", balance)
	}
}

/* =========================
   Reconcile
   ========================= */

func TestReconcile(t *testing.T) {
	svc, repo, credits, provider := newTestService()
	svc.orderTTL = -time.Minute // every new order is immediately expired
	userID := uuid.New()

	paid, err := svc.CreateOrder(context.Background(), userID, 1000)
	if err != nil {
		t.Fatal(err)
	}
	abandoned, err := svc.CreateOrder(context.Background(), userID, 4900)
	if err != nil {
		t.Fatal(err)
	}
	vanished, err := svc.CreateOrder(context.Background(), userID, 9900)
	if err != nil {
		t.Fatal(err)
	}

	provider.statuses[paid.OrderNo] = &wechatpay.OrderStatus{
		TradeState:    wechatpay.TradeStateSuccess,
		TransactionID: "4200002222",
		TotalFen:      1000,
	}
	provider.statuses[abandoned.OrderNo] = &wechatpay.OrderStatus{TradeState: wechatpay.TradeStateNotPay}
	provider.queryErr[vanished.OrderNo] = wechatpay.ErrOrderNotFound

	settled, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if settled != 3 {
		t.Errorf("settled = %d, want 3", settled)
	}

	if got := repo.get(t, paid.OrderNo).Status; got != StatusSuccess {
		t.Errorf("paid order status = %s, want success", got)
	}
	if got := repo.get(t, abandoned.OrderNo).Status; got != StatusClosed {
		t.Errorf("abandoned order status = %s, want closed", got)
	}
	if got := repo.get(t, vanished.OrderNo).Status; got != StatusClosed {
		t.Errorf("vanished order status = %s, want closed", got)
	}
	if balance, _ := credits.GetBalance(context.Background(), userID); balance != 100 {
		t.Errorf("balance = %d, want 100 from the one paid order", balance)
	}
}

func TestReconcileFailClosedWhenMisconfigured(t *testing.T) {
	svc, _, _, _ := newTestService()
	svc.SetConfigError(errors.New("key missing"))

	if _, err := svc.Reconcile(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
}
