package wechatpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds WeChat Pay V3 configuration
type Config struct {
	AppID              string
	MchID              string
	APIv3Key           string // 32-byte shared secret for callback/certificate decryption
	CertSerialNo       string // merchant certificate serial
	NotifyURL          string
	DefaultDescription string
	BaseURL            string // https://api.mch.weixin.qq.com
	Timeout            time.Duration
}

// Client calls the WeChat Pay V3 Native payment API
type Client struct {
	httpClient *http.Client
	config     Config
	signer     *Signer
}

// CreateOrderRequest represents a Native (QR) order creation request
type CreateOrderRequest struct {
	OrderNo     string    // merchant order number, globally unique
	TotalFen    int       // amount in fen (CNY minor units)
	Description string    // falls back to config.DefaultDescription
	Attach      string    // opaque metadata round-tripped through the callback
	ExpireAt    time.Time // zero value means now + 15 minutes
}

// CreateOrderResponse carries the scannable QR payload
type CreateOrderResponse struct {
	CodeURL string `json:"code_url"`
}

// OrderStatus is the provider's view of an order. TradeState is passed through
// verbatim: SUCCESS, NOTPAY, CLOSED, REVOKED, USERPAYING, PAYERROR.
type OrderStatus struct {
	TradeState    string
	TransactionID string
	TotalFen      int
	PayerTotal    int
	SuccessTime   string
	Attach        string
}

// Provider trade states
const (
	TradeStateSuccess    = "SUCCESS"
	TradeStateNotPay     = "NOTPAY"
	TradeStateClosed     = "CLOSED"
	TradeStateRevoked    = "REVOKED"
	TradeStateUserPaying = "USERPAYING"
	TradeStatePayError   = "PAYERROR"
)

const defaultOrderTTL = 15 * time.Minute

// NewClient creates a WeChat Pay client
func NewClient(cfg Config, signer *Signer) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mch.weixin.qq.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		config:     cfg,
		signer:     signer,
	}
}

type nativeOrderPayload struct {
	AppID       string      `json:"appid"`
	MchID       string      `json:"mchid"`
	Description string      `json:"description"`
	OutTradeNo  string      `json:"out_trade_no"`
	NotifyURL   string      `json:"notify_url"`
	Amount      amountField `json:"amount"`
	Attach      string      `json:"attach,omitempty"`
	TimeExpire  string      `json:"time_expire"`
}

type amountField struct {
	Total    int    `json:"total"`
	Currency string `json:"currency"`
}

// CreateNativeOrder creates a QR payment order and returns the code URL.
// Provider-side, OrderNo is the idempotency key; errors are surfaced verbatim
// as *ProviderError rather than second-guessed.
func (c *Client) CreateNativeOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error) {
	if req.TotalFen <= 0 {
		return nil, fmt.Errorf("validation error: amount must be > 0")
	}
	if strings.TrimSpace(req.OrderNo) == "" {
		return nil, fmt.Errorf("validation error: order_no must be non-empty")
	}
	if c == nil || c.signer == nil {
		return nil, ErrNotConfigured
	}

	description := req.Description
	if description == "" {
		description = c.config.DefaultDescription
	}
	expireAt := req.ExpireAt
	if expireAt.IsZero() {
		expireAt = time.Now().Add(defaultOrderTTL)
	}

	payload := nativeOrderPayload{
		AppID:       c.config.AppID,
		MchID:       c.config.MchID,
		Description: description,
		OutTradeNo:  req.OrderNo,
		NotifyURL:   c.config.NotifyURL,
		Amount:      amountField{Total: req.TotalFen, Currency: "CNY"},
		Attach:      req.Attach,
		TimeExpire:  expireAt.Format("2006-01-02T15:04:05-07:00"),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wechatpay: encode order request: %w", err)
	}

	urlPath := "/v3/pay/transactions/native"
	respBody, status, err := c.do(ctx, http.MethodPost, urlPath, string(body))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, providerError(status, respBody)
	}

	var out CreateOrderResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("wechatpay: parse order response: %w", err)
	}
	if out.CodeURL == "" {
		return nil, fmt.Errorf("wechatpay: order response missing code_url: %s", string(respBody))
	}
	return &out, nil
}

// QueryOrder fetches the provider's current view of an order by merchant order
// number. Returns ErrOrderNotFound on 404.
func (c *Client) QueryOrder(ctx context.Context, orderNo string) (*OrderStatus, error) {
	if strings.TrimSpace(orderNo) == "" {
		return nil, fmt.Errorf("validation error: order_no must be non-empty")
	}
	if c == nil || c.signer == nil {
		return nil, ErrNotConfigured
	}

	// The query string participates in the signature base for GET requests
	urlPath := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(orderNo) + "?mchid=" + url.QueryEscape(c.config.MchID)

	respBody, status, err := c.do(ctx, http.MethodGet, urlPath, "")
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, ErrOrderNotFound
	case status != http.StatusOK:
		return nil, providerError(status, respBody)
	}

	var raw struct {
		TradeState    string `json:"trade_state"`
		TransactionID string `json:"transaction_id"`
		SuccessTime   string `json:"success_time"`
		Attach        string `json:"attach"`
		Amount        struct {
			Total      int `json:"total"`
			PayerTotal int `json:"payer_total"`
		} `json:"amount"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("wechatpay: parse query response: %w", err)
	}
	if raw.TradeState == "" {
		return nil, fmt.Errorf("wechatpay: query response missing trade_state: %s", string(respBody))
	}

	return &OrderStatus{
		TradeState:    raw.TradeState,
		TransactionID: raw.TransactionID,
		TotalFen:      raw.Amount.Total,
		PayerTotal:    raw.Amount.PayerTotal,
		SuccessTime:   raw.SuccessTime,
		Attach:        raw.Attach,
	}, nil
}

// do issues a signed request and returns the raw response body and status
func (c *Client) do(ctx context.Context, method, urlPath, body string) ([]byte, int, error) {
	auth, err := c.signer.AuthorizationHeader(method, urlPath, body)
	if err != nil {
		return nil, 0, err
	}

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+urlPath, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("wechatpay: api call failed: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", auth)
	if body != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("wechatpay: api call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("wechatpay: api call failed: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// providerError extracts the provider's code/message if the error body is JSON
func providerError(status int, body []byte) error {
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Message == "" {
		return &ProviderError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	return &ProviderError{StatusCode: status, Code: parsed.Code, Message: parsed.Message}
}
