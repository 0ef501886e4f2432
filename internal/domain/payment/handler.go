package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/semopic/payments-api/internal/middleware"
	"github.com/semopic/payments-api/internal/pkg/response"
	"github.com/semopic/payments-api/internal/pkg/validator"
	"github.com/semopic/payments-api/internal/pkg/wechatpay"
)

// NotificationVerifier authenticates inbound provider callbacks
type NotificationVerifier interface {
	Verify(ctx context.Context, timestamp, nonce string, body []byte, signature, serialNo string) error
}

// Handler handles payment HTTP requests
type Handler struct {
	service  *Service
	verifier NotificationVerifier
	apiV3Key []byte
}

// NewHandler creates payment handler
func NewHandler(service *Service, verifier NotificationVerifier, apiV3Key []byte) *Handler {
	return &Handler{service: service, verifier: verifier, apiV3Key: apiV3Key}
}

// Routes returns authenticated payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/packages", h.ListPackages)
	r.Post("/orders", h.CreateOrder)
	r.Get("/orders/{orderNo}", h.GetOrder)
	return r
}

// CallbackRoutes returns the public provider-facing routes
func (h *Handler) CallbackRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/callback", h.Callback)
	return r
}

// ListPackages handles GET /payments/wechat/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.service.Packages())
}

// CreateOrder handles POST /payments/wechat/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "Authentication required")
		return
	}

	var req CreateOrderRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if details := validator.Validate(req); details != nil {
		response.ValidationError(w, details)
		return
	}

	result, err := h.service.CreateOrder(r.Context(), userID, req.AmountFen)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownPackage):
			response.BadRequest(w, "amount does not match any credit package")
		case errors.Is(err, ErrNotConfigured):
			response.ServiceUnavailable(w, "payment service unavailable, please retry later")
		default:
			// Provider rejections are expected boundary failures, surfaced
			// to the end user rather than treated as internal errors
			log.Error().Err(err).Str("user_id", userID.String()).Msg("Order creation failed")
			response.ServiceUnavailable(w, "payment service unavailable, please retry later")
		}
		return
	}

	response.OK(w, result)
}

// GetOrder handles GET /payments/wechat/orders/{orderNo}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "Authentication required")
		return
	}

	orderNo := chi.URLParam(r, "orderNo")
	if err := validator.ValidateVar(orderNo, "order_no"); err != nil {
		response.BadRequest(w, "invalid order number")
		return
	}

	result, err := h.service.GetOrder(r.Context(), userID, orderNo)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			response.NotFound(w, "order not found")
		case errors.Is(err, ErrNotOwner):
			response.NotFound(w, "order not found")
		default:
			log.Error().Err(err).Str("order_no", orderNo).Msg("Order lookup failed")
			response.InternalError(w)
		}
		return
	}

	response.OK(w, result)
}

// Callback handles POST /api/wechat/callback, the provider's asynchronous
// payment notification. The response contract is the provider's, not ours:
// HTTP 200 with code SUCCESS acknowledges the event, anything else triggers
// redelivery. The whole path is idempotent, so redelivery is always safe.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		callbackRespond(w, http.StatusBadRequest, "FAIL", "unreadable body")
		return
	}
	defer r.Body.Close()

	timestamp := r.Header.Get("Wechatpay-Timestamp")
	nonce := r.Header.Get("Wechatpay-Nonce")
	signature := r.Header.Get("Wechatpay-Signature")
	serialNo := r.Header.Get("Wechatpay-Serial")

	if err := h.verifier.Verify(r.Context(), timestamp, nonce, body, signature, serialNo); err != nil {
		log.Error().Err(err).
			Str("serial", serialNo).
			Str("ip", r.RemoteAddr).
			Msg("Callback signature verification failed")
		callbackRespond(w, http.StatusUnauthorized, "FAIL", "signature verification failed")
		return
	}

	var notification wechatpay.Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		log.Error().Err(err).Msg("Callback envelope is not valid JSON")
		callbackRespond(w, http.StatusBadRequest, "FAIL", "invalid envelope")
		return
	}

	plaintext, err := wechatpay.DecryptResource(h.apiV3Key,
		notification.Resource.Nonce,
		notification.Resource.AssociatedData,
		notification.Resource.Ciphertext)
	if err != nil {
		log.Error().Err(err).Str("notification_id", notification.ID).Msg("Callback resource decryption failed")
		callbackRespond(w, http.StatusBadRequest, "FAIL", "decryption failed")
		return
	}

	var txn wechatpay.TransactionResource
	if err := json.Unmarshal(plaintext, &txn); err != nil {
		log.Error().Err(err).Str("notification_id", notification.ID).Msg("Decrypted resource is not valid JSON")
		callbackRespond(w, http.StatusBadRequest, "FAIL", "invalid resource")
		return
	}

	if err := h.service.ProcessNotification(r.Context(), txn); err != nil {
		switch {
		case errors.Is(err, ErrInsufficientData), errors.Is(err, ErrOrderNotFound):
			// Redelivery cannot fix a contract mismatch or an order we never
			// created; acknowledge and rely on monitoring of this log line.
			log.Error().Err(err).
				Str("notification_id", notification.ID).
				Str("out_trade_no", txn.OutTradeNo).
				Msg("Dropping callback without crediting")
			callbackRespond(w, http.StatusOK, "SUCCESS", "OK")
		default:
			log.Error().Err(err).
				Str("out_trade_no", txn.OutTradeNo).
				Msg("Callback processing failed, provider will retry")
			callbackRespond(w, http.StatusInternalServerError, "FAIL", "processing failed")
		}
		return
	}

	callbackRespond(w, http.StatusOK, "SUCCESS", "OK")
}

func callbackRespond(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(callbackAck{Code: code, Message: message})
}
