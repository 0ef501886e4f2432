package credit

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/semopic/payments-api/internal/middleware"
	"github.com/semopic/payments-api/internal/pkg/response"
)

// Handler handles credit HTTP requests
type Handler struct {
	service Service
}

// NewHandler creates credit handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes returns authenticated credit routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/balance", h.GetBalance)
	r.Get("/history", h.ListHistory)
	return r
}

// GetBalance handles GET /credits/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "Authentication required")
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		if err == ErrUserNotFound {
			response.NotFound(w, "User not found")
			return
		}
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]interface{}{"credits": balance})
}

// ListHistory handles GET /credits/history
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "Authentication required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	history, err := h.service.ListHistory(r.Context(), userID, limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}

	response.OK(w, history)
}
