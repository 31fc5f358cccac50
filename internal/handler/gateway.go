package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/olympic/session-gateway/internal/middleware"
	"github.com/olympic/session-gateway/internal/service"
)

type PriceInfo struct {
	PriceUSD      float64 `json:"price_usd"`
	Currency      string  `json:"currency"`
	Credits       int     `json:"credits"`
	DurationHours int     `json:"duration_hours"`
}

// GatewayHandler serves the metered question endpoints.
type GatewayHandler struct {
	gate           *service.AccessGate
	sessionService *service.SessionService
	price          PriceInfo
	askLimit       func(http.Handler) http.Handler
}

func NewGatewayHandler(
	gate *service.AccessGate,
	sessionService *service.SessionService,
	price PriceInfo,
	askLimit func(http.Handler) http.Handler,
) *GatewayHandler {
	return &GatewayHandler{
		gate:           gate,
		sessionService: sessionService,
		price:          price,
		askLimit:       askLimit,
	}
}

// RegisterRoutes adds the gateway endpoints to r, which is mounted at /api
// alongside the payment endpoints.
func (h *GatewayHandler) RegisterRoutes(r chi.Router) {
	r.Get("/price", h.Price)
	r.Get("/session/{token}", h.GetSession)

	if h.askLimit != nil {
		r.With(h.askLimit).Post("/ask", h.Ask)
	} else {
		r.Post("/ask", h.Ask)
	}
}

// GET /api/price
func (h *GatewayHandler) Price(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.price)
}

type askRequest struct {
	Token    string `json:"token"`
	Question string `json:"question"`
	Subject  string `json:"subject"`
	ClientID string `json:"client_id"`
}

// POST /api/ask
func (h *GatewayHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	clientID := r.Header.Get(middleware.ClientIDHeader)
	if clientID == "" {
		clientID = req.ClientID
	}

	result, err := h.gate.Consume(r.Context(), service.ConsumeRequest{
		Token:    req.Token,
		Identity: h.gate.TrialIdentity(clientID, clientIP(r)),
		Question: req.Question,
		Subject:  req.Subject,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /api/session/{token}
func (h *GatewayHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	result, err := h.sessionService.GetStatus(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":           result.Token,
		"expires_at":      formatTime(result.ExpiresAt),
		"questions_left":  result.CreditsRemaining,
		"questions_asked": result.CreditsConsumed,
		"paid":            result.Paid,
	})
}
