package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/olympic/session-gateway/internal/errors"
	"github.com/olympic/session-gateway/internal/httputil"
	"github.com/olympic/session-gateway/internal/metrics"
	"github.com/olympic/session-gateway/internal/middleware"
	"github.com/olympic/session-gateway/internal/payment"
	"github.com/olympic/session-gateway/internal/service"
)

type PaymentHandler struct {
	reconciler *service.PaymentReconciler
}

func NewPaymentHandler(reconciler *service.PaymentReconciler) *PaymentHandler {
	return &PaymentHandler{reconciler: reconciler}
}

func (h *PaymentHandler) RegisterRoutes(r chi.Router) {
	r.Post("/create-invoice", h.CreateInvoice)
	r.Post("/create-session", h.CreateSession)
}

// POST /api/create-invoice
func (h *PaymentHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconciler.CreateOrder(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to create invoice")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type createSessionRequest struct {
	OrderID       string `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
}

// POST /api/create-session
func (h *PaymentHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.OrderID == "" {
		writeError(w, apperrors.MissingRequired("order_id"))
		return
	}

	result, err := h.reconciler.ReconcileByOrder(r.Context(), req.OrderID, req.PaymentStatus)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, formatReconcile(result))
}

// POST /api/webhooks/payment
//
// Runs behind PaymentSignatureMiddleware. Unknown orders are acknowledged so
// the provider stops retrying; store outages are not, so it retries later.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	notification, err := payment.ParseNotification(middleware.GetPaymentBody(r.Context()))
	if err != nil {
		log.Warn().Err(err).Msg("malformed payment notification")
		h.respond(w, apperrors.ValidationError("Malformed notification"))
		return
	}

	result, err := h.reconciler.ReconcileByWebhook(r.Context(), notification)
	if err != nil {
		log.Error().
			Err(err).
			Str("orderId", notification.OrderID).
			Msg("payment notification not applied")
		h.respond(w, err)
		return
	}

	status := "ignored"
	if result != nil {
		status = string(result.Order.Status)
	}
	metrics.WebhookRequestsTotal.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *PaymentHandler) respond(w http.ResponseWriter, err error) {
	status := httputil.StatusFromCode(apperrors.GetCode(err))
	metrics.WebhookRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	writeError(w, err)
}
