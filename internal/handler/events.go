package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/olympic/session-gateway/internal/errors"
	"github.com/olympic/session-gateway/internal/model"
	"github.com/olympic/session-gateway/internal/service"
	"github.com/olympic/session-gateway/internal/sse"
	"github.com/olympic/session-gateway/internal/util"
)

// EventsHandler streams an order's settlement to the browser that is
// waiting on the checkout page, so it does not have to poll.
type EventsHandler struct {
	broker     *sse.Broker
	reconciler *service.PaymentReconciler
}

func NewEventsHandler(broker *sse.Broker, reconciler *service.PaymentReconciler) *EventsHandler {
	return &EventsHandler{
		broker:     broker,
		reconciler: reconciler,
	}
}

// GET /api/orders/{orderId}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	if !util.IsValidOrderID(orderID) {
		writeError(w, apperrors.InvalidInput("order_id", "must be a UUID"))
		return
	}

	// Subscribe before reading state so a confirmation landing in between
	// is still delivered.
	client, err := h.broker.Subscribe(ctx, orderID)
	if err != nil {
		log.Error().Err(err).Str("orderId", orderID).Msg("failed to subscribe to order events")
		writeError(w, apperrors.StoreUnavailable(err))
		return
	}
	defer h.broker.Unsubscribe(client)

	current, err := h.reconciler.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Info().
		Str("orderId", orderID).
		Msg("sse connection established")

	h.sendEvent(w, flusher, "connected", map[string]any{
		"order_id": orderID,
		"status":   current.Order.Status,
	})

	if current.Order.Status.IsTerminal() {
		h.sendTerminalState(w, flusher, current)
		return
	}

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("orderId", orderID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("orderId", orderID).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}
			if event.Type == sse.EventOrderConfirmed || event.Type == sse.EventOrderFailed {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("orderId", orderID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendTerminalState(w http.ResponseWriter, flusher http.Flusher, result *service.ReconcileResult) {
	if result.Order.Status == model.OrderStatusFailed {
		h.sendEvent(w, flusher, sse.EventOrderFailed, map[string]any{
			"order_id": result.Order.ID,
			"status":   result.Order.Status,
		})
		return
	}
	h.sendEvent(w, flusher, sse.EventOrderConfirmed, formatReconcile(result))
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
