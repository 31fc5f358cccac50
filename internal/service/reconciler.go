package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/olympic/session-gateway/internal/audit"
	"github.com/olympic/session-gateway/internal/clock"
	"github.com/olympic/session-gateway/internal/config"
	apperrors "github.com/olympic/session-gateway/internal/errors"
	"github.com/olympic/session-gateway/internal/metrics"
	"github.com/olympic/session-gateway/internal/model"
	"github.com/olympic/session-gateway/internal/payment"
	"github.com/olympic/session-gateway/internal/repository"
	"github.com/olympic/session-gateway/internal/sse"
	"github.com/olympic/session-gateway/internal/util"
)

const (
	TriggerWebhook = "webhook"
	TriggerPoll    = "poll"
)

var errOrderNotPending = errors.New("order is no longer pending")

type PaymentProvider interface {
	CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (*payment.Invoice, error)
	FetchStatus(ctx context.Context, invoiceID string) (string, error)
	FetchPaymentStatus(ctx context.Context, paymentID string) (string, error)
}

// providerUpdate is what the provider last reported about an order's payment.
type providerUpdate struct {
	Status    string
	PaymentID string
}

func (u providerUpdate) apply(o *model.Order) {
	if u.Status != "" {
		status := u.Status
		o.ProviderStatus = &status
	}
	if u.PaymentID != "" {
		paymentID := u.PaymentID
		o.PaymentID = &paymentID
	}
}

func (u providerUpdate) changes(o *model.Order) bool {
	if u.Status != "" && (o.ProviderStatus == nil || *o.ProviderStatus != u.Status) {
		return true
	}
	return u.PaymentID != "" && (o.PaymentID == nil || *o.PaymentID != u.PaymentID)
}

type EventPublisher interface {
	Publish(ctx context.Context, orderID string, event sse.Event) error
}

type settlement int

const (
	settlementPending settlement = iota
	settlementSettled
	settlementFailed
)

func classifyStatus(providerStatus string) settlement {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "finished", "confirmed", "paid", "complete", "completed":
		return settlementSettled
	case "failed", "expired", "refunded", "cancelled", "canceled", "rejected":
		return settlementFailed
	default:
		return settlementPending
	}
}

type ReconcilerOptions struct {
	SessionDuration time.Duration
	SessionCredits  int
	PriceAmount     float64
	PriceCurrency   string
	CallbackURL     string
	// TrustStatusHint lets a poll settle on the caller's status hint when the
	// provider cannot be asked. Only for local development.
	TrustStatusHint bool
}

type CreateOrderResult struct {
	OrderID       string  `json:"order_id"`
	CheckoutURL   string  `json:"checkout_url"`
	PriceAmount   float64 `json:"price_amount"`
	PriceCurrency string  `json:"price_currency"`
}

// ReconcileResult is the order after reconciliation and, once confirmed, the
// session it is linked to. Session is nil while the order is not confirmed
// or after the linked session has expired.
type ReconcileResult struct {
	Order   *model.Order
	Session *model.Session
}

// PaymentReconciler turns provider payment status into at most one paid
// session per order, whichever of webhook or poll arrives first.
type PaymentReconciler struct {
	orders    repository.OrderRepository
	sessions  repository.SessionRepository
	tokens    TokenIssuer
	provider  PaymentProvider
	publisher EventPublisher
	clock     clock.Clock
	opts      ReconcilerOptions
}

func NewPaymentReconciler(
	orders repository.OrderRepository,
	sessions repository.SessionRepository,
	tokens TokenIssuer,
	provider PaymentProvider,
	publisher EventPublisher,
	clk clock.Clock,
	opts ReconcilerOptions,
) *PaymentReconciler {
	return &PaymentReconciler{
		orders:    orders,
		sessions:  sessions,
		tokens:    tokens,
		provider:  provider,
		publisher: publisher,
		clock:     clk,
		opts:      opts,
	}
}

func (r *PaymentReconciler) CreateOrder(ctx context.Context) (*CreateOrderResult, error) {
	now := r.clock.Now()
	order := &model.Order{
		ID:            uuid.NewString(),
		Status:        model.OrderStatusPending,
		PriceAmount:   r.opts.PriceAmount,
		PriceCurrency: r.opts.PriceCurrency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.orders.Create(ctx, order); err != nil {
		metrics.OrdersCreatedTotal.WithLabelValues("error").Inc()
		return nil, apperrors.StoreUnavailable(err)
	}

	providerCtx, cancel := context.WithTimeout(ctx, config.PaymentProviderTimeout)
	defer cancel()

	invoice, err := r.provider.CreateInvoice(providerCtx, payment.InvoiceRequest{
		OrderID:       order.ID,
		PriceAmount:   order.PriceAmount,
		PriceCurrency: order.PriceCurrency,
		Description:   "Question session",
		CallbackURL:   r.opts.CallbackURL,
	})
	if err != nil {
		metrics.OrdersCreatedTotal.WithLabelValues("provider_error").Inc()
		r.failOrder(ctx, order.ID, "invoice_error")
		return nil, apperrors.External(payment.ProviderName, err)
	}

	if _, err := r.orders.CompareAndUpdate(ctx, order.ID, nil, func(o *model.Order) {
		o.InvoiceID = &invoice.ID
		o.CheckoutURL = &invoice.CheckoutURL
	}); err != nil {
		metrics.OrdersCreatedTotal.WithLabelValues("error").Inc()
		return nil, apperrors.StoreUnavailable(err)
	}

	metrics.OrdersCreatedTotal.WithLabelValues("created").Inc()
	audit.Log(ctx, audit.Event{
		Type:    audit.EventOrderCreate,
		OrderID: order.ID,
		Details: map[string]any{"invoice_id": invoice.ID},
	})

	return &CreateOrderResult{
		OrderID:       order.ID,
		CheckoutURL:   invoice.CheckoutURL,
		PriceAmount:   order.PriceAmount,
		PriceCurrency: order.PriceCurrency,
	}, nil
}

// ReconcileByOrder is the client poll. The provider is asked for the current
// status; the caller's hint is only used when TrustStatusHint is set and the
// provider gave no answer.
func (r *PaymentReconciler) ReconcileByOrder(ctx context.Context, orderID, statusHint string) (*ReconcileResult, error) {
	if !util.IsValidOrderID(orderID) {
		return nil, apperrors.InvalidInput("order_id", "must be a UUID")
	}

	order, err := r.findOrder(ctx, orderID)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(TriggerPoll, "error").Inc()
		return nil, err
	}
	if order.Status.IsTerminal() {
		return r.Reconcile(ctx, orderID, "", TriggerPoll)
	}

	status := r.lookupStatus(ctx, order)
	if status == "" && r.opts.TrustStatusHint {
		status = statusHint
	}

	return r.Reconcile(ctx, orderID, status, TriggerPoll)
}

// lookupStatus asks the provider for the payment's current status. Once a
// notification has named the payment it is queried directly; before that
// the invoice is. Lookup failures report no status.
func (r *PaymentReconciler) lookupStatus(ctx context.Context, order *model.Order) string {
	providerCtx, cancel := context.WithTimeout(ctx, config.PaymentProviderTimeout)
	defer cancel()

	var (
		status string
		err    error
	)
	switch {
	case order.PaymentID != nil:
		status, err = r.provider.FetchPaymentStatus(providerCtx, *order.PaymentID)
	case order.InvoiceID != nil:
		status, err = r.provider.FetchStatus(providerCtx, *order.InvoiceID)
	default:
		return ""
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("orderId", order.ID).
			Msg("payment status lookup failed, order stays pending")
		return ""
	}
	return status
}

// ReconcileByWebhook applies a verified provider notification. Unknown
// orders return a nil result and no error so the provider stops retrying.
func (r *PaymentReconciler) ReconcileByWebhook(ctx context.Context, n *payment.Notification) (*ReconcileResult, error) {
	result, err := r.reconcile(ctx, n.OrderID, providerUpdate{
		Status:    n.PaymentStatus,
		PaymentID: string(n.PaymentID),
	}, TriggerWebhook)
	if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventWebhookUnknownOrder,
			OrderID: n.OrderID,
			Details: map[string]any{
				"payment_status": n.PaymentStatus,
				"payment_id":     string(n.PaymentID),
			},
		})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if order := result.Order; order.InvoiceID != nil && n.InvoiceID != "" && *order.InvoiceID != string(n.InvoiceID) {
		log.Warn().
			Str("orderId", order.ID).
			Str("invoiceId", string(n.InvoiceID)).
			Msg("notification invoice does not match order")
	}
	return result, nil
}

// Reconcile drives an order from pending to confirmed or failed. Repeated or
// concurrent calls for an order that already settled return the existing
// state without creating another session.
func (r *PaymentReconciler) Reconcile(ctx context.Context, orderID, providerStatus, trigger string) (*ReconcileResult, error) {
	return r.reconcile(ctx, orderID, providerUpdate{Status: providerStatus}, trigger)
}

func (r *PaymentReconciler) reconcile(ctx context.Context, orderID string, update providerUpdate, trigger string) (*ReconcileResult, error) {
	order, err := r.findOrder(ctx, orderID)
	if err != nil {
		result := "error"
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			result = "unknown_order"
		}
		metrics.ReconcileTotal.WithLabelValues(trigger, result).Inc()
		return nil, err
	}

	if order.Status.IsTerminal() {
		metrics.ReconcileTotal.WithLabelValues(trigger, "duplicate").Inc()
		log.Debug().
			Str("orderId", orderID).
			Str("status", string(order.Status)).
			Str("trigger", trigger).
			Msg("order already reconciled")
		return r.existing(ctx, order)
	}

	switch classifyStatus(update.Status) {
	case settlementSettled:
		return r.confirm(ctx, order, update, trigger)
	case settlementFailed:
		return r.fail(ctx, order, update, trigger)
	default:
		return r.recordPending(ctx, order, update, trigger)
	}
}

// recordPending notes the latest non-final provider status. An order that
// settled concurrently is reported in its settled state.
func (r *PaymentReconciler) recordPending(ctx context.Context, order *model.Order, update providerUpdate, trigger string) (*ReconcileResult, error) {
	if !update.changes(order) {
		metrics.ReconcileTotal.WithLabelValues(trigger, "pending").Inc()
		return &ReconcileResult{Order: order}, nil
	}

	updated, err := r.orders.CompareAndUpdate(ctx, order.ID, pendingOrder, update.apply)
	switch {
	case err == nil:
		metrics.ReconcileTotal.WithLabelValues(trigger, "pending").Inc()
		return &ReconcileResult{Order: updated}, nil
	case errors.Is(err, repository.ErrPredicateFailed):
		metrics.ReconcileTotal.WithLabelValues(trigger, "duplicate").Inc()
		current, err := r.findOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		return r.existing(ctx, current)
	default:
		metrics.ReconcileTotal.WithLabelValues(trigger, "error").Inc()
		log.Error().
			Err(err).
			Str("orderId", order.ID).
			Str("providerStatus", update.Status).
			Msg("failed to record provider status")
		return nil, apperrors.StoreUnavailable(err)
	}
}

func (r *PaymentReconciler) confirm(ctx context.Context, order *model.Order, update providerUpdate, trigger string) (*ReconcileResult, error) {
	providerStatus := update.Status
	session, err := r.createPaidSession(ctx, order.ID)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(trigger, "error").Inc()
		return nil, err
	}

	token := session.Token
	now := r.clock.Now()
	updated, err := r.orders.CompareAndUpdate(ctx, order.ID, pendingOrder, func(o *model.Order) {
		o.Status = model.OrderStatusConfirmed
		o.LinkedSessionToken = &token
		o.ConfirmedAt = &now
		update.apply(o)
	})
	if err != nil {
		r.discardSession(ctx, token)
		if errors.Is(err, repository.ErrPredicateFailed) {
			metrics.ReconcileTotal.WithLabelValues(trigger, "duplicate").Inc()
			current, err := r.findOrder(ctx, order.ID)
			if err != nil {
				return nil, err
			}
			return r.existing(ctx, current)
		}
		metrics.ReconcileTotal.WithLabelValues(trigger, "error").Inc()
		return nil, apperrors.StoreUnavailable(err)
	}

	metrics.ReconcileTotal.WithLabelValues(trigger, "confirmed").Inc()
	audit.Log(ctx, audit.Event{
		Type:    audit.EventOrderConfirm,
		OrderID: order.ID,
		Session: util.MaskToken(token),
		Details: map[string]any{"trigger": trigger, "provider_status": providerStatus},
	})
	r.publish(ctx, order.ID, sse.EventOrderConfirmed, map[string]any{
		"order_id":       order.ID,
		"token":          token,
		"expires_at":     session.ExpiresAt,
		"questions_left": session.CreditsRemaining,
	})

	return &ReconcileResult{Order: updated, Session: session}, nil
}

func (r *PaymentReconciler) fail(ctx context.Context, order *model.Order, update providerUpdate, trigger string) (*ReconcileResult, error) {
	providerStatus := update.Status
	updated, err := r.orders.CompareAndUpdate(ctx, order.ID, pendingOrder, func(o *model.Order) {
		o.Status = model.OrderStatusFailed
		update.apply(o)
	})
	if errors.Is(err, repository.ErrPredicateFailed) {
		metrics.ReconcileTotal.WithLabelValues(trigger, "duplicate").Inc()
		current, err := r.findOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		return r.existing(ctx, current)
	}
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(trigger, "error").Inc()
		return nil, apperrors.StoreUnavailable(err)
	}

	metrics.ReconcileTotal.WithLabelValues(trigger, "failed").Inc()
	audit.Log(ctx, audit.Event{
		Type:    audit.EventOrderFail,
		OrderID: order.ID,
		Details: map[string]any{"trigger": trigger, "provider_status": providerStatus},
	})
	r.publish(ctx, order.ID, sse.EventOrderFailed, map[string]any{
		"order_id": order.ID,
		"status":   string(model.OrderStatusFailed),
	})

	return &ReconcileResult{Order: updated}, nil
}

// createPaidSession inserts the session before the order links to it; until
// then no caller knows its token.
func (r *PaymentReconciler) createPaidSession(ctx context.Context, orderID string) (*model.Session, error) {
	now := r.clock.Now()
	oid := orderID

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := r.tokens.NewToken()
		if err != nil {
			return nil, apperrors.Internal("failed to issue session token").WithCause(err)
		}

		session := &model.Session{
			Token:            token,
			OrderID:          &oid,
			PaymentState:     model.PaymentStateConfirmed,
			CreditsRemaining: r.opts.SessionCredits,
			ExpiresAt:        now.Add(r.opts.SessionDuration),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		err = r.sessions.Create(ctx, session)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, repository.ErrAlreadyExists) {
			return nil, apperrors.StoreUnavailable(err)
		}
		log.Warn().Str("orderId", orderID).Msg("session token collision, retrying")
	}

	return nil, apperrors.Internal("could not issue a unique session token")
}

// GetOrder reports an order's current state without consulting the provider.
func (r *PaymentReconciler) GetOrder(ctx context.Context, orderID string) (*ReconcileResult, error) {
	if !util.IsValidOrderID(orderID) {
		return nil, apperrors.InvalidInput("order_id", "must be a UUID")
	}
	order, err := r.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return r.existing(ctx, order)
}

func (r *PaymentReconciler) existing(ctx context.Context, order *model.Order) (*ReconcileResult, error) {
	result := &ReconcileResult{Order: order}
	if order.Status != model.OrderStatusConfirmed || order.LinkedSessionToken == nil {
		return result, nil
	}

	session, err := r.sessions.FindByToken(ctx, *order.LinkedSessionToken)
	switch {
	case err == nil:
		result.Session = session
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrSessionExpired):
	default:
		return nil, apperrors.StoreUnavailable(err)
	}
	return result, nil
}

func (r *PaymentReconciler) findOrder(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := r.orders.FindByID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("order")
	}
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	return order, nil
}

func (r *PaymentReconciler) failOrder(ctx context.Context, orderID, reason string) {
	if _, err := r.orders.CompareAndUpdate(ctx, orderID, pendingOrder, func(o *model.Order) {
		o.Status = model.OrderStatusFailed
		o.ProviderStatus = &reason
	}); err != nil {
		log.Error().Err(err).Str("orderId", orderID).Msg("failed to mark order failed")
		return
	}
	audit.Log(ctx, audit.Event{
		Type:    audit.EventOrderFail,
		OrderID: orderID,
		Details: map[string]any{"reason": reason},
	})
}

func (r *PaymentReconciler) discardSession(ctx context.Context, token string) {
	if err := r.sessions.Delete(ctx, token); err != nil {
		log.Error().
			Err(err).
			Str("sessionToken", util.MaskToken(token)).
			Msg("failed to delete unlinked session")
	}
}

func (r *PaymentReconciler) publish(ctx context.Context, orderID, eventType string, payload map[string]any) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("orderId", orderID).Msg("failed to marshal order event")
		return
	}
	if err := r.publisher.Publish(ctx, orderID, sse.Event{Type: eventType, Data: data}); err != nil {
		log.Warn().Err(err).Str("orderId", orderID).Msg("failed to publish order event")
	}
}

func pendingOrder(o *model.Order) error {
	if o.Status != model.OrderStatusPending {
		return errOrderNotPending
	}
	return nil
}
