package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/olympic/session-gateway/internal/clock"
	"github.com/olympic/session-gateway/internal/config"
	"github.com/olympic/session-gateway/internal/middleware"
	"github.com/olympic/session-gateway/internal/model"
	"github.com/olympic/session-gateway/internal/payment"
	redisclient "github.com/olympic/session-gateway/internal/redis"
	"github.com/olympic/session-gateway/internal/repository"
	"github.com/olympic/session-gateway/internal/service"
	"github.com/olympic/session-gateway/internal/sse"
)

const testIPNSecret = "ipn-secret"

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (*payment.Invoice, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Invoice), args.Error(1)
}

func (m *mockProvider) FetchStatus(ctx context.Context, invoiceID string) (string, error) {
	args := m.Called(ctx, invoiceID)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) FetchPaymentStatus(ctx context.Context, paymentID string) (string, error) {
	args := m.Called(ctx, paymentID)
	return args.String(0), args.Error(1)
}

type answererFunc func(ctx context.Context, question, subject string) (string, error)

func (f answererFunc) Answer(ctx context.Context, question, subject string) (string, error) {
	return f(ctx, question, subject)
}

type testServer struct {
	mr         *miniredis.Miniredis
	clock      *clock.Manual
	orders     repository.OrderRepository
	sessions   repository.SessionRepository
	provider   *mockProvider
	broker     *sse.Broker
	reconciler *service.PaymentReconciler
	router     chi.Router
}

func newTestServer(t *testing.T, answerer service.Answerer) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sessions := repository.NewRedisSessionRepository(rdb, clk)
	orders := repository.NewRedisOrderRepository(rdb, clk, 7*24*time.Hour)

	broker := sse.NewBroker(&redisclient.Client{Client: rdb})
	t.Cleanup(broker.Close)

	provider := &mockProvider{}
	ledger := service.NewCreditLedger(sessions)
	gate := service.NewAccessGate(ledger, sessions, answerer, clk, service.GateOptions{
		TrialIdentity:     config.TrialIdentityClient,
		TrialWindow:       24 * time.Hour,
		AnswerTimeout:     time.Second,
		MaxQuestionLength: 2000,
	})
	reconciler := service.NewPaymentReconciler(orders, sessions, service.RandomTokenIssuer{}, provider, broker, clk,
		service.ReconcilerOptions{
			SessionDuration: 2 * time.Hour,
			SessionCredits:  5,
			PriceAmount:     2.0,
			PriceCurrency:   "usd",
		})

	gateway := NewGatewayHandler(gate, service.NewSessionService(sessions), PriceInfo{
		PriceUSD:      2.0,
		Currency:      "usd",
		Credits:       5,
		DurationHours: 2,
	}, nil)
	payments := NewPaymentHandler(reconciler)
	events := NewEventsHandler(broker, reconciler)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		gateway.RegisterRoutes(r)
		payments.RegisterRoutes(r)
		r.With(middleware.NewPaymentSignatureMiddleware(testIPNSecret).Handler).
			Post("/webhooks/payment", payments.Webhook)
		r.Get("/orders/{orderId}/events", events.ServeHTTP)
	})

	return &testServer{
		mr:         mr,
		clock:      clk,
		orders:     orders,
		sessions:   sessions,
		provider:   provider,
		broker:     broker,
		reconciler: reconciler,
		router:     r,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// pendingOrder stores an order with an invoice attached, as CreateOrder would.
func (s *testServer) pendingOrder(t *testing.T, id string) {
	t.Helper()
	now := s.clock.Now()
	invoiceID := "inv-" + id
	require.NoError(t, s.orders.Create(context.Background(), &model.Order{
		ID:            id,
		Status:        model.OrderStatusPending,
		InvoiceID:     &invoiceID,
		PriceAmount:   2.0,
		PriceCurrency: "usd",
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

func (s *testServer) paidToken(t *testing.T, orderID string) string {
	t.Helper()
	s.pendingOrder(t, orderID)
	result, err := s.reconciler.ReconcileByWebhook(context.Background(), &payment.Notification{
		OrderID:       orderID,
		PaymentStatus: "finished",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	return result.Session.Token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func signedWebhook(t *testing.T, payload map[string]any) ([]byte, map[string]string) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	sig, err := payment.Sign(testIPNSecret, body)
	require.NoError(t, err)
	return body, map[string]string{payment.SignatureHeader: sig}
}

func fixedAnswer(text string) service.Answerer {
	return answererFunc(func(context.Context, string, string) (string, error) {
		return text, nil
	})
}
