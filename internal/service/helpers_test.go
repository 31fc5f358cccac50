package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/olympic/session-gateway/internal/clock"
	"github.com/olympic/session-gateway/internal/config"
	"github.com/olympic/session-gateway/internal/model"
	"github.com/olympic/session-gateway/internal/payment"
	"github.com/olympic/session-gateway/internal/repository"
	"github.com/olympic/session-gateway/internal/sse"
)

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

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *mockSessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) CompareAndUpdate(
	ctx context.Context,
	token string,
	pred model.SessionPredicate,
	mut model.SessionMutation,
) (*model.Session, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) Delete(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *mockSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessionRepo) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []sse.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event sse.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Events() []sse.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sse.Event(nil), p.events...)
}

type answererFunc func(ctx context.Context, question, subject string) (string, error)

func (f answererFunc) Answer(ctx context.Context, question, subject string) (string, error) {
	return f(ctx, question, subject)
}

func staticAnswer(text string) Answerer {
	return answererFunc(func(context.Context, string, string) (string, error) {
		return text, nil
	})
}

type testEnv struct {
	mr         *miniredis.Miniredis
	clock      *clock.Manual
	sessions   repository.SessionRepository
	orders     repository.OrderRepository
	provider   *mockProvider
	publisher  *recordingPublisher
	ledger     *CreditLedger
	gate       *AccessGate
	reconciler *PaymentReconciler
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, staticAnswer("42"), ReconcilerOptions{})
}

func newTestEnvWith(t *testing.T, answerer Answerer, opts ReconcilerOptions) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sessions := repository.NewRedisSessionRepository(client, clk)
	orders := repository.NewRedisOrderRepository(client, clk, 7*24*time.Hour)

	if opts.SessionDuration == 0 {
		opts.SessionDuration = 2 * time.Hour
	}
	if opts.SessionCredits == 0 {
		opts.SessionCredits = 5
	}
	if opts.PriceAmount == 0 {
		opts.PriceAmount = 2.0
		opts.PriceCurrency = "usd"
	}

	provider := &mockProvider{}
	publisher := &recordingPublisher{}
	ledger := NewCreditLedger(sessions)

	return &testEnv{
		mr:        mr,
		clock:     clk,
		sessions:  sessions,
		orders:    orders,
		provider:  provider,
		publisher: publisher,
		ledger:    ledger,
		gate: NewAccessGate(ledger, sessions, answerer, clk, GateOptions{
			TrialIdentity:     config.TrialIdentityClient,
			TrialWindow:       24 * time.Hour,
			AnswerTimeout:     time.Second,
			MaxQuestionLength: 2000,
		}),
		reconciler: NewPaymentReconciler(orders, sessions, RandomTokenIssuer{}, provider, publisher, clk, opts),
	}
}

// createOrder stores a pending order without going through the provider.
func (e *testEnv) createOrder(t *testing.T, id string) {
	t.Helper()
	now := e.clock.Now()
	invoiceID := "inv-" + id
	require.NoError(t, e.orders.Create(context.Background(), &model.Order{
		ID:            id,
		Status:        model.OrderStatusPending,
		InvoiceID:     &invoiceID,
		PriceAmount:   2.0,
		PriceCurrency: "usd",
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

// paidSession settles a fresh order and returns the session token.
func (e *testEnv) paidSession(t *testing.T) string {
	t.Helper()
	id := newOrderID()
	e.createOrder(t, id)
	result, err := e.reconciler.ReconcileByWebhook(context.Background(), &payment.Notification{
		OrderID:       id,
		PaymentStatus: "finished",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	return result.Session.Token
}

func (e *testEnv) sessionKeys() []string {
	var keys []string
	for _, k := range e.mr.Keys() {
		if strings.HasPrefix(k, "session:") {
			keys = append(keys, k)
		}
	}
	return keys
}

func newOrderID() string {
	return uuid.NewString()
}
