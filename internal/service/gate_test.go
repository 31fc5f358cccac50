package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympic/session-gateway/internal/config"
	apperrors "github.com/olympic/session-gateway/internal/errors"
)

func TestAccessGate_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("missing question", func(t *testing.T) {
		_, err := env.gate.Consume(ctx, ConsumeRequest{Identity: "client:a", Question: "   "})
		assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))
	})

	t.Run("question too long", func(t *testing.T) {
		_, err := env.gate.Consume(ctx, ConsumeRequest{
			Identity: "client:a",
			Question: strings.Repeat("x", 2001),
		})
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	})

	t.Run("validation does not spend the trial", func(t *testing.T) {
		assert.Empty(t, env.sessionKeys())
	})
}

func TestAccessGate_FreeTrial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.gate.Consume(ctx, ConsumeRequest{Identity: "client:abc", Question: "q", Subject: "s"})
	require.NoError(t, err)
	assert.True(t, result.Trial)
	assert.Equal(t, "42", result.Answer)
	assert.Equal(t, 0, result.CreditsRemaining)

	t.Run("second trial for same identity is exhausted", func(t *testing.T) {
		_, err := env.gate.Consume(ctx, ConsumeRequest{Identity: "client:abc", Question: "q"})
		assert.Equal(t, apperrors.ErrCodeCreditsExhausted, apperrors.GetCode(err))
	})

	t.Run("other identity gets its own trial", func(t *testing.T) {
		result, err := env.gate.Consume(ctx, ConsumeRequest{Identity: "client:xyz", Question: "q"})
		require.NoError(t, err)
		assert.True(t, result.Trial)
	})

	t.Run("trial row is not a bearer token", func(t *testing.T) {
		_, err := env.gate.Consume(ctx, ConsumeRequest{Token: TrialToken("client:abc"), Question: "q"})
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("trial renews after window lapses", func(t *testing.T) {
		env.clock.Advance(24 * time.Hour)

		result, err := env.gate.Consume(ctx, ConsumeRequest{Identity: "client:abc", Question: "q"})
		require.NoError(t, err)
		assert.True(t, result.Trial)
	})

	t.Run("no identity and no token", func(t *testing.T) {
		_, err := env.gate.Consume(ctx, ConsumeRequest{Question: "q"})
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})
}

func TestAccessGate_TrialIsIndependentOfPaidCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.paidSession(t)

	_, err := env.gate.Consume(ctx, ConsumeRequest{Identity: "client:buyer", Question: "q"})
	require.NoError(t, err)

	result, err := env.gate.Consume(ctx, ConsumeRequest{Token: token, Identity: "client:buyer", Question: "q"})
	require.NoError(t, err)
	assert.False(t, result.Trial)
	assert.Equal(t, 4, result.CreditsRemaining)

	session, err := env.sessions.FindByToken(ctx, token)
	require.NoError(t, err)
	assert.False(t, session.FreeTrialUsed)
}

func TestAccessGate_FiveCreditScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.On("CreateInvoice", anyContext, anyInvoice).
		Return(testInvoice(), nil).Once()

	order, err := env.reconciler.CreateOrder(ctx)
	require.NoError(t, err)

	confirmedAt := env.clock.Now()
	reconciled, err := env.reconciler.ReconcileByWebhook(ctx, notification(order.OrderID, "finished"))
	require.NoError(t, err)
	require.NotNil(t, reconciled.Session)
	assert.Equal(t, 5, reconciled.Session.CreditsRemaining)
	assert.True(t, reconciled.Session.ExpiresAt.Equal(confirmedAt.Add(2*time.Hour)))

	token := reconciled.Session.Token
	for _, want := range []int{4, 3, 2, 1, 0} {
		result, err := env.gate.Consume(ctx, ConsumeRequest{Token: token, Question: "q", Subject: "s"})
		require.NoError(t, err)
		assert.Equal(t, want, result.CreditsRemaining)
	}

	_, err = env.gate.Consume(ctx, ConsumeRequest{Token: token, Question: "q", Subject: "s"})
	assert.Equal(t, apperrors.ErrCodeCreditsExhausted, apperrors.GetCode(err))
	env.provider.AssertExpectations(t)
}

func TestAccessGate_BogusToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.gate.Consume(context.Background(), ConsumeRequest{Token: "bogus", Question: "q"})
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestAccessGate_UpstreamFailureKeepsCreditSpent(t *testing.T) {
	failing := answererFunc(func(ctx context.Context, _, _ string) (string, error) {
		return "", errors.New("model overloaded")
	})
	env := newTestEnvWith(t, failing, ReconcilerOptions{})
	ctx := context.Background()
	token := env.paidSession(t)

	_, err := env.gate.Consume(ctx, ConsumeRequest{Token: token, Question: "q"})
	require.Error(t, err)

	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, appErr.Code)
	assert.Equal(t, map[string]any{"questions_left": 4}, appErr.Details)

	session, err := env.sessions.FindByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 4, session.CreditsRemaining)
}

func TestAccessGate_AnswerTimeout(t *testing.T) {
	slow := answererFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	env := newTestEnvWith(t, slow, ReconcilerOptions{})
	token := env.paidSession(t)

	start := time.Now()
	_, err := env.gate.Consume(context.Background(), ConsumeRequest{Token: token, Question: "q"})

	assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, apperrors.GetCode(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAccessGate_TrialIdentity(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		clientID string
		remoteIP string
		expected string
	}{
		{"client source", config.TrialIdentityClient, " abc ", "10.0.0.1", "client:abc"},
		{"client source without handle", config.TrialIdentityClient, "", "10.0.0.1", ""},
		{"ip source", config.TrialIdentityIP, "abc", "10.0.0.1", "ip:10.0.0.1"},
		{"disabled", config.TrialIdentityDisabled, "abc", "10.0.0.1", ""},
		{"oversized handle", config.TrialIdentityClient, strings.Repeat("a", 129), "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gate := NewAccessGate(nil, nil, nil, nil, GateOptions{TrialIdentity: tc.source})
			assert.Equal(t, tc.expected, gate.TrialIdentity(tc.clientID, tc.remoteIP))
		})
	}
}
