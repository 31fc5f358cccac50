package service

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/olympic/session-gateway/internal/errors"
	"github.com/olympic/session-gateway/internal/model"
	"github.com/olympic/session-gateway/internal/repository"
)

type SessionStatusResult struct {
	Token            string             `json:"token"`
	ExpiresAt        time.Time          `json:"expires_at"`
	CreditsRemaining int                `json:"questions_left"`
	CreditsConsumed  int                `json:"questions_asked"`
	Paid             bool               `json:"paid"`
	PaymentState     model.PaymentState `json:"payment_state"`
}

type SessionService struct {
	sessions repository.SessionRepository
}

func NewSessionService(sessions repository.SessionRepository) *SessionService {
	return &SessionService{sessions: sessions}
}

// GetStatus reports a paid session without consuming anything.
func (s *SessionService) GetStatus(ctx context.Context, token string) (*SessionStatusResult, error) {
	if token == "" || isTrialToken(token) {
		return nil, apperrors.NotFound("session")
	}

	session, err := s.sessions.FindByToken(ctx, token)
	if err != nil {
		return nil, sessionLookupError(err)
	}

	return &SessionStatusResult{
		Token:            session.Token,
		ExpiresAt:        session.ExpiresAt,
		CreditsRemaining: session.CreditsRemaining,
		CreditsConsumed:  session.CreditsConsumed,
		Paid:             session.IsPaid(),
		PaymentState:     session.PaymentState,
	}, nil
}

// Ping reports whether the session store is reachable.
func (s *SessionService) Ping(ctx context.Context) error {
	if err := s.sessions.Ping(ctx); err != nil {
		return apperrors.StoreUnavailable(err)
	}
	return nil
}

func sessionLookupError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NotFound("session")
	case errors.Is(err, repository.ErrSessionExpired):
		return apperrors.SessionExpired()
	default:
		return apperrors.StoreUnavailable(err)
	}
}
