package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	apperrors "github.com/olympic/session-gateway/internal/errors"
	"github.com/olympic/session-gateway/internal/metrics"
	"github.com/olympic/session-gateway/internal/model"
	"github.com/olympic/session-gateway/internal/repository"
	"github.com/olympic/session-gateway/internal/util"
)

var errNoCredits = errors.New("no credits remaining")

// Grant is the outcome of a successful consumption.
type Grant struct {
	CreditsRemaining int
	Trial            bool
}

// CreditLedger decides and records each consumption in a single
// compare-and-update on the session row.
type CreditLedger struct {
	sessions repository.SessionRepository
}

func NewCreditLedger(sessions repository.SessionRepository) *CreditLedger {
	return &CreditLedger{sessions: sessions}
}

func (l *CreditLedger) TryConsume(ctx context.Context, token string) (*Grant, error) {
	trial := false

	updated, err := l.sessions.CompareAndUpdate(ctx, token,
		func(s *model.Session) error {
			if s.TrialAvailable() || s.CreditsRemaining > 0 {
				return nil
			}
			return errNoCredits
		},
		func(s *model.Session) {
			trial = s.TrialAvailable()
			if trial {
				s.FreeTrialUsed = true
				return
			}
			s.CreditsRemaining--
			s.CreditsConsumed++
		},
	)
	if err != nil {
		return nil, l.denial(token, err)
	}

	if trial {
		metrics.ConsumeTotal.WithLabelValues("granted_trial").Inc()
	} else {
		metrics.ConsumeTotal.WithLabelValues("granted_paid").Inc()
	}

	return &Grant{CreditsRemaining: updated.CreditsRemaining, Trial: trial}, nil
}

func (l *CreditLedger) denial(token string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		metrics.ConsumeTotal.WithLabelValues("not_found").Inc()
		return apperrors.NotFound("session")
	case errors.Is(err, repository.ErrSessionExpired):
		metrics.ConsumeTotal.WithLabelValues("expired").Inc()
		return apperrors.SessionExpired()
	case errors.Is(err, repository.ErrPredicateFailed):
		metrics.ConsumeTotal.WithLabelValues("exhausted").Inc()
		return apperrors.CreditsExhausted()
	default:
		metrics.ConsumeTotal.WithLabelValues("error").Inc()
		log.Error().
			Err(err).
			Str("sessionToken", util.MaskToken(token)).
			Msg("credit consumption failed")
		return apperrors.StoreUnavailable(err)
	}
}
