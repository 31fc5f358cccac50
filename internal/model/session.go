package model

import (
	"time"
)

type Session struct {
	Token            string       `db:"token" json:"token"`
	OrderID          *string      `db:"order_id" json:"orderId,omitempty"`
	PaymentState     PaymentState `db:"payment_state" json:"paymentState"`
	CreditsRemaining int          `db:"credits_remaining" json:"creditsRemaining"`
	CreditsConsumed  int          `db:"credits_consumed" json:"creditsConsumed"`
	FreeTrialUsed    bool         `db:"free_trial_used" json:"freeTrialUsed"`
	ExpiresAt        time.Time    `db:"expires_at" json:"expiresAt"`
	CreatedAt        time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updatedAt"`
}

// ExpiredAt reports whether the session deadline has passed at now.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) IsPaid() bool {
	return s.PaymentState == PaymentStateConfirmed
}

// TrialAvailable reports whether the one unmetered action is still unclaimed.
func (s *Session) TrialAvailable() bool {
	return s.PaymentState == PaymentStateUnpaid && !s.FreeTrialUsed
}

// SessionMutation applies a state transition to a locked session row.
type SessionMutation func(s *Session)

// SessionPredicate guards a transition; a non-nil error aborts it.
type SessionPredicate func(s *Session) error
