package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/olympic/session-gateway/internal/clock"
	"github.com/olympic/session-gateway/internal/database"
	"github.com/olympic/session-gateway/internal/model"
)

// SessionRepository is the durable token -> Session mapping. Every state
// transition goes through CompareAndUpdate; rows observed past their deadline
// are deleted before the call returns.
type SessionRepository interface {
	Create(ctx context.Context, session *model.Session) error
	FindByToken(ctx context.Context, token string) (*model.Session, error)
	CompareAndUpdate(ctx context.Context, token string, pred model.SessionPredicate, mut model.SessionMutation) (*model.Session, error)
	Delete(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
}

const sessionColumns = `token, order_id, payment_state, credits_remaining, credits_consumed,
	free_trial_used, expires_at, created_at, updated_at`

type sessionRepo struct {
	db    *database.DB
	clock clock.Clock
}

func NewSessionRepository(db *database.DB, clk clock.Clock) SessionRepository {
	return &sessionRepo{db: db, clock: clk}
}

func (r *sessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, session.Token, session.OrderID, session.PaymentState, session.CreditsRemaining,
		session.CreditsConsumed, session.FreeTrialUsed, session.ExpiresAt, session.CreatedAt, session.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *sessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT `+sessionColumns+` FROM sessions WHERE token = $1
	`, token)
	found, err := HandleNotFound(&session, err)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	if found.ExpiredAt(now) {
		if _, err := r.db.ExecContext(ctx, `
			DELETE FROM sessions WHERE token = $1 AND expires_at <= $2
		`, token, now); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}
	return found, nil
}

func (r *sessionRepo) CompareAndUpdate(
	ctx context.Context,
	token string,
	pred model.SessionPredicate,
	mut model.SessionMutation,
) (*model.Session, error) {
	var updated *model.Session
	expired := false

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var session model.Session
		err := tx.GetContext(ctx, &session, `
			SELECT `+sessionColumns+` FROM sessions WHERE token = $1 FOR UPDATE
		`, token)
		if _, err := HandleNotFound(&session, err); err != nil {
			return err
		}

		now := r.clock.Now()
		if session.ExpiredAt(now) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token); err != nil {
				return err
			}
			expired = true
			return nil
		}

		if pred != nil {
			if err := pred(&session); err != nil {
				return predicateFailed(err)
			}
		}
		mut(&session)
		session.UpdatedAt = now

		// token, order_id, created_at and expires_at are immutable and never written here.
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET
				payment_state = $2,
				credits_remaining = $3,
				credits_consumed = $4,
				free_trial_used = $5,
				updated_at = $6
			WHERE token = $1
		`, token, session.PaymentState, session.CreditsRemaining, session.CreditsConsumed,
			session.FreeTrialUsed, session.UpdatedAt)
		if err != nil {
			return err
		}
		updated = &session
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrSessionExpired
	}
	return updated, nil
}

func (r *sessionRepo) Delete(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

func (r *sessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *sessionRepo) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
