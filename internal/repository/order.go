package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/olympic/session-gateway/internal/clock"
	"github.com/olympic/session-gateway/internal/database"
	"github.com/olympic/session-gateway/internal/model"
)

type OrderRepository interface {
	Create(ctx context.Context, order *model.Order) error
	FindByID(ctx context.Context, id string) (*model.Order, error)
	CompareAndUpdate(ctx context.Context, id string, pred model.OrderPredicate, mut model.OrderMutation) (*model.Order, error)
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

const orderColumns = `id, status, linked_session_token, invoice_id, checkout_url, price_amount,
	price_currency, provider_status, payment_id, created_at, updated_at, confirmed_at`

type orderRepo struct {
	db    *database.DB
	clock clock.Clock
}

func NewOrderRepository(db *database.DB, clk clock.Clock) OrderRepository {
	return &orderRepo{db: db, clock: clk}
}

func (r *orderRepo) Create(ctx context.Context, order *model.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, order.ID, order.Status, order.LinkedSessionToken, order.InvoiceID, order.CheckoutURL,
		order.PriceAmount, order.PriceCurrency, order.ProviderStatus, order.PaymentID,
		order.CreatedAt, order.UpdatedAt, order.ConfirmedAt)
	if database.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *orderRepo) FindByID(ctx context.Context, id string) (*model.Order, error) {
	var order model.Order
	err := r.db.GetContext(ctx, &order, `
		SELECT `+orderColumns+` FROM orders WHERE id = $1
	`, id)
	return HandleNotFound(&order, err)
}

func (r *orderRepo) CompareAndUpdate(
	ctx context.Context,
	id string,
	pred model.OrderPredicate,
	mut model.OrderMutation,
) (*model.Order, error) {
	var updated *model.Order

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var order model.Order
		err := tx.GetContext(ctx, &order, `
			SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE
		`, id)
		if _, err := HandleNotFound(&order, err); err != nil {
			return err
		}

		if pred != nil {
			if err := pred(&order); err != nil {
				return predicateFailed(err)
			}
		}
		mut(&order)
		order.UpdatedAt = r.clock.Now()

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET
				status = $2,
				linked_session_token = $3,
				invoice_id = $4,
				checkout_url = $5,
				provider_status = $6,
				payment_id = $7,
				updated_at = $8,
				confirmed_at = $9
			WHERE id = $1
		`, id, order.Status, order.LinkedSessionToken, order.InvoiceID, order.CheckoutURL,
			order.ProviderStatus, order.PaymentID, order.UpdatedAt, order.ConfirmedAt)
		if err != nil {
			return err
		}
		updated = &order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *orderRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
