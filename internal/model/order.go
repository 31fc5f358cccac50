package model

import (
	"time"
)

type Order struct {
	ID                 string      `db:"id" json:"id"`
	Status             OrderStatus `db:"status" json:"status"`
	LinkedSessionToken *string     `db:"linked_session_token" json:"linkedSessionToken,omitempty"`
	InvoiceID          *string     `db:"invoice_id" json:"invoiceId,omitempty"`
	CheckoutURL        *string     `db:"checkout_url" json:"checkoutUrl,omitempty"`
	PriceAmount        float64     `db:"price_amount" json:"priceAmount"`
	PriceCurrency      string      `db:"price_currency" json:"priceCurrency"`
	ProviderStatus     *string     `db:"provider_status" json:"providerStatus,omitempty"`
	PaymentID          *string     `db:"payment_id" json:"paymentId,omitempty"`
	CreatedAt          time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time   `db:"updated_at" json:"updatedAt"`
	ConfirmedAt        *time.Time  `db:"confirmed_at" json:"confirmedAt,omitempty"`
}

type OrderMutation func(o *Order)

type OrderPredicate func(o *Order) error
