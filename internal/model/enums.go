package model

type PaymentState string

const (
	PaymentStateUnpaid    PaymentState = "unpaid"
	PaymentStateConfirmed PaymentState = "confirmed"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusFailed    OrderStatus = "failed"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusFailed
}
