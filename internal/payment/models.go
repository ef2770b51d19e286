package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Terminal reports whether the order left PENDING. A COMPLETED order can
// still be refunded, but it is never credited again.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// CanTransition encodes PENDING -> COMPLETED|FAILED and COMPLETED -> REFUNDED.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return to == StatusRefunded
	}
	return false
}

// Reached reports whether an order in current has already been through
// target, so a callback for target is a redelivery.
func Reached(current, target Status) bool {
	return current == target || (current == StatusRefunded && target == StatusCompleted)
}

// Order is one top-up attempt. ExchangeRate and CreditAmount are fixed when
// the order is created; the wallet is credited with CreditAmount.
type Order struct {
	ID              string          `gorm:"column:id;primaryKey;type:uuid"`
	UserID          string          `gorm:"column:user_id;type:varchar(64);not null"`
	BogOrderID      *string         `gorm:"column:bog_order_id;type:varchar(128);uniqueIndex"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	Currency        string          `gorm:"column:currency;type:varchar(3);not null"`
	ExchangeRate    decimal.Decimal `gorm:"column:exchange_rate;type:numeric(20,6);not null"`
	CreditAmount    decimal.Decimal `gorm:"column:credit_amount;type:numeric(20,2);not null"`
	Status          Status          `gorm:"column:status;type:varchar(20);not null"`
	RedirectURL     *string         `gorm:"column:redirect_url;type:text"`
	FailureReason   *string         `gorm:"column:failure_reason;type:text"`
	CallbackPayload *string         `gorm:"column:callback_payload;type:text"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;not null"`
	CompletedAt     *time.Time      `gorm:"column:completed_at"`
}

func (Order) TableName() string {
	return "payment_orders"
}

// StatusChange is written together with a status transition.
type StatusChange struct {
	Payload       string
	FailureReason string
}

type OrderPage struct {
	Items []Order
	Total int64
	Page  int
	Limit int
}

type TopUpRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" binding:"omitempty,len=3,alpha"`
}

type OrderResponse struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	BogOrderID    *string    `json:"bogOrderId"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	ExchangeRate  string     `json:"exchangeRate"`
	CreditAmount  string     `json:"creditAmount"`
	Status        Status     `json:"status"`
	RedirectURL   *string    `json:"redirectUrl"`
	FailureReason *string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

type TopUpResponse struct {
	Order       OrderResponse `json:"order"`
	RedirectURL string        `json:"redirectUrl"`
}

func NewOrderResponse(o *Order) OrderResponse {
	return OrderResponse{
		ID:            o.ID,
		UserID:        o.UserID,
		BogOrderID:    o.BogOrderID,
		Amount:        o.Amount.StringFixed(2),
		Currency:      o.Currency,
		ExchangeRate:  o.ExchangeRate.String(),
		CreditAmount:  o.CreditAmount.StringFixed(2),
		Status:        o.Status,
		RedirectURL:   o.RedirectURL,
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		CompletedAt:   o.CompletedAt,
	}
}
