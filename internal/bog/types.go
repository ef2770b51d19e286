package bog

import (
	"github.com/shopspring/decimal"
)

// Order status keys reported in receipts and callbacks.
const (
	StatusCreated           = "created"
	StatusProcessing        = "processing"
	StatusCompleted         = "completed"
	StatusRejected          = "rejected"
	StatusRefundRequested   = "refund_requested"
	StatusRefunded          = "refunded"
	StatusRefundedPartially = "refunded_partially"
	StatusAuthRequested     = "auth_requested"
	StatusBlocked           = "blocked"
	StatusPartialCompleted  = "partial_completed"
)

const EventOrderPayment = "order_payment"

type CreateOrderRequest struct {
	CallbackURL     string        `json:"callback_url"`
	ExternalOrderID string        `json:"external_order_id"`
	PurchaseUnits   PurchaseUnits `json:"purchase_units"`
	RedirectURLs    *RedirectURLs `json:"redirect_urls,omitempty"`
	TTL             int           `json:"ttl,omitempty"`
}

// PurchaseUnits amounts are sent as JSON numbers.
type PurchaseUnits struct {
	Currency    string       `json:"currency"`
	TotalAmount float64      `json:"total_amount"`
	Basket      []BasketItem `json:"basket"`
}

type BasketItem struct {
	ProductID   string  `json:"product_id"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

type RedirectURLs struct {
	Success string `json:"success,omitempty"`
	Fail    string `json:"fail,omitempty"`
}

type Link struct {
	Href string `json:"href"`
}

type CreateOrderResponse struct {
	ID    string `json:"id"`
	Links struct {
		Details  Link `json:"details"`
		Redirect Link `json:"redirect"`
	} `json:"_links"`
}

func (r *CreateOrderResponse) RedirectURL() string {
	return r.Links.Redirect.Href
}

type OrderStatus struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

type ReceiptAmounts struct {
	RequestAmount  decimal.Decimal     `json:"request_amount"`
	TransferAmount decimal.NullDecimal `json:"transfer_amount"`
	RefundAmount   decimal.NullDecimal `json:"refund_amount"`
	CurrencyCode   string              `json:"currency_code" validate:"required,len=3"`
}

// Receipt is the order details document. The callback body carries the
// same shape.
type Receipt struct {
	OrderID         string         `json:"order_id" validate:"required"`
	ExternalOrderID string         `json:"external_order_id"`
	Industry        string         `json:"industry,omitempty"`
	ZonedCreateDate string         `json:"zoned_create_date,omitempty"`
	ZonedExpireDate string         `json:"zoned_expire_date,omitempty"`
	OrderStatus     OrderStatus    `json:"order_status"`
	PurchaseUnits   ReceiptAmounts `json:"purchase_units"`
	RejectReason    string         `json:"reject_reason,omitempty"`
	PaymentDetail   *PaymentDetail `json:"payment_detail,omitempty"`
}

type PaymentDetail struct {
	TransferMethod struct {
		Key string `json:"key"`
	} `json:"transfer_method"`
	TransactionID   string `json:"transaction_id,omitempty"`
	PayerIdentifier string `json:"payer_identifier,omitempty"`
	Code            string `json:"code,omitempty"`
	CodeDescription string `json:"code_description,omitempty"`
}

type Callback struct {
	Event            string  `json:"event" validate:"required"`
	ZonedRequestTime string  `json:"zoned_request_time"`
	Body             Receipt `json:"body"`
}
