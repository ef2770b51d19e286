package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bloom_wallet/internal/apperror"
	"bloom_wallet/internal/bog"
	"bloom_wallet/internal/config"
	"bloom_wallet/internal/metrics"
	"bloom_wallet/internal/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultGatewayTimeout = 15 * time.Second

	DefaultPageLimit = 20
	MaxPageLimit     = 100

	topUpProductID = "wallet-topup"
)

var (
	ErrUnsupportedCurrency = apperror.Validation(apperror.CodeUnsupportedCurrency, "currency is not supported for top-ups")
	ErrGatewayUnavailable  = apperror.Gateway(apperror.CodeGatewayError, "payment gateway is unavailable, please try again", nil)
)

// Gateway is the part of the payment processor API the service needs.
type Gateway interface {
	CreateOrder(ctx context.Context, req bog.CreateOrderRequest, idempotencyKey string) (*bog.CreateOrderResponse, error)
	GetReceipt(ctx context.Context, orderID string) (*bog.Receipt, error)
}

// Ledger credits and debits wallets.
type Ledger interface {
	GetWalletByUserID(ctx context.Context, userID string) (*wallet.Wallet, error)
	Post(ctx context.Context, userID string, posting wallet.Posting) (*wallet.Result, error)
}

type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type TopUpService interface {
	CreateTopUp(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*Order, error)
	GetTopUp(ctx context.Context, actor wallet.Actor, id string) (*Order, error)
	ListTopUps(ctx context.Context, userID string, page, limit int) (*OrderPage, error)
}

type Options struct {
	CallbackURL    string
	SuccessURL     string
	FailURL        string
	GatewayTimeout time.Duration
}

type Service struct {
	repo    Repository
	gateway Gateway
	ledger  Ledger
	limits  config.Limits
	opts    Options
	logger  *slog.Logger
}

func NewService(repo Repository, gateway Gateway, ledger Ledger, limits config.Limits, opts Options, logger *slog.Logger) *Service {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = DefaultGatewayTimeout
	}
	return &Service{repo: repo, gateway: gateway, ledger: ledger, limits: limits, opts: opts, logger: logger}
}

// Quote converts amount in currency to the wallet currency and checks it
// against the configured top-up bounds.
func (s *Service) Quote(amount decimal.Decimal, currency string) (rate, credit decimal.Decimal, err error) {
	if err := wallet.ValidateAmount(amount); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	rate, ok := s.limits.Rates[currency]
	if !ok {
		return decimal.Zero, decimal.Zero, ErrUnsupportedCurrency
	}

	credit = amount.Mul(rate).Round(2)
	if credit.LessThan(s.limits.Min) || credit.GreaterThan(s.limits.Max) {
		return decimal.Zero, decimal.Zero, apperror.Validation(apperror.CodeInvalidAmount,
			fmt.Sprintf("top-up amount must be between %s and %s %s",
				s.limits.Min.StringFixed(2), s.limits.Max.StringFixed(2), s.limits.Currency))
	}
	return rate, credit, nil
}

// CreateTopUp records a PENDING order and registers it with the gateway.
// When the gateway call fails or times out the order is marked FAILED and
// the caller has to start a new top-up.
func (s *Service) CreateTopUp(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*Order, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = s.limits.Currency
	}

	rate, credit, err := s.Quote(amount, currency)
	if err != nil {
		metrics.RecordTopUp("rejected")
		return nil, err
	}
	if _, err := s.ledger.GetWalletByUserID(ctx, userID); err != nil {
		metrics.RecordTopUp("rejected")
		return nil, err
	}

	order := &Order{
		ID:           uuid.New().String(),
		UserID:       userID,
		Amount:       amount,
		Currency:     currency,
		ExchangeRate: rate,
		CreditAmount: credit,
		Status:       StatusPending,
	}
	if err := s.repo.Create(ctx, order); err != nil {
		return nil, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	resp, err := s.gateway.CreateOrder(gwCtx, s.orderRequest(order), order.ID)
	if err != nil {
		reason := "gateway error: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "gateway timeout"
		}
		// the request context may already be done
		if markErr := s.repo.MarkFailed(context.WithoutCancel(ctx), order.ID, reason); markErr != nil {
			s.logger.Error("failed to mark top-up failed", "order_id", order.ID, "error", markErr)
		}
		metrics.RecordTopUp("failed")
		s.logger.Warn("top-up gateway call failed", "order_id", order.ID, "user_id", userID, "reason", reason)
		return nil, apperror.Gateway(apperror.CodeGatewayError, ErrGatewayUnavailable.Message, err)
	}

	redirect := resp.RedirectURL()
	if err := s.repo.MarkCreated(ctx, order.ID, resp.ID, redirect); err != nil {
		// the callback can still find the order through external_order_id
		s.logger.Error("failed to store gateway order id", "order_id", order.ID, "bog_order_id", resp.ID, "error", err)
		return nil, err
	}
	order.BogOrderID = &resp.ID
	order.RedirectURL = &redirect

	metrics.RecordTopUp("created")
	s.logger.Info("top-up created",
		"order_id", order.ID,
		"user_id", userID,
		"bog_order_id", resp.ID,
		"amount", amount.StringFixed(2),
		"currency", currency,
		"credit_amount", credit.StringFixed(2),
	)
	return order, nil
}

func (s *Service) orderRequest(order *Order) bog.CreateOrderRequest {
	total := order.Amount.InexactFloat64()
	req := bog.CreateOrderRequest{
		CallbackURL:     s.opts.CallbackURL,
		ExternalOrderID: order.ID,
		PurchaseUnits: bog.PurchaseUnits{
			Currency:    order.Currency,
			TotalAmount: total,
			Basket: []bog.BasketItem{{
				ProductID:   topUpProductID,
				Description: "Wallet top-up",
				Quantity:    1,
				UnitPrice:   total,
			}},
		},
	}
	if s.opts.SuccessURL != "" || s.opts.FailURL != "" {
		req.RedirectURLs = &bog.RedirectURLs{Success: s.opts.SuccessURL, Fail: s.opts.FailURL}
	}
	return req
}

// GetTopUp is read-only; status only ever changes through reconciliation.
func (s *Service) GetTopUp(ctx context.Context, actor wallet.Actor, id string) (*Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrOrderNotFound
	}
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := wallet.Authorize(actor, order.UserID); err != nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) ListTopUps(ctx context.Context, userID string, page, limit int) (*OrderPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	items, total, err := s.repo.ListByUser(ctx, userID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	return &OrderPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}
