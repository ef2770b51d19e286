package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bloom_wallet/internal/bog"
	"bloom_wallet/internal/notify"
	"bloom_wallet/internal/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnknownOrder Outcome = "unknown_order"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeMismatch     Outcome = "mismatch"
	OutcomeManualReview Outcome = "manual_review"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeError        Outcome = "error"
)

var errConcurrentTransition = errors.New("payment order changed status concurrently")

type CallbackProcessor interface {
	HandleCallback(ctx context.Context, cb *bog.Callback, raw []byte) (Outcome, error)
}

// Reconciler is the only writer of terminal order statuses. Each callback is
// applied at most once: the wallet posting and the status change commit
// together, and an order that already left the source status only gets its
// audit payload refreshed.
type Reconciler struct {
	repo           Repository
	ledger         Ledger
	tx             Transactor
	gateway        Gateway
	verifyReceipts bool
	publisher      notify.Publisher
	logger         *slog.Logger
}

// NewReconciler wires the callback flow. gateway may be nil, in which case
// receipts are never re-fetched.
func NewReconciler(repo Repository, ledger Ledger, tx Transactor, gateway Gateway, verifyReceipts bool, publisher notify.Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		repo:           repo,
		ledger:         ledger,
		tx:             tx,
		gateway:        gateway,
		verifyReceipts: verifyReceipts && gateway != nil,
		publisher:      publisher,
		logger:         logger,
	}
}

// HandleCallback returns a non-nil error only for failures the gateway
// should retry. Anomalies are acknowledged and reported through the outcome.
func (r *Reconciler) HandleCallback(ctx context.Context, cb *bog.Callback, raw []byte) (Outcome, error) {
	if cb.Event != bog.EventOrderPayment {
		r.logger.Info("ignoring gateway event", "event", cb.Event)
		return OutcomeIgnored, nil
	}
	body := cb.Body
	payload := string(raw)

	order, err := r.lookup(ctx, &body)
	if errors.Is(err, ErrOrderNotFound) {
		r.logger.Warn("callback for unknown payment order",
			"bog_order_id", body.OrderID,
			"external_order_id", body.ExternalOrderID,
			"status", body.OrderStatus.Key,
		)
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return OutcomeError, err
	}
	log := r.logger.With("order_id", order.ID, "bog_order_id", body.OrderID, "gateway_status", body.OrderStatus.Key)

	target, known := MapGatewayStatus(body.OrderStatus.Key)
	if !known || target == StatusPending {
		if !known {
			log.Warn("unknown gateway order status")
		}
		return OutcomeIgnored, r.repo.SaveCallbackPayload(ctx, order.ID, payload)
	}

	if !CanTransition(order.Status, target) {
		outcome := settledOutcome(order.Status, target)
		r.logSettled(log, outcome, order.Status, target)
		return outcome, r.repo.SaveCallbackPayload(ctx, order.ID, payload)
	}

	if reason := mismatch(order, &body); reason != "" {
		log.Error("callback does not match payment order", "reason", reason)
		return OutcomeMismatch, r.repo.SaveCallbackPayload(ctx, order.ID, payload)
	}

	if r.verifyReceipts {
		receipt, err := r.gateway.GetReceipt(ctx, body.OrderID)
		if err != nil {
			return OutcomeError, fmt.Errorf("failed to verify receipt: %w", err)
		}
		if confirmed, _ := MapGatewayStatus(receipt.OrderStatus.Key); confirmed != target {
			log.Error("receipt does not confirm callback status", "receipt_status", receipt.OrderStatus.Key)
			return OutcomeMismatch, r.repo.SaveCallbackPayload(ctx, order.ID, payload)
		}
		body.PurchaseUnits.RefundAmount = receipt.PurchaseUnits.RefundAmount
	}

	outcome, update, err := r.apply(ctx, order.ID, target, &body, payload)
	if errors.Is(err, wallet.ErrInsufficientFunds) {
		log.Error("refund exceeds wallet balance, manual review required")
		return OutcomeManualReview, r.repo.SaveCallbackPayload(ctx, order.ID, payload)
	}
	if err != nil {
		log.Error("failed to apply callback", "error", err)
		return OutcomeError, err
	}
	if outcome == OutcomeManualReview {
		log.Error("callback contradicts payment order status, manual review required", "target", target)
	}

	if update != nil {
		if err := r.publisher.Publish(ctx, *update); err != nil {
			log.Warn("failed to publish payment update", "error", err)
		}
		log.Info("payment order reconciled", "status", target)
	}
	return outcome, nil
}

// settledOutcome classifies a callback the order can no longer take. A
// redelivery is a duplicate; a status that contradicts the order's history
// (completed after FAILED, refunded while PENDING) needs a human.
func settledOutcome(current, target Status) Outcome {
	if Reached(current, target) {
		return OutcomeDuplicate
	}
	return OutcomeManualReview
}

func (r *Reconciler) logSettled(log *slog.Logger, outcome Outcome, current, target Status) {
	if outcome == OutcomeDuplicate {
		log.Info("callback for settled payment order", "status", current, "target", target)
		return
	}
	log.Error("callback contradicts payment order status, manual review required", "status", current, "target", target)
}

func (r *Reconciler) lookup(ctx context.Context, body *bog.Receipt) (*Order, error) {
	order, err := r.repo.FindByBogOrderID(ctx, body.OrderID)
	if !errors.Is(err, ErrOrderNotFound) || body.ExternalOrderID == "" {
		return order, err
	}
	if _, perr := uuid.Parse(body.ExternalOrderID); perr != nil {
		return nil, ErrOrderNotFound
	}

	order, err = r.repo.FindByID(ctx, body.ExternalOrderID)
	if err != nil {
		return nil, err
	}
	if order.BogOrderID != nil && *order.BogOrderID != body.OrderID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func mismatch(order *Order, body *bog.Receipt) string {
	units := body.PurchaseUnits
	if !strings.EqualFold(units.CurrencyCode, order.Currency) {
		return fmt.Sprintf("currency %s, order has %s", units.CurrencyCode, order.Currency)
	}
	if !units.RequestAmount.IsZero() && !units.RequestAmount.Equal(order.Amount) {
		return fmt.Sprintf("request amount %s, order has %s", units.RequestAmount.StringFixed(2), order.Amount.StringFixed(2))
	}
	return ""
}

// apply re-reads the order under a row lock and performs the posting and
// the status change in one transaction.
func (r *Reconciler) apply(ctx context.Context, orderID string, target Status, body *bog.Receipt, payload string) (Outcome, *notify.Update, error) {
	outcome := OutcomeApplied
	var update *notify.Update

	err := r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		order, err := r.repo.LockByID(ctx, orderID)
		if err != nil {
			return err
		}
		if !CanTransition(order.Status, target) {
			outcome = settledOutcome(order.Status, target)
			return r.repo.SaveCallbackPayload(ctx, order.ID, payload)
		}

		var result *wallet.Result
		change := StatusChange{Payload: payload}
		switch target {
		case StatusCompleted:
			result, err = r.ledger.Post(ctx, order.UserID, wallet.Posting{
				Type:        wallet.TransactionDeposit,
				Amount:      order.CreditAmount,
				Description: topUpDescription(order),
				ReferenceID: order.ID,
				ActorID:     wallet.SystemActor,
			})
		case StatusRefunded:
			result, err = r.ledger.Post(ctx, order.UserID, wallet.Posting{
				Type:        wallet.TransactionWithdrawal,
				Amount:      refundCredit(order, body),
				Description: "Top-up refunded via BOG",
				ReferenceID: order.ID,
				ActorID:     wallet.SystemActor,
			})
		case StatusFailed:
			change.FailureReason = body.RejectReason
			if change.FailureReason == "" {
				change.FailureReason = body.OrderStatus.Value
			}
		}
		if err != nil {
			return err
		}

		moved, err := r.repo.Transition(ctx, order.ID, order.Status, target, change)
		if err != nil {
			return err
		}
		if !moved {
			return errConcurrentTransition
		}

		update = &notify.Update{
			UserID:    order.UserID,
			OrderID:   order.ID,
			Status:    string(target),
			Amount:    order.CreditAmount.StringFixed(2),
			Currency:  order.Currency,
			Terminal:  true,
			Timestamp: time.Now().UTC(),
		}
		if result != nil {
			update.Balance = result.Wallet.Balance.StringFixed(2)
		}
		return nil
	})
	if err != nil {
		return OutcomeError, nil, err
	}
	return outcome, update, nil
}

func topUpDescription(order *Order) string {
	if order.BogOrderID != nil {
		return fmt.Sprintf("Top-up via BOG (order %s)", *order.BogOrderID)
	}
	return "Top-up via BOG"
}

// refundCredit converts the refunded amount with the order's rate and caps
// it at what was credited.
func refundCredit(order *Order, body *bog.Receipt) decimal.Decimal {
	refunded := order.Amount
	if ra := body.PurchaseUnits.RefundAmount; ra.Valid && ra.Decimal.IsPositive() {
		refunded = ra.Decimal
	}
	credit := refunded.Mul(order.ExchangeRate).Round(2)
	if credit.GreaterThan(order.CreditAmount) {
		credit = order.CreditAmount
	}
	return credit
}
