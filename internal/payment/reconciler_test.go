package payment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"bloom_wallet/internal/bog"
	"bloom_wallet/internal/logger"
	"bloom_wallet/internal/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconcilerFixture struct {
	repo      *fakeRepo
	ledger    *fakeLedger
	gateway   *fakeGateway
	publisher *recordingPublisher
	rec       *Reconciler
}

func newReconcilerFixture(verify bool) *reconcilerFixture {
	f := &reconcilerFixture{
		repo:      newFakeRepo(),
		ledger:    newFakeLedger("u-1"),
		gateway:   &fakeGateway{},
		publisher: &recordingPublisher{},
	}
	f.rec = NewReconciler(f.repo, f.ledger, passThroughTx{}, f.gateway, verify, f.publisher, logger.Discard())
	return f
}

func (f *reconcilerFixture) pendingOrder(amount, currency, rate string) *Order {
	bogID := "bog-" + uuid.NewString()
	o := &Order{
		ID:           uuid.NewString(),
		UserID:       "u-1",
		BogOrderID:   &bogID,
		Amount:       dec(amount),
		Currency:     currency,
		ExchangeRate: dec(rate),
		CreditAmount: dec(amount).Mul(dec(rate)).Round(2),
		Status:       StatusPending,
	}
	f.repo.put(o)
	return o
}

func callbackFor(o *Order, status string) (*bog.Callback, []byte) {
	cb := &bog.Callback{
		Event:            bog.EventOrderPayment,
		ZonedRequestTime: "2026-03-08T10:00:00.000000Z",
		Body: bog.Receipt{
			ExternalOrderID: o.ID,
			OrderStatus:     bog.OrderStatus{Key: status},
			PurchaseUnits: bog.ReceiptAmounts{
				RequestAmount: o.Amount,
				CurrencyCode:  o.Currency,
			},
		},
	}
	if o.BogOrderID != nil {
		cb.Body.OrderID = *o.BogOrderID
	}
	raw, _ := json.Marshal(cb)
	return cb, raw
}

func TestCompletedCallbackCreditsExactlyOnce(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("25.00", "GEL", "1")
	cb, raw := callbackFor(order, bog.StatusCompleted)

	var outcomes []Outcome
	for i := 0; i < 3; i++ {
		outcome, err := f.rec.HandleCallback(context.Background(), cb, raw)
		require.NoError(t, err)
		outcomes = append(outcomes, outcome)
	}

	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeDuplicate, OutcomeDuplicate}, outcomes)
	assert.Equal(t, 1, f.ledger.count())
	assert.Equal(t, "25.00", f.ledger.balance("u-1").StringFixed(2))

	stored := f.repo.get(order.ID)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.CallbackPayload)
	assert.Equal(t, string(raw), *stored.CallbackPayload)

	posting := f.ledger.postings[0]
	assert.Equal(t, wallet.TransactionDeposit, posting.Type)
	assert.Equal(t, order.ID, posting.ReferenceID)
	assert.Equal(t, wallet.SystemActor, posting.ActorID)

	require.Equal(t, 1, f.publisher.count())
	u := f.publisher.updates[0]
	assert.Equal(t, "COMPLETED", u.Status)
	assert.Equal(t, "25.00", u.Balance)
	assert.True(t, u.Terminal)
}

func TestCompletedCallbackCreditsConvertedAmount(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("25.00", "EUR", "2.95")
	cb, raw := callbackFor(order, bog.StatusCompleted)

	for i := 0; i < 3; i++ {
		_, err := f.rec.HandleCallback(context.Background(), cb, raw)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.ledger.count())
	assert.Equal(t, "73.75", f.ledger.balance("u-1").StringFixed(2))
	assert.Equal(t, StatusCompleted, f.repo.get(order.ID).Status)
}

func TestCallbackForUnknownOrderIsAcknowledged(t *testing.T) {
	f := newReconcilerFixture(false)
	cb := &bog.Callback{Event: bog.EventOrderPayment, Body: bog.Receipt{
		OrderID:         "bog-missing",
		ExternalOrderID: uuid.NewString(),
		OrderStatus:     bog.OrderStatus{Key: bog.StatusCompleted},
		PurchaseUnits:   bog.ReceiptAmounts{RequestAmount: dec("5"), CurrencyCode: "GEL"},
	}}

	outcome, err := f.rec.HandleCallback(context.Background(), cb, []byte(`{}`))

	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownOrder, outcome)
	assert.Equal(t, 0, f.ledger.count())
}

func TestCallbackFindsOrderByExternalID(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("10.00", "GEL", "1")
	order.BogOrderID = nil
	f.repo.put(order)

	cb, raw := callbackFor(order, bog.StatusCompleted)
	cb.Body.OrderID = "bog-late"

	outcome, err := f.rec.HandleCallback(context.Background(), cb, raw)

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "10.00", f.ledger.balance("u-1").StringFixed(2))
}

func TestCreditFailureLeavesOrderPending(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("25.00", "GEL", "1")
	cb, raw := callbackFor(order, bog.StatusCompleted)

	f.ledger.postErr = errors.New("database unavailable")
	outcome, err := f.rec.HandleCallback(context.Background(), cb, raw)

	assert.Error(t, err)
	assert.Equal(t, OutcomeError, outcome)
	assert.Equal(t, StatusPending, f.repo.get(order.ID).Status)
	assert.Equal(t, 0, f.publisher.count())

	// the gateway retries and the credit goes through
	f.ledger.postErr = nil
	outcome, err = f.rec.HandleCallback(context.Background(), cb, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, StatusCompleted, f.repo.get(order.ID).Status)
	assert.Equal(t, "25.00", f.ledger.balance("u-1").StringFixed(2))
}

func TestStatusUpdateFailureIsRetryable(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("25.00", "GEL", "1")
	cb, raw := callbackFor(order, bog.StatusCompleted)

	f.repo.transitionErr = errors.New("connection reset")
	_, err := f.rec.HandleCallback(context.Background(), cb, raw)

	assert.Error(t, err)
	assert.Equal(t, StatusPending, f.repo.get(order.ID).Status)
}

func TestRejectedCallbackMarksOrderFailed(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("25.00", "GEL", "1")
	cb, raw := callbackFor(order, bog.StatusRejected)
	cb.Body.RejectReason = "expiration"

	outcome, err := f.rec.HandleCallback(context.Background(), cb, raw)

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	stored := f.repo.get(order.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "expiration", *stored.FailureReason)
	assert.Equal(t, 0, f.ledger.count())

	// a redelivered rejection changes nothing
	outcome, err = f.rec.HandleCallback(context.Background(), cb, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	// a late completion for a failed order is not applied
	cb2, raw2 := callbackFor(order, bog.StatusCompleted)
	outcome, err = f.rec.HandleCallback(context.Background(), cb2, raw2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeManualReview, outcome)
	assert.Equal(t, StatusFailed, f.repo.get(order.ID).Status)
	assert.Equal(t, 0, f.ledger.count())
}

func TestCompletionForFailedOrderNeedsManualReview(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("25.00", "GEL", "1")
	order.BogOrderID = nil
	order.Status = StatusFailed
	f.repo.put(order)

	cb, raw := callbackFor(order, bog.StatusCompleted)
	cb.Body.OrderID = "bog-after-timeout"

	outcome, err := f.rec.HandleCallback(context.Background(), cb, raw)

	require.NoError(t, err)
	assert.Equal(t, OutcomeManualReview, outcome)
	stored := f.repo.get(order.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	require.NotNil(t, stored.CallbackPayload)
	assert.Equal(t, string(raw), *stored.CallbackPayload)
	assert.Equal(t, 0, f.ledger.count())
	assert.Equal(t, 0, f.publisher.count())
}

func TestSettledOutcome(t *testing.T) {
	tests := []struct {
		current, target Status
		want            Outcome
	}{
		{StatusCompleted, StatusCompleted, OutcomeDuplicate},
		{StatusFailed, StatusFailed, OutcomeDuplicate},
		{StatusRefunded, StatusRefunded, OutcomeDuplicate},
		{StatusRefunded, StatusCompleted, OutcomeDuplicate},
		{StatusFailed, StatusCompleted, OutcomeManualReview},
		{StatusFailed, StatusRefunded, OutcomeManualReview},
		{StatusCompleted, StatusFailed, OutcomeManualReview},
		{StatusRefunded, StatusFailed, OutcomeManualReview},
		{StatusPending, StatusRefunded, OutcomeManualReview},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.target), func(t *testing.T) {
			assert.Equal(t, tt.want, settledOutcome(tt.current, tt.target))
		})
	}
}

func TestRefundAfterCompletion(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("20.00", "EUR", "2.95")
	cb, raw := callbackFor(order, bog.StatusCompleted)
	_, err := f.rec.HandleCallback(context.Background(), cb, raw)
	require.NoError(t, err)
	require.Equal(t, "59.00", f.ledger.balance("u-1").StringFixed(2))

	refund, rawRefund := callbackFor(order, bog.StatusRefundedPartially)
	refund.Body.PurchaseUnits.RefundAmount = decimal.NewNullDecimal(dec("10.00"))

	outcome, err := f.rec.HandleCallback(context.Background(), refund, rawRefund)

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, StatusRefunded, f.repo.get(order.ID).Status)
	assert.Equal(t, "29.50", f.ledger.balance("u-1").StringFixed(2))
	require.Equal(t, 2, f.ledger.count())
	assert.Equal(t, wallet.TransactionWithdrawal, f.ledger.postings[1].Type)
	assert.Equal(t, order.ID, f.ledger.postings[1].ReferenceID)
}

func TestRefundWithoutFundsNeedsManualReview(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("20.00", "GEL", "1")
	cb, raw := callbackFor(order, bog.StatusCompleted)
	_, err := f.rec.HandleCallback(context.Background(), cb, raw)
	require.NoError(t, err)

	// customer spends most of the balance
	_, err = f.ledger.Post(context.Background(), "u-1", wallet.Posting{Type: wallet.TransactionPurchase, Amount: dec("15")})
	require.NoError(t, err)

	refund, rawRefund := callbackFor(order, bog.StatusRefunded)
	outcome, err := f.rec.HandleCallback(context.Background(), refund, rawRefund)

	require.NoError(t, err)
	assert.Equal(t, OutcomeManualReview, outcome)
	stored := f.repo.get(order.ID)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, string(rawRefund), *stored.CallbackPayload)
	assert.Equal(t, "5.00", f.ledger.balance("u-1").StringFixed(2))
}

func TestMismatchedCallbackIsNotApplied(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("25.00", "GEL", "1")

	cb, raw := callbackFor(order, bog.StatusCompleted)
	cb.Body.PurchaseUnits.CurrencyCode = "USD"
	outcome, err := f.rec.HandleCallback(context.Background(), cb, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMismatch, outcome)

	cb, raw = callbackFor(order, bog.StatusCompleted)
	cb.Body.PurchaseUnits.RequestAmount = dec("2500.00")
	outcome, err = f.rec.HandleCallback(context.Background(), cb, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMismatch, outcome)

	stored := f.repo.get(order.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, string(raw), *stored.CallbackPayload)
	assert.Equal(t, 0, f.ledger.count())
}

func TestInFlightStatusOnlyStoresPayload(t *testing.T) {
	f := newReconcilerFixture(false)
	order := f.pendingOrder("25.00", "GEL", "1")
	cb, raw := callbackFor(order, bog.StatusProcessing)

	outcome, err := f.rec.HandleCallback(context.Background(), cb, raw)

	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	stored := f.repo.get(order.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.NotNil(t, stored.CallbackPayload)
	assert.Equal(t, 0, f.ledger.count())
}

func TestOtherEventsAreIgnored(t *testing.T) {
	f := newReconcilerFixture(false)

	outcome, err := f.rec.HandleCallback(context.Background(), &bog.Callback{Event: "subscription_payment"}, []byte(`{}`))

	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestReceiptVerification(t *testing.T) {
	f := newReconcilerFixture(true)
	order := f.pendingOrder("25.00", "GEL", "1")
	cb, raw := callbackFor(order, bog.StatusCompleted)

	// gateway still reports the order as processing
	f.gateway.receipt = &bog.Receipt{OrderStatus: bog.OrderStatus{Key: bog.StatusProcessing}}
	outcome, err := f.rec.HandleCallback(context.Background(), cb, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMismatch, outcome)
	assert.Equal(t, 0, f.ledger.count())

	f.gateway.receipt = &bog.Receipt{OrderStatus: bog.OrderStatus{Key: bog.StatusCompleted}}
	outcome, err = f.rec.HandleCallback(context.Background(), cb, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 1, f.ledger.count())
}

func TestReceiptVerificationFailureIsRetryable(t *testing.T) {
	f := newReconcilerFixture(true)
	order := f.pendingOrder("25.00", "GEL", "1")
	cb, raw := callbackFor(order, bog.StatusCompleted)

	outcome, err := f.rec.HandleCallback(context.Background(), cb, raw)

	assert.Error(t, err)
	assert.Equal(t, OutcomeError, outcome)
	assert.Equal(t, StatusPending, f.repo.get(order.ID).Status)
}
