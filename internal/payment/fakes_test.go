package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"bloom_wallet/internal/bog"
	"bloom_wallet/internal/config"
	"bloom_wallet/internal/notify"
	"bloom_wallet/internal/wallet"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testLimits() config.Limits {
	return config.Limits{
		Currency: "GEL",
		Min:      dec("1.00"),
		Max:      dec("10000.00"),
		Rates: map[string]decimal.Decimal{
			"GEL": decimal.NewFromInt(1),
			"EUR": dec("2.95"),
		},
	}
}

type fakeRepo struct {
	mu             sync.Mutex
	orders         map[string]*Order
	transitionErr  error
	payloadUpdates int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{orders: make(map[string]*Order)}
}

func (r *fakeRepo) copyOf(o *Order) *Order {
	c := *o
	return &c
}

func (r *fakeRepo) put(o *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = r.copyOf(o)
}

func (r *fakeRepo) get(id string) *Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[id]; ok {
		return r.copyOf(o)
	}
	return nil
}

func (r *fakeRepo) Create(_ context.Context, order *Order) error {
	order.CreatedAt = time.Now().UTC()
	order.UpdatedAt = order.CreatedAt
	r.put(order)
	return nil
}

func (r *fakeRepo) FindByID(_ context.Context, id string) (*Order, error) {
	if o := r.get(id); o != nil {
		return o, nil
	}
	return nil, ErrOrderNotFound
}

func (r *fakeRepo) FindByBogOrderID(_ context.Context, bogOrderID string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.BogOrderID != nil && *o.BogOrderID == bogOrderID {
			return r.copyOf(o), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (r *fakeRepo) LockByID(ctx context.Context, id string) (*Order, error) {
	return r.FindByID(ctx, id)
}

func (r *fakeRepo) MarkCreated(_ context.Context, id, bogOrderID, redirectURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != StatusPending {
		return ErrOrderNotFound
	}
	o.BogOrderID = &bogOrderID
	o.RedirectURL = &redirectURL
	return nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.Transition(ctx, id, StatusPending, StatusFailed, StatusChange{FailureReason: reason})
	return err
}

func (r *fakeRepo) Transition(_ context.Context, id string, from, to Status, change StatusChange) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionErr != nil {
		return false, r.transitionErr
	}
	o, ok := r.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	if change.Payload != "" {
		o.CallbackPayload = &change.Payload
	}
	if change.FailureReason != "" {
		o.FailureReason = &change.FailureReason
	}
	if to == StatusCompleted {
		now := time.Now().UTC()
		o.CompletedAt = &now
	}
	return true, nil
}

func (r *fakeRepo) SaveCallbackPayload(_ context.Context, id, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[id]; ok {
		o.CallbackPayload = &payload
		r.payloadUpdates++
	}
	return nil
}

func (r *fakeRepo) ListByUser(_ context.Context, userID string, offset, limit int) ([]Order, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Order
	for _, o := range r.orders {
		if o.UserID == userID {
			all = append(all, *o)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return []Order{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

// fakeLedger keeps balances in memory and enforces the unique
// (type, reference) rule of the real ledger.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	postings []wallet.Posting
	refs     map[string]bool
	postErr  error
}

func newFakeLedger(users ...string) *fakeLedger {
	l := &fakeLedger{balances: make(map[string]decimal.Decimal), refs: make(map[string]bool)}
	for _, u := range users {
		l.balances[u] = decimal.Zero
	}
	return l
}

func (l *fakeLedger) GetWalletByUserID(_ context.Context, userID string) (*wallet.Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[userID]
	if !ok {
		return nil, wallet.ErrWalletNotFound
	}
	return &wallet.Wallet{ID: "w-" + userID, UserID: userID, Balance: b, Currency: "GEL"}, nil
}

func (l *fakeLedger) Post(_ context.Context, userID string, p wallet.Posting) (*wallet.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.postErr != nil {
		return nil, l.postErr
	}
	before, ok := l.balances[userID]
	if !ok {
		return nil, wallet.ErrWalletNotFound
	}
	key := string(p.Type) + "/" + p.ReferenceID
	if p.ReferenceID != "" && l.refs[key] {
		return nil, wallet.ErrDuplicateReference
	}
	after := before.Add(p.Amount)
	if !p.Type.IsCredit() {
		if before.LessThan(p.Amount) {
			return nil, wallet.ErrInsufficientFunds
		}
		after = before.Sub(p.Amount)
	}
	l.balances[userID] = after
	l.refs[key] = true
	l.postings = append(l.postings, p)
	return &wallet.Result{
		Wallet:      &wallet.Wallet{ID: "w-" + userID, UserID: userID, Balance: after, Currency: "GEL"},
		Transaction: &wallet.Transaction{Type: p.Type, Amount: p.Amount, BalanceBefore: before, BalanceAfter: after},
	}, nil
}

func (l *fakeLedger) balance(userID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.postings)
}

type passThroughTx struct{}

func (passThroughTx) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeGateway struct {
	mu       sync.Mutex
	createFn func(ctx context.Context, req bog.CreateOrderRequest, key string) (*bog.CreateOrderResponse, error)
	receipt  *bog.Receipt
	requests []bog.CreateOrderRequest
	keys     []string
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req bog.CreateOrderRequest, key string) (*bog.CreateOrderResponse, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.keys = append(g.keys, key)
	fn := g.createFn
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, req, key)
	}
	resp := &bog.CreateOrderResponse{ID: "bog-" + req.ExternalOrderID}
	resp.Links.Redirect.Href = "https://payment.bog.ge/?order_id=" + resp.ID
	return resp, nil
}

func (g *fakeGateway) GetReceipt(_ context.Context, orderID string) (*bog.Receipt, error) {
	if g.receipt == nil {
		return nil, errors.New("receipt not configured")
	}
	r := *g.receipt
	r.OrderID = orderID
	return &r, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []notify.Update
}

func (p *recordingPublisher) Publish(_ context.Context, u notify.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}
