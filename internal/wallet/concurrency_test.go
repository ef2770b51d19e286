package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"bloom_wallet/internal/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryRepository keeps a single wallet and its log in memory. Apply
// normally holds the row lock for the whole posting. When staleReaders is
// set, the first attempt of each posting reads the wallet without the lock
// and waits until every such reader has read, so all of them race on the
// same version and all but one lose the compare-and-swap.
type memoryRepository struct {
	row sync.Mutex

	mu        sync.Mutex
	wallet    Wallet
	log       []Transaction
	attempted map[string]bool
	conflicts int

	staleReaders *sync.WaitGroup
}

func newMemoryRepository(userID, balance string) *memoryRepository {
	r := &memoryRepository{
		wallet:    Wallet{ID: uuid.NewString(), UserID: userID, Currency: DefaultCurrency, CreatedAt: time.Now().UTC()},
		attempted: make(map[string]bool),
	}
	if b := dec(balance); b.IsPositive() {
		r.wallet.Balance = b
		r.wallet.Version = 1
		r.log = append(r.log, Transaction{
			ID: uuid.NewString(), WalletID: r.wallet.ID, Sequence: 1, Type: TransactionDeposit,
			Amount: b, BalanceBefore: decimal.Zero, BalanceAfter: b, Description: "seed",
		})
	}
	return r
}

func (r *memoryRepository) snapshot() Wallet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wallet
}

func (r *memoryRepository) FindWalletByUserID(_ context.Context, userID string) (*Wallet, error) {
	w := r.snapshot()
	if w.UserID != userID {
		return nil, ErrWalletNotFound
	}
	return &w, nil
}

func (r *memoryRepository) FindWalletByID(_ context.Context, walletID string) (*Wallet, error) {
	w := r.snapshot()
	if w.ID != walletID {
		return nil, ErrWalletNotFound
	}
	return &w, nil
}

func (r *memoryRepository) CreateWallet(context.Context, string, string) (*Wallet, error) {
	return nil, ErrWalletExists
}

func (r *memoryRepository) firstAttempt(posting Posting) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempted[posting.Description] {
		return false
	}
	r.attempted[posting.Description] = true
	return true
}

func (r *memoryRepository) Apply(_ context.Context, walletID string, posting Posting) (*Result, error) {
	if err := ValidateAmount(posting.Amount); err != nil {
		return nil, err
	}

	if r.staleReaders != nil && r.firstAttempt(posting) {
		read := r.snapshot()
		r.staleReaders.Done()
		r.staleReaders.Wait()
		return r.commit(walletID, read, posting)
	}

	r.row.Lock()
	defer r.row.Unlock()
	return r.commit(walletID, r.snapshot(), posting)
}

// commit is the compare-and-swap on the version read earlier.
func (r *memoryRepository) commit(walletID string, read Wallet, posting Posting) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if read.ID != walletID {
		return nil, ErrWalletNotFound
	}
	if r.wallet.Version != read.Version {
		r.conflicts++
		return nil, ErrOptimisticLock
	}

	after := read.Balance.Add(posting.Amount)
	if !posting.Type.IsCredit() {
		if read.Balance.LessThan(posting.Amount) {
			return nil, ErrInsufficientFunds
		}
		after = read.Balance.Sub(posting.Amount)
	}

	entry := Transaction{
		ID:            uuid.NewString(),
		WalletID:      walletID,
		Sequence:      read.Version + 1,
		Type:          posting.Type,
		Amount:        posting.Amount,
		BalanceBefore: read.Balance,
		BalanceAfter:  after,
		Description:   posting.Description,
		CreatedByID:   posting.ActorID,
		CreatedAt:     time.Now().UTC(),
	}
	r.log = append(r.log, entry)
	r.wallet.Balance = after
	r.wallet.Version++

	w := r.wallet
	return &Result{Wallet: &w, Transaction: &entry}, nil
}

func (r *memoryRepository) FindTransactions(ctx context.Context, walletID string, _ TransactionFilter) ([]Transaction, error) {
	return r.TransactionLog(ctx, walletID)
}

func (r *memoryRepository) CountTransactions(_ context.Context, _ string, _ TransactionType) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.log)), nil
}

func (r *memoryRepository) TransactionLog(context.Context, string) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transaction, len(r.log))
	copy(out, r.log)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r *memoryRepository) FindTransactionByReference(context.Context, TransactionType, string) (*Transaction, error) {
	return nil, nil
}

func TestConcurrentDepositsChainOntoEachOther(t *testing.T) {
	const depositors = 20
	repo := newMemoryRepository("u-1", "0")
	repo.staleReaders = &sync.WaitGroup{}
	repo.staleReaders.Add(depositors)
	svc := NewService(repo, "GEL", logger.Discard())

	want := decimal.Zero
	errs := make(chan error, depositors)
	var wg sync.WaitGroup
	for i := 0; i < depositors; i++ {
		amount := decimal.NewFromInt(int64(i + 1)).Add(dec("0.25"))
		want = want.Add(amount)

		wg.Add(1)
		go func(i int, amount decimal.Decimal) {
			defer wg.Done()
			_, err := svc.Deposit(context.Background(), "u-1", amount, fmt.Sprintf("deposit %d", i), "admin-1")
			errs <- err
		}(i, amount)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// every racer but one lost the first compare-and-swap and was retried
	assert.Equal(t, depositors-1, repo.conflicts)

	w, err := svc.GetWalletByUserID(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, want.Equal(w.Balance), "balance %s, want %s", w.Balance, want)
	assert.Equal(t, int64(depositors), w.Version)

	log, err := repo.TransactionLog(context.Background(), w.ID)
	require.NoError(t, err)
	require.Len(t, log, depositors)
	for i, tx := range log {
		assert.Equal(t, int64(i+1), tx.Sequence)
		if i > 0 {
			assert.True(t, tx.BalanceBefore.Equal(log[i-1].BalanceAfter))
		}
	}

	v, err := svc.VerifyWallet(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, v.Consistent, "%v", v.Issues)
}

func TestConcurrentPurchasesNeverOverdraw(t *testing.T) {
	const buyers = 25
	repo := newMemoryRepository("u-1", "10.00")
	svc := NewService(repo, "GEL", logger.Discard())

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, declined int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Post(context.Background(), "u-1", Posting{
				Type:        TransactionPurchase,
				Amount:      dec("1.00"),
				Description: fmt.Sprintf("purchase %d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientFunds):
				declined++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, buyers-10, declined)

	w, err := svc.GetWalletByUserID(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())

	v, err := svc.VerifyWallet(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, v.Consistent, "%v", v.Issues)
	assert.Equal(t, 11, v.TransactionCount)
}
