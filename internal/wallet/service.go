package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"bloom_wallet/internal/apperror"
	"bloom_wallet/internal/metrics"

	"github.com/shopspring/decimal"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond

	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

var (
	ErrForbidden     = apperror.Forbidden(apperror.CodeForbidden, "you do not have access to this wallet")
	ErrAdminRequired = apperror.Forbidden(apperror.CodeForbidden, "only administrators can perform this operation")
)

type WalletService interface {
	GetWalletByUserID(ctx context.Context, userID string) (*Wallet, error)
	CreateWallet(ctx context.Context, userID string) (*Wallet, error)
	Deposit(ctx context.Context, userID string, amount decimal.Decimal, description string, adminID string) (*Result, error)
	GetTransactions(ctx context.Context, userID string, page, limit int, transactionType TransactionType) (*TransactionPage, error)
	VerifyWallet(ctx context.Context, userID string) (*Verification, error)
	ExportTransactions(ctx context.Context, userID string, w io.Writer) error
}

type Service struct {
	repo     WalletRepository
	currency string
	logger   *slog.Logger
}

func NewService(repo WalletRepository, currency string, logger *slog.Logger) *Service {
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Service{repo: repo, currency: currency, logger: logger}
}

// Authorize allows the wallet owner and administrators.
func Authorize(actor Actor, ownerID string) error {
	if actor.Admin || (actor.UserID != "" && actor.UserID == ownerID) {
		return nil
	}
	return ErrForbidden
}

func RequireAdmin(actor Actor) error {
	if !actor.Admin {
		return ErrAdminRequired
	}
	return nil
}

func (s *Service) Currency() string {
	return s.currency
}

func (s *Service) GetWalletByUserID(ctx context.Context, userID string) (*Wallet, error) {
	return s.repo.FindWalletByUserID(ctx, userID)
}

func (s *Service) CreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.Validation(apperror.CodeValidation, "user id is required")
	}
	w, err := s.repo.CreateWallet(ctx, userID, s.currency)
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet created", "wallet_id", w.ID, "user_id", userID, "currency", w.Currency)
	return w, nil
}

// Deposit is the administrative credit path.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, description string, adminID string) (*Result, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	if strings.TrimSpace(description) == "" {
		description = "Manual deposit"
	}
	return s.Post(ctx, userID, Posting{
		Type:        TransactionDeposit,
		Amount:      amount,
		Description: description,
		ActorID:     adminID,
	})
}

// Post resolves the user's wallet and applies the posting, retrying when a
// concurrent writer bumped the wallet version first.
func (s *Service) Post(ctx context.Context, userID string, posting Posting) (*Result, error) {
	w, err := s.repo.FindWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if posting.ActorID == "" {
		posting.ActorID = SystemActor
	}

	var result *Result
	for i := 0; i < MaxRetries; i++ {
		result, err = s.repo.Apply(ctx, w.ID, posting)
		if err == nil {
			metrics.RecordPosting(string(posting.Type))
			s.logger.Info("wallet posting applied",
				"wallet_id", w.ID,
				"user_id", userID,
				"type", posting.Type,
				"amount", posting.Amount.StringFixed(2),
				"balance_after", result.Transaction.BalanceAfter.StringFixed(2),
				"reference_id", posting.ReferenceID,
				"actor_id", posting.ActorID,
			)
			return result, nil
		}
		if errors.Is(err, ErrOptimisticLock) {
			time.Sleep(RetryDelay)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to apply posting after %d attempts: %w", MaxRetries, err)
}

func (s *Service) GetTransactions(ctx context.Context, userID string, page, limit int, transactionType TransactionType) (*TransactionPage, error) {
	if transactionType != "" && !transactionType.Valid() {
		return nil, ErrInvalidTransactionType
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	w, err := s.repo.FindWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.FindTransactions(ctx, w.ID, TransactionFilter{
		Type:   transactionType,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountTransactions(ctx, w.ID, transactionType)
	if err != nil {
		return nil, err
	}

	return &TransactionPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// VerifyWallet replays the whole log and compares the result with the
// cached balance. Inconsistencies are reported, logged and counted; nothing
// is corrected.
func (s *Service) VerifyWallet(ctx context.Context, userID string) (*Verification, error) {
	w, err := s.repo.FindWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	log, err := s.repo.TransactionLog(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	v := Replay(w, log)
	if !v.Consistent {
		metrics.RecordLedgerDivergence()
		s.logger.Error("ledger verification failed",
			"wallet_id", w.ID,
			"user_id", userID,
			"balance", w.Balance.String(),
			"replayed_balance", v.ReplayedBalance.String(),
			"issues", v.Issues,
		)
	}
	return v, nil
}

// Replay checks that every row chains onto the previous one and that the
// last balanceAfter equals the wallet balance.
func Replay(w *Wallet, log []Transaction) *Verification {
	v := &Verification{
		WalletID:         w.ID,
		Balance:          w.Balance,
		TransactionCount: len(log),
	}

	running := decimal.Zero
	for i, t := range log {
		if t.Sequence != int64(i+1) {
			v.Issues = append(v.Issues, fmt.Sprintf("transaction %s has sequence %d, expected %d", t.ID, t.Sequence, i+1))
		}
		if !t.BalanceBefore.Equal(running) {
			v.Issues = append(v.Issues, fmt.Sprintf("transaction %s balanceBefore %s does not match previous balanceAfter %s",
				t.ID, t.BalanceBefore.StringFixed(2), running.StringFixed(2)))
		}
		expected := t.BalanceBefore.Sub(t.Amount)
		if t.Type.IsCredit() {
			expected = t.BalanceBefore.Add(t.Amount)
		}
		if !t.BalanceAfter.Equal(expected) {
			v.Issues = append(v.Issues, fmt.Sprintf("transaction %s balanceAfter %s, expected %s",
				t.ID, t.BalanceAfter.StringFixed(2), expected.StringFixed(2)))
		}
		running = t.BalanceAfter
	}

	v.ReplayedBalance = running
	if !running.Equal(w.Balance) {
		v.Issues = append(v.Issues, fmt.Sprintf("wallet balance %s does not match log balance %s",
			w.Balance.StringFixed(2), running.StringFixed(2)))
	}
	if int64(len(log)) != w.Version {
		v.Issues = append(v.Issues, fmt.Sprintf("wallet version %d does not match %d log entries", w.Version, len(log)))
	}
	v.Consistent = len(v.Issues) == 0
	return v
}
