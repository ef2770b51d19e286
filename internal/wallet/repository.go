package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bloom_wallet/internal/apperror"
	"bloom_wallet/internal/database"
	"bloom_wallet/internal/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound         = apperror.NotFound(apperror.CodeWalletNotFound, "wallet not found")
	ErrWalletExists           = apperror.Conflict(apperror.CodeWalletExists, "wallet already exists")
	ErrInvalidAmount          = apperror.Validation(apperror.CodeInvalidAmount, "amount must be positive with at most two decimal places")
	ErrInvalidTransactionType = apperror.Validation(apperror.CodeInvalidType, "unknown transaction type")
	ErrInsufficientFunds      = apperror.New(apperror.KindPaymentRequired, apperror.CodeInsufficientFunds, "insufficient funds", nil)
	ErrDuplicateReference     = apperror.Conflict(apperror.CodeDuplicateReference, "reference already posted for this transaction type")
	ErrLedgerDivergence       = apperror.Internal(apperror.CodeLedgerDivergence, "wallet balance diverges from transaction log", nil)
	ErrOptimisticLock         = errors.New("optimistic lock error")
)

type WalletRepository interface {
	FindWalletByUserID(ctx context.Context, userID string) (*Wallet, error)
	FindWalletByID(ctx context.Context, walletID string) (*Wallet, error)
	CreateWallet(ctx context.Context, userID string, currency string) (*Wallet, error)
	Apply(ctx context.Context, walletID string, posting Posting) (*Result, error)
	FindTransactions(ctx context.Context, walletID string, filter TransactionFilter) ([]Transaction, error)
	CountTransactions(ctx context.Context, walletID string, transactionType TransactionType) (int64, error)
	TransactionLog(ctx context.Context, walletID string) ([]Transaction, error)
	FindTransactionByReference(ctx context.Context, transactionType TransactionType, referenceID string) (*Transaction, error)
}

type WalletRepositoryImpl struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewWalletRepositoryImpl(db *gorm.DB, logger *slog.Logger) *WalletRepositoryImpl {
	return &WalletRepositoryImpl{db: db, logger: logger}
}

// ValidateAmount accepts positive amounts with at most two decimal places.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return ErrInvalidAmount
	}
	return nil
}

func (r *WalletRepositoryImpl) FindWalletByUserID(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	err := database.Conn(ctx, r.db).Where("user_id = ?", userID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) FindWalletByID(ctx context.Context, walletID string) (*Wallet, error) {
	var w Wallet
	err := database.Conn(ctx, r.db).Where("id = ?", walletID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) CreateWallet(ctx context.Context, userID string, currency string) (*Wallet, error) {
	now := time.Now().UTC()
	w := Wallet{
		ID:        uuid.New().String(),
		UserID:    userID,
		Balance:   decimal.Zero,
		Currency:  currency,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := database.Conn(ctx, r.db).Create(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrWalletExists
		}
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &w, nil
}

// Apply appends one posting to the wallet's ledger and moves the cached
// balance with it. The wallet row is locked for the duration of the
// transaction, and the version compare-and-swap guards writers that reach
// the row without the lock. When ctx already carries a transaction the
// posting joins it.
func (r *WalletRepositoryImpl) Apply(ctx context.Context, walletID string, posting Posting) (*Result, error) {
	if !posting.Type.Valid() {
		return nil, ErrInvalidTransactionType
	}
	if err := ValidateAmount(posting.Amount); err != nil {
		return nil, err
	}

	var result *Result
	err := database.RunInTx(ctx, r.db, func(ctx context.Context, tx *gorm.DB) error {
		var w Wallet
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", walletID).First(&w).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return fmt.Errorf("failed to lock wallet: %w", err)
		}

		if err := r.verifyHead(tx, &w); err != nil {
			return err
		}

		var newBalance decimal.Decimal
		if posting.Type.IsCredit() {
			newBalance = w.Balance.Add(posting.Amount)
		} else {
			if w.Balance.LessThan(posting.Amount) {
				return ErrInsufficientFunds
			}
			newBalance = w.Balance.Sub(posting.Amount)
		}

		now := time.Now().UTC()
		res := tx.Model(&Wallet{}).Where("id = ? AND version = ?", w.ID, w.Version).
			Updates(map[string]interface{}{
				"balance":    newBalance,
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update wallet balance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrOptimisticLock
		}

		entry := &Transaction{
			ID:            uuid.New().String(),
			WalletID:      w.ID,
			Sequence:      w.Version + 1,
			Type:          posting.Type,
			Amount:        posting.Amount,
			BalanceBefore: w.Balance,
			BalanceAfter:  newBalance,
			Description:   posting.Description,
			CreatedByID:   posting.ActorID,
			CreatedAt:     now,
		}
		if posting.ReferenceID != "" {
			ref := posting.ReferenceID
			entry.ReferenceID = &ref
		}
		if err := tx.Create(entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateReference
			}
			return fmt.Errorf("failed to append transaction: %w", err)
		}

		w.Balance = newBalance
		w.Version++
		w.UpdatedAt = now
		result = &Result{Wallet: &w, Transaction: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// verifyHead checks the locked wallet against the newest ledger row. A
// mismatch is never repaired here.
func (r *WalletRepositoryImpl) verifyHead(tx *gorm.DB, w *Wallet) error {
	var head []Transaction
	if err := tx.Where("wallet_id = ?", w.ID).Order("sequence DESC").Limit(1).Find(&head).Error; err != nil {
		return fmt.Errorf("failed to read ledger head: %w", err)
	}

	logBalance, logSequence := decimal.Zero, int64(0)
	if len(head) > 0 {
		logBalance, logSequence = head[0].BalanceAfter, head[0].Sequence
	}
	if logBalance.Equal(w.Balance) && logSequence == w.Version {
		return nil
	}

	metrics.RecordLedgerDivergence()
	r.logger.Error("ledger divergence detected",
		"wallet_id", w.ID,
		"user_id", w.UserID,
		"balance", w.Balance.String(),
		"log_balance", logBalance.String(),
		"version", w.Version,
		"log_sequence", logSequence,
	)
	return ErrLedgerDivergence
}

func (r *WalletRepositoryImpl) FindTransactions(ctx context.Context, walletID string, filter TransactionFilter) ([]Transaction, error) {
	q := database.Conn(ctx, r.db).Where("wallet_id = ?", walletID)
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}

	var txs []Transaction
	err := q.Order("sequence DESC").Offset(filter.Offset).Limit(filter.Limit).Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

func (r *WalletRepositoryImpl) CountTransactions(ctx context.Context, walletID string, transactionType TransactionType) (int64, error) {
	q := database.Conn(ctx, r.db).Model(&Transaction{}).Where("wallet_id = ?", walletID)
	if transactionType != "" {
		q = q.Where("type = ?", transactionType)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return total, nil
}

func (r *WalletRepositoryImpl) TransactionLog(ctx context.Context, walletID string) ([]Transaction, error) {
	var txs []Transaction
	err := database.Conn(ctx, r.db).Where("wallet_id = ?", walletID).Order("sequence ASC").Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction log: %w", err)
	}
	return txs, nil
}

func (r *WalletRepositoryImpl) FindTransactionByReference(ctx context.Context, transactionType TransactionType, referenceID string) (*Transaction, error) {
	var t Transaction
	err := database.Conn(ctx, r.db).Where("type = ? AND reference_id = ?", transactionType, referenceID).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction by reference: %w", err)
	}
	return &t, nil
}
