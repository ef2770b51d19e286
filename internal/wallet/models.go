package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionDeposit    TransactionType = "DEPOSIT"
	TransactionWithdrawal TransactionType = "WITHDRAWAL"
	TransactionPurchase   TransactionType = "PURCHASE"
	TransactionRefund     TransactionType = "REFUND"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

const (
	DefaultCurrency = "GEL"
	// SystemActor is recorded as CreatedByID for postings made by the
	// reconciliation flow rather than by a person.
	SystemActor = "system"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDeposit, TransactionWithdrawal, TransactionPurchase, TransactionRefund, TransactionAdjustment:
		return true
	}
	return false
}

// IsCredit reports whether the type increases the balance. Amounts are
// always stored as positive magnitudes.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TransactionDeposit, TransactionRefund, TransactionAdjustment:
		return true
	}
	return false
}

type Wallet struct {
	ID        string          `gorm:"column:id;primaryKey;type:uuid"`
	UserID    string          `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(20,2);not null"`
	Currency  string          `gorm:"column:currency;type:varchar(3);not null"`
	Version   int64           `gorm:"column:version;not null"`
	CreatedAt time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt time.Time       `gorm:"column:updated_at;not null"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// Transaction is one append-only ledger row. Sequence numbers start at 1 per
// wallet and equal the wallet version right after the row was written.
type Transaction struct {
	ID            string          `gorm:"column:id;primaryKey;type:uuid"`
	WalletID      string          `gorm:"column:wallet_id;type:uuid;not null"`
	Sequence      int64           `gorm:"column:sequence;not null"`
	Type          TransactionType `gorm:"column:type;type:varchar(20);not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	BalanceBefore decimal.Decimal `gorm:"column:balance_before;type:numeric(20,2);not null"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:numeric(20,2);not null"`
	Description   string          `gorm:"column:description;type:text;not null"`
	ReferenceID   *string         `gorm:"column:reference_id;type:varchar(255)"`
	CreatedByID   string          `gorm:"column:created_by_id;type:varchar(64);not null"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null"`
}

func (Transaction) TableName() string {
	return "wallet_transactions"
}

// Posting is a balance change requested of the ledger.
type Posting struct {
	Type        TransactionType
	Amount      decimal.Decimal
	Description string
	ReferenceID string
	ActorID     string
}

type Result struct {
	Wallet      *Wallet
	Transaction *Transaction
}

type TransactionFilter struct {
	Type   TransactionType
	Offset int
	Limit  int
}

type TransactionPage struct {
	Items []Transaction
	Total int64
	Page  int
	Limit int
}

// Actor is the authenticated caller of a wallet operation.
type Actor struct {
	UserID string
	Admin  bool
}

type Verification struct {
	WalletID         string          `json:"walletId"`
	Balance          decimal.Decimal `json:"balance"`
	ReplayedBalance  decimal.Decimal `json:"replayedBalance"`
	TransactionCount int             `json:"transactionCount"`
	Consistent       bool            `json:"consistent"`
	Issues           []string        `json:"issues,omitempty"`
}

type DepositRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" binding:"max=255"`
}

type WalletResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Balance   string    `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TransactionResponse struct {
	ID            string          `json:"id"`
	WalletID      string          `json:"walletId"`
	Type          TransactionType `json:"type"`
	Amount        string          `json:"amount"`
	BalanceBefore string          `json:"balanceBefore"`
	BalanceAfter  string          `json:"balanceAfter"`
	Description   string          `json:"description"`
	ReferenceID   *string         `json:"referenceId"`
	CreatedByID   string          `json:"createdById"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type DepositResponse struct {
	Wallet      WalletResponse      `json:"wallet"`
	Transaction TransactionResponse `json:"transaction"`
}

func NewWalletResponse(w *Wallet) WalletResponse {
	return WalletResponse{
		ID:        w.ID,
		UserID:    w.UserID,
		Balance:   w.Balance.StringFixed(2),
		Currency:  w.Currency,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func NewTransactionResponse(t *Transaction) TransactionResponse {
	return TransactionResponse{
		ID:            t.ID,
		WalletID:      t.WalletID,
		Type:          t.Type,
		Amount:        t.Amount.StringFixed(2),
		BalanceBefore: t.BalanceBefore.StringFixed(2),
		BalanceAfter:  t.BalanceAfter.StringFixed(2),
		Description:   t.Description,
		ReferenceID:   t.ReferenceID,
		CreatedByID:   t.CreatedByID,
		CreatedAt:     t.CreatedAt,
	}
}
