package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bloom_wallet/internal/apperror"
	"bloom_wallet/internal/database"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrOrderNotFound = apperror.NotFound(apperror.CodeOrderNotFound, "payment order not found")
	ErrNoTransaction = errors.New("payment order lock requires a transaction")
)

type Repository interface {
	Create(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id string) (*Order, error)
	FindByBogOrderID(ctx context.Context, bogOrderID string) (*Order, error)
	LockByID(ctx context.Context, id string) (*Order, error)
	MarkCreated(ctx context.Context, id, bogOrderID, redirectURL string) error
	MarkFailed(ctx context.Context, id, reason string) error
	Transition(ctx context.Context, id string, from, to Status, change StatusChange) (bool, error)
	SaveCallbackPayload(ctx context.Context, id, payload string) error
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]Order, int64, error)
}

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) Create(ctx context.Context, order *Order) error {
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	if err := database.Conn(ctx, r.db).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create payment order: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) find(q *gorm.DB) (*Order, error) {
	var o Order
	if err := q.First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get payment order: %w", err)
	}
	return &o, nil
}

func (r *RepositoryImpl) FindByID(ctx context.Context, id string) (*Order, error) {
	return r.find(database.Conn(ctx, r.db).Where("id = ?", id))
}

func (r *RepositoryImpl) FindByBogOrderID(ctx context.Context, bogOrderID string) (*Order, error) {
	return r.find(database.Conn(ctx, r.db).Where("bog_order_id = ?", bogOrderID))
}

// LockByID reads the order with FOR UPDATE. Outside a transaction the lock
// would be released immediately, so that is refused.
func (r *RepositoryImpl) LockByID(ctx context.Context, id string) (*Order, error) {
	if !database.InTransaction(ctx) {
		return nil, ErrNoTransaction
	}
	return r.find(database.Conn(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func (r *RepositoryImpl) MarkCreated(ctx context.Context, id, bogOrderID, redirectURL string) error {
	res := database.Conn(ctx, r.db).Model(&Order{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"bog_order_id": bogOrderID,
			"redirect_url": redirectURL,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to store gateway order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *RepositoryImpl) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.Transition(ctx, id, StatusPending, StatusFailed, StatusChange{FailureReason: reason})
	return err
}

// Transition moves the order from one status to another only if it is still
// in from. It reports whether a row changed.
func (r *RepositoryImpl) Transition(ctx context.Context, id string, from, to Status, change StatusChange) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	if change.Payload != "" {
		updates["callback_payload"] = change.Payload
	}
	if change.FailureReason != "" {
		updates["failure_reason"] = change.FailureReason
	}
	if to == StatusCompleted {
		updates["completed_at"] = now
	}

	res := database.Conn(ctx, r.db).Model(&Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update payment order status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *RepositoryImpl) SaveCallbackPayload(ctx context.Context, id, payload string) error {
	err := database.Conn(ctx, r.db).Model(&Order{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"callback_payload": payload,
			"updated_at":       time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to store callback payload: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) ListByUser(ctx context.Context, userID string, offset, limit int) ([]Order, int64, error) {
	byUser := func() *gorm.DB {
		return database.Conn(ctx, r.db).Model(&Order{}).Where("user_id = ?", userID)
	}

	var total int64
	if err := byUser().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count payment orders: %w", err)
	}

	var orders []Order
	if err := byUser().Order("created_at DESC").Offset(offset).Limit(limit).Find(&orders).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list payment orders: %w", err)
	}
	return orders, total, nil
}
