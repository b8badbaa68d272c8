package dca

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/swapflow/swapflow-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.DCAOrder) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.DCAOrder, error) {
	var order types.DCAOrder
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrdersByUser(userID string) ([]types.DCAOrder, error) {
	var orders []types.DCAOrder
	if err := d.db.Where("user_id = ?", userID).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) GetActiveOrders() ([]types.DCAOrder, error) {
	var orders []types.DCAOrder
	if err := d.db.Where("status = ?", types.StatusActive).Order("id asc").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) GetOrdersByWallet(walletAddress string) ([]types.DCAOrder, error) {
	var orders []types.DCAOrder
	if err := d.db.Where("user_wallet_address = ?", walletAddress).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) UpdateOrder(order *types.DCAOrder) error {
	return d.db.Save(order).Error
}

func (d *Database) GetTrades(orderID string) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.Where("order_id = ?", orderID).Order("id asc").Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// TransitionStatus flips an order between two statuses as one conditional
// update. Returns false when the order was not in from, which is how
// concurrent cancels and completions lose gracefully.
func (d *Database) TransitionStatus(orderID, from, to string) (bool, error) {
	res := d.db.Model(&types.DCAOrder{}).
		Where("order_id = ? AND status = ?", orderID, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ApplyTrade persists one executed trade, the order's progress, and the
// ledger settlement in a single transaction. The conditional status guard
// runs first: when the order stopped being active while the swap was in
// flight, the whole write rolls back with ErrOrderNotActive and the ledger
// never sees the trade.
func (d *Database) ApplyTrade(trade *types.Trade, orderID string,
	newRemaining decimal.Decimal, newRemainingSeconds int64, newStatus string,
	settleLedger func(tx *gorm.DB) error) error {

	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	res := tx.Model(&types.DCAOrder{}).
		Where("order_id = ? AND status = ?", orderID, types.StatusActive).
		Updates(map[string]interface{}{
			"remaining_amount":     newRemaining,
			"remaining_seconds":    newRemainingSeconds,
			"consecutive_failures": 0,
			"status":               newStatus,
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return ErrOrderNotActive
	}

	if err := tx.Create(trade).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := settleLedger(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// RecordFailure bumps the consecutive-failure counter and returns the new
// count for the cutoff policy.
func (d *Database) RecordFailure(orderID string) (int, error) {
	res := d.db.Model(&types.DCAOrder{}).
		Where("order_id = ?", orderID).
		Update("consecutive_failures", gorm.Expr("consecutive_failures + 1"))
	if res.Error != nil {
		return 0, res.Error
	}

	order, err := d.GetOrder(orderID)
	if err != nil || order == nil {
		return 0, err
	}
	return order.ConsecutiveFailures, nil
}
