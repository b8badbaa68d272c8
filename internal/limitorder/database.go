package limitorder

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/swapflow/swapflow-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.LimitOrder) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.LimitOrder, error) {
	var order types.LimitOrder
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrdersByUser(userID string) ([]types.LimitOrder, error) {
	var orders []types.LimitOrder
	if err := d.db.Where("user_id = ?", userID).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) GetOrdersByWallet(walletAddress string) ([]types.LimitOrder, error) {
	var orders []types.LimitOrder
	if err := d.db.Where("user_wallet_address = ?", walletAddress).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) GetActiveOrders() ([]types.LimitOrder, error) {
	var orders []types.LimitOrder
	if err := d.db.Where("status = ?", types.StatusActive).Order("id asc").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) UpdateOrder(order *types.LimitOrder) error {
	return d.db.Save(order).Error
}

// TransitionStatus flips an order between two statuses as one conditional
// update. Returns false when the order was not in from; terminal states stay
// immutable because nothing transitions out of them.
func (d *Database) TransitionStatus(orderID, from, to string) (bool, error) {
	res := d.db.Model(&types.LimitOrder{}).
		Where("order_id = ? AND status = ?", orderID, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ApplyExecution records the single executed trade, the terminal order state,
// and the ledger settlement in one transaction. The conditional active guard
// runs first: duplicate evaluation of an already-terminal order rolls back
// with ErrOrderNotActive before anything touches the ledger.
func (d *Database) ApplyExecution(trade *types.Trade, orderID string, executedAt time.Time,
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

	res := tx.Model(&types.LimitOrder{}).
		Where("order_id = ? AND status = ?", orderID, types.StatusActive).
		Updates(map[string]interface{}{
			"status":           types.StatusExecuted,
			"executed_amount":  trade.Amount,
			"executed_price":   trade.Price,
			"executed_tx_hash": trade.TxHash,
			"executed_at":      executedAt,
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
