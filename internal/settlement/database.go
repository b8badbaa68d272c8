package settlement

import (
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreatePayout(payout *Payout) error {
	return d.db.Create(payout).Error
}

func (d *Database) GetPendingPayouts(limit int) ([]Payout, error) {
	var payouts []Payout
	err := d.db.Where("status = ?", StatusPending).
		Order("id asc").Limit(limit).Find(&payouts).Error
	return payouts, err
}

func (d *Database) UpdatePayout(payout *Payout) error {
	return d.db.Save(payout).Error
}

func (d *Database) GetPayoutsForOrder(orderID string) ([]Payout, error) {
	var payouts []Payout
	err := d.db.Where("order_id = ?", orderID).Find(&payouts).Error
	return payouts, err
}
