package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/swapflow/swapflow-api/internal/ledger"
	"github.com/swapflow/swapflow-api/internal/scheduler"
	"github.com/swapflow/swapflow-api/internal/settlement"
	"github.com/swapflow/swapflow-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection.
// TranslateError is required so duplicate-key violations surface as
// gorm.ErrDuplicatedKey, which the ledger's deposit replay guard relies on.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.DCAOrder{},
		&types.LimitOrder{},
		&types.Trade{},
		&ledger.UserBalance{},
		&ledger.BalanceTransaction{},
		&ledger.DepositRecord{},
		&scheduler.Job{},
		&settlement.Payout{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
