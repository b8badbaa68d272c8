package ledger

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateDeposit    = errors.New("deposit transaction already credited")
	ErrNoBalance           = errors.New("no balance row for user and token")
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// ensureRow creates the (user, token) row on first use so the increment
// statements below always have a row to hit.
func (d *Database) ensureRow(tx *gorm.DB, userID, walletAddress, token string) error {
	row := UserBalance{
		UserID:            userID,
		TokenAddress:      token,
		UserWalletAddress: walletAddress,
		TotalBalance:      decimal.Zero,
		AvailableBalance:  decimal.Zero,
		LockedBalance:     decimal.Zero,
		SwappedBalance:    decimal.Zero,
	}
	return tx.Where("user_id = ? AND token_address = ?", userID, token).
		FirstOrCreate(&row).Error
}

// Deposit credits total and available in one increment and appends a DEPOSIT
// entry. The DepositRecord unique index rejects a replayed txHash, so the same
// on-chain deposit can never be credited twice.
func (d *Database) Deposit(userID, walletAddress, token string, amount decimal.Decimal, txHash string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	record := DepositRecord{
		TxHash:       txHash,
		UserID:       userID,
		TokenAddress: token,
		Amount:       amount,
	}
	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateDeposit
		}
		return err
	}

	if err := d.ensureRow(tx, userID, walletAddress, token); err != nil {
		tx.Rollback()
		return err
	}

	res := tx.Model(&UserBalance{}).
		Where("user_id = ? AND token_address = ?", userID, token).
		Updates(map[string]interface{}{
			"total_balance":     gorm.Expr("total_balance + ?", amount),
			"available_balance": gorm.Expr("available_balance + ?", amount),
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}

	entry := BalanceTransaction{
		UserID:       userID,
		TokenAddress: token,
		Type:         TxTypeDeposit,
		Amount:       amount,
		TxHash:       txHash,
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// Lock reserves amount for an order. The availability check and the balance
// move are a single conditional UPDATE, so interleaved locks on the same row
// cannot both succeed against the same funds.
func (d *Database) Lock(userID, token string, amount decimal.Decimal, orderID string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	res := tx.Model(&UserBalance{}).
		Where("user_id = ? AND token_address = ? AND available_balance >= ?", userID, token, amount).
		Updates(map[string]interface{}{
			"available_balance": gorm.Expr("available_balance - ?", amount),
			"locked_balance":    gorm.Expr("locked_balance + ?", amount),
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return ErrInsufficientBalance
	}

	entry := BalanceTransaction{
		UserID:       userID,
		TokenAddress: token,
		Type:         TxTypeLock,
		Amount:       amount,
		OrderID:      orderID,
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// RecordSwap settles one executed trade in the ledger: sourceAmount leaves the
// source token's locked bucket (and its total), targetAmount lands in the
// target token's swapped bucket. Both rows are updated with single conditional
// increments inside one transaction.
func (d *Database) RecordSwap(userID, walletAddress, sourceToken, targetToken string,
	sourceAmount, targetAmount decimal.Decimal, txHash string, price decimal.Decimal, orderID string) error {

	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := d.recordSwapTx(tx, userID, walletAddress, sourceToken, targetToken,
		sourceAmount, targetAmount, txHash, price, orderID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// recordSwapTx is RecordSwap's body running inside the caller's transaction,
// so an order-state write and the balance movement can commit or roll back
// together.
func (d *Database) recordSwapTx(tx *gorm.DB, userID, walletAddress, sourceToken, targetToken string,
	sourceAmount, targetAmount decimal.Decimal, txHash string, price decimal.Decimal, orderID string) error {

	res := tx.Model(&UserBalance{}).
		Where("user_id = ? AND token_address = ? AND locked_balance >= ?", userID, sourceToken, sourceAmount).
		Updates(map[string]interface{}{
			"locked_balance": gorm.Expr("locked_balance - ?", sourceAmount),
			"total_balance":  gorm.Expr("total_balance - ?", sourceAmount),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientBalance
	}

	if err := d.ensureRow(tx, userID, walletAddress, targetToken); err != nil {
		return err
	}
	res = tx.Model(&UserBalance{}).
		Where("user_id = ? AND token_address = ?", userID, targetToken).
		Updates(map[string]interface{}{
			"swapped_balance": gorm.Expr("swapped_balance + ?", targetAmount),
			"total_balance":   gorm.Expr("total_balance + ?", targetAmount),
		})
	if res.Error != nil {
		return res.Error
	}

	entries := []BalanceTransaction{
		{
			UserID:       userID,
			TokenAddress: sourceToken,
			Type:         TxTypeSwapOut,
			Amount:       sourceAmount,
			TxHash:       txHash,
			OrderID:      orderID,
			Price:        price,
		},
		{
			UserID:       userID,
			TokenAddress: targetToken,
			Type:         TxTypeSwapIn,
			Amount:       targetAmount,
			TxHash:       txHash,
			OrderID:      orderID,
			Price:        price,
		},
	}
	return tx.Create(&entries).Error
}

// Refund returns an order's unswapped locked remainder to the available
// bucket, used on cancellation, expiry and completion dust.
func (d *Database) Refund(userID, token string, amount decimal.Decimal, orderID string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	res := tx.Model(&UserBalance{}).
		Where("user_id = ? AND token_address = ? AND locked_balance >= ?", userID, token, amount).
		Updates(map[string]interface{}{
			"locked_balance":    gorm.Expr("locked_balance - ?", amount),
			"available_balance": gorm.Expr("available_balance + ?", amount),
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return ErrInsufficientBalance
	}

	entry := BalanceTransaction{
		UserID:       userID,
		TokenAddress: token,
		Type:         TxTypeUnlock,
		Amount:       amount,
		OrderID:      orderID,
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// Withdraw debits a payout from the swapped bucket (swap proceeds) or the
// available bucket (direct withdrawal) together with the row total.
func (d *Database) Withdraw(userID, token string, amount decimal.Decimal, txHash, orderID string, fromSwapped bool) error {
	bucket := "available_balance"
	if fromSwapped {
		bucket = "swapped_balance"
	}

	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	res := tx.Model(&UserBalance{}).
		Where("user_id = ? AND token_address = ? AND "+bucket+" >= ?", userID, token, amount).
		Updates(map[string]interface{}{
			bucket:          gorm.Expr(bucket+" - ?", amount),
			"total_balance": gorm.Expr("total_balance - ?", amount),
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return ErrInsufficientBalance
	}

	entry := BalanceTransaction{
		UserID:       userID,
		TokenAddress: token,
		Type:         TxTypeWithdrawal,
		Amount:       amount,
		TxHash:       txHash,
		OrderID:      orderID,
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) GetBalance(userID, token string) (*UserBalance, error) {
	var row UserBalance
	if err := d.db.Where("user_id = ? AND token_address = ?", userID, token).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (d *Database) GetUserBalances(userID string) ([]UserBalance, error) {
	var rows []UserBalance
	if err := d.db.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *Database) GetTransactions(userID, token string) ([]BalanceTransaction, error) {
	var entries []BalanceTransaction
	if err := d.db.Where("user_id = ? AND token_address = ?", userID, token).
		Order("id asc").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
