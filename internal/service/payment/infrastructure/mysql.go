package infrastructure

import (
	"errors"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

const mysqlDuplicateEntry = 1062

// AutoMigrate creates the ledger table and any missing campaign columns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&TransactionModel{}, &CampaignModel{})
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqldriver.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
