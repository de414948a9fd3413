// config/database.go

package config

import (
	"log/slog"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/microsoftjulius/billing-sub001/models"
)

var DB *gorm.DB

func ConnectDB() {
	dsn := os.Getenv("DB_URL")
	if dsn == "" {
		slog.Error("environment variable DB_URL is not set")
		os.Exit(1)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	DB = db
	slog.Info("connected to database")
}

// MigrateAll applies the schema for every model. Uniqueness constraints on
// vouchers.payment_id and the (tenant_id, code) pair come from the model tags
// and are required for settlement idempotency.
func MigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Tenant{},
		&models.Customer{},
		&models.BillingPlan{},
		&models.Payment{},
		&models.Voucher{},
		&models.RouterDevice{},
		&models.User{},
		&models.CallbackLog{},
		&models.SmsLog{},
	)
}
