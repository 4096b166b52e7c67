package database

import (
	"github.com/thepKz/gender-care-sub008/config"
	"github.com/thepKz/gender-care-sub008/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func NewDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
		// Duplicate order codes surface as gorm.ErrDuplicatedKey so the
		// allocator can retry instead of parsing driver errors.
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// AutoMigrate runs Gorm auto-migration for all models. An earlier schema
// used a TTL index that deleted every payment record after 15 minutes,
// successful ones included; the expires_at column is nullable and cleared
// on terminal transitions precisely so that terminal records never expire.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Appointment{},
		&models.Consultation{},
		&models.PaymentRecord{},
	)
}
