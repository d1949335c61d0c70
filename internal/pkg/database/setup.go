package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ReceiptFox/app/models"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// DSN builds the MySQL data source name.
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
}

// Open connects to MySQL, retrying while the database comes up.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	var db *gorm.DB
	attempt := 0
	connect := func() error {
		attempt++
		var err error
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       DSN(cfg),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{})
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return backoff.Permanent(err)
		}
		return sqlDB.PingContext(ctx)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), maxRetries-1), ctx)
	err := backoff.RetryNotify(connect, policy, func(err error, next time.Duration) {
		log.Warnf("[Database] Failed to connect (try %d/%d): %v, retrying in %s", attempt, maxRetries, err, next)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database %s@%s: %w", cfg.Name, cfg.Host, err)
	}
	log.Infof("[Database] Connected to %s:%s/%s", cfg.Host, cfg.Port, cfg.Name)
	return db, nil
}

// AutoMigrate creates or updates the billing tables. Production uses the
// SQL migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.BillingWebhookEvent{},
	)
}
