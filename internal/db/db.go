package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New initializes a GORM database connection based on the driver and DSN.
func New(driver string, dsn []string, debug bool) (*gorm.DB, error) {
	dsnStr := strings.Join(dsn, " ")

	var dialector gorm.Dialector
	switch driver {
	case "sqlite3", "sqlite":
		dialector = sqlite.Open(dsnStr)
	case "postgres":
		dialector = postgres.Open(dsnStr)
	case "mysql":
		dialector = mysql.Open(dsnStr)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	gormCfg := &gorm.Config{}
	if !debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// The bridge runs 10 hydration workers plus the draft uplink and the
	// sync timer per user, and each of them may hold a connection during a
	// batch upsert.
	sqlDB.SetMaxOpenConns(64)
	sqlDB.SetMaxIdleConns(8)

	return db, nil
}

// Migrate runs AutoMigrate for every bridge table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Email{},
		&UserConfig{},
		&Label{},
		&SmartRule{},
		&AttachmentMeta{},
	)
}
