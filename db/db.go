package db

import (
	"errors"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to MySQL if a DSN is given, falling back to a SQLite file
func Open(mysqlDSN, sqliteFile string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	}
	if mysqlDSN != "" {
		cfg.PrepareStmt = true
		return gorm.Open(mysql.Open(mysqlDSN), cfg)
	}
	if sqliteFile == "" {
		return nil, errors.New("neither MYSQL_DSN nor SQLITE_FILE is configured")
	}
	db, err := gorm.Open(sqlite.Open(sqliteFile), cfg)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serialise everything through one connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err = db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
		return nil, err
	}
	return db, nil
}
