package store

import (
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB wraps the GORM handle the rest of the exchange depends on.
type DB struct {
	*gorm.DB
}

// Open connects to the database named by dsn. A DSN beginning with
// "postgres://" or "postgresql://" selects the postgres driver; anything
// else is treated as a sqlite file path, mirroring how web3guy0-polybot's
// internal/database package chooses a driver per environment.
func Open(dsn string) (*DB, error) {
	gcfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		log.Error().Err(err).Str("dsn", dsn).Msg("unable to open database")
		return nil, err
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		log.Error().Err(err).Msg("unable to migrate database")
		return nil, err
	}

	if _, ok := dialector.(*sqlite.Dialector); ok {
		// sqlite serializes writers at the file (or in-process ":memory:")
		// level; a second pooled connection to ":memory:" would otherwise
		// open an unrelated, unmigrated database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &DB{DB: db}, nil
}
