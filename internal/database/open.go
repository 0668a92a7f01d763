package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config selects the SQL backend the workflow stores run on.
type Config struct {
	// Driver is one of sqlite, mysql, postgres.
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific connection string.
	DSN  string     `yaml:"dsn" json:"dsn"`
	Pool PoolConfig `yaml:"pool" json:"pool"`
}

// DefaultConfig returns an in-process sqlite setup.
func DefaultConfig() Config {
	return Config{
		Driver: "sqlite",
		DSN:    "file:floweave.db?cache=shared",
		Pool:   DefaultPoolConfig(),
	}
}

// Open connects GORM using the configured driver.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	return db, nil
}
