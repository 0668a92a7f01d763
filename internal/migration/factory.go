package migration

import (
	"fmt"

	appconfig "github.com/floweave/floweave/config"
)

// NewMigratorFromConfig builds a migrator from the loaded application config.
func NewMigratorFromConfig(cfg *appconfig.Config) (*Migrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig builds a migrator from the database section of
// the application config. For SQLite the Name field is the database file path.
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*Migrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, err
	}

	url := BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	if url == "" {
		return nil, fmt.Errorf("failed to build database URL for driver %s", dbCfg.Driver)
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  url,
	})
}

// NewMigratorFromURL builds a migrator from an explicit driver name and
// connection URL, bypassing the config file.
func NewMigratorFromURL(driver, url string) (*Migrator, error) {
	dbType, err := ParseDatabaseType(driver)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  url,
	})
}
