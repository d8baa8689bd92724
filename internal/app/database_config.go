package app

import (
	"strings"

	"github.com/charlesng35/giftbox/internal/database"
	"github.com/charlesng35/giftbox/internal/services"
)

// Connection converts DatabaseConfig into the database package representation.
func (c DatabaseConfig) Connection() database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   strings.TrimSpace(c.Path),
		DSN:    strings.TrimSpace(c.DSN),
		Pool: database.PoolConfig{
			MaxOpen:         c.Pool.Size,
			MaxIdle:         c.Pool.MaxIdle,
			ConnMaxLifetime: c.Pool.ConnMaxLifetime,
			ConnMaxIdleTime: c.Pool.ConnMaxIdleTime,
		},
		ConnectTimeout:   c.Pool.AcquireTimeout,
		StatementTimeout: c.Pool.StatementTimeout,
	}

	var host DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		host = c.Postgres
	case "mysql":
		host = c.MySQL
	default:
		// Leave driver as-is to surface unsupported driver error during open.
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(host.Host)
	dbCfg.Port = host.Port
	dbCfg.Name = strings.TrimSpace(host.Database)
	dbCfg.User = strings.TrimSpace(host.Username)
	dbCfg.Password = strings.TrimSpace(host.Password)
	return dbCfg
}

// StorePool converts the pool settings into the storage executor bounds.
func (c DatabaseConfig) StorePool() services.PoolConfig {
	return services.PoolConfig{
		Size:             c.Pool.Size,
		AcquireTimeout:   c.Pool.AcquireTimeout,
		StatementTimeout: c.Pool.StatementTimeout,
	}
}
