package evidence

import (
	"context"
	"fmt"
)

// Config selects and addresses the evidence backend.
type Config struct {
	Driver   string // sqlite | postgres | mysql | mongodb
	DSN      string
	Database string // mongodb only
}

// Open returns the Store for cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "postgres", "postgresql", "mysql":
		name := cfg.Driver
		if name == "postgresql" {
			name = "postgres"
		}
		return OpenSQL(ctx, name, cfg.DSN)
	case "mongodb", "mongo":
		return OpenMongo(ctx, cfg.DSN, cfg.Database)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}
