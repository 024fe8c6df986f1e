package persist

import (
	"context"
	"fmt"

	"github.com/coopmap/server/internal/config"
	"go.uber.org/zap"
)

// Open returns the character store selected by cfg.Driver, with migrations
// applied.
func Open(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (CharacterStore, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := NewDB(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(ctx, db.Pool); err != nil {
			db.Close()
			return nil, err
		}
		return NewCharacterMapRepo(db), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
