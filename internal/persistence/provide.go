package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/config"
	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/db"
)

// Provide builds the store selected by configuration: SQLite, PostgreSQL,
// or the no-op store when no driver is set.
func Provide(cfg config.PersistenceConfig, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case "":
		return NewNoop(), nil

	case "sqlite":
		writer, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.SQLitePath)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		store, err := NewSQLStore(db.NewPool(writer, reader), log)
		if err != nil {
			_ = writer.Close()
			_ = reader.Close()
			return nil, err
		}
		log.Info("persistence enabled",
			zap.String("driver", "sqlite"),
			zap.String("path", cfg.SQLitePath))
		return store, nil

	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN(), 0, 0)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		store, err := NewSQLStore(db.NewPool(conn, conn), log)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		log.Info("persistence enabled",
			zap.String("driver", "postgres"),
			zap.String("host", cfg.Host),
			zap.String("database", cfg.DBName))
		return store, nil

	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}
