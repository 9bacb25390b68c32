package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	logx "matchsync/pkg/logx"
)

type opener func(cfg Config, log logx.Logger) (Store, error)

var openers = map[string]opener{
	"":           func(_ Config, log logx.Logger) (Store, error) { return newMemory(log), nil },
	"memory":     func(_ Config, log logx.Logger) (Store, error) { return newMemory(log), nil },
	"file":       openFile,
	"sqlite":     openSQLite,
	"sqlite3":    openSQLite,
	"postgres":   openPostgres,
	"postgresql": openPostgres,
}

// Open returns the store for cfg.Driver; blank selects memory. SQL stores are
// migrated before they are returned.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	open, ok := openers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	return open(cfg, log)
}

// openSQL pings and migrates db, closing it on any failure.
func openSQL(db *sql.DB, dialect string, log logx.Logger) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping: %w", dialect, err)
	}
	st := &sqlStore{db: db, log: log, dialect: dialect}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: migrate: %w", dialect, err)
	}
	return st, nil
}
