package app

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteDSN returns the modernc.org/sqlite DSN used for path: WAL journal
// and a busy timeout so the queue and store can share the file.
func SQLiteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// sqliteDB opens the SQLite database once; queue and store share it.
func (a *App) sqliteDB(ctx context.Context) (*sql.DB, error) {
	if a.sqlite != nil {
		return a.sqlite, nil
	}
	db, err := sql.Open("sqlite", SQLiteDSN(a.Config.Store.SQLitePath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", a.Config.Store.SQLitePath, err)
	}
	// One writer at a time; this also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	a.sqlite = db
	return db, nil
}

// postgresDB opens the PostgreSQL pool once; queue and store share it.
func (a *App) postgresDB(ctx context.Context) (*sql.DB, error) {
	if a.postgres != nil {
		return a.postgres, nil
	}
	db, err := sql.Open("pgx", a.Config.Store.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	a.postgres = db
	return db, nil
}
