package persistence

import (
	"database/sql"

	"github.com/petrijr/fluxhist/internal/sqldialect"
)

// PostgresActivityStore is an ActivityStore backed by PostgreSQL.
//
// It expects an *sql.DB opened with the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, _ := sql.Open("pgx", dsn)
type PostgresActivityStore struct {
	*SQLActivityStore
}

// NewPostgresActivityStore creates the history table if needed.
func NewPostgresActivityStore(db *sql.DB) (*PostgresActivityStore, error) {
	s, err := newSQLActivityStore(db, sqldialect.Postgres)
	if err != nil {
		return nil, err
	}
	return &PostgresActivityStore{SQLActivityStore: s}, nil
}
