package jobqueue

import (
	"database/sql"

	"github.com/petrijr/fluxhist/internal/sqldialect"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// It expects an *sql.DB that uses a PostgreSQL driver, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, _ := sql.Open("pgx", dsn)
type PostgresQueue struct {
	*SQLQueue
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q, err := newSQLQueue(db, sqldialect.Postgres)
	if err != nil {
		return nil, err
	}
	return &PostgresQueue{SQLQueue: q}, nil
}
