package jobqueue

import (
	"database/sql"

	"github.com/petrijr/fluxhist/internal/sqldialect"
)

// SQLiteQueue is a persistent job queue backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteQueue struct {
	*SQLQueue
}

// NewSQLiteQueue initializes the history_jobs table in the given DB and
// returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q, err := newSQLQueue(db, sqldialect.SQLite)
	if err != nil {
		return nil, err
	}
	return &SQLiteQueue{SQLQueue: q}, nil
}
