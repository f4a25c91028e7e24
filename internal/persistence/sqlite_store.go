package persistence

import (
	"database/sql"

	"github.com/petrijr/fluxhist/internal/sqldialect"
)

// SQLiteActivityStore is an ActivityStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the driver.
type SQLiteActivityStore struct {
	*SQLActivityStore
}

// NewSQLiteActivityStore initializes the history table in db and returns
// a store using it.
func NewSQLiteActivityStore(db *sql.DB) (*SQLiteActivityStore, error) {
	s, err := newSQLActivityStore(db, sqldialect.SQLite)
	if err != nil {
		return nil, err
	}
	return &SQLiteActivityStore{SQLActivityStore: s}, nil
}
