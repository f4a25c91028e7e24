// Package sqldialect holds the small differences between the SQL databases
// the queue and store support.
package sqldialect

import (
	"strconv"
	"strings"
)

// Dialect describes one SQL flavour.
type Dialect struct {
	Name string

	// Blob is the column type for opaque bytes.
	Blob string

	// Serial is the column type for an auto-incrementing row number.
	Serial string

	// NoLimit is the LIMIT argument meaning "all rows", needed before OFFSET.
	NoLimit string

	dollar bool
}

var (
	// SQLite works with modernc.org/sqlite.
	SQLite = Dialect{Name: "sqlite", Blob: "BLOB", Serial: "INTEGER PRIMARY KEY AUTOINCREMENT", NoLimit: "-1"}

	// Postgres works with github.com/jackc/pgx/v5/stdlib.
	Postgres = Dialect{Name: "postgres", Blob: "BYTEA", Serial: "BIGSERIAL PRIMARY KEY", NoLimit: "ALL", dollar: true}
)

// Rebind rewrites '?' placeholders into the dialect's positional form.
// Queries must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Page returns a LIMIT/OFFSET clause with '?' placeholders and its args.
// max <= 0 means no limit.
func (d Dialect) Page(first, max int) (string, []any) {
	switch {
	case max > 0 && first > 0:
		return " LIMIT ? OFFSET ?", []any{max, first}
	case max > 0:
		return " LIMIT ?", []any{max}
	case first > 0:
		return " LIMIT " + d.NoLimit + " OFFSET ?", []any{first}
	default:
		return "", nil
	}
}
