// Package store persists everything a session owns locally: cached
// conversations and messages, the durable outbox, and sync bookkeeping,
// in a single SQLite file under the session directory.
package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the session's chat.db connection.
type DB struct {
	*sql.DB
}

// Connection pragmas. WAL lets history reads coexist with outbox writes;
// the busy timeout rides out checkpoint stalls instead of failing sends.
var pragmas = url.Values{
	"_journal_mode": {"WAL"},
	"_busy_timeout": {"5000"},
	"_foreign_keys": {"on"},
	"_synchronous":  {"NORMAL"},
}

// Open opens the SQLite database at path, creating it on first run.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?"+pragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return &DB{db}, nil
}
