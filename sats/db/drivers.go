package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// sqlOpener opens a *sql.DB for a database file.
type sqlOpener func(path string) (*sql.DB, error)

// sqlOpeners holds the SQL backends compiled into this binary, keyed by cache.driver.
var sqlOpeners = map[string]sqlOpener{
	"sqlite": func(path string) (*sql.DB, error) {
		return sql.Open("sqlite", path)
	},
}

func openSQL(driver, path string) (*sql.DB, error) {
	open, ok := sqlOpeners[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	return open(path)
}
