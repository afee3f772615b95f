//go:build !cgo

package db

import (
	"database/sql"
	"errors"
)

func init() {
	sqlOpeners["libsql"] = func(string) (*sql.DB, error) {
		return nil, errors.New("libsql driver requires a cgo build")
	}
}
