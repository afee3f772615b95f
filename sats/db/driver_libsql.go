//go:build cgo

package db

import (
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"
)

func init() {
	sqlOpeners["libsql"] = func(path string) (*sql.DB, error) {
		return sql.Open("libsql", "file:"+path)
	}
}
