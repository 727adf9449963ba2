package store

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the driver registered with per-connection pragmas
const SQLiteDriverName = "sqlite3_cdcroute"

var connectionPragmas = []string{
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=-16000",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=OFF",
}

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range connectionPragmas {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return err
				}
			}
			return nil
		},
	})
}
