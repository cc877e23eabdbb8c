// Package migration describes named schema changes applied in order by internal/db.
package migration

import (
	"database/sql"
)

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
