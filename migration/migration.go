// Named schema migrations. Each subsystem owns an ordered list which is applied once, in order, by the
// database migrator.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
