// Package dialect はSQL方言ごとの差異（プレースホルダ記法、ドライバ名）を吸収する。
package dialect

import (
	"strconv"
	"strings"
)

// Dialect はSQL方言を表す。
type Dialect string

const (
	// SQLite は埋め込みSQLite（modernc.org/sqlite）。
	SQLite Dialect = "sqlite"
	// Postgres はPostgreSQL（pgx stdlib）。
	Postgres Dialect = "postgres"
	// MySQL はMySQL/MariaDB（go-sql-driver/mysql）。
	MySQL Dialect = "mysql"
)

// Parse はエンジン名を方言に変換する。未知の名前の場合はokがfalse。
func Parse(engine string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "sqlite", "sqlite3":
		return SQLite, true
	case "postgres", "postgresql", "pgx":
		return Postgres, true
	case "mysql", "mariadb":
		return MySQL, true
	}
	return "", false
}

// DriverName はdatabase/sqlに登録されたドライバ名を返す。
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// Rebind は "?" プレースホルダを方言に合わせて書き換える。
// PostgreSQLでは $1, $2 ... に置換し、それ以外はそのまま返す。
// シングルクォートで囲まれた文字列リテラル内の "?" は置換しない。
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
