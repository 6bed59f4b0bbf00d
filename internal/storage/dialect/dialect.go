// Package dialect provides database dialect abstractions for multi-database support.
package dialect

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres", "mysql")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// KeyType returns the column type for string primary keys
	KeyType() string

	// BooleanType returns the SQL type for boolean values
	BooleanType() string

	// TimestampType returns the SQL type for timestamps
	TimestampType() string

	// TextType returns the SQL type for large text fields
	TextType() string

	// UpsertClause returns the ON CONFLICT/ON DUPLICATE KEY clause for upserts
	UpsertClause(conflictColumn string, updateColumns []string) string

	// PragmaStatements returns dialect-specific initialization statements
	PragmaStatements() []string
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
	MySQL    DialectType = "mysql"
)

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return sqliteDialect{}, nil
	case Postgres:
		return postgresDialect{}, nil
	case MySQL:
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a given driver name
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql", "pq":
		return postgresDialect{}, nil
	case "mysql", "mariadb":
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

func updateList(updateColumns []string, format string) string {
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = strings.ReplaceAll(format, "%c", col)
	}
	return strings.Join(updates, ", ")
}

// sqliteDialect targets modernc.org/sqlite.
type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return "sqlite" }
func (sqliteDialect) DriverName() string         { return "sqlite" }
func (sqliteDialect) Rebind(query string) string { return query }
func (sqliteDialect) KeyType() string            { return "TEXT" }
func (sqliteDialect) BooleanType() string        { return "INTEGER" }
func (sqliteDialect) TimestampType() string      { return "TIMESTAMP" }
func (sqliteDialect) TextType() string           { return "TEXT" }

func (sqliteDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", conflictColumn)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflictColumn, updateList(updateColumns, "%c=excluded.%c"))
}

func (sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
}

// postgresDialect targets github.com/lib/pq.
type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) Rebind(query string) string {
	return sqlx.Rebind(sqlx.DOLLAR, query)
}

func (postgresDialect) KeyType() string       { return "TEXT" }
func (postgresDialect) BooleanType() string   { return "BOOLEAN" }
func (postgresDialect) TimestampType() string { return "TIMESTAMP WITH TIME ZONE" }
func (postgresDialect) TextType() string      { return "TEXT" }

func (postgresDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumn)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, updateList(updateColumns, "%c = EXCLUDED.%c"))
}

func (postgresDialect) PragmaStatements() []string {
	return nil // PostgreSQL doesn't use pragmas
}

// mysqlDialect targets github.com/go-sql-driver/mysql. The DSN must carry
// parseTime=true so timestamps scan into time.Time.
type mysqlDialect struct{}

func (mysqlDialect) Name() string               { return "mysql" }
func (mysqlDialect) DriverName() string         { return "mysql" }
func (mysqlDialect) Rebind(query string) string { return query }

// MySQL cannot index unbounded TEXT keys.
func (mysqlDialect) KeyType() string       { return "VARCHAR(255)" }
func (mysqlDialect) BooleanType() string   { return "TINYINT(1)" }
func (mysqlDialect) TimestampType() string { return "DATETIME(6)" }
func (mysqlDialect) TextType() string      { return "LONGTEXT" }

func (mysqlDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", conflictColumn, conflictColumn)
	}
	return "ON DUPLICATE KEY UPDATE " + updateList(updateColumns, "%c = VALUES(%c)")
}

func (mysqlDialect) PragmaStatements() []string {
	return nil // MySQL doesn't use pragmas
}
