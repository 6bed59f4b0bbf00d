package dialect

import (
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		dialectType DialectType
		wantName    string
		wantErr     bool
	}{
		{"sqlite", SQLite, "sqlite", false},
		{"postgres", Postgres, "postgres", false},
		{"mysql", MySQL, "mysql", false},
		{"unknown", DialectType("unknown"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.dialectType)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
		})
	}
}

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driverName string
		wantName   string
		wantDriver string
		wantErr    bool
	}{
		{"sqlite", "sqlite", "sqlite", false},
		{"sqlite3", "sqlite", "sqlite", false},
		{"postgres", "postgres", "postgres", false},
		{"postgresql", "postgres", "postgres", false},
		{"mysql", "mysql", "mysql", false},
		{"oracle", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driverName, func(t *testing.T) {
			d, err := FromDriverName(tt.driverName)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromDriverName() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
			if d.DriverName() != tt.wantDriver {
				t.Errorf("DriverName() = %v, want %v", d.DriverName(), tt.wantDriver)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	query := "SELECT id FROM mappings WHERE scope_type = ? AND scope_key = ?"
	tests := []struct {
		name    string
		dialect Dialect
		want    string
	}{
		{"sqlite", sqliteDialect{}, query},
		{"mysql", mysqlDialect{}, query},
		{"postgres", postgresDialect{}, "SELECT id FROM mappings WHERE scope_type = $1 AND scope_key = $2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.Rebind(query); got != tt.want {
				t.Errorf("Rebind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpsertClause(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		columns []string
		want    string
	}{
		{"sqlite update", sqliteDialect{}, []string{"name", "model"}, "ON CONFLICT(id) DO UPDATE SET name=excluded.name, model=excluded.model"},
		{"sqlite nothing", sqliteDialect{}, nil, "ON CONFLICT(id) DO NOTHING"},
		{"postgres update", postgresDialect{}, []string{"name"}, "ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name"},
		{"postgres nothing", postgresDialect{}, nil, "ON CONFLICT (id) DO NOTHING"},
		{"mysql update", mysqlDialect{}, []string{"name", "model"}, "ON DUPLICATE KEY UPDATE name = VALUES(name), model = VALUES(model)"},
		{"mysql nothing", mysqlDialect{}, nil, "ON DUPLICATE KEY UPDATE id = id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.UpsertClause("id", tt.columns); got != tt.want {
				t.Errorf("UpsertClause() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyType(t *testing.T) {
	if got := (mysqlDialect{}).KeyType(); got != "VARCHAR(255)" {
		t.Errorf("mysql KeyType() = %v, want VARCHAR(255)", got)
	}
	if got := (sqliteDialect{}).KeyType(); got != "TEXT" {
		t.Errorf("sqlite KeyType() = %v, want TEXT", got)
	}
}
