package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
	"github.com/tjfontaine/modelkey-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of the mapping store, blocked-model set, and
// endpoint registry that supports multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.RouteStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.Name() == "sqlite" {
		// One writer keeps shared-cache memory databases free of SQLITE_LOCKED.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	d := s.dialect
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mappings (
id %s PRIMARY KEY,
scope_type VARCHAR(32) NOT NULL,
scope_key %s NOT NULL,
name %s,
default_model %s,
candidates %s NOT NULL,
is_active %s NOT NULL,
metadata %s,
updated_at %s NOT NULL
)`, d.KeyType(), d.KeyType(), d.TextType(), d.TextType(), d.TextType(), d.BooleanType(), d.TextType(), d.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS endpoints (
id BIGINT PRIMARY KEY,
name %s NOT NULL,
base_url %s NOT NULL,
api_key %s,
provider_protocol %s,
model %s,
model_list %s NOT NULL,
is_active %s NOT NULL,
is_default %s NOT NULL,
status VARCHAR(16)
)`, d.TextType(), d.TextType(), d.TextType(), d.TextType(), d.TextType(), d.TextType(), d.BooleanType(), d.BooleanType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS blocked_models (
model %s PRIMARY KEY,
created_at %s NOT NULL
)`, d.KeyType(), d.TimestampType()),
		`CREATE INDEX idx_mappings_scope_key ON mappings(scope_key)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.HasPrefix(stmt, "CREATE INDEX") && isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so index creation is attempted
// every start and the duplicate error is ignored.
func isDuplicateIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate key name")
}

type mappingRow struct {
	ID           string         `db:"id"`
	ScopeType    string         `db:"scope_type"`
	ScopeKey     string         `db:"scope_key"`
	Name         sql.NullString `db:"name"`
	DefaultModel sql.NullString `db:"default_model"`
	Candidates   string         `db:"candidates"`
	IsActive     bool           `db:"is_active"`
	Metadata     sql.NullString `db:"metadata"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *mappingRow) toDomain() (*domain.Mapping, error) {
	m := &domain.Mapping{
		ID:           r.ID,
		ScopeType:    domain.ScopeType(r.ScopeType),
		ScopeKey:     r.ScopeKey,
		Name:         r.Name.String,
		DefaultModel: r.DefaultModel.String,
		IsActive:     r.IsActive,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Candidates), &m.Candidates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal candidates of %s: %w", r.ID, err)
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of %s: %w", r.ID, err)
		}
	}
	return m, nil
}

const mappingColumns = `id, scope_type, scope_key, name, default_model, candidates, is_active, metadata, updated_at`

func (s *Store) ListMappings(ctx context.Context, filter ports.MappingFilter) ([]*domain.Mapping, error) {
	var (
		where []string
		args  []any
	)
	if filter.ScopeType != "" {
		where = append(where, "scope_type = ?")
		args = append(args, string(filter.ScopeType))
	}
	if filter.ScopeKey != "" {
		where = append(where, "scope_key = ?")
		args = append(args, filter.ScopeKey)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = ?")
		args = append(args, true)
	}

	query := `SELECT ` + mappingColumns + ` FROM mappings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	var rows []mappingRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}

	out := make([]*domain.Mapping, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) GetMapping(ctx context.Context, id string) (*domain.Mapping, error) {
	var row mappingRow
	err := s.db.GetContext(ctx, &row, s.dialect.Rebind(`SELECT `+mappingColumns+` FROM mappings WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping %s: %w", id, err)
	}
	return row.toDomain()
}

// UpsertMapping stores m under its derived id. A zero UpdatedAt is stamped
// with the current time.
func (s *Store) UpsertMapping(ctx context.Context, m *domain.Mapping) (*domain.Mapping, error) {
	stored := m.Clone()
	stored.Normalize()
	if err := stored.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping: %w", err)
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	if stored.Candidates == nil {
		stored.Candidates = []string{}
	}

	candidates, err := json.Marshal(stored.Candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal candidates: %w", err)
	}
	var metadata sql.NullString
	if len(stored.Metadata) > 0 {
		raw, err := json.Marshal(stored.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO mappings (` + mappingColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("id", []string{"scope_type", "scope_key", "name", "default_model", "candidates", "is_active", "metadata", "updated_at"}))

	_, err = s.db.ExecContext(ctx, query,
		stored.ID, string(stored.ScopeType), stored.ScopeKey, stored.Name, stored.DefaultModel,
		string(candidates), stored.IsActive, metadata, stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert mapping %s: %w", stored.ID, err)
	}
	return stored, nil
}

func (s *Store) DeleteMapping(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM mappings WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete mapping %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete mapping %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *Store) ListBlocked(ctx context.Context) ([]string, error) {
	return s.listBlocked(ctx, s.db)
}

func (s *Store) listBlocked(ctx context.Context, q sqlx.QueryerContext) ([]string, error) {
	var models []string
	if err := sqlx.SelectContext(ctx, q, &models, `SELECT model FROM blocked_models ORDER BY model`); err != nil {
		return nil, fmt.Errorf("failed to list blocked models: %w", err)
	}
	if models == nil {
		models = []string{}
	}
	return models, nil
}

// SetBlocked applies all updates in one transaction.
func (s *Store) SetBlocked(ctx context.Context, updates []domain.BlockUpdate) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := s.dialect.Rebind(`INSERT INTO blocked_models (model, created_at) VALUES (?, ?) ` +
		s.dialect.UpsertClause("model", nil))
	remove := s.dialect.Rebind(`DELETE FROM blocked_models WHERE model = ?`)

	now := time.Now().UTC()
	for _, u := range updates {
		model := strings.TrimSpace(u.Model)
		if model == "" {
			continue
		}
		if u.Blocked {
			_, err = tx.ExecContext(ctx, insert, model, now)
		} else {
			_, err = tx.ExecContext(ctx, remove, model)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update blocked model %s: %w", model, err)
		}
	}

	models, err := s.listBlocked(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit blocked models: %w", err)
	}
	return models, nil
}

type endpointRow struct {
	ID               int64          `db:"id"`
	Name             string         `db:"name"`
	BaseURL          string         `db:"base_url"`
	APIKey           sql.NullString `db:"api_key"`
	ProviderProtocol sql.NullString `db:"provider_protocol"`
	Model            sql.NullString `db:"model"`
	ModelList        string         `db:"model_list"`
	IsActive         bool           `db:"is_active"`
	IsDefault        bool           `db:"is_default"`
	Status           sql.NullString `db:"status"`
}

func (r *endpointRow) toDomain() (*domain.ProviderEndpoint, error) {
	e := &domain.ProviderEndpoint{
		ID:               r.ID,
		Name:             r.Name,
		BaseURL:          r.BaseURL,
		APIKey:           r.APIKey.String,
		ProviderProtocol: r.ProviderProtocol.String,
		Model:            r.Model.String,
		IsActive:         r.IsActive,
		IsDefault:        r.IsDefault,
		Status:           domain.EndpointStatus(r.Status.String),
	}
	if err := json.Unmarshal([]byte(r.ModelList), &e.ModelList); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model_list of endpoint %d: %w", r.ID, err)
	}
	return e, nil
}

const endpointColumns = `id, name, base_url, api_key, provider_protocol, model, model_list, is_active, is_default, status`

func (s *Store) selectEndpoints(ctx context.Context, query string, args ...any) ([]*domain.ProviderEndpoint, error) {
	var rows []endpointRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	out := make([]*domain.ProviderEndpoint, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ListActive(ctx context.Context) ([]*domain.ProviderEndpoint, error) {
	return s.selectEndpoints(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE is_active = ? ORDER BY id`, true)
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*domain.ProviderEndpoint, error) {
	return s.selectEndpoints(ctx, `SELECT `+endpointColumns+` FROM endpoints ORDER BY id`)
}

func (s *Store) GetCredential(ctx context.Context, endpointID int64) (string, error) {
	var key sql.NullString
	err := s.db.GetContext(ctx, &key, s.dialect.Rebind(`SELECT api_key FROM endpoints WHERE id = ?`), endpointID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get credential for endpoint %d: %w", endpointID, err)
	}
	return strings.TrimSpace(key.String), nil
}

// UpsertEndpoint stores e, assigning the next free id when e.ID is zero.
func (s *Store) UpsertEndpoint(ctx context.Context, e *domain.ProviderEndpoint) (*domain.ProviderEndpoint, error) {
	stored := e.Clone()
	stored.Name = strings.TrimSpace(stored.Name)
	if stored.Name == "" {
		return nil, fmt.Errorf("endpoint name is required")
	}
	if stored.ModelList == nil {
		stored.ModelList = []string{}
	}

	modelList, err := json.Marshal(stored.ModelList)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model_list: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if stored.ID == 0 {
		// Without an id the name identifies the endpoint, so re-seeding
		// updates the existing row.
		var existing sql.NullInt64
		if err := tx.GetContext(ctx, &existing,
			s.dialect.Rebind(`SELECT MIN(id) FROM endpoints WHERE name = ?`), stored.Name); err != nil {
			return nil, fmt.Errorf("failed to look up endpoint %s: %w", stored.Name, err)
		}
		if existing.Valid {
			stored.ID = existing.Int64
		} else {
			var maxID sql.NullInt64
			if err := tx.GetContext(ctx, &maxID, `SELECT MAX(id) FROM endpoints`); err != nil {
				return nil, fmt.Errorf("failed to allocate endpoint id: %w", err)
			}
			stored.ID = maxID.Int64 + 1
		}
	}

	query := s.dialect.Rebind(`INSERT INTO endpoints (` + endpointColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("id", []string{"name", "base_url", "api_key", "provider_protocol", "model", "model_list", "is_active", "is_default", "status"}))

	_, err = tx.ExecContext(ctx, query,
		stored.ID, stored.Name, stored.BaseURL, stored.APIKey, stored.ProviderProtocol, stored.Model,
		string(modelList), stored.IsActive, stored.IsDefault, string(stored.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert endpoint %d: %w", stored.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit endpoint %d: %w", stored.ID, err)
	}
	return stored, nil
}
