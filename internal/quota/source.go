package quota

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"access-guard/internal/common/errors"
	httpclient "access-guard/internal/common/http"
)

// Source answers whether a tenant may still use a resource
type Source interface {
	CheckLimit(ctx context.Context, tenantID, resource string) (bool, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, tenantID, resource string) (bool, error)

func (f SourceFunc) CheckLimit(ctx context.Context, tenantID, resource string) (bool, error) {
	return f(ctx, tenantID, resource)
}

// HTTPSource asks the analytics service:
// GET {base}/api/tenants/{tenant}/limits/{resource} -> {"allowed": bool}
type HTTPSource struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// NewHTTPSource creates an HTTP quota source. A nil client gets the package default.
func NewHTTPSource(baseURL string, client *http.Client, headers map[string]string) *HTTPSource {
	if client == nil {
		client = httpclient.NewHTTPClient()
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		headers: headers,
	}
}

func (s *HTTPSource) CheckLimit(ctx context.Context, tenantID, resource string) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/tenants/%s/limits/%s",
		s.baseURL, url.PathEscape(tenantID), url.PathEscape(resource))

	var body struct {
		Allowed *bool `json:"allowed"`
	}
	if err := httpclient.DoJSON(ctx, s.client, http.MethodGet, endpoint, s.headers, nil, &body); err != nil {
		return false, err
	}
	if body.Allowed == nil {
		return false, errors.InternalError("quota response missing 'allowed'", nil)
	}
	return *body.Allowed, nil
}

const schema = `CREATE TABLE IF NOT EXISTS tenant_quotas (
	tenant_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	quota BIGINT NOT NULL,
	used BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, resource)
)`

// SQLSource reads quota and usage from the tenant_quotas table.
// A tenant without a row has no quota configured and is allowed.
type SQLSource struct {
	db *sql.DB
}

// NewSQLSource wraps an open database
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

// OpenSQLSource opens driver "sqlite3" or "postgres" (through pgx's stdlib adapter)
func OpenSQLSource(driver, dsn string) (*SQLSource, error) {
	var db *sql.DB
	switch driver {
	case "sqlite3", "sqlite":
		var err error
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
	case "postgres", "postgresql", "pgx":
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("invalid postgres DSN: %v", err))
		}
		db = stdlib.OpenDB(*cfg)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unsupported quota database driver: %s", driver))
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.ConnectionError("quota database", err)
	}
	return NewSQLSource(db), nil
}

// EnsureSchema creates the tenant_quotas table if missing
func (s *SQLSource) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tenant_quotas: %w", err)
	}
	return nil
}

// SetUsage upserts the quota row for tenant and resource
func (s *SQLSource) SetUsage(ctx context.Context, tenantID, resource string, quota, used int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_quotas (tenant_id, resource, quota, used) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, resource) DO UPDATE SET quota = excluded.quota, used = excluded.used`,
		tenantID, resource, quota, used)
	if err != nil {
		return fmt.Errorf("failed to set usage for %s/%s: %w", tenantID, resource, err)
	}
	return nil
}

func (s *SQLSource) CheckLimit(ctx context.Context, tenantID, resource string) (bool, error) {
	var quota, used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT quota, used FROM tenant_quotas WHERE tenant_id = $1 AND resource = $2`,
		tenantID, resource).Scan(&quota, &used)
	if stderrors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, errors.ConnectionError("query tenant quota", err)
	}
	return used < quota, nil
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}
