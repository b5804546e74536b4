package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/llmwarehouse/migrations"
	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const logsTable = "llm_logs"

// DatabaseConfig configures the hosted-database adapter.
//
// URL takes the form sqlite3://<path> or mysql://<dsn>, for example
// mysql://logger@tcp(db.internal:3306)/warehouse. Key is injected as the
// MySQL password and is required for networked drivers.
type DatabaseConfig struct {
	URL string
	Key string

	// SkipMigrations leaves schema management to the operator.
	SkipMigrations bool
}

// DatabaseAdapter inserts each record as one row of llm_logs.
type DatabaseAdapter struct {
	db      *sql.DB
	dialect string
	builder sq.StatementBuilderType
	logger  zerolog.Logger
}

// NewDatabaseAdapter opens the database, verifies connectivity and applies
// the llm_logs schema.
func NewDatabaseAdapter(ctx context.Context, cfg DatabaseConfig, logger zerolog.Logger) (*DatabaseAdapter, error) {
	dialect, dsn, err := parseDatabaseURL(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == migrations.DialectSQLite {
		// A single connection serializes writers and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	logger = logger.With().Str("component", "databaseAdapter").Str("dialect", dialect).Logger()
	if !cfg.SkipMigrations {
		if err := migrations.RunMigrations(db, dialect, logger); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	builder := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	return &DatabaseAdapter{db: db, dialect: dialect, builder: builder, logger: logger}, nil
}

// Name implements Adapter.
func (a *DatabaseAdapter) Name() string { return "database" }

// DB exposes the underlying handle.
func (a *DatabaseAdapter) DB() *sql.DB { return a.db }

// Send implements Adapter.
func (a *DatabaseAdapter) Send(ctx context.Context, rec record.CallRecord) error {
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return newEncodingError(a.Name(), err)
	}

	var response, callErr, requestID sql.NullString
	if rec.Response != nil {
		response = sql.NullString{String: rec.Response.String(), Valid: true}
	}
	if rec.Error != nil {
		callErr = sql.NullString{String: *rec.Error, Valid: true}
	}
	if rec.RequestID != "" {
		requestID = sql.NullString{String: rec.RequestID, Valid: true}
	}

	query := a.builder.Insert(logsTable).
		Columns("id", "sdk_method", "request_json", "response_json", "error",
			"latency_s", "request_id", "streaming", "created_at").
		Values(rec.CallID, rec.SDKMethod, string(request), response, callErr,
			rec.LatencySeconds, requestID, rec.Streaming, rec.Timestamp)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return newStorageError(a.Name(), fmt.Errorf("build query: %w", err))
	}
	if _, err := a.db.ExecContext(ctx, queryStr, args...); err != nil {
		return newStorageError(a.Name(), err)
	}
	return nil
}

// Close implements Adapter.
func (a *DatabaseAdapter) Close() error {
	return a.db.Close()
}

// parseDatabaseURL maps a database URL onto a database/sql driver name and DSN.
func parseDatabaseURL(cfg DatabaseConfig) (string, string, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return "", "", fmt.Errorf("database url is required")
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("database url %q must have the form <driver>://<dsn>", raw)
	}

	switch strings.ToLower(scheme) {
	case "sqlite", "sqlite3":
		if dir := filepath.Dir(rest); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return "", "", fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
		return migrations.DialectSQLite, rest, nil
	case "mysql":
		if cfg.Key == "" {
			return "", "", fmt.Errorf("database key is required for mysql")
		}
		dsn, err := mysql.ParseDSN(rest)
		if err != nil {
			return "", "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		dsn.Passwd = cfg.Key
		return migrations.DialectMySQL, dsn.FormatDSN(), nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", scheme)
	}
}
