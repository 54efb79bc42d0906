// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface, intended for
// production use with persistent audit history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tezmeta/tezmeta-go/internal/model"
)

type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a PostgreSQL storage implementation. It
// establishes a connection pool and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the resolutions table and its indexes if they
// don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Append-only audit log of metadata resolutions
		CREATE TABLE IF NOT EXISTS resolutions (
		    id TEXT PRIMARY KEY,                     -- ULID assigned by the server
		    uri TEXT NOT NULL,                       -- Metadata-location URI as submitted
		    contract TEXT NOT NULL DEFAULT '',       -- Current-contract context, if any
		    status TEXT NOT NULL,                    -- ok or error
		    error_code TEXT NOT NULL DEFAULT '',     -- TZM_* code for failed resolutions
		    error_message TEXT NOT NULL DEFAULT '',
		    byte_size INTEGER NOT NULL DEFAULT 0,    -- Size of the resolved payload
		    digest_sha256 TEXT NOT NULL DEFAULT '',  -- Hex digest of the payload
		    classification TEXT NOT NULL DEFAULT '', -- tzip16 or tzip12
		    correlation_id TEXT NOT NULL DEFAULT '',
		    resolved_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    duration_ms BIGINT NOT NULL DEFAULT 0
		);

		-- Indexes for listing newest-first with an optional status filter
		CREATE INDEX IF NOT EXISTS idx_resolutions_resolved_at ON resolutions(resolved_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_resolutions_status_resolved_at ON resolutions(status, resolved_at DESC);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// RecordResolution appends one audit record to the database.
func (p *postgres) RecordResolution(ctx context.Context, record model.ResolutionRecord) error {
	query := `INSERT INTO resolutions
		(id, uri, contract, status, error_code, error_message, byte_size,
		 digest_sha256, classification, correlation_id, resolved_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := p.db.Exec(ctx, query,
		record.ID,
		record.URI,
		record.Contract,
		record.Status,
		record.ErrorCode,
		record.ErrorMessage,
		record.ByteSize,
		record.DigestSHA256,
		record.Classification,
		record.CorrelationID,
		record.ResolvedAt,
		record.DurationMS)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	return nil
}

// GetResolution retrieves one audit record by id.
func (p *postgres) GetResolution(ctx context.Context, id string) (*model.ResolutionRecord, error) {
	query := `SELECT id, uri, contract, status, error_code, error_message, byte_size,
		digest_sha256, classification, correlation_id, resolved_at, duration_ms
		FROM resolutions WHERE id = $1`

	var record model.ResolutionRecord
	err := p.db.QueryRow(ctx, query, id).Scan(
		&record.ID,
		&record.URI,
		&record.Contract,
		&record.Status,
		&record.ErrorCode,
		&record.ErrorMessage,
		&record.ByteSize,
		&record.DigestSHA256,
		&record.Classification,
		&record.CorrelationID,
		&record.ResolvedAt,
		&record.DurationMS,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get resolution: %w", err)
	}
	return &record, nil
}

// ListResolutions pages through the audit log with cursor-based
// pagination, newest first.
func (p *postgres) ListResolutions(ctx context.Context, query model.ListResolutionsQuery) (*model.ListResolutionsResult, error) {
	baseQuery := `SELECT id, uri, contract, status, error_code, error_message, byte_size,
		digest_sha256, classification, correlation_id, resolved_at, duration_ms
		FROM resolutions WHERE TRUE`
	args := []interface{}{}
	argIndex := 1

	if query.Status != "" {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, query.Status)
		argIndex++
	}

	if query.Cursor != "" {
		cursor, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		baseQuery += fmt.Sprintf(" AND (resolved_at < $%d OR (resolved_at = $%d AND id < $%d))",
			argIndex, argIndex, argIndex+1)
		args = append(args, cursor.LastResolvedAt, cursor.LastID)
		argIndex += 2
	}

	baseQuery += " ORDER BY resolved_at DESC, id DESC"

	limit := clampLimit(query.Limit)
	baseQuery += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit+1) // One extra row signals another page

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolutions: %w", err)
	}
	defer rows.Close()

	var records []model.ResolutionRecord
	rowCount := 0
	for rows.Next() {
		var record model.ResolutionRecord
		err := rows.Scan(
			&record.ID,
			&record.URI,
			&record.Contract,
			&record.Status,
			&record.ErrorCode,
			&record.ErrorMessage,
			&record.ByteSize,
			&record.DigestSHA256,
			&record.Classification,
			&record.CorrelationID,
			&record.ResolvedAt,
			&record.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}
		rowCount++
		if rowCount <= limit {
			records = append(records, record)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resolutions: %w", err)
	}

	result := &model.ListResolutionsResult{Records: records}
	if rowCount > limit && len(records) > 0 {
		last := records[len(records)-1]
		result.NextCursor = encodeCursor(last.ResolvedAt, last.ID)
	}
	return result, nil
}
