// Package pgstore provides a PostgreSQL store.Repository. Records of every
// kind share one JSONB table keyed by (kind, id).
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/soarflow/internal/store/pgstore")

//go:embed schema.sql
var schema string

// Open connects to PostgreSQL, applies the schema, and returns the pool.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return pool, nil
}

// Store persists records of one kind as JSON documents.
type Store[T any] struct {
	pool *pgxpool.Pool
	kind string
}

// New returns a Store for kind ("alert", "incident", ...) over pool.
func New[T any](pool *pgxpool.Pool, kind string) *Store[T] {
	return &Store[T]{pool: pool, kind: kind}
}

func (s *Store[T]) span(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("soarflow.record.kind", s.kind),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves a record by id.
func (s *Store[T]) Get(ctx context.Context, id string) (T, bool, error) {
	ctx, span := s.span(ctx, "Get", "SELECT")
	defer span.End()

	var zero T
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM records WHERE kind = $1 AND id = $2`, s.kind, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fail(span, fmt.Errorf("select %s %s: %w", s.kind, id, err))
	}

	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return zero, false, fail(span, fmt.Errorf("decode %s %s: %w", s.kind, id, err))
	}
	return v, true, nil
}

// Set upserts the record for id.
func (s *Store[T]) Set(ctx context.Context, id string, v T) error {
	ctx, span := s.span(ctx, "Set", "UPSERT")
	defer span.End()

	body, err := json.Marshal(v)
	if err != nil {
		return fail(span, fmt.Errorf("encode %s %s: %w", s.kind, id, err))
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (kind, id, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (kind, id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		s.kind, id, body)
	if err != nil {
		return fail(span, fmt.Errorf("upsert %s %s: %w", s.kind, id, err))
	}
	return nil
}

// Delete removes the record for id.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	ctx, span := s.span(ctx, "Delete", "DELETE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM records WHERE kind = $1 AND id = $2`, s.kind, id); err != nil {
		return fail(span, fmt.Errorf("delete %s %s: %w", s.kind, id, err))
	}
	return nil
}

// List returns every record of the store's kind, oldest update first.
func (s *Store[T]) List(ctx context.Context) ([]T, error) {
	ctx, span := s.span(ctx, "List", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT body FROM records WHERE kind = $1 ORDER BY updated_at`, s.kind)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list %s: %w", s.kind, err))
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fail(span, fmt.Errorf("scan %s: %w", s.kind, err))
		}
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fail(span, fmt.Errorf("decode %s: %w", s.kind, err))
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("list %s: %w", s.kind, err))
	}
	return out, nil
}
