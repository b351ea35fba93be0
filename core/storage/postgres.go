package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store with PostgreSQL. Documents live in a JSONB
// column; containment filters use the @> operator.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore connects to PostgreSQL using a pgx DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB creates a PostgreSQL storage from an existing connection.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore: newSQLStore(db, postgresDialect{})}
}

type postgresDialect struct{}

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) createTable(table string) []string {
	t := quoteIdent(table)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	%s TEXT NOT NULL DEFAULT '',
	doc JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, t, DiscriminatorColumn),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent("ix__"+table+"__type"), t, DiscriminatorColumn),
	}
}

func (postgresDialect) uniqueIndex(name string, coll Collection, field string) string {
	stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s ((doc->>'%s'))",
		quoteIdent(name), quoteIdent(coll.Name), field)
	if coll.Shared() {
		stmt += fmt.Sprintf(" WHERE %s = '%s'", DiscriminatorColumn, strings.ReplaceAll(coll.Discriminator, "'", "''"))
	}
	return stmt
}

func (postgresDialect) docParam(ph string) string { return ph + "::jsonb" }

func (postgresDialect) fieldPath(field string) string {
	return fmt.Sprintf("doc->'%s'", field)
}

// match relies on jsonb containment: a scalar contains an equal scalar and an
// array contains any of its primitive elements.
func (postgresDialect) match(a *argList, table, field string, value any) (string, error) {
	p, err := jsonParam(value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.doc->'%s' @> %s::jsonb", table, field, a.add(p)), nil
}

func (postgresDialect) isNull(field string) string {
	return fmt.Sprintf("(doc->'%[1]s' IS NULL OR doc->'%[1]s' = 'null'::jsonb)", field)
}

func (postgresDialect) setFields(a *argList, sets map[string]any, removes []string) (string, error) {
	expr := "doc"
	if len(sets) > 0 {
		p, err := jsonParam(sets)
		if err != nil {
			return "", err
		}
		expr = fmt.Sprintf("(%s || %s::jsonb)", expr, a.add(p))
	}
	sorted := append([]string(nil), removes...)
	sort.Strings(sorted)
	for _, k := range sorted {
		expr = fmt.Sprintf("(%s - '%s')", expr, k)
	}
	return expr, nil
}

func (postgresDialect) pull(a *argList, field string, value any) (string, string, error) {
	p, err := jsonParam(value)
	if err != nil {
		return "", "", err
	}
	expr := fmt.Sprintf(
		"jsonb_set(doc, '{%[1]s}', COALESCE((SELECT jsonb_agg(e) FROM jsonb_array_elements(doc->'%[1]s') AS e WHERE e <> %[2]s::jsonb), '[]'::jsonb))",
		field, a.add(p))
	guard := fmt.Sprintf("jsonb_typeof(doc->'%s') = 'array'", field)
	return expr, guard, nil
}

func (postgresDialect) limit(limit, skip int) string {
	var out string
	if limit > 0 {
		out += fmt.Sprintf(" LIMIT %d", limit)
	}
	if skip > 0 {
		out += fmt.Sprintf(" OFFSET %d", skip)
	}
	return out
}

func (postgresDialect) defaultOrder() string { return "created_at, id" }

func (postgresDialect) duplicateIndex(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}
