package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store with SQLite. Documents live in a JSON text
// column; filters and unique indexes use the JSON1 functions.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (or creates) a SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	return NewSQLiteStoreFromDB(db), nil
}

// NewSQLiteStoreFromDB creates a SQLite storage from an existing connection.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{sqlStore: newSQLStore(db, sqliteDialect{})}
}

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) createTable(table string) []string {
	t := quoteIdent(table)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	%s TEXT NOT NULL DEFAULT '',
	doc TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, t, DiscriminatorColumn),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent("ix__"+table+"__type"), t, DiscriminatorColumn),
	}
}

func (d sqliteDialect) uniqueIndex(name string, coll Collection, field string) string {
	stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent(name), quoteIdent(coll.Name), d.fieldPath(field))
	if coll.Shared() {
		stmt += fmt.Sprintf(" WHERE %s = '%s'", DiscriminatorColumn, strings.ReplaceAll(coll.Discriminator, "'", "''"))
	}
	return stmt
}

func (sqliteDialect) docParam(ph string) string { return ph }

func (sqliteDialect) fieldPath(field string) string {
	return fmt.Sprintf("json_extract(doc, '$.%s')", field)
}

// match uses json_each, which yields a single row for scalars and one row per
// element for arrays, so equality and containment share one expression.
func (sqliteDialect) match(a *argList, table, field string, value any) (string, error) {
	v, err := sqliteScalar(value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s.doc, '$.%s') WHERE json_each.value = %s)",
		table, field, a.add(v)), nil
}

func (d sqliteDialect) isNull(field string) string {
	return d.fieldPath(field) + " IS NULL"
}

func (sqliteDialect) setFields(a *argList, sets map[string]any, removes []string) (string, error) {
	keys := make([]string, 0, len(sets))
	for k := range sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	expr := "doc"
	for _, k := range keys {
		p, err := jsonParam(sets[k])
		if err != nil {
			return "", err
		}
		expr = fmt.Sprintf("json_set(%s, '$.%s', json(%s))", expr, k, a.add(p))
	}
	for _, k := range removes {
		expr = fmt.Sprintf("json_remove(%s, '$.%s')", expr, k)
	}
	return expr, nil
}

func (sqliteDialect) pull(a *argList, field string, value any) (string, string, error) {
	v, err := sqliteScalar(value)
	if err != nil {
		return "", "", err
	}
	expr := fmt.Sprintf(
		"json_set(doc, '$.%[1]s', json(COALESCE((SELECT json_group_array(json_each.value) FROM json_each(doc, '$.%[1]s') WHERE json_each.value <> %[2]s), '[]')))",
		field, a.add(v))
	guard := fmt.Sprintf("json_type(doc, '$.%s') = 'array'", field)
	return expr, guard, nil
}

func (sqliteDialect) limit(limit, skip int) string {
	switch {
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, skip)
	case skip > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", skip)
	default:
		return ""
	}
}

func (sqliteDialect) defaultOrder() string { return "rowid" }

func (sqliteDialect) duplicateIndex(err error) (string, bool) {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.ExtendedCode != sqlite3.ErrConstraintUnique {
		return "", false
	}
	// "UNIQUE constraint failed: index 'uq__posts__slug'"
	msg := se.Error()
	if i := strings.Index(msg, "index '"); i >= 0 {
		rest := msg[i+len("index '"):]
		if j := strings.IndexByte(rest, '\''); j >= 0 {
			return rest[:j], true
		}
	}
	return "", true
}

// sqliteScalar converts a normalized value to what json_each yields for it.
func sqliteScalar(v any) (any, error) {
	switch x := v.(type) {
	case string, float64, int, int64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	default:
		return jsonParam(x)
	}
}
