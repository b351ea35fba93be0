package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// dialect isolates the SQL differences between the document backends.
// Field names reaching a dialect are validated identifiers.
type dialect interface {
	placeholder(n int) string
	createTable(table string) []string
	uniqueIndex(name string, coll Collection, field string) string
	docParam(ph string) string
	fieldPath(field string) string
	match(a *argList, table, field string, value any) (string, error)
	isNull(field string) string
	setFields(a *argList, sets map[string]any, removes []string) (string, error)
	pull(a *argList, field string, value any) (string, string, error)
	limit(limit, skip int) string
	defaultOrder() string
	duplicateIndex(err error) (string, bool)
}

// argList collects bind arguments and hands out placeholders.
type argList struct {
	d    dialect
	vals []any
}

func (a *argList) add(v any) string {
	a.vals = append(a.vals, v)
	return a.d.placeholder(len(a.vals))
}

// sqlStore implements Store on top of database/sql, storing each entity as a
// JSON document column.
type sqlStore struct {
	db *sql.DB
	d  dialect

	mu sync.RWMutex
	// indexes maps unique index names to the field they cover.
	indexes map[string]string
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, d: d, indexes: make(map[string]string)}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func indexName(coll Collection, field string) string {
	if coll.Shared() {
		return "uq__" + coll.Name + "__" + coll.Discriminator + "__" + field
	}
	return "uq__" + coll.Name + "__" + field
}

// Materialize creates the collection table and its unique indexes.
func (s *sqlStore) Materialize(ctx context.Context, coll Collection, uniques []string) error {
	for _, stmt := range s.d.createTable(coll.Name) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create collection %s: %w", coll.Name, err)
		}
	}

	for _, field := range uniques {
		name := indexName(coll, field)
		if _, err := s.db.ExecContext(ctx, s.d.uniqueIndex(name, coll, field)); err != nil {
			return fmt.Errorf("create unique index %s: %w", name, err)
		}
		s.mu.Lock()
		s.indexes[name] = field
		s.mu.Unlock()
	}

	return nil
}

// where builds the WHERE clause for a filter.
func (s *sqlStore) where(a *argList, coll Collection, f Filter) (string, error) {
	var conds []string

	if coll.Shared() {
		conds = append(conds, DiscriminatorColumn+" = "+a.add(coll.Discriminator))
	}

	if f.IDs != nil {
		if len(f.IDs) == 0 {
			conds = append(conds, "1 = 0")
		} else {
			phs := make([]string, len(f.IDs))
			for i, id := range f.IDs {
				phs[i] = a.add(id)
			}
			conds = append(conds, "id IN ("+strings.Join(phs, ", ")+")")
		}
	}

	if f.NotID != "" {
		conds = append(conds, "id <> "+a.add(f.NotID))
	}

	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "id" {
			conds = append(conds, "id = "+a.add(fmt.Sprint(f.Fields[k])))
			continue
		}
		v, err := Normalize(f.Fields[k])
		if err != nil {
			return "", err
		}
		if v == nil {
			conds = append(conds, s.d.isNull(k))
			continue
		}
		cond, err := s.d.match(a, quoteIdent(coll.Name), k, v)
		if err != nil {
			return "", err
		}
		conds = append(conds, cond)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

// FindExisting returns the subset of ids present in the collection.
func (s *sqlStore) FindExisting(ctx context.Context, coll Collection, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	a := &argList{d: s.d}
	where, err := s.where(a, coll, Filter{IDs: ids})
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM "+quoteIdent(coll.Name)+where, a.vals...)
	if err != nil {
		return nil, fmt.Errorf("find existing in %s: %w", coll.Name, err)
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		found = append(found, id)
	}
	return found, rows.Err()
}

// Find returns matching documents.
func (s *sqlStore) Find(ctx context.Context, coll Collection, q Query) ([]map[string]any, error) {
	a := &argList{d: s.d}
	where, err := s.where(a, coll, q.Filter)
	if err != nil {
		return nil, err
	}

	query := "SELECT id, doc FROM " + quoteIdent(coll.Name) + where

	if len(q.Sort) > 0 {
		parts := make([]string, len(q.Sort))
		for i, sf := range q.Sort {
			expr := "id"
			if sf.Field != "id" {
				expr = s.d.fieldPath(sf.Field)
			}
			if sf.Desc {
				expr += " DESC"
			}
			parts[i] = expr
		}
		query += " ORDER BY " + strings.Join(parts, ", ")
	} else {
		query += " ORDER BY " + s.d.defaultOrder()
	}
	query += s.d.limit(q.Limit, q.Skip)

	rows, err := s.db.QueryContext(ctx, query, a.vals...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", coll.Name, err)
	}
	defer rows.Close()

	var docs []map[string]any
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decodeDoc(id, data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the number of matching documents.
func (s *sqlStore) Count(ctx context.Context, coll Collection, f Filter) (int64, error) {
	a := &argList{d: s.d}
	where, err := s.where(a, coll, f)
	if err != nil {
		return 0, err
	}

	var n int64
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(coll.Name)+where, a.vals...)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count in %s: %w", coll.Name, err)
	}
	return n, nil
}

// Insert stores a new document and returns its id.
func (s *sqlStore) Insert(ctx context.Context, coll Collection, doc map[string]any) (string, error) {
	data, err := encodeDoc(doc)
	if err != nil {
		return "", err
	}

	id := NewID()
	a := &argList{d: s.d}
	query := fmt.Sprintf("INSERT INTO %s (id, %s, doc) VALUES (%s, %s, %s)",
		quoteIdent(coll.Name), DiscriminatorColumn,
		a.add(id), a.add(coll.Discriminator), s.d.docParam(a.add(string(data))))

	if _, err := s.db.ExecContext(ctx, query, a.vals...); err != nil {
		return "", s.mapError(coll, "insert", err)
	}
	return id, nil
}

// UpdateFields sets or unsets fields of a document.
func (s *sqlStore) UpdateFields(ctx context.Context, coll Collection, id string, set map[string]any) error {
	sets := make(map[string]any, len(set))
	var removes []string
	for k, v := range set {
		if k == "id" || k == DiscriminatorColumn {
			continue
		}
		if v == nil {
			removes = append(removes, k)
			continue
		}
		sets[k] = v
	}
	sort.Strings(removes)

	a := &argList{d: s.d}
	expr, err := s.d.setFields(a, sets, removes)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("UPDATE %s SET doc = %s, updated_at = CURRENT_TIMESTAMP WHERE id = %s",
		quoteIdent(coll.Name), expr, a.add(id))
	if coll.Shared() {
		query += " AND " + DiscriminatorColumn + " = " + a.add(coll.Discriminator)
	}

	res, err := s.db.ExecContext(ctx, query, a.vals...)
	if err != nil {
		return s.mapError(coll, "update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PullFromArray removes value from an array field.
func (s *sqlStore) PullFromArray(ctx context.Context, coll Collection, id, field string, value any) error {
	v, err := Normalize(value)
	if err != nil {
		return err
	}

	a := &argList{d: s.d}
	expr, guard, err := s.d.pull(a, field, v)
	if err != nil {
		return err
	}

	// A document whose field is not an array is matched but left unchanged,
	// so zero affected rows means the document is missing.
	query := fmt.Sprintf("UPDATE %s SET doc = CASE WHEN %s THEN %s ELSE doc END, updated_at = CURRENT_TIMESTAMP WHERE id = %s",
		quoteIdent(coll.Name), guard, expr, a.add(id))
	if coll.Shared() {
		query += " AND " + DiscriminatorColumn + " = " + a.add(coll.Discriminator)
	}

	res, err := s.db.ExecContext(ctx, query, a.vals...)
	if err != nil {
		return fmt.Errorf("pull %s from %s.%s: %w", id, coll.Name, field, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a document.
func (s *sqlStore) Delete(ctx context.Context, coll Collection, id string) error {
	a := &argList{d: s.d}
	query := "DELETE FROM " + quoteIdent(coll.Name) + " WHERE id = " + a.add(id)
	if coll.Shared() {
		query += " AND " + DiscriminatorColumn + " = " + a.add(coll.Discriminator)
	}

	res, err := s.db.ExecContext(ctx, query, a.vals...)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", coll.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) mapError(coll Collection, op string, err error) error {
	if name, ok := s.d.duplicateIndex(err); ok {
		s.mu.RLock()
		field := s.indexes[name]
		s.mu.RUnlock()
		return &DuplicateKeyError{Collection: coll.Name, Field: field, Err: err}
	}
	return fmt.Errorf("%s %s: %w", op, coll.Name, err)
}

func jsonParam(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(data), nil
}
