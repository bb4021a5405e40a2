package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// RecordStore - PostgreSQL-реализация domain.RecordStore поверх фиксированной схемы таблиц.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore создаёт хранилище коллекций координатора.
func NewRecordStore(store *Store) *RecordStore {
	return &RecordStore{db: store.DB()}
}

// sqlQuerier - общее подмножество *sql.DB и *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *RecordStore) InsertOne(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}
	return insertRow(ctx, s.db, t, rec)
}

// InsertMany вставляет все записи в одной транзакции.
func (s *RecordStore) InsertMany(ctx context.Context, collection string, recs []domain.Record) ([]domain.Record, error) {
	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return []domain.Record{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError("begin insert tx", err)
	}

	out := make([]domain.Record, 0, len(recs))
	for _, rec := range recs {
		stored, err := insertRow(ctx, tx, t, rec)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		out = append(out, stored)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError("commit insert tx", err)
	}
	return out, nil
}

func insertRow(ctx context.Context, q sqlQuerier, t *table, rec domain.Record) (domain.Record, error) {
	fields := make([]string, 0, len(rec))
	args := make([]any, 0, len(rec))
	for _, c := range t.columns {
		raw, ok := rec[c.name]
		if !ok {
			continue
		}
		value, err := t.arg(c.name, raw)
		if err != nil {
			return nil, fmt.Errorf("insert %s.%s: %w", t.name, c.name, err)
		}
		if value == nil || (c.name == domain.FieldID && value == int64(0)) {
			continue
		}
		fields = append(fields, c.name)
		args = append(args, value)
	}
	for field := range rec {
		if _, ok := t.index[field]; !ok {
			return nil, fmt.Errorf("%w: %s has no column %q", domain.ErrUnknownCollection, t.name, field)
		}
	}

	var query string
	if len(fields) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", t.name, t.columnList())
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			t.name, strings.Join(fields, ", "), placeholders(1, len(fields)), t.columnList())
	}

	targets := t.scanTargets()
	if err := q.QueryRowContext(ctx, query, args...).Scan(targets...); err != nil {
		return nil, mapError("insert into "+t.name, err)
	}
	return t.record(targets), nil
}

func (s *RecordStore) ReadOne(ctx context.Context, collection string, id int64) (domain.Record, error) {
	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", t.columnList(), t.name)
	targets := t.scanTargets()
	if err := s.db.QueryRowContext(ctx, query, id).Scan(targets...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, mapError("read "+t.name, err)
	}
	return t.record(targets), nil
}

func (s *RecordStore) UpdateOne(ctx context.Context, collection string, id int64, patch domain.Record) (domain.Record, error) {
	return s.UpdateOneIf(ctx, collection, id, nil, patch)
}

// UpdateOneIf выполняет UPDATE с условием на текущие значения полей expect.
// Ноль затронутых строк различается повторным чтением: нет строки или условие не выполнено.
func (s *RecordStore) UpdateOneIf(ctx context.Context, collection string, id int64, expect, patch domain.Record) (domain.Record, error) {
	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}

	sets := make([]string, 0, len(patch))
	args := make([]any, 0, len(patch)+len(expect)+1)
	for _, field := range sortedFields(patch) {
		if field == domain.FieldID {
			continue
		}
		value, err := t.arg(field, patch[field])
		if err != nil {
			return nil, fmt.Errorf("update %s.%s: %w", t.name, field, err)
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", field, len(args)))
	}
	if len(sets) == 0 {
		return s.ReadOne(ctx, collection, id)
	}

	args = append(args, id)
	where := []string{fmt.Sprintf("id = $%d", len(args))}
	for _, field := range sortedFields(expect) {
		value, err := t.arg(field, expect[field])
		if err != nil {
			return nil, fmt.Errorf("update %s condition %s: %w", t.name, field, err)
		}
		if value == nil {
			where = append(where, field+" IS NULL")
			continue
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", field, len(args)))
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING %s",
		t.name, strings.Join(sets, ", "), strings.Join(where, " AND "), t.columnList())

	targets := t.scanTargets()
	err = s.db.QueryRowContext(ctx, query, args...).Scan(targets...)
	if err == nil {
		return t.record(targets), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapError("update "+t.name, err)
	}

	exists, existsErr := s.exists(ctx, t, id)
	if existsErr != nil {
		return nil, existsErr
	}
	if !exists {
		return nil, domain.ErrRecordNotFound
	}
	return nil, fmt.Errorf("%w: %s %d changed concurrently", domain.ErrRecordConflict, t.name, id)
}

func (s *RecordStore) exists(ctx context.Context, t *table, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1", t.name), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError("check "+t.name, err)
	}
	return true, nil
}

func (s *RecordStore) DeleteOne(ctx context.Context, collection string, id int64) error {
	t, err := lookupTable(collection)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", t.name), id); err != nil {
		return mapError("delete from "+t.name, err)
	}
	return nil
}

// Find строит SELECT по фильтру. Имена полей проверяются по схеме таблицы.
func (s *RecordStore) Find(ctx context.Context, collection string, filter domain.Filter) ([]domain.Record, error) {
	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	conditions := []struct {
		values map[string]any
		op     string
	}{
		{filter.Eq, "="},
		{filter.Gte, ">="},
		{filter.Lte, "<="},
	}
	for _, cond := range conditions {
		for _, field := range sortedFields(cond.values) {
			value, err := t.arg(field, cond.values[field])
			if err != nil {
				return nil, fmt.Errorf("find %s: %w", t.name, err)
			}
			if value == nil && cond.op == "=" {
				where = append(where, field+" IS NULL")
				continue
			}
			args = append(args, value)
			where = append(where, fmt.Sprintf("%s %s $%d", field, cond.op, len(args)))
		}
	}

	orderBy := filter.OrderBy
	if orderBy == "" {
		orderBy = domain.FieldID
	}
	if _, ok := t.index[orderBy]; !ok {
		return nil, fmt.Errorf("%w: %s has no column %q", domain.ErrUnknownCollection, t.name, orderBy)
	}
	direction := "ASC"
	if filter.Desc {
		direction = "DESC"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", t.columnList(), t.name)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s %s", orderBy, direction)
	if orderBy != domain.FieldID {
		fmt.Fprintf(&b, ", id %s", direction)
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, mapError("find in "+t.name, err)
	}
	defer rows.Close()

	result := make([]domain.Record, 0)
	for rows.Next() {
		targets := t.scanTargets()
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", t.name, err)
		}
		result = append(result, t.record(targets))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", t.name, err)
	}
	return result, nil
}

func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

func sortedFields(values map[string]any) []string {
	fields := make([]string, 0, len(values))
	for field := range values {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

var (
	_ domain.RecordStore        = (*RecordStore)(nil)
	_ domain.ConditionalUpdater = (*RecordStore)(nil)
)
