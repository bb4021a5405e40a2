package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// collection - строки одной коллекции и счётчик идентификаторов.
type collection struct {
	nextID int64
	rows   map[int64]domain.Record
}

// RecordStore - in-memory реализация domain.RecordStore для локальной разработки и тестов.
// Поддерживает compare-and-swap через UpdateOneIf.
type RecordStore struct {
	mu          sync.RWMutex
	collections map[string]*collection
	strict      bool
}

// NewRecordStore создаёт хранилище. Если переданы имена коллекций, обращения
// к незарегистрированным коллекциям завершаются ErrUnknownCollection.
func NewRecordStore(names ...string) *RecordStore {
	s := &RecordStore{
		collections: make(map[string]*collection),
		strict:      len(names) > 0,
	}
	for _, name := range names {
		s.collections[name] = &collection{rows: make(map[int64]domain.Record)}
	}
	return s
}

// NewTradeStore создаёт хранилище со всеми коллекциями координатора.
func NewTradeStore() *RecordStore {
	return NewRecordStore(
		domain.CollectionSales,
		domain.CollectionSaleLines,
		domain.CollectionPurchases,
		domain.CollectionPurchaseLines,
		domain.CollectionProducts,
		domain.CollectionStockMovements,
	)
}

// allocate выдаёт следующий свободный id, пропуская занятые и зарезервированные пачкой.
func (c *collection) allocate(reserved map[int64]struct{}) int64 {
	for {
		c.nextID++
		if _, taken := c.rows[c.nextID]; taken {
			continue
		}
		if _, taken := reserved[c.nextID]; taken {
			continue
		}
		return c.nextID
	}
}

func (s *RecordStore) coll(name string) (*collection, error) {
	c, ok := s.collections[name]
	if ok {
		return c, nil
	}
	if s.strict {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCollection, name)
	}
	c = &collection{rows: make(map[int64]domain.Record)}
	s.collections[name] = c
	return c, nil
}

// InsertOne сохраняет запись. Явно заданный id допускается, если он свободен.
func (s *RecordStore) InsertOne(ctx context.Context, name string, rec domain.Record) (domain.Record, error) {
	out, err := s.InsertMany(ctx, name, []domain.Record{rec})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// InsertMany сохраняет пачку атомарно: при конфликте не сохраняется ни одна запись.
func (s *RecordStore) InsertMany(ctx context.Context, name string, recs []domain.Record) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.coll(name)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(recs))
	for i, rec := range recs {
		id, err := domain.AsInt64(rec[domain.FieldID])
		if err != nil {
			return nil, fmt.Errorf("record %d id: %w", i, err)
		}
		if id == 0 {
			continue
		}
		if _, exists := c.rows[id]; exists {
			return nil, fmt.Errorf("%w: %s id %d already exists", domain.ErrRecordConflict, name, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s id %d duplicated in batch", domain.ErrRecordConflict, name, id)
		}
		seen[id] = struct{}{}
	}

	out := make([]domain.Record, 0, len(recs))
	for _, rec := range recs {
		stored := rec.Clone()
		if stored == nil {
			stored = domain.Record{}
		}
		id := stored.ID()
		if id == 0 {
			id = c.allocate(seen)
		} else if id > c.nextID {
			c.nextID = id
		}
		stored[domain.FieldID] = id
		c.rows[id] = stored
		out = append(out, stored.Clone())
	}
	return out, nil
}

// ReadOne возвращает копию записи или ErrRecordNotFound.
func (s *RecordStore) ReadOne(ctx context.Context, name string, id int64) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		if s.strict {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCollection, name)
		}
		return nil, domain.ErrRecordNotFound
	}
	rec, ok := c.rows[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// UpdateOne применяет patch к записи. Поле id не меняется.
func (s *RecordStore) UpdateOne(ctx context.Context, name string, id int64, patch domain.Record) (domain.Record, error) {
	return s.UpdateOneIf(ctx, name, id, nil, patch)
}

// UpdateOneIf применяет patch, только если текущие значения полей expect совпадают.
func (s *RecordStore) UpdateOneIf(ctx context.Context, name string, id int64, expect, patch domain.Record) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.coll(name)
	if err != nil {
		return nil, err
	}
	rec, ok := c.rows[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	for field, want := range expect {
		if !valuesEqual(rec[field], want) {
			return nil, fmt.Errorf("%w: %s %d field %s changed", domain.ErrRecordConflict, name, id, field)
		}
	}

	updated := rec.Clone()
	for field, value := range patch {
		if field == domain.FieldID {
			continue
		}
		updated[field] = value
	}
	c.rows[id] = updated
	return updated.Clone(), nil
}

// DeleteOne удаляет запись; отсутствующая запись не считается ошибкой.
func (s *RecordStore) DeleteOne(ctx context.Context, name string, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.coll(name)
	if err != nil {
		return err
	}
	delete(c.rows, id)
	return nil
}

// Find возвращает записи по фильтру. Без OrderBy сортирует по id.
func (s *RecordStore) Find(ctx context.Context, name string, filter domain.Filter) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		if s.strict {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCollection, name)
		}
		return []domain.Record{}, nil
	}

	result := make([]domain.Record, 0, len(c.rows))
	for _, rec := range c.rows {
		if matches(rec, filter) {
			result = append(result, rec.Clone())
		}
	}

	orderBy := filter.OrderBy
	if orderBy == "" {
		orderBy = domain.FieldID
	}
	sort.SliceStable(result, func(i, j int) bool {
		cmp := compareValues(result[i][orderBy], result[j][orderBy])
		if cmp == 0 {
			cmp = compareValues(result[i][domain.FieldID], result[j][domain.FieldID])
		}
		if filter.Desc {
			return cmp > 0
		}
		return cmp < 0
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []domain.Record{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Count возвращает количество записей в коллекции (используется в тестах).
func (s *RecordStore) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return 0
	}
	return len(c.rows)
}

func matches(rec domain.Record, filter domain.Filter) bool {
	for field, want := range filter.Eq {
		if !valuesEqual(rec[field], want) {
			return false
		}
	}
	for field, bound := range filter.Gte {
		if compareValues(rec[field], bound) < 0 {
			return false
		}
	}
	for field, bound := range filter.Lte {
		if compareValues(rec[field], bound) > 0 {
			return false
		}
	}
	return true
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, float64, decimal.Decimal, json.Number:
		return true
	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return compareValues(a, b) == 0
}

// compareValues сравнивает значения полей: числа как decimal, время как время,
// остальное как строки.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if isNumeric(a) && isNumeric(b) {
		da, errA := domain.AsDecimal(a)
		db, errB := domain.AsDecimal(b)
		if errA == nil && errB == nil {
			return da.Cmp(db)
		}
	}

	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)
	if aTime || bTime {
		ta, errA := domain.AsTime(a)
		tb, errB := domain.AsTime(b)
		if errA == nil && errB == nil {
			return ta.Compare(tb)
		}
	}

	return strings.Compare(domain.AsString(a), domain.AsString(b))
}

var (
	_ domain.RecordStore        = (*RecordStore)(nil)
	_ domain.ConditionalUpdater = (*RecordStore)(nil)
)
