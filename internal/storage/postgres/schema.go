package postgres

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

type columnType int

const (
	columnInt columnType = iota
	columnDecimal
	columnText
	columnTime
)

type column struct {
	name string
	typ  columnType
}

// table описывает отображение коллекции на таблицу. Первая колонка всегда id.
type table struct {
	name    string
	columns []column
	index   map[string]columnType
}

func newTable(name string, columns ...column) *table {
	t := &table{
		name:    name,
		columns: append([]column{{domain.FieldID, columnInt}}, columns...),
		index:   make(map[string]columnType, len(columns)+1),
	}
	for _, c := range t.columns {
		t.index[c.name] = c.typ
	}
	return t
}

func headerColumns(counterparty string) []column {
	return []column{
		{counterparty, columnInt},
		{"date", columnTime},
		{"subtotal", columnDecimal},
		{"discount", columnDecimal},
		{"tax", columnDecimal},
		{"total", columnDecimal},
		{"amount_paid", columnDecimal},
		{"balance", columnDecimal},
		{"status", columnText},
		{"notes", columnText},
		{"created_at", columnTime},
		{"updated_at", columnTime},
	}
}

var lineColumns = []column{
	{"order_id", columnInt},
	{"product_id", columnInt},
	{"quantity", columnDecimal},
	{"unit_price", columnDecimal},
	{"discount", columnDecimal},
	{"tax", columnDecimal},
	{"subtotal", columnDecimal},
	{"total", columnDecimal},
	{"note", columnText},
}

// tradeTables - схема коллекций, которые обслуживает RecordStore.
var tradeTables = map[string]*table{
	domain.CollectionSales:         newTable("sales", headerColumns("client_id")...),
	domain.CollectionPurchases:     newTable("purchases", headerColumns("supplier_id")...),
	domain.CollectionSaleLines:     newTable("sale_lines", lineColumns...),
	domain.CollectionPurchaseLines: newTable("purchase_lines", lineColumns...),
	domain.CollectionProducts: newTable("products",
		column{"code", columnText},
		column{"name", columnText},
		column{"stock", columnDecimal},
		column{"updated_at", columnTime},
	),
	domain.CollectionStockMovements: newTable("stock_movements",
		column{"product_id", columnInt},
		column{"line_id", columnInt},
		column{"direction", columnText},
		column{"quantity", columnDecimal},
		column{"stock_before", columnDecimal},
		column{"stock_after", columnDecimal},
		column{"reason", columnText},
		column{"reference_kind", columnText},
		column{"reference_id", columnInt},
		column{"created_at", columnTime},
	),
}

func lookupTable(collection string) (*table, error) {
	t, ok := tradeTables[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCollection, collection)
	}
	return t, nil
}

// arg приводит значение поля к типу колонки. nil и нулевое время передаются как NULL.
func (t *table) arg(field string, v any) (any, error) {
	typ, ok := t.index[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no column %q", domain.ErrUnknownCollection, t.name, field)
	}
	if v == nil {
		return nil, nil
	}
	switch typ {
	case columnInt:
		return domain.AsInt64(v)
	case columnDecimal:
		return domain.AsDecimal(v)
	case columnTime:
		ts, err := domain.AsTime(v)
		if err != nil || ts.IsZero() {
			return nil, err
		}
		return ts, nil
	default:
		return domain.AsString(v), nil
	}
}

// scanTargets готовит приёмники для Scan в порядке колонок таблицы.
func (t *table) scanTargets() []any {
	targets := make([]any, len(t.columns))
	for i, c := range t.columns {
		switch c.typ {
		case columnInt:
			targets[i] = new(sql.NullInt64)
		case columnDecimal:
			targets[i] = new(decimal.NullDecimal)
		case columnTime:
			targets[i] = new(sql.NullTime)
		default:
			targets[i] = new(sql.NullString)
		}
	}
	return targets
}

func (t *table) record(targets []any) domain.Record {
	rec := make(domain.Record, len(t.columns))
	for i, c := range t.columns {
		var value any
		switch v := targets[i].(type) {
		case *sql.NullInt64:
			if v.Valid {
				value = v.Int64
			}
		case *decimal.NullDecimal:
			if v.Valid {
				value = v.Decimal
			}
		case *sql.NullTime:
			if v.Valid {
				value = v.Time.UTC()
			}
		case *sql.NullString:
			if v.Valid {
				value = v.String
			}
		}
		rec[c.name] = value
	}
	return rec
}

func (t *table) columnList() string {
	list := ""
	for i, c := range t.columns {
		if i > 0 {
			list += ", "
		}
		list += c.name
	}
	return list
}
