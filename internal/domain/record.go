package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Коллекции, с которыми работает координатор.
const (
	CollectionSales          = "sales"
	CollectionSaleLines      = "sale_lines"
	CollectionPurchases      = "purchases"
	CollectionPurchaseLines  = "purchase_lines"
	CollectionProducts       = "products"
	CollectionStockMovements = "stock_movements"
)

// FieldID - первичный ключ любой записи.
const FieldID = "id"

// Record - запись коллекции в виде набора полей.
type Record map[string]any

// Clone возвращает поверхностную копию записи.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ID возвращает первичный ключ записи или 0.
func (r Record) ID() int64 {
	id, err := AsInt64(r[FieldID])
	if err != nil {
		return 0
	}
	return id
}

// Filter - фильтр для выборки записей.
// Eq - точное совпадение, Gte/Lte - границы диапазона.
type Filter struct {
	Eq      map[string]any
	Gte     map[string]any
	Lte     map[string]any
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Where создаёт фильтр по равенству одного поля.
func Where(field string, value any) Filter {
	return Filter{Eq: map[string]any{field: value}}
}

// AsInt64 приводит значение поля к целому.
func AsInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return strconv.ParseInt(n.String(), 10, 64)
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case decimal.Decimal:
		if !n.IsInteger() {
			return 0, fmt.Errorf("value %s is not an integer", n)
		}
		return n.IntPart(), nil
	default:
		return 0, fmt.Errorf("unsupported integer type %T", v)
	}
}

// AsDecimal приводит значение поля к decimal.
func AsDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return n, nil
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, nil
		}
		return *n, nil
	case int64:
		return decimal.NewFromInt(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	case float64:
		if math.IsInf(n, 0) || math.IsNaN(n) {
			return decimal.Zero, fmt.Errorf("value %v is not a finite number", n)
		}
		return decimal.NewFromFloat(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	case []byte:
		return decimal.NewFromString(string(n))
	default:
		return decimal.Zero, fmt.Errorf("unsupported decimal type %T", v)
	}
}

// AsString приводит значение поля к строке.
func AsString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// AsTime приводит значение поля к времени (UTC).
func AsTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return parsed.UTC(), nil
		}
		parsed, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("unsupported time format %q", s)
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", v)
	}
}

// ToRecord переводит заголовок в запись коллекции. Нулевой id не пишется.
func (h OrderHeader) ToRecord() Record {
	rec := Record{
		"date":        h.Date,
		"subtotal":    h.Subtotal,
		"discount":    h.Discount,
		"tax":         h.Tax,
		"total":       h.Total,
		"amount_paid": h.AmountPaid,
		"balance":     h.Balance,
		"status":      string(h.Status),
		"notes":       h.Notes,
		"created_at":  h.CreatedAt,
		"updated_at":  h.UpdatedAt,
	}
	if h.ID != 0 {
		rec[FieldID] = h.ID
	}
	if h.CounterpartyID != 0 {
		rec[h.Kind.CounterpartyField()] = h.CounterpartyID
	} else {
		rec[h.Kind.CounterpartyField()] = nil
	}
	return rec
}

// HeaderFromRecord восстанавливает заголовок из записи.
func HeaderFromRecord(kind OrderKind, rec Record) (OrderHeader, error) {
	h := OrderHeader{Kind: kind, Status: OrderStatus(AsString(rec["status"])), Notes: AsString(rec["notes"])}
	var err error
	if h.ID, err = AsInt64(rec[FieldID]); err != nil {
		return OrderHeader{}, fmt.Errorf("header id: %w", err)
	}
	if h.CounterpartyID, err = AsInt64(rec[kind.CounterpartyField()]); err != nil {
		return OrderHeader{}, fmt.Errorf("header %s: %w", kind.CounterpartyField(), err)
	}
	money := []struct {
		field string
		dst   *decimal.Decimal
	}{
		{"subtotal", &h.Subtotal},
		{"discount", &h.Discount},
		{"tax", &h.Tax},
		{"total", &h.Total},
		{"amount_paid", &h.AmountPaid},
		{"balance", &h.Balance},
	}
	for _, m := range money {
		if *m.dst, err = AsDecimal(rec[m.field]); err != nil {
			return OrderHeader{}, fmt.Errorf("header %s: %w", m.field, err)
		}
	}
	if h.Date, err = AsTime(rec["date"]); err != nil {
		return OrderHeader{}, fmt.Errorf("header date: %w", err)
	}
	if h.CreatedAt, err = AsTime(rec["created_at"]); err != nil {
		return OrderHeader{}, fmt.Errorf("header created_at: %w", err)
	}
	if h.UpdatedAt, err = AsTime(rec["updated_at"]); err != nil {
		return OrderHeader{}, fmt.Errorf("header updated_at: %w", err)
	}
	return h, nil
}

// ToRecord переводит позицию в запись коллекции.
func (l OrderLine) ToRecord() Record {
	rec := Record{
		"order_id":   l.OrderID,
		"product_id": l.ProductID,
		"quantity":   l.Quantity,
		"unit_price": l.UnitPrice,
		"discount":   l.Discount,
		"tax":        l.Tax,
		"subtotal":   l.Subtotal,
		"total":      l.Total,
		"note":       l.Note,
	}
	if l.ID != 0 {
		rec[FieldID] = l.ID
	}
	return rec
}

// LineFromRecord восстанавливает позицию из записи.
func LineFromRecord(rec Record) (OrderLine, error) {
	l := OrderLine{Note: AsString(rec["note"])}
	var err error
	ints := []struct {
		field string
		dst   *int64
	}{
		{FieldID, &l.ID},
		{"order_id", &l.OrderID},
		{"product_id", &l.ProductID},
	}
	for _, f := range ints {
		if *f.dst, err = AsInt64(rec[f.field]); err != nil {
			return OrderLine{}, fmt.Errorf("line %s: %w", f.field, err)
		}
	}
	decs := []struct {
		field string
		dst   *decimal.Decimal
	}{
		{"quantity", &l.Quantity},
		{"unit_price", &l.UnitPrice},
		{"discount", &l.Discount},
		{"tax", &l.Tax},
		{"subtotal", &l.Subtotal},
		{"total", &l.Total},
	}
	for _, f := range decs {
		if *f.dst, err = AsDecimal(rec[f.field]); err != nil {
			return OrderLine{}, fmt.Errorf("line %s: %w", f.field, err)
		}
	}
	return l, nil
}

// ToRecord переводит движение в запись коллекции.
func (m StockMovement) ToRecord() Record {
	rec := Record{
		"product_id":     m.ProductID,
		"line_id":        m.LineID,
		"direction":      string(m.Direction),
		"quantity":       m.Quantity,
		"stock_before":   m.StockBefore,
		"stock_after":    m.StockAfter,
		"reason":         m.Reason,
		"reference_kind": m.ReferenceKind,
		"reference_id":   m.ReferenceID,
		"created_at":     m.CreatedAt,
	}
	if m.ID != 0 {
		rec[FieldID] = m.ID
	}
	return rec
}

// MovementFromRecord восстанавливает движение из записи.
func MovementFromRecord(rec Record) (StockMovement, error) {
	m := StockMovement{
		Direction:     Direction(AsString(rec["direction"])),
		Reason:        AsString(rec["reason"]),
		ReferenceKind: AsString(rec["reference_kind"]),
	}
	var err error
	ints := []struct {
		field string
		dst   *int64
	}{
		{FieldID, &m.ID},
		{"product_id", &m.ProductID},
		{"line_id", &m.LineID},
		{"reference_id", &m.ReferenceID},
	}
	for _, f := range ints {
		if *f.dst, err = AsInt64(rec[f.field]); err != nil {
			return StockMovement{}, fmt.Errorf("movement %s: %w", f.field, err)
		}
	}
	decs := []struct {
		field string
		dst   *decimal.Decimal
	}{
		{"quantity", &m.Quantity},
		{"stock_before", &m.StockBefore},
		{"stock_after", &m.StockAfter},
	}
	for _, f := range decs {
		if *f.dst, err = AsDecimal(rec[f.field]); err != nil {
			return StockMovement{}, fmt.Errorf("movement %s: %w", f.field, err)
		}
	}
	if m.CreatedAt, err = AsTime(rec["created_at"]); err != nil {
		return StockMovement{}, fmt.Errorf("movement created_at: %w", err)
	}
	return m, nil
}

// ProductFromRecord восстанавливает товар из записи.
func ProductFromRecord(rec Record) (Product, error) {
	p := Product{Code: AsString(rec["code"]), Name: AsString(rec["name"])}
	var err error
	if p.ID, err = AsInt64(rec[FieldID]); err != nil {
		return Product{}, fmt.Errorf("product id: %w", err)
	}
	if p.Stock, err = AsDecimal(rec["stock"]); err != nil {
		return Product{}, fmt.Errorf("product stock: %w", err)
	}
	if p.UpdatedAt, err = AsTime(rec["updated_at"]); err != nil {
		return Product{}, fmt.Errorf("product updated_at: %w", err)
	}
	return p, nil
}
