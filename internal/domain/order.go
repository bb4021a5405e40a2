package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderKind различает продажи и закупки.
type OrderKind string

const (
	OrderKindSale     OrderKind = "Sale"
	OrderKindPurchase OrderKind = "Purchase"
)

// ParseOrderKind разбирает вид заказа без учёта регистра.
func ParseOrderKind(raw string) (OrderKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sale", "sales", "venta":
		return OrderKindSale, true
	case "purchase", "purchases", "compra":
		return OrderKindPurchase, true
	default:
		return "", false
	}
}

// Valid сообщает, известен ли вид заказа.
func (k OrderKind) Valid() bool {
	return k == OrderKindSale || k == OrderKindPurchase
}

// Slug - имя вида в нижнем регистре, используется как reference_kind движений и в событиях.
func (k OrderKind) Slug() string {
	switch k {
	case OrderKindSale:
		return "sale"
	case OrderKindPurchase:
		return "purchase"
	default:
		return strings.ToLower(string(k))
	}
}

// HeaderCollection возвращает коллекцию заголовков заказов данного вида.
func (k OrderKind) HeaderCollection() string {
	if k == OrderKindPurchase {
		return CollectionPurchases
	}
	return CollectionSales
}

// LineCollection возвращает коллекцию позиций заказов данного вида.
func (k OrderKind) LineCollection() string {
	if k == OrderKindPurchase {
		return CollectionPurchaseLines
	}
	return CollectionSaleLines
}

// CounterpartyField - поле контрагента: клиент для продаж, поставщик для закупок.
func (k OrderKind) CounterpartyField() string {
	if k == OrderKindPurchase {
		return "supplier_id"
	}
	return "client_id"
}

// OrderHeader - заголовок заказа. Денежные поля передаются вызывающей стороной
// и не пересчитываются по позициям.
type OrderHeader struct {
	ID             int64
	Kind           OrderKind
	CounterpartyID int64
	Date           time.Time
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	Total          decimal.Decimal
	AmountPaid     decimal.Decimal
	Balance        decimal.Decimal
	Status         OrderStatus
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderLine - позиция заказа. После создания не изменяется.
type OrderLine struct {
	ID        int64
	OrderID   int64
	ProductID int64
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
	Tax       decimal.Decimal
	Subtotal  decimal.Decimal
	Total     decimal.Decimal
	Note      string
}

// Order - заголовок вместе с позициями.
type Order struct {
	Header OrderHeader
	Lines  []OrderLine
}

// OrderRequest - нормализованная заявка на создание заказа.
type OrderRequest struct {
	Kind   OrderKind
	Header OrderHeader
	Lines  []OrderLine
}

// OrderResult - результат createOrder.
type OrderResult struct {
	Header           OrderHeader
	Lines            []OrderLine
	Movements        []StockMovement
	MovementsWritten int
	StockAffecting   bool
}

// OrderUpdate - частичное обновление заголовка: статус и платёжные поля.
// nil означает "не менять".
type OrderUpdate struct {
	Status     *OrderStatus
	AmountPaid *decimal.Decimal
	Balance    *decimal.Decimal
	Notes      *string
}

// Empty сообщает, что обновление ничего не меняет.
func (u OrderUpdate) Empty() bool {
	return u.Status == nil && u.AmountPaid == nil && u.Balance == nil && u.Notes == nil
}

// OrderFilter задаёт выборку заголовков.
type OrderFilter struct {
	Status         OrderStatus
	CounterpartyID int64
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize приводит limit/offset к допустимым значениям.
func (f OrderFilter) Normalize() OrderFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// OrderStats - агрегаты по заказам за период.
type OrderStats struct {
	Kind     OrderKind
	Count    int
	Total    decimal.Decimal
	Average  decimal.Decimal
	ByStatus map[OrderStatus]int
}
