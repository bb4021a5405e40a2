package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction - направление движения остатка.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Apply возвращает новый остаток после движения. Нижняя граница не проверяется:
// остаток может уйти в минус.
func (d Direction) Apply(stock, quantity decimal.Decimal) decimal.Decimal {
	if d == DirectionIn {
		return stock.Add(quantity)
	}
	return stock.Sub(quantity)
}

// StockMovement - append-only запись аудита одного изменения остатка.
type StockMovement struct {
	ID            int64
	ProductID     int64
	LineID        int64
	Direction     Direction
	Quantity      decimal.Decimal
	StockBefore   decimal.Decimal
	StockAfter    decimal.Decimal
	Reason        string
	ReferenceKind string
	ReferenceID   int64
	CreatedAt     time.Time
}

// MovementRef связывает движение с заказом-источником.
type MovementRef struct {
	Kind    OrderKind
	OrderID int64
}

// Product - внешняя сущность, ядро меняет только поле stock.
type Product struct {
	ID        int64
	Code      string
	Name      string
	Stock     decimal.Decimal
	UpdatedAt time.Time
}
