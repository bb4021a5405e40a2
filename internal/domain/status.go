package domain

import "strings"

// OrderStatus - состояние заказа.
type OrderStatus string

const (
	// OrderStatusCreated - начальное состояние, доступно для обоих видов.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusPending - ожидает оплаты (продажа) или поставки (закупка).
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid - продажа оплачена.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusReceived - закупка получена на склад.
	OrderStatusReceived OrderStatus = "received"
	// OrderStatusVoided - продажа аннулирована (терминальное).
	OrderStatusVoided OrderStatus = "voided"
	// OrderStatusCancelled - закупка отменена (терминальное).
	OrderStatusCancelled OrderStatus = "cancelled"
)

var transitions = map[OrderKind]map[OrderStatus][]OrderStatus{
	OrderKindSale: {
		OrderStatusCreated: {OrderStatusPending, OrderStatusPaid, OrderStatusVoided},
		OrderStatusPending: {OrderStatusPaid, OrderStatusVoided},
		OrderStatusPaid:    {OrderStatusVoided},
		OrderStatusVoided:  nil,
	},
	OrderKindPurchase: {
		OrderStatusCreated:   {OrderStatusPending, OrderStatusReceived, OrderStatusCancelled},
		OrderStatusPending:   {OrderStatusReceived, OrderStatusCancelled},
		OrderStatusReceived:  {OrderStatusCancelled},
		OrderStatusCancelled: nil,
	},
}

// statusAliases - исходные испаноязычные значения статусов.
var statusAliases = map[string]OrderStatus{
	"pendiente": OrderStatusPending,
	"pagada":    OrderStatusPaid,
	"recibida":  OrderStatusReceived,
	"anulada":   OrderStatusVoided,
	"cancelada": OrderStatusCancelled,
	"creada":    OrderStatusCreated,
	"canceled":  OrderStatusCancelled,
}

// ParseStatus нормализует статус (включая алиасы) и проверяет, что он допустим для вида.
func (k OrderKind) ParseStatus(raw string) (OrderStatus, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	status := OrderStatus(raw)
	if alias, ok := statusAliases[raw]; ok {
		status = alias
	}
	if !k.ValidStatus(status) {
		return "", false
	}
	return status, true
}

// ValidStatus сообщает, существует ли статус у данного вида заказа.
func (k OrderKind) ValidStatus(s OrderStatus) bool {
	_, ok := transitions[k][s]
	return ok
}

// TerminalStatus возвращает конечный статус аннулирования для вида.
func (k OrderKind) TerminalStatus() OrderStatus {
	if k == OrderKindPurchase {
		return OrderStatusCancelled
	}
	return OrderStatusVoided
}

// IsTerminal сообщает, что из статуса нет переходов.
func (k OrderKind) IsTerminal(s OrderStatus) bool {
	next, ok := transitions[k][s]
	return ok && len(next) == 0
}

// CanTransition проверяет переход from → to.
func (k OrderKind) CanTransition(from, to OrderStatus) bool {
	for _, candidate := range transitions[k][from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// StockDirection определяет, влияет ли заказ с данным статусом при создании на остатки.
// Продажа списывает всегда, закупка приходует только в статусе received.
func StockDirection(kind OrderKind, status OrderStatus) (Direction, bool) {
	switch kind {
	case OrderKindSale:
		return DirectionOut, true
	case OrderKindPurchase:
		if status == OrderStatusReceived {
			return DirectionIn, true
		}
	}
	return "", false
}
