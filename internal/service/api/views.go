package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// HeaderView - заголовок заказа в ответах API.
type HeaderView struct {
	ID             int64           `json:"id"`
	Kind           string          `json:"kind"`
	CounterpartyID int64           `json:"counterparty_id"`
	Date           time.Time       `json:"date"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	Balance        decimal.Decimal `json:"balance"`
	Status         string          `json:"status"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// LineView - позиция заказа.
type LineView struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	Tax       decimal.Decimal `json:"tax"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Total     decimal.Decimal `json:"total"`
	Note      string          `json:"note,omitempty"`
}

// MovementView - запись журнала движений.
type MovementView struct {
	ID            int64           `json:"id"`
	ProductID     int64           `json:"product_id"`
	LineID        int64           `json:"line_id"`
	Direction     string          `json:"direction"`
	Quantity      decimal.Decimal `json:"quantity"`
	StockBefore   decimal.Decimal `json:"stock_before"`
	StockAfter    decimal.Decimal `json:"stock_after"`
	Reason        string          `json:"reason"`
	ReferenceKind string          `json:"reference_kind"`
	ReferenceID   int64           `json:"reference_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CreateView - ответ на создание заказа. При частичной синхронизации остатков
// StockSyncIncomplete=true, а Warning описывает остановившую цикл ошибку.
type CreateView struct {
	Header              HeaderView     `json:"header"`
	Lines               []LineView     `json:"lines"`
	MovementsWritten    int            `json:"movements_written"`
	Movements           []MovementView `json:"movements"`
	StockSyncIncomplete bool           `json:"stock_sync_incomplete"`
	Warning             *ErrorBody     `json:"warning,omitempty"`
}

// OrderView - заказ с позициями.
type OrderView struct {
	Header HeaderView `json:"header"`
	Lines  []LineView `json:"lines"`
}

// ListView - страница заголовков.
type ListView struct {
	Items  []HeaderView `json:"items"`
	Count  int          `json:"count"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// MovementsView - движения по заказу.
type MovementsView struct {
	Items []MovementView `json:"items"`
}

// StatsView - агрегаты за период.
type StatsView struct {
	Kind     string          `json:"kind"`
	Count    int             `json:"count"`
	Total    decimal.Decimal `json:"total"`
	Average  decimal.Decimal `json:"average"`
	ByStatus map[string]int  `json:"by_status"`
}

func headerView(h domain.OrderHeader) HeaderView {
	return HeaderView{
		ID:             h.ID,
		Kind:           h.Kind.Slug(),
		CounterpartyID: h.CounterpartyID,
		Date:           h.Date,
		Subtotal:       h.Subtotal,
		Discount:       h.Discount,
		Tax:            h.Tax,
		Total:          h.Total,
		AmountPaid:     h.AmountPaid,
		Balance:        h.Balance,
		Status:         string(h.Status),
		Notes:          h.Notes,
		CreatedAt:      h.CreatedAt,
		UpdatedAt:      h.UpdatedAt,
	}
}

func lineViews(lines []domain.OrderLine) []LineView {
	out := make([]LineView, 0, len(lines))
	for _, l := range lines {
		out = append(out, LineView{
			ID:        l.ID,
			OrderID:   l.OrderID,
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Discount:  l.Discount,
			Tax:       l.Tax,
			Subtotal:  l.Subtotal,
			Total:     l.Total,
			Note:      l.Note,
		})
	}
	return out
}

func movementViews(ms []domain.StockMovement) []MovementView {
	out := make([]MovementView, 0, len(ms))
	for _, m := range ms {
		out = append(out, MovementView{
			ID:            m.ID,
			ProductID:     m.ProductID,
			LineID:        m.LineID,
			Direction:     string(m.Direction),
			Quantity:      m.Quantity,
			StockBefore:   m.StockBefore,
			StockAfter:    m.StockAfter,
			Reason:        m.Reason,
			ReferenceKind: m.ReferenceKind,
			ReferenceID:   m.ReferenceID,
			CreatedAt:     m.CreatedAt,
		})
	}
	return out
}

func createView(r domain.OrderResult) CreateView {
	return CreateView{
		Header:           headerView(r.Header),
		Lines:            lineViews(r.Lines),
		MovementsWritten: r.MovementsWritten,
		Movements:        movementViews(r.Movements),
	}
}

func statsView(s domain.OrderStats) StatsView {
	byStatus := make(map[string]int, len(s.ByStatus))
	for status, n := range s.ByStatus {
		byStatus[string(status)] = n
	}
	return StatsView{
		Kind:     s.Kind.Slug(),
		Count:    s.Count,
		Total:    s.Total,
		Average:  s.Average,
		ByStatus: byStatus,
	}
}
