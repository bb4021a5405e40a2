package main

import (
	"fmt"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/bms/internal/service/api"
)

// stockLedger собирает движения остатка из ответов на создание продаж.
type stockLedger struct {
	mu        sync.Mutex
	movements []api.MovementView
}

func (l *stockLedger) add(ms ...api.MovementView) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.movements = append(l.movements, ms...)
}

func (l *stockLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.movements)
}

// verify проверяет, что движения каждого товара образуют одну цепочку:
// stock_after одного движения равен stock_before следующего, и суммарное
// списание равно разнице между началом и концом цепочки. Потерянное
// обновление остатка разрывает цепочку.
func (l *stockLedger) verify() error {
	l.mu.Lock()
	byProduct := make(map[int64][]api.MovementView)
	for _, m := range l.movements {
		byProduct[m.ProductID] = append(byProduct[m.ProductID], m)
	}
	l.mu.Unlock()

	for productID, ms := range byProduct {
		// продажи только уменьшают остаток, поэтому порядок применения
		// восстанавливается по убыванию stock_before
		slices.SortFunc(ms, func(a, b api.MovementView) int {
			return b.StockBefore.Cmp(a.StockBefore)
		})

		sum := decimal.Zero
		for i, m := range ms {
			if !m.StockBefore.Sub(m.Quantity).Equal(m.StockAfter) {
				return fmt.Errorf("product %d: movement %d: %s - %s != %s",
					productID, m.ID, m.StockBefore, m.Quantity, m.StockAfter)
			}
			if i > 0 && !ms[i-1].StockAfter.Equal(m.StockBefore) {
				return fmt.Errorf("product %d: chain broken between movements %d and %d: %s != %s",
					productID, ms[i-1].ID, m.ID, ms[i-1].StockAfter, m.StockBefore)
			}
			sum = sum.Add(m.Quantity)
		}
		first, last := ms[0], ms[len(ms)-1]
		if !first.StockBefore.Sub(sum).Equal(last.StockAfter) {
			return fmt.Errorf("product %d: expected final stock %s, got %s",
				productID, first.StockBefore.Sub(sum), last.StockAfter)
		}
	}
	return nil
}
