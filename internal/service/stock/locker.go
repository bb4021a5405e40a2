package stock

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// KeyedLocker сериализует работу с остатком одного товара внутри процесса.
// Ожидание блокировки прерывается отменой контекста.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker создаёт пустой набор блокировок.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[int64]*keyedLock)}
}

// Lock захватывает блокировку товара и возвращает функцию освобождения.
func (l *KeyedLocker) Lock(ctx context.Context, productID int64) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[productID]
	if !ok {
		lk = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[productID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(productID, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.release(productID, lk)
		})
	}, nil
}

func (l *KeyedLocker) release(productID int64, lk *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, productID)
	}
}

// Len возвращает число товаров с активными или ожидающими блокировками.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

var _ domain.StockLocker = (*KeyedLocker)(nil)
