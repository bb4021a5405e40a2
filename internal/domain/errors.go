package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation - базовая ошибка для всех отказов валидатора.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence - операция хранилища завершилась ошибкой.
	ErrPersistence = errors.New("persistence failed")
	// ErrPartialStock - заказ создан, но синхронизация остатков прервана.
	ErrPartialStock = errors.New("stock synchronization incomplete")
	// ErrOrphanedHeader - откат заголовка не удался, запись осталась в хранилище.
	ErrOrphanedHeader = errors.New("order header left behind")
	// ErrNotFound - запрошенный заказ или товар отсутствует.
	ErrNotFound = errors.New("not found")

	// ErrLinesRequired - заказ без позиций.
	ErrLinesRequired = errors.New("order must contain at least one line")
	// ErrInvalidTransition - переход статуса запрещён машиной состояний.
	ErrInvalidTransition = errors.New("status transition is not allowed")

	// ErrRecordNotFound возвращается хранилищем, если записи с таким id нет.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordConflict сигнализирует о несовпадении ожидаемого состояния записи (CAS) или дубликате ключа.
	ErrRecordConflict = errors.New("record conflict")
	// ErrRecordConstraint - нарушение ограничения целостности (FK, CHECK).
	ErrRecordConstraint = errors.New("record constraint violation")
	// ErrUnknownCollection - коллекция не зарегистрирована в хранилище.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrLockTimeout - не удалось захватить блокировку товара.
	ErrLockTimeout = errors.New("stock lock acquisition timed out")

	// ErrOutboxPublish - ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
)

// ValidationError описывает первую найденную структурную проблему заявки.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError создаёт ошибку валидации для поля.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// PersistenceError оборачивает отказ RecordStore с указанием операции.
// Orphaned означает, что компенсация не смогла удалить уже записанный заголовок.
type PersistenceError struct {
	Op         string
	Collection string
	Err        error
	Orphaned   bool
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence || (e.Orphaned && target == ErrOrphanedHeader)
}

// PartialStockFailure сообщает, что заказ и позиции сохранены,
// но корректировка остатков остановилась на позиции FailedLine.
// Уже применённые корректировки не откатываются.
type PartialStockFailure struct {
	OrderID    int64
	Kind       OrderKind
	FailedLine int
	ProductID  int64
	Applied    int
	Remaining  int
	Err        error
}

func (e *PartialStockFailure) Error() string {
	return fmt.Sprintf(
		"%s %d: stock sync stopped at line %d (product %d), applied=%d remaining=%d: %v",
		e.Kind, e.OrderID, e.FailedLine, e.ProductID, e.Applied, e.Remaining, e.Err,
	)
}

func (e *PartialStockFailure) Unwrap() error { return e.Err }

func (e *PartialStockFailure) Is(target error) bool { return target == ErrPartialStock }

// NotFoundError - отсутствует заказ или товар, на который ссылается запрос.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound || target == ErrRecordNotFound
}

// IsConflict проверяет, является ли ошибка конфликтом версии записи.
func IsConflict(err error) bool {
	return errors.Is(err, ErrRecordConflict)
}

// IsIdempotencyConflict проверяет ошибки повторного использования ключа идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
