package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/service/idempotency"
)

// Коды ошибок в теле ответа.
const (
	CodeValidation   = "validation_error"
	CodePersistence  = "persistence_error"
	CodeNotFound     = "not_found"
	CodePartialStock = "partial_stock_failure"
	CodeConflict     = "conflict"
	CodeUnauthorized = "unauthorized"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal_error"
)

// ErrorBody - описание ошибки.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorEnvelope - тело ответа с ошибкой.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// Classify переводит ошибку в HTTP-статус и тело ответа.
func Classify(err error) (int, ErrorBody) {
	var (
		verr    *domain.ValidationError
		nf      *domain.NotFoundError
		partial *domain.PartialStockFailure
	)

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorBody{Code: CodeValidation, Message: err.Error(), Field: verr.Field}
	case errors.As(err, &nf), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: err.Error()}
	case errors.As(err, &partial):
		return http.StatusCreated, partialBody(partial)
	case errors.Is(err, domain.ErrIdempotencyHashMismatch), errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, ErrorBody{Code: CodeConflict, Message: err.Error(), Field: "idempotency_key"}
	case errors.Is(err, domain.ErrRecordConflict):
		return http.StatusConflict, ErrorBody{Code: CodeConflict, Message: err.Error()}
	case errors.Is(err, domain.ErrRecordConstraint):
		return http.StatusBadRequest, ErrorBody{Code: CodePersistence, Message: err.Error()}
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusInternalServerError, ErrorBody{Code: CodePersistence, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, ErrorBody{Code: CodeTimeout, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "internal error"}
	}
}

func partialBody(p *domain.PartialStockFailure) ErrorBody {
	return ErrorBody{
		Code:    CodePartialStock,
		Message: p.Error(),
		Details: map[string]any{
			"failed_line": p.FailedLine,
			"product_id":  p.ProductID,
			"applied":     p.Applied,
			"remaining":   p.Remaining,
		},
	}
}
