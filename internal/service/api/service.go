// Package api - общий для HTTP и gRPC слой: разбирает тела запросов,
// вызывает координатор и формирует JSON-ответы с кодами HTTP-семантики.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bms/internal/validation"
)

// Orders - операции координатора, доступные транспортам.
type Orders interface {
	CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	GetOrder(ctx context.Context, kind domain.OrderKind, id int64) (domain.Order, error)
	ListOrders(ctx context.Context, kind domain.OrderKind, filter domain.OrderFilter) ([]domain.OrderHeader, error)
	UpdateOrder(ctx context.Context, kind domain.OrderKind, id int64, u domain.OrderUpdate) (domain.OrderHeader, error)
	VoidOrder(ctx context.Context, kind domain.OrderKind, id int64) (domain.OrderHeader, error)
	ListMovements(ctx context.Context, kind domain.OrderKind, id int64) ([]domain.StockMovement, error)
	Stats(ctx context.Context, kind domain.OrderKind, from, to time.Time) (domain.OrderStats, error)
}

// Reply - готовый ответ транспорта.
type Reply struct {
	Status   int
	Body     []byte
	Replayed bool
}

// OK сообщает об успешном ответе (2xx).
func (r Reply) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Err декодирует тело ошибки. Для успешных ответов возвращает nil.
func (r Reply) Err() *ErrorBody {
	if r.OK() {
		return nil
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(r.Body, &env); err != nil || env.Error.Code == "" {
		return &ErrorBody{Code: CodeInternal, Message: http.StatusText(r.Status)}
	}
	return &env.Error
}

// ListQuery - параметры выборки в строковом виде, как они приходят из query string.
type ListQuery struct {
	Status         string
	CounterpartyID string
	From           string
	To             string
	Limit          string
	Offset         string
}

// UpdateInput - тело запроса на обновление заголовка.
type UpdateInput struct {
	Status     *string          `json:"status"`
	AmountPaid *decimal.Decimal `json:"amount_paid"`
	Balance    *decimal.Decimal `json:"balance"`
	Notes      *string          `json:"notes"`
}

// Service связывает валидатор, guard идемпотентности и координатор.
type Service struct {
	orders    Orders
	validator *validation.Validator
	guard     *idempotency.Guard
	logger    *log.Entry
}

// NewService создаёт сервис. guard может быть nil.
func NewService(orders Orders, validator *validation.Validator, guard *idempotency.Guard, logger *log.Entry) *Service {
	if validator == nil {
		validator = validation.New()
	}
	if logger == nil {
		logger = log.WithField("component", "order-api")
	}
	return &Service{
		orders:    orders,
		validator: validator,
		guard:     guard,
		logger:    logger,
	}
}

// Create разбирает заявку и создаёт заказ. kind задаётся маршрутом; пустой kind
// означает, что вид берётся из тела. key - idempotency-key, может быть пустым.
func (s *Service) Create(ctx context.Context, kind domain.OrderKind, key string, body []byte) Reply {
	sub, err := decodeSubmission(body)
	if err != nil {
		return s.failure(ctx, "create", err)
	}
	if kind != "" {
		if strings.TrimSpace(sub.Kind) == "" {
			sub.Kind = kind.Slug()
		} else if parsed, ok := domain.ParseOrderKind(sub.Kind); !ok || parsed != kind {
			return s.failure(ctx, "create", domain.NewValidationError("kind", fmt.Sprintf("%q does not match %s endpoint", sub.Kind, kind.Slug())))
		}
	}

	hash, err := idempotency.HashJSON("create", sub)
	if err != nil {
		return s.failure(ctx, "create", err)
	}

	resp, replayed, err := s.guard.Do(ctx, key, hash, func(ctx context.Context) (idempotency.Response, error) {
		r, final := s.create(ctx, sub)
		return idempotency.Response{Status: r.Status, Body: r.Body, Final: final}, nil
	})
	if err != nil {
		return s.failure(ctx, "create", err)
	}
	return Reply{Status: resp.Status, Body: resp.Body, Replayed: replayed}
}

// create возвращает final=true, если неудачный ответ нельзя исполнять повторно:
// откат не удался и заголовок остался в хранилище.
func (s *Service) create(ctx context.Context, sub validation.Submission) (reply Reply, final bool) {
	req, err := s.validator.Validate(sub)
	if err != nil {
		return s.failure(ctx, "create", err), false
	}

	result, err := s.orders.CreateOrder(ctx, req)
	var partial *domain.PartialStockFailure
	switch {
	case errors.As(err, &partial):
		view := createView(result)
		warning := partialBody(partial)
		view.StockSyncIncomplete = true
		view.Warning = &warning
		s.logger.WithError(err).WithFields(log.Fields{
			"kind":     req.Kind,
			"order_id": result.Header.ID,
		}).Warn("order created with incomplete stock sync")
		return s.reply(http.StatusCreated, view), false
	case err != nil:
		return s.failure(ctx, "create", err), errors.Is(err, domain.ErrOrphanedHeader)
	}
	return s.reply(http.StatusCreated, createView(result)), false
}

// Get возвращает заказ с позициями.
func (s *Service) Get(ctx context.Context, kind domain.OrderKind, id int64) Reply {
	order, err := s.orders.GetOrder(ctx, kind, id)
	if err != nil {
		return s.failure(ctx, "get", err)
	}
	return s.reply(http.StatusOK, OrderView{Header: headerView(order.Header), Lines: lineViews(order.Lines)})
}

// List возвращает страницу заголовков.
func (s *Service) List(ctx context.Context, kind domain.OrderKind, q ListQuery) Reply {
	filter, err := ParseFilter(kind, q)
	if err != nil {
		return s.failure(ctx, "list", err)
	}
	headers, err := s.orders.ListOrders(ctx, kind, filter)
	if err != nil {
		return s.failure(ctx, "list", err)
	}
	filter = filter.Normalize()
	items := make([]HeaderView, 0, len(headers))
	for _, h := range headers {
		items = append(items, headerView(h))
	}
	return s.reply(http.StatusOK, ListView{Items: items, Count: len(items), Limit: filter.Limit, Offset: filter.Offset})
}

// Update меняет статус и платёжные поля.
func (s *Service) Update(ctx context.Context, kind domain.OrderKind, id int64, body []byte) Reply {
	var in UpdateInput
	if err := decodeStrict(body, &in); err != nil {
		return s.failure(ctx, "update", err)
	}

	update := domain.OrderUpdate{AmountPaid: in.AmountPaid, Balance: in.Balance, Notes: in.Notes}
	if in.Status != nil {
		status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(*in.Status)))
		if parsed, ok := kind.ParseStatus(*in.Status); ok {
			status = parsed
		}
		update.Status = &status
	}

	header, err := s.orders.UpdateOrder(ctx, kind, id, update)
	if err != nil {
		return s.failure(ctx, "update", err)
	}
	return s.reply(http.StatusOK, headerView(header))
}

// Void переводит заказ в терминальный статус.
func (s *Service) Void(ctx context.Context, kind domain.OrderKind, id int64) Reply {
	header, err := s.orders.VoidOrder(ctx, kind, id)
	if err != nil {
		return s.failure(ctx, "void", err)
	}
	return s.reply(http.StatusOK, headerView(header))
}

// Movements возвращает журнал движений заказа.
func (s *Service) Movements(ctx context.Context, kind domain.OrderKind, id int64) Reply {
	ms, err := s.orders.ListMovements(ctx, kind, id)
	if err != nil {
		return s.failure(ctx, "movements", err)
	}
	return s.reply(http.StatusOK, MovementsView{Items: movementViews(ms)})
}

// Stats возвращает агрегаты за период [from, to].
func (s *Service) Stats(ctx context.Context, kind domain.OrderKind, from, to string) Reply {
	fromT, err := parseTime("from", from)
	if err != nil {
		return s.failure(ctx, "stats", err)
	}
	toT, err := parseTime("to", to)
	if err != nil {
		return s.failure(ctx, "stats", err)
	}
	stats, err := s.orders.Stats(ctx, kind, fromT, toT)
	if err != nil {
		return s.failure(ctx, "stats", err)
	}
	return s.reply(http.StatusOK, statsView(stats))
}

// Error строит ответ с ошибкой транспорта (например, отказ авторизации).
func Error(status int, body ErrorBody) Reply {
	data, _ := json.Marshal(ErrorEnvelope{Error: body})
	return Reply{Status: status, Body: data}
}

func (s *Service) failure(ctx context.Context, op string, err error) Reply {
	status, body := Classify(err)
	entry := s.logger.WithError(err).WithFields(log.Fields{"op": op, "code": body.Code})
	if status >= http.StatusInternalServerError {
		entry.Error("order api request failed")
	} else if ctx.Err() == nil {
		entry.Debug("order api request rejected")
	}
	return Error(status, body)
}

func (s *Service) reply(status int, v any) Reply {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode response")
		return Error(http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "failed to encode response"})
	}
	return Reply{Status: status, Body: data}
}

// ParseFilter проверяет параметры выборки.
func ParseFilter(kind domain.OrderKind, q ListQuery) (domain.OrderFilter, error) {
	var (
		filter domain.OrderFilter
		err    error
	)
	if raw := strings.TrimSpace(q.Status); raw != "" {
		status, ok := kind.ParseStatus(raw)
		if !ok {
			return filter, domain.NewValidationError("status", fmt.Sprintf("unknown %s status %q", kind.Slug(), raw))
		}
		filter.Status = status
	}
	if filter.CounterpartyID, err = parseInt("counterparty_id", q.CounterpartyID); err != nil {
		return filter, err
	}
	if filter.From, err = parseTime("from", q.From); err != nil {
		return filter, err
	}
	if filter.To, err = parseTime("to", q.To); err != nil {
		return filter, err
	}
	limit, err := parseInt("limit", q.Limit)
	if err != nil {
		return filter, err
	}
	offset, err := parseInt("offset", q.Offset)
	if err != nil {
		return filter, err
	}
	if limit < 0 || offset < 0 {
		return filter, domain.NewValidationError("limit", "limit and offset must not be negative")
	}
	filter.Limit, filter.Offset = int(limit), int(offset)
	return filter, nil
}

func parseInt(field, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domain.NewValidationError(field, "must be an integer")
	}
	return n, nil
}

func parseTime(field, raw string) (time.Time, error) {
	t, err := domain.AsTime(raw)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "must be RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}

func decodeSubmission(body []byte) (validation.Submission, error) {
	var sub validation.Submission
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&sub); err != nil {
		return sub, &domain.ValidationError{Field: "body", Reason: "malformed JSON: " + err.Error(), Err: err}
	}
	return sub, nil
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "malformed JSON: " + err.Error(), Err: err}
	}
	return nil
}
