// Package validation приводит сырые заявки транспорта к domain.OrderRequest.
// Пакет не выполняет ввода-вывода.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// Submission - заявка в том виде, в каком её прислал клиент.
type Submission struct {
	Kind   string           `json:"kind"`
	Header map[string]any   `json:"header"`
	Lines  []map[string]any `json:"lines"`
}

// Validator проверяет и нормализует заявки на создание заказа.
type Validator struct {
	rules *validator.Validate
	now   func() time.Time
}

// New создаёт валидатор. Все правила для decimal.Decimal сравнивают с нулём,
// поэтому validator получает знак числа: так 1e-400 остаётся положительным.
func New() *Validator {
	rules := validator.New(validator.WithRequiredStructEnabled())
	rules.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	rules.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return int64(d.Sign())
		}
		return nil
	}, decimal.Decimal{})

	return &Validator{
		rules: rules,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

type headerInput struct {
	CounterpartyID *int64          `json:"counterparty_id" validate:"omitnil,gt=0"`
	Subtotal       decimal.Decimal `json:"subtotal" validate:"gte=0"`
	Discount       decimal.Decimal `json:"discount" validate:"gte=0"`
	Tax            decimal.Decimal `json:"tax" validate:"gte=0"`
	Total          decimal.Decimal `json:"total" validate:"gte=0"`
	AmountPaid     decimal.Decimal `json:"amount_paid" validate:"gte=0"`
	Balance        decimal.Decimal `json:"balance" validate:"gte=0"`
}

type lineInput struct {
	ProductID int64           `json:"product_id" validate:"gt=0"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Discount  decimal.Decimal `json:"discount" validate:"gte=0"`
	Tax       decimal.Decimal `json:"tax" validate:"gte=0"`
	Subtotal  decimal.Decimal `json:"subtotal" validate:"gte=0"`
	Total     decimal.Decimal `json:"total" validate:"gte=0"`
}

// Validate возвращает нормализованную заявку или *domain.ValidationError
// с первой найденной проблемой. Пустой список позиций проверяется первым.
func (v *Validator) Validate(sub Submission) (domain.OrderRequest, error) {
	if len(sub.Lines) == 0 {
		return domain.OrderRequest{}, &domain.ValidationError{
			Field:  "lines",
			Reason: "at least one line is required",
			Err:    domain.ErrLinesRequired,
		}
	}

	kind, ok := domain.ParseOrderKind(sub.Kind)
	if !ok {
		return domain.OrderRequest{}, domain.NewValidationError("kind", fmt.Sprintf("unknown order kind %q", sub.Kind))
	}

	header, err := v.header(kind, fields(sub.Header))
	if err != nil {
		return domain.OrderRequest{}, err
	}

	lines := make([]domain.OrderLine, 0, len(sub.Lines))
	for i, raw := range sub.Lines {
		line, err := v.line(fields(raw), fmt.Sprintf("lines[%d]", i))
		if err != nil {
			return domain.OrderRequest{}, err
		}
		lines = append(lines, line)
	}

	return domain.OrderRequest{Kind: kind, Header: header, Lines: lines}, nil
}

func (v *Validator) header(kind domain.OrderKind, f fields) (domain.OrderHeader, error) {
	var in headerInput
	used := map[string]string{}

	counterparty := append([]string{kind.CounterpartyField()}, counterpartyAliases[kind]...)
	id, key, err := f.int64("header", counterparty...)
	if err != nil {
		return domain.OrderHeader{}, err
	}
	if key != "" {
		in.CounterpartyID = &id
		used["counterparty_id"] = key
	}
	money := []struct {
		dst  *decimal.Decimal
		keys []string
	}{
		{&in.Subtotal, []string{"subtotal"}},
		{&in.Discount, []string{"discount", "descuento"}},
		{&in.Tax, []string{"tax", "impuesto"}},
		{&in.Total, []string{"total"}},
		{&in.AmountPaid, []string{"amount_paid", "pagado"}},
		{&in.Balance, []string{"balance", "saldo"}},
	}
	for _, m := range money {
		if *m.dst, key, err = f.decimal("header", m.keys...); err != nil {
			return domain.OrderHeader{}, err
		}
		if key != "" {
			used[m.keys[0]] = key
		}
	}
	if err := v.check(in, "header", used); err != nil {
		return domain.OrderHeader{}, err
	}

	status := domain.OrderStatusCreated
	if raw, key, ok := f.lookup("status", "estado"); ok && domain.AsString(raw) != "" {
		parsed, ok := kind.ParseStatus(domain.AsString(raw))
		if !ok {
			return domain.OrderHeader{}, domain.NewValidationError("header."+key, fmt.Sprintf("unknown %s status %q", kind.Slug(), domain.AsString(raw)))
		}
		if kind.IsTerminal(parsed) {
			return domain.OrderHeader{}, domain.NewValidationError("header."+key, fmt.Sprintf("order cannot be created as %s", parsed))
		}
		status = parsed
	}

	date := v.now()
	if raw, key, ok := f.lookup("date", "fecha"); ok && raw != nil {
		parsed, err := domain.AsTime(raw)
		if err != nil {
			return domain.OrderHeader{}, domain.NewValidationError("header."+key, "date must be RFC3339 or YYYY-MM-DD")
		}
		if !parsed.IsZero() {
			date = parsed
		}
	}

	notes, _, _ := f.lookup("notes", "observaciones")

	var counterpartyID int64
	if in.CounterpartyID != nil {
		counterpartyID = *in.CounterpartyID
	}

	return domain.OrderHeader{
		Kind:           kind,
		CounterpartyID: counterpartyID,
		Date:           date,
		Subtotal:       in.Subtotal,
		Discount:       in.Discount,
		Tax:            in.Tax,
		Total:          in.Total,
		AmountPaid:     in.AmountPaid,
		Balance:        in.Balance,
		Status:         status,
		Notes:          strings.TrimSpace(domain.AsString(notes)),
	}, nil
}

func (v *Validator) line(f fields, path string) (domain.OrderLine, error) {
	var in lineInput
	var err error
	used := map[string]string{}

	productID, key, ok := f.lookup("product_id", "producto_id")
	if !ok || productID == nil {
		return domain.OrderLine{}, domain.NewValidationError(path+".product_id", "is required")
	}
	if in.ProductID, err = domain.AsInt64(productID); err != nil {
		return domain.OrderLine{}, domain.NewValidationError(path+"."+key, "must be an integer")
	}
	used["product_id"] = key

	decs := []struct {
		dst      *decimal.Decimal
		required bool
		keys     []string
	}{
		{&in.Quantity, true, []string{"quantity", "cantidad"}},
		{&in.UnitPrice, true, []string{"unit_price", "precio_unitario"}},
		{&in.Discount, false, []string{"discount", "descuento"}},
		{&in.Tax, false, []string{"tax", "impuesto"}},
		{&in.Subtotal, true, []string{"subtotal"}},
		{&in.Total, true, []string{"total"}},
	}
	for _, d := range decs {
		if *d.dst, key, err = f.decimal(path, d.keys...); err != nil {
			return domain.OrderLine{}, err
		}
		if key == "" {
			if d.required {
				return domain.OrderLine{}, domain.NewValidationError(path+"."+d.keys[0], "is required")
			}
			continue
		}
		used[d.keys[0]] = key
	}
	if err := v.check(in, path, used); err != nil {
		return domain.OrderLine{}, err
	}

	note, _, _ := f.lookup("note", "observaciones", "notes")
	return domain.OrderLine{
		ProductID: in.ProductID,
		Quantity:  in.Quantity,
		UnitPrice: in.UnitPrice,
		Discount:  in.Discount,
		Tax:       in.Tax,
		Subtotal:  in.Subtotal,
		Total:     in.Total,
		Note:      strings.TrimSpace(domain.AsString(note)),
	}, nil
}

// check применяет теги validate и переводит первую ошибку в ValidationError.
// used сопоставляет имя поля ключу, под которым его прислал клиент.
func (v *Validator) check(in any, path string, used map[string]string) error {
	err := v.rules.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &domain.ValidationError{Field: path, Reason: err.Error(), Err: err}
	}
	first := verrs[0]
	field := first.Field()
	if key, ok := used[field]; ok {
		field = key
	}
	return domain.NewValidationError(path+"."+field, reason(first))
}

func reason(e validator.FieldError) string {
	switch e.Tag() {
	case "gt":
		return "must be greater than " + e.Param()
	case "gte":
		return "must be greater than or equal to " + e.Param()
	default:
		return "is invalid"
	}
}

var counterpartyAliases = map[domain.OrderKind][]string{
	domain.OrderKindSale:     {"cliente_id"},
	domain.OrderKindPurchase: {"proveedor_id"},
}

// fields - поля заявки с поиском по алиасам.
type fields map[string]any

func (f fields) lookup(keys ...string) (any, string, bool) {
	for _, key := range keys {
		if v, ok := f[key]; ok {
			return v, key, true
		}
	}
	return nil, keys[0], false
}

// int64 и decimal возвращают ключ, под которым нашлось значение; пустой ключ
// означает, что поле не передано.
func (f fields) int64(path string, keys ...string) (int64, string, error) {
	raw, key, ok := f.lookup(keys...)
	if !ok || raw == nil {
		return 0, "", nil
	}
	n, err := domain.AsInt64(raw)
	if err != nil {
		return 0, key, domain.NewValidationError(path+"."+key, "must be an integer")
	}
	return n, key, nil
}

func (f fields) decimal(path string, keys ...string) (decimal.Decimal, string, error) {
	raw, key, ok := f.lookup(keys...)
	if !ok || raw == nil {
		return decimal.Zero, "", nil
	}
	d, err := domain.AsDecimal(raw)
	if err != nil {
		return decimal.Zero, key, domain.NewValidationError(path+"."+key, "must be a number")
	}
	return d, key, nil
}
