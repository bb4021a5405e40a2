package httpsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bms/internal/auth"
	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/service/api"
	"github.com/vladislavdragonenkov/bms/internal/service/coordinator"
	"github.com/vladislavdragonenkov/bms/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bms/internal/storage/memory"
)

type fixture struct {
	router http.Handler
	store  *memory.RecordStore
}

func newFixture(t *testing.T, verifier *auth.Verifier) fixture {
	t.Helper()
	store := memory.NewTradeStore()
	_, err := store.InsertOne(context.Background(), domain.CollectionProducts, domain.Record{
		"id": int64(1), "code": "SKU-1", "name": "widget", "stock": decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	svc := api.NewService(coordinator.New(store), nil, idempotency.NewGuard(memory.NewIdempotencyRepository()), nil)
	return fixture{router: NewRouter(svc, Options{Verifier: verifier}), store: store}
}

func (f fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func saleJSON(qty int) string {
	return `{"header":{"client_id":3,"total":` + itoa(qty*10) + `},"lines":[{"product_id":1,"quantity":` + itoa(qty) +
		`,"unit_price":10,"subtotal":` + itoa(qty*10) + `,"total":` + itoa(qty*10) + `}]}`
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var env api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Error
}

func TestRouter_SaleLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/sales", saleJSON(4))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NotEmpty(t, w.Header().Get(headerRequestID))

	var created api.CreateView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := itoa(int(created.Header.ID))

	w = f.do(t, http.MethodGet, "/api/sales/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/sales?client_id=3&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list api.ListView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	require.Equal(t, 5, list.Limit)

	w = f.do(t, http.MethodPut, "/api/sales/"+id, `{"status":"paid"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/sales/"+id+"/movements", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/sales/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, "/api/sales/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"voided"`)

	require.Equal(t, 1, f.store.Count(domain.CollectionSales))
}

func TestRouter_ErrorEnvelope(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"empty lines", http.MethodPost, "/api/purchases", `{"header":{},"lines":[]}`, http.StatusBadRequest, api.CodeValidation},
		{"bad id", http.MethodGet, "/api/sales/abc", "", http.StatusBadRequest, api.CodeValidation},
		{"missing order", http.MethodGet, "/api/purchases/77", "", http.StatusNotFound, api.CodeNotFound},
		{"unknown route", http.MethodGet, "/api/refunds", "", http.StatusNotFound, api.CodeNotFound},
		{"bad filter", http.MethodGet, "/api/sales?status=received", "", http.StatusBadRequest, api.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			require.Equal(t, tt.code, errorCode(t, w).Code)
		})
	}
}

func TestRouter_GenericOrdersEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"kind":"purchase","header":{"supplier_id":2,"status":"received"},"lines":[{"product_id":1,"quantity":5,"unit_price":2,"subtotal":10,"total":10}]}`
	w := f.do(t, http.MethodPost, "/api/orders", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	rec, err := f.store.ReadOne(context.Background(), domain.CollectionProducts, 1)
	require.NoError(t, err)
	stock, err := domain.AsDecimal(rec["stock"])
	require.NoError(t, err)
	require.True(t, stock.Equal(decimal.NewFromInt(15)), "stock %s", stock)
}

func TestRouter_IdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)

	first := f.do(t, http.MethodPost, "/api/sales", saleJSON(1), headerIdempotencyKey, "abc")
	require.Equal(t, http.StatusCreated, first.Code)

	second := f.do(t, http.MethodPost, "/api/sales", saleJSON(1), headerIdempotencyKey, "abc")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get(headerReplayed))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	conflict := f.do(t, http.MethodPost, "/api/sales", saleJSON(2), headerIdempotencyKey, "abc")
	require.Equal(t, http.StatusConflict, conflict.Code)
	require.Equal(t, 1, f.store.Count(domain.CollectionSales))
}

func TestRouter_Authentication(t *testing.T) {
	verifier, err := auth.NewVerifier("secret", "bms")
	require.NoError(t, err)
	f := newFixture(t, verifier)

	w := f.do(t, http.MethodGet, "/api/sales", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, api.CodeUnauthorized, errorCode(t, w).Code)
	require.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	token, err := verifier.Issue("operator", "cashier", time.Minute)
	require.NoError(t, err)
	w = f.do(t, http.MethodGet, "/api/sales", "", headerAuthorization, "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_BodyLimit(t *testing.T) {
	store := memory.NewTradeStore()
	svc := api.NewService(coordinator.New(store), nil, nil, nil)
	router := NewRouter(svc, Options{MaxBodyBytes: 16})

	req := httptest.NewRequest(http.MethodPost, "/api/sales", strings.NewReader(saleJSON(1)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

// Две параллельные продажи по 6 при остатке 10 дают -2 и ровно два движения.
func TestRouter_ConcurrentSales(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := f.do(t, http.MethodPost, "/api/sales", saleJSON(6))
			assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		}()
	}
	wg.Wait()

	rec, err := f.store.ReadOne(context.Background(), domain.CollectionProducts, 1)
	require.NoError(t, err)
	stock, err := domain.AsDecimal(rec["stock"])
	require.NoError(t, err)
	require.True(t, stock.Equal(decimal.NewFromInt(-2)), "stock %s", stock)
	require.Equal(t, 2, f.store.Count(domain.CollectionStockMovements))
}
