// Package httpsvc публикует операции с заказами по REST поверх gin.
package httpsvc

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/auth"
	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/service/api"
)

const defaultMaxBodyBytes = 1 << 20

// Options настраивает роутер.
type Options struct {
	Verifier     *auth.Verifier
	Logger       *log.Entry
	MaxBodyBytes int64
}

// NewRouter собирает gin.Engine с маршрутами /api/sales, /api/purchases и /api/orders.
func NewRouter(svc *api.Service, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "http-api")
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestID(), requestLogger(opts.Logger), recovery(opts.Logger))
	r.NoRoute(func(c *gin.Context) {
		reply(c, api.Error(http.StatusNotFound, api.ErrorBody{Code: api.CodeNotFound, Message: "route not found"}))
	})

	h := &handler{svc: svc}
	group := r.Group("/api", authenticate(opts.Verifier), bodyLimit(opts.MaxBodyBytes))
	group.POST("/orders", h.create(""))

	for path, kind := range map[string]domain.OrderKind{
		"/sales":     domain.OrderKindSale,
		"/purchases": domain.OrderKindPurchase,
	} {
		g := group.Group(path)
		g.POST("", h.create(kind))
		g.GET("", h.list(kind))
		g.GET("/stats", h.stats(kind))
		g.GET("/:id", h.get(kind))
		g.PUT("/:id", h.update(kind))
		g.DELETE("/:id", h.void(kind))
		g.GET("/:id/movements", h.movements(kind))
	}
	return r
}

type handler struct {
	svc *api.Service
}

func (h *handler) create(kind domain.OrderKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		r := h.svc.Create(c.Request.Context(), kind, c.GetHeader(headerIdempotencyKey), body)
		if r.Replayed {
			c.Header(headerReplayed, "true")
		}
		reply(c, r)
	}
}

func (h *handler) list(kind domain.OrderKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := api.ListQuery{
			Status:         c.Query("status"),
			CounterpartyID: firstQuery(c, "counterparty_id", kind.CounterpartyField()),
			From:           c.Query("from"),
			To:             c.Query("to"),
			Limit:          c.Query("limit"),
			Offset:         c.Query("offset"),
		}
		reply(c, h.svc.List(c.Request.Context(), kind, q))
	}
}

func (h *handler) stats(kind domain.OrderKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		reply(c, h.svc.Stats(c.Request.Context(), kind, c.Query("from"), c.Query("to")))
	}
}

func (h *handler) get(kind domain.OrderKind) gin.HandlerFunc {
	return withID(func(c *gin.Context, id int64) {
		reply(c, h.svc.Get(c.Request.Context(), kind, id))
	})
}

func (h *handler) update(kind domain.OrderKind) gin.HandlerFunc {
	return withID(func(c *gin.Context, id int64) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		reply(c, h.svc.Update(c.Request.Context(), kind, id, body))
	})
}

func (h *handler) void(kind domain.OrderKind) gin.HandlerFunc {
	return withID(func(c *gin.Context, id int64) {
		reply(c, h.svc.Void(c.Request.Context(), kind, id))
	})
}

func (h *handler) movements(kind domain.OrderKind) gin.HandlerFunc {
	return withID(func(c *gin.Context, id int64) {
		reply(c, h.svc.Movements(c.Request.Context(), kind, id))
	})
}

func withID(next func(c *gin.Context, id int64)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			reply(c, api.Error(http.StatusBadRequest, api.ErrorBody{Code: api.CodeValidation, Message: "id must be a positive integer", Field: "id"}))
			return
		}
		next(c, id)
	}
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		reply(c, api.Error(status, api.ErrorBody{Code: api.CodeValidation, Message: "failed to read request body", Field: "body"}))
		return nil, false
	}
	return body, true
}

func firstQuery(c *gin.Context, keys ...string) string {
	for _, key := range keys {
		if v := c.Query(key); v != "" {
			return v
		}
	}
	return ""
}

func reply(c *gin.Context, r api.Reply) {
	c.Data(r.Status, "application/json; charset=utf-8", r.Body)
}
