package httpsvc

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/auth"
	"github.com/vladislavdragonenkov/bms/internal/service/api"
)

const (
	headerRequestID      = "X-Request-ID"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	headerAuthorization  = "Authorization"

	ctxRequestID = "request_id"
	ctxSubject   = "subject"
)

// requestID берёт X-Request-ID клиента или выдаёт новый.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// requestLogger пишет одну строку на запрос.
func requestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(log.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  c.GetString(ctxRequestID),
		})
		if subject := c.GetString(ctxSubject); subject != "" {
			entry = entry.WithField("subject", subject)
		}
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("http request failed")
		case status >= http.StatusBadRequest:
			entry.Info("http request rejected")
		default:
			entry.Debug("http request served")
		}
	}
}

// recovery превращает панику обработчика в 500 с телом ошибки.
func recovery(logger *log.Entry) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.WithField("panic", recovered).WithField("request_id", c.GetString(ctxRequestID)).Error("http handler panicked")
		abort(c, api.Error(http.StatusInternalServerError, api.ErrorBody{Code: api.CodeInternal, Message: "internal error"}))
	})
}

// bodyLimit ограничивает размер тела запроса.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			abort(c, api.Error(http.StatusRequestEntityTooLarge, api.ErrorBody{Code: api.CodeValidation, Message: "request body is too large", Field: "body"}))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// authenticate проверяет bearer-токен. С nil verifier пропускает всё.
func authenticate(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}
		claims, err := verifier.VerifyHeader(c.GetHeader(headerAuthorization))
		if err != nil {
			message := "invalid token"
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				message = "missing bearer token"
			case errors.Is(err, auth.ErrExpiredToken):
				message = "token has expired"
			}
			c.Header("WWW-Authenticate", `Bearer realm="bms"`)
			abort(c, api.Error(http.StatusUnauthorized, api.ErrorBody{Code: api.CodeUnauthorized, Message: message}))
			return
		}
		c.Set(ctxSubject, claims.Subject)
		c.Next()
	}
}

func abort(c *gin.Context, r api.Reply) {
	c.Data(r.Status, "application/json; charset=utf-8", r.Body)
	c.Abort()
}
