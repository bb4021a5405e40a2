package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

const defaultKeyTTL = 24 * time.Hour

// ErrInProgress возвращается, пока первый запрос с тем же ключом не завершён.
var ErrInProgress = errors.New("request with the same idempotency key is already processing")

var idempotencyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bms_idempotency_requests_total",
	Help: "Total number of keyed requests grouped by result.",
}, []string{"result"})

// Response - сохраняемый ответ транспорта: код HTTP-семантики и JSON-тело.
// gRPC хранит тот же формат и переводит код при повторе.
// Final закрепляет ответ за ключом даже при ошибке сервера: обработчик
// оставил следы, и повторное выполнение создало бы дубликат.
type Response struct {
	Status int
	Body   []byte
	Final  bool
}

// Failed сообщает, что ответ описывает ошибку сервера. Такой ключ хранится
// как failed и освобождается для повтора с тем же телом.
func (r Response) Failed() bool {
	return r.Status >= http.StatusInternalServerError && !r.Final
}

// HashRequest строит отпечаток запроса в пределах операции scope.
func HashRequest(scope string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// HashJSON нормализует произвольное значение через JSON и хэширует его.
func HashJSON(scope string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode request for hashing: %w", err)
	}
	return HashRequest(scope, body), nil
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithKeyTTL задаёт срок хранения ответа по ключу.
func WithKeyTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardLogger задаёт logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGuardClock подменяет часы.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// Guard выполняет обработчик не более одного раза на ключ и повторяет
// сохранённый ответ для дубликатов.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewGuard создаёт Guard. С nil repo ключи игнорируются.
func NewGuard(repo domain.IdempotencyRepository, opts ...GuardOption) *Guard {
	g := &Guard{
		repo:   repo,
		ttl:    defaultKeyTTL,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithField("component", "idempotency-guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do выполняет handler под ключом key. replayed=true означает, что ответ
// взят из хранилища. Повтор с другим телом даёт ErrIdempotencyHashMismatch,
// повтор во время обработки даёт ErrInProgress. После ошибки сервера
// (ключ в статусе failed) тот же запрос выполняется заново.
func (g *Guard) Do(
	ctx context.Context,
	key, requestHash string,
	handler func(context.Context) (Response, error),
) (resp Response, replayed bool, err error) {
	key = strings.TrimSpace(key)
	if g == nil || g.repo == nil || key == "" {
		resp, err = handler(ctx)
		return resp, false, err
	}

	record, err := g.repo.CreateProcessing(key, requestHash, g.now().Add(g.ttl))
	if err != nil {
		return g.replay(key, record, err)
	}

	resp, err = handler(ctx)
	if err != nil {
		body, _ := json.Marshal(map[string]string{"error": err.Error()})
		g.store(key, Response{Status: http.StatusInternalServerError, Body: body})
		idempotencyRequestsTotal.WithLabelValues("handler_error").Inc()
		return resp, false, err
	}

	g.store(key, resp)
	idempotencyRequestsTotal.WithLabelValues("executed").Inc()
	return resp, false, nil
}

func (g *Guard) replay(key string, record domain.IdempotencyRecord, createErr error) (Response, bool, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		idempotencyRequestsTotal.WithLabelValues("hash_mismatch").Inc()
		return Response{}, false, createErr
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		if !record.Finished() {
			idempotencyRequestsTotal.WithLabelValues("in_progress").Inc()
			return Response{}, false, ErrInProgress
		}
		idempotencyRequestsTotal.WithLabelValues("replayed").Inc()
		g.logger.WithFields(log.Fields{
			"idempotency_key": key,
			"status":          record.HTTPStatus,
		}).Debug("replaying stored response")
		return Response{Status: record.HTTPStatus, Body: record.ResponseBody}, true, nil
	default:
		idempotencyRequestsTotal.WithLabelValues("error").Inc()
		return Response{}, false, fmt.Errorf("reserve idempotency key: %w", createErr)
	}
}

func (g *Guard) store(key string, resp Response) {
	mark := g.repo.MarkDone
	if resp.Failed() {
		mark = g.repo.MarkFailed
	}
	if err := mark(key, resp.Body, resp.Status); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
}
