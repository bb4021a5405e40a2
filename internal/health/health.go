// Package health отдаёт liveness/readiness пробы сервиса.
//
// Проверки делятся на критичные (хранилище, Redis) и необязательные (Kafka,
// backlog outbox). Отказ критичной проверки делает сервис unhealthy и
// неготовым, отказ необязательной только понижает статус до degraded.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const defaultCheckTimeout = 2 * time.Second

// Check - результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response - тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

type Checker interface {
	Check(ctx context.Context) Check
}

type namedChecker struct {
	name    string
	checker Checker
}

// Handler хранит зарегистрированные проверки и отвечает на пробы.
type Handler struct {
	mu       sync.RWMutex
	checkers []namedChecker // по возрастанию имени
	gauge    *prometheus.GaugeVec

	version string
	started time.Time
	timeout time.Duration
}

func NewHandler(version string) *Handler {
	return &Handler{version: version, started: time.Now(), timeout: defaultCheckTimeout}
}

// SetTimeout ограничивает время одного прогона проверок; неположительное
// значение игнорируется.
func (h *Handler) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		h.timeout = timeout
	}
}

// RegisterChecker добавляет проверку или заменяет проверку с тем же именем.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i, found := slices.BinarySearchFunc(h.checkers, name, func(c namedChecker, n string) int {
		return strings.Compare(c.name, n)
	})
	if found {
		h.checkers[i].checker = checker
		return
	}
	h.checkers = slices.Insert(h.checkers, i, namedChecker{name: name, checker: checker})
}

// Export публикует результат последнего прогона как bms_health_check_up
// (1 - проверка прошла, 0 - нет).
func (h *Handler) Export(registerer prometheus.Registerer) error {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bms_health_check_up",
		Help: "Result of the last health check run per component",
	}, []string{"check", "critical"})
	if err := registerer.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
		existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return err
		}
		gauge = existing
	}

	h.mu.Lock()
	h.gauge = gauge
	h.mu.Unlock()
	return nil
}

// Run выполняет проверки параллельно в пределах таймаута и сводит статус.
func (h *Handler) Run(ctx context.Context) Response {
	h.mu.RLock()
	checkers := slices.Clone(h.checkers)
	gauge := h.gauge
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}()
	}
	wg.Wait()

	checks := make(map[string]Check, len(results))
	for i, res := range results {
		checks[checkers[i].name] = res
		if gauge != nil {
			up := 0.0
			if res.Status == StatusHealthy {
				up = 1
			}
			gauge.WithLabelValues(checkers[i].name, fmt.Sprint(res.Critical)).Set(up)
		}
	}

	return Response{
		Status:        aggregate(results),
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
}

// runCheck превращает панику проверки в unhealthy-результат.
func runCheck(ctx context.Context, c namedChecker) (res Check) {
	defer func() {
		if r := recover(); r != nil {
			res = Check{Name: c.name, Status: StatusUnhealthy, Critical: true, Message: fmt.Sprintf("check panicked: %v", r)}
		}
	}()
	return c.checker.Check(ctx)
}

func aggregate(results []Check) Status {
	overall := StatusHealthy
	for _, res := range results {
		if res.Status == StatusHealthy {
			continue
		}
		if res.Critical && res.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
		overall = StatusDegraded
	}
	return overall
}

// ServeHTTP отдаёт полный отчёт; 503 только для unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Run(r.Context())
	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// ReadinessHandler отвечает 503, пока недоступен хотя бы один критичный компонент.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Run(r.Context()).Status == StatusUnhealthy {
		writeText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeText(w, http.StatusOK, "ready")
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// SimpleChecker оборачивает функцию проверки.
type SimpleChecker struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error
}

// NewSimpleChecker создаёт критичную проверку.
func NewSimpleChecker(name string, fn func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, critical: true, fn: fn}
}

// NewOptionalChecker создаёт проверку, отказ которой даёт только degraded.
func NewOptionalChecker(name string, fn func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, fn: fn}
}

func (c *SimpleChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.fn(ctx)
	res := Check{
		Name:       c.name,
		Status:     StatusHealthy,
		Critical:   c.critical,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	}
	return res
}
