package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc/codes"
)

const (
	callDurationMetric = "bms_loadtest_call_duration_ms"
	callsMetric        = "bms_loadtest_calls_total"
)

type latencySummary struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

// collector пишет вызовы в собственный реестр Prometheus: задержки в Summary
// с квантилями p50/p95/p99, коды ответов в счётчик. Метод "scenario" означает
// сценарий целиком.
type collector struct {
	registry *prometheus.Registry
	latency  *prometheus.SummaryVec
	calls    *prometheus.CounterVec

	mu  sync.Mutex
	max map[string]float64
}

func newCollector() *collector {
	c := &collector{
		registry: prometheus.NewRegistry(),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       callDurationMetric,
			Help:       "Latency of load test calls in milliseconds",
			Objectives: map[float64]float64{0.5: 0.01, 0.95: 0.005, 0.99: 0.001},
			// окно квантилей покрывает весь прогон
			MaxAge:     24 * time.Hour,
			AgeBuckets: 1,
		}, []string{"method"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: callsMetric,
			Help: "Load test calls by method and gRPC code",
		}, []string{"method", "code"}),
		max: make(map[string]float64),
	}
	c.registry.MustRegister(c.latency, c.calls)
	return c
}

func (c *collector) record(method string, latency time.Duration, code codes.Code) {
	ms := float64(latency.Microseconds()) / 1000.0
	c.latency.WithLabelValues(method).Observe(ms)
	c.calls.WithLabelValues(method, code.String()).Inc()

	c.mu.Lock()
	if ms > c.max[method] {
		c.max[method] = ms
	}
	c.mu.Unlock()
}

// methods собирает отчёт по методам из снимка реестра.
func (c *collector) methods() (map[string]methodReport, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather load test metrics: %w", err)
	}

	out := make(map[string]methodReport)
	entry := func(method string) methodReport {
		r, ok := out[method]
		if !ok {
			r.Codes = make(map[string]int64)
		}
		return r
	}

	for _, family := range families {
		for _, m := range family.GetMetric() {
			method := labelValue(m, "method")
			r := entry(method)
			switch family.GetName() {
			case callsMetric:
				n := int64(m.GetCounter().GetValue())
				code := labelValue(m, "code")
				r.Calls += n
				r.Codes[code] += n
				if code == codes.OK.String() {
					r.Success += n
				} else {
					r.Failed += n
				}
			case callDurationMetric:
				r.LatencyMs = summaryFrom(m.GetSummary())
			}
			out[method] = r
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for method, r := range out {
		r.LatencyMs.Max = c.max[method]
		r.ErrorRate = ratio(r.Failed, r.Calls)
		out[method] = r
	}
	return out, nil
}

func (c *collector) snapshot(name string) (methodReport, bool) {
	methods, err := c.methods()
	if err != nil {
		return methodReport{}, false
	}
	r, ok := methods[name]
	return r, ok
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) (report, error) {
	methods, err := c.methods()
	if err != nil {
		return report{}, err
	}

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         methods,
	}
	if sc, ok := methods[scenarioMethod]; ok {
		result.TotalScenarios = sc.Calls
		result.SuccessScenarios = sc.Success
		result.FailedScenarios = sc.Failed
		result.ErrorRate = sc.ErrorRate
		result.ScenarioLatencyMs = sc.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	return result, nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, pair := range m.GetLabel() {
		if pair.GetName() == name {
			return pair.GetValue()
		}
	}
	return ""
}

func summaryFrom(s *dto.Summary) latencySummary {
	var out latencySummary
	if s == nil || s.GetSampleCount() == 0 {
		return out
	}
	out.Avg = s.GetSampleSum() / float64(s.GetSampleCount())
	for _, q := range s.GetQuantile() {
		v := q.GetValue()
		if math.IsNaN(v) {
			continue
		}
		switch q.GetQuantile() {
		case 0.5:
			out.P50 = v
		case 0.95:
			out.P95 = v
		case 0.99:
			out.P99 = v
		}
	}
	return out
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь задаётся флагом -output самим оператором.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, runTarget(cfg),
		result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios, result.ErrorRate)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)

	l := result.ScenarioLatencyMs
	_, _ = fmt.Fprintf(w, "scenario latency ms: avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		l.Avg, l.P50, l.P95, l.P99, l.Max)

	for _, name := range slices.Sorted(maps.Keys(result.Methods)) {
		if name == scenarioMethod {
			continue
		}
		stats := result.Methods[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, stats.Calls, stats.Success, stats.Failed, stats.ErrorRate, stats.LatencyMs.P95)
	}
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
