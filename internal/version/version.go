// Package version хранит сведения о сборке, проставляемые через -ldflags:
//
//	-X github.com/vladislavdragonenkov/bms/internal/version.version=v1.2.0
package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// Service - имя сервиса в /version и в метке метрики.
const Service = "trade-service"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает собранный бинарник.
type Build struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Get возвращает сведения о текущей сборке.
func Get() Build {
	return Build{
		Service:   Service,
		Version:   version,
		Commit:    commit,
		Date:      date,
		GoVersion: runtime.Version(),
	}
}

func (b Build) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)", b.Service, b.Version, b.Commit, b.Date, b.GoVersion)
}

// Collector отдаёт bms_build_info со значением 1 и сведениями о сборке в метках.
func Collector() prometheus.Collector {
	b := Get()
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bms_build_info",
		Help: "Build information of the running binary",
		ConstLabels: prometheus.Labels{
			"service":    b.Service,
			"version":    b.Version,
			"commit":     b.Commit,
			"go_version": b.GoVersion,
		},
	}, func() float64 { return 1 })
}
