package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/app"
	"github.com/vladislavdragonenkov/bms/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
// LOG_FORMAT=json переключает вывод в JSON, LOG_LEVEL задаёт уровень.
func setupLogger(level, format string) error {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	lvl := log.InfoLevel
	if level = strings.TrimSpace(level); level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			log.SetLevel(lvl)
			return err
		}
		lvl = parsed
	}
	log.SetLevel(lvl)
	return nil
}

func main() {
	if err := setupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")); err != nil {
		log.WithError(err).Warn("invalid LOG_LEVEL, using info")
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"http_addr":      cfg.HTTPAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"auth":           cfg.AuthEnabled(),
		"build":          version.Get().String(),
	}).Info("запускаем trade-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("trade-service остановлен")
}
