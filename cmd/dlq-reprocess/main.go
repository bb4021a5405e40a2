// Command dlq-reprocess возвращает события заказов из DLQ в основной топик.
// По умолчанию работает в режиме dry-run и только печатает кандидатов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	replayClientID     = "bms-dlq-reprocess"
	envBrokers         = "BMS_KAFKA_BROKERS"
)

type config struct {
	Brokers     []string      `validate:"min=1"`
	SourceTopic string        `validate:"required"`
	TargetTopic string        `validate:"required,nefield=SourceTopic"`
	EventType   string        `validate:"-"`
	Limit       int           `validate:"gt=0"`
	Execute     bool          `validate:"-"`
	FromNewest  bool          `validate:"-"`
	IdleTimeout time.Duration `validate:"gt=0"`
}

// configProblems переводит нарушенное правило (поле.тег) в сообщение для CLI.
var configProblems = map[string]string{
	"Brokers.min":          "kafka brokers are required (-brokers or " + envBrokers + ")",
	"SourceTopic.required": "source-topic is required",
	"TargetTopic.required": "target-topic is required",
	"TargetTopic.nefield":  "source-topic and target-topic must differ",
	"Limit.gt":             "limit must be > 0",
	"IdleTimeout.gt":       "idle-timeout must be > 0",
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

// readConfig разбирает флаги; брокеры без флага берутся из окружения.
func readConfig(args []string, lookupEnv func(string) (string, bool)) (config, error) {
	cfg := config{}
	var brokers string

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers, "+envBrokers+" when empty")
	fs.StringVar(&cfg.SourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "topic holding dead letters")
	fs.StringVar(&cfg.TargetTopic, "target-topic", kafka.TopicOrderEvents, "topic receiving replayed events")
	fs.StringVar(&cfg.EventType, "event-type", "", "only replay dead letters with this event type")
	fs.IntVar(&cfg.Limit, "limit", defaultReplayLimit, "upper bound of scanned messages")
	fs.BoolVar(&cfg.Execute, "execute", false, "publish replays instead of printing them")
	fs.BoolVar(&cfg.FromNewest, "from-newest", false, "start from the newest messages of each partition")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this silence")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" && lookupEnv != nil {
		brokers, _ = lookupEnv(envBrokers)
	}
	cfg.Brokers = parseBrokers(brokers)
	cfg.SourceTopic = strings.TrimSpace(cfg.SourceTopic)
	cfg.TargetTopic = strings.TrimSpace(cfg.TargetTopic)

	if err := validateConfig(cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg config) error {
	err := configValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	first := fieldErrs[0]
	if msg, ok := configProblems[first.StructField()+"."+first.Tag()]; ok {
		return errors.New(msg)
	}
	return fmt.Errorf("invalid %s: %s", first.StructField(), first.Tag())
}

func parseBrokers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(part); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.SourceTopic,
		"target_topic": cfg.TargetTopic,
		"event_type":   cfg.EventType,
		"limit":        cfg.Limit,
		"execute":      cfg.Execute,
		"from_newest":  cfg.FromNewest,
	}).Info("starting dlq replay")

	deps, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	_, err = runReplay(ctx, cfg, deps.client, deps.consumer, deps.producer)
	return err
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
