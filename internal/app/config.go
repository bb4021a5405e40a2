package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	envPrefix     = "BMS"
	envConfigFile = "BMS_CONFIG_FILE"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	// Пул подключений; ноль означает значение по умолчанию драйвера хранилища.
	PostgresMaxOpenConns    int
	PostgresMaxIdleConns    int
	PostgresConnMaxLifetime time.Duration
	// SeedProducts заполняет товары in-memory хранилища: "1:100,2:50".
	SeedProducts string

	// Пустой RedisAddr оставляет блокировку остатков внутри процесса.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StockLockTTL  time.Duration

	// KafkaBrokers - список через запятую; пустое значение отключает публикацию.
	KafkaBrokers  string
	KafkaClientID string
	KafkaTopic    string
	KafkaDLQTopic string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int

	IdempotencyKeyTTL           time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	StockRetryAttempts  int
	StockRetryDelay     time.Duration
	CompensationTimeout time.Duration

	// Пустой JWTSecret отключает аутентификацию.
	JWTSecret string
	JWTIssuer string

	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		PostgresMaxOpenConns:    25,
		PostgresMaxIdleConns:    25,
		PostgresConnMaxLifetime: 30 * time.Minute,

		StockLockTTL: 5 * time.Second,

		KafkaClientID: "bms-trade-service",
		KafkaTopic:    "bms.order-events",
		KafkaDLQTopic: "bms.dlq",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   10000,

		IdempotencyKeyTTL:           24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		StockRetryAttempts:  5,
		StockRetryDelay:     10 * time.Millisecond,
		CompensationTimeout: 5 * time.Second,

		MaxBodyBytes:    1 << 20,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfig читает настройки: значения по умолчанию, затем файл из
// BMS_CONFIG_FILE (если задан), затем переменные окружения BMS_*.
func LoadConfig() (Config, error) {
	return loadConfig(viper.New(), strings.TrimSpace(os.Getenv(envConfigFile)))
}

func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	def := DefaultConfig()
	defaults := map[string]any{
		"grpc.addr":                    def.GRPCAddr,
		"http.addr":                    def.HTTPAddr,
		"http.max_body_bytes":          def.MaxBodyBytes,
		"metrics.addr":                 def.MetricsAddr,
		"storage.driver":               def.StorageDriver,
		"postgres.dsn":                 def.PostgresDSN,
		"memory.seed_products":         def.SeedProducts,
		"postgres.auto_migrate":        def.PostgresAutoMigrate,
		"postgres.max_open_conns":      def.PostgresMaxOpenConns,
		"postgres.max_idle_conns":      def.PostgresMaxIdleConns,
		"postgres.conn_max_lifetime":   def.PostgresConnMaxLifetime,
		"redis.addr":                   def.RedisAddr,
		"redis.password":               def.RedisPassword,
		"redis.db":                     def.RedisDB,
		"redis.lock_ttl":               def.StockLockTTL,
		"kafka.brokers":                def.KafkaBrokers,
		"kafka.client_id":              def.KafkaClientID,
		"kafka.topic":                  def.KafkaTopic,
		"kafka.dlq_topic":              def.KafkaDLQTopic,
		"outbox.poll_interval":         def.OutboxPollInterval,
		"outbox.batch_size":            def.OutboxBatchSize,
		"outbox.max_attempts":          def.OutboxMaxAttempts,
		"outbox.retry_delay":           def.OutboxRetryDelay,
		"outbox.max_pending":           def.OutboxMaxPending,
		"idempotency.key_ttl":          def.IdempotencyKeyTTL,
		"idempotency.cleanup_interval": def.IdempotencyCleanupInterval,
		"idempotency.cleanup_batch":    def.IdempotencyCleanupBatchSize,
		"stock.retry_attempts":         def.StockRetryAttempts,
		"stock.retry_delay":            def.StockRetryDelay,
		"stock.compensation_timeout":   def.CompensationTimeout,
		"auth.jwt_secret":              def.JWTSecret,
		"auth.jwt_issuer":              def.JWTIssuer,
		"shutdown.timeout":             def.ShutdownTimeout,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		GRPCAddr:    v.GetString("grpc.addr"),
		HTTPAddr:    v.GetString("http.addr"),
		MetricsAddr: v.GetString("metrics.addr"),

		StorageDriver:       strings.ToLower(strings.TrimSpace(v.GetString("storage.driver"))),
		PostgresDSN:         strings.TrimSpace(v.GetString("postgres.dsn")),
		PostgresAutoMigrate: v.GetBool("postgres.auto_migrate"),
		SeedProducts:        strings.TrimSpace(v.GetString("memory.seed_products")),

		PostgresMaxOpenConns:    v.GetInt("postgres.max_open_conns"),
		PostgresMaxIdleConns:    v.GetInt("postgres.max_idle_conns"),
		PostgresConnMaxLifetime: v.GetDuration("postgres.conn_max_lifetime"),

		RedisAddr:     strings.TrimSpace(v.GetString("redis.addr")),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),
		StockLockTTL:  v.GetDuration("redis.lock_ttl"),

		KafkaBrokers:  strings.TrimSpace(v.GetString("kafka.brokers")),
		KafkaClientID: v.GetString("kafka.client_id"),
		KafkaTopic:    v.GetString("kafka.topic"),
		KafkaDLQTopic: v.GetString("kafka.dlq_topic"),

		OutboxPollInterval: v.GetDuration("outbox.poll_interval"),
		OutboxBatchSize:    v.GetInt("outbox.batch_size"),
		OutboxMaxAttempts:  v.GetInt("outbox.max_attempts"),
		OutboxRetryDelay:   v.GetDuration("outbox.retry_delay"),
		OutboxMaxPending:   v.GetInt("outbox.max_pending"),

		IdempotencyKeyTTL:           v.GetDuration("idempotency.key_ttl"),
		IdempotencyCleanupInterval:  v.GetDuration("idempotency.cleanup_interval"),
		IdempotencyCleanupBatchSize: v.GetInt("idempotency.cleanup_batch"),

		StockRetryAttempts:  v.GetInt("stock.retry_attempts"),
		StockRetryDelay:     v.GetDuration("stock.retry_delay"),
		CompensationTimeout: v.GetDuration("stock.compensation_timeout"),

		JWTSecret: v.GetString("auth.jwt_secret"),
		JWTIssuer: v.GetString("auth.jwt_issuer"),

		MaxBodyBytes:    v.GetInt64("http.max_body_bytes"),
		ShutdownTimeout: v.GetDuration("shutdown.timeout"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	if c.GRPCAddr == "" {
		errs = append(errs, errors.New("grpc address is required"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
		if _, err := parseSeedProducts(c.SeedProducts); err != nil {
			errs = append(errs, err)
		}
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage driver"))
		}
		if c.PostgresMaxOpenConns < 0 || c.PostgresMaxIdleConns < 0 {
			errs = append(errs, errors.New("postgres pool sizes must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox batch size and max attempts must be positive"))
	}
	if c.OutboxRetryDelay < 0 {
		errs = append(errs, errors.New("outbox retry delay must not be negative"))
	}
	if c.IdempotencyKeyTTL <= 0 {
		errs = append(errs, errors.New("idempotency key ttl must be positive"))
	}
	if c.StockRetryAttempts <= 0 {
		errs = append(errs, errors.New("stock retry attempts must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	return errors.Join(errs...)
}

// AuthEnabled сообщает, требуется ли bearer-токен.
func (c Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

// KafkaBrokerList разбирает KafkaBrokers.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
