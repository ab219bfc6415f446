package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации движка и консоли.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Console     ServerConfig      `mapstructure:"console"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Collector   CollectorConfig   `mapstructure:"collector"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	Degradation DegradationConfig `mapstructure:"degradation"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Recommend   RecommendConfig   `mapstructure:"recommend"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — in-memory хранилище.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и блокировки). Пустой Addr — без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для выпуска токенов из CLI
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	PublicKey      []byte
	PrivateKey     []byte
}

// EngineConfig — воркеры и журнал переходов.
type EngineConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	CollectTimeout time.Duration `mapstructure:"collect_timeout"`
	Device         string        `mapstructure:"device"`
	ReclaimBatch   int           `mapstructure:"reclaim_batch"`

	JournalBufferSize    int           `mapstructure:"journal_buffer_size"`
	JournalBatchSize     int           `mapstructure:"journal_batch_size"`
	JournalFlushInterval time.Duration `mapstructure:"journal_flush_interval"`

	FollowupAttempts    uint          `mapstructure:"followup_attempts"`
	FollowupConcurrency int           `mapstructure:"followup_concurrency"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

// CollectorConfig — адрес внешнего коллектора и политика надежности вызовов.
type CollectorConfig struct {
	Addr      string `mapstructure:"addr"`
	Synthetic bool   `mapstructure:"synthetic"` // локальная разработка без коллектора

	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// AdmissionConfig — лимиты по умолчанию и статические планы (без биллинга).
type AdmissionConfig struct {
	DefaultHourlyLimit int           `mapstructure:"default_hourly_limit"`
	PlanRefresh        time.Duration `mapstructure:"plan_refresh"`
	Plans              []PlanConfig  `mapstructure:"plans"`
}

type PlanConfig struct {
	TenantID         string `mapstructure:"tenant_id"`
	Name             string `mapstructure:"name"`
	MaxWebsites      int    `mapstructure:"max_websites"`
	MonthlyAudits    int    `mapstructure:"monthly_audits"`
	ConcurrentAudits int    `mapstructure:"concurrent_audits"`
	HourlyAudits     int    `mapstructure:"hourly_audits"`
}

type DegradationConfig struct {
	Window        time.Duration `mapstructure:"window"`
	MaxHistory    int           `mapstructure:"max_history"`
	DropThreshold float64       `mapstructure:"drop_threshold"`
	AbsoluteFloor int           `mapstructure:"absolute_floor"`
	CriticalBelow int           `mapstructure:"critical_below"`
}

type SchedulerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// RecommendConfig — пустой RulesPath означает встроенную таблицу правил.
type RecommendConfig struct {
	RulesPath string `mapstructure:"rules_path"`
	Watch     bool   `mapstructure:"watch"`
}

type NotifyConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path — явный путь к файлу (флаг --config); пусто — ищем config.yaml.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Переменные окружения: ENGINE_WORKERS=8 перекроет engine.workers
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи: сам PEM в ENV (Docker/K8s) или файл по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("console.host", "")
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 0) // WebSocket живет долго
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")

	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.private_key_path", "")
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_size", 128)
	v.SetDefault("engine.collect_timeout", 45*time.Second)
	v.SetDefault("engine.device", "mobile")
	v.SetDefault("engine.reclaim_batch", 100)
	v.SetDefault("engine.journal_buffer_size", 1000)
	v.SetDefault("engine.journal_batch_size", 100)
	v.SetDefault("engine.journal_flush_interval", 1*time.Second)
	v.SetDefault("engine.followup_attempts", 3)
	v.SetDefault("engine.followup_concurrency", 8)
	v.SetDefault("engine.shutdown_timeout", 30*time.Second)

	v.SetDefault("collector.addr", "")
	v.SetDefault("collector.synthetic", false)
	v.SetDefault("collector.rate_per_second", 10)
	v.SetDefault("collector.burst", 5)
	v.SetDefault("collector.max_attempts", 3)
	v.SetDefault("collector.base_delay", 500*time.Millisecond)
	v.SetDefault("collector.max_delay", 10*time.Second)
	v.SetDefault("collector.attempt_timeout", 20*time.Second)
	v.SetDefault("collector.breaker_failures", 5)
	v.SetDefault("collector.breaker_timeout", 30*time.Second)

	v.SetDefault("admission.default_hourly_limit", 20)
	v.SetDefault("admission.plan_refresh", time.Minute)

	v.SetDefault("degradation.window", 30*24*time.Hour)
	v.SetDefault("degradation.max_history", 50)
	v.SetDefault("degradation.drop_threshold", 20)
	v.SetDefault("degradation.absolute_floor", 50)
	v.SetDefault("degradation.critical_below", 30)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.stale_after", 10*time.Minute)

	v.SetDefault("recommend.rules_path", "")
	v.SetDefault("recommend.watch", false)

	v.SetDefault("notify.buffer_size", 256)
	v.SetDefault("notify.publish_timeout", 5*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — ключ напрямую из ENV либо из файла
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
