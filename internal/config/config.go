package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource    string
	Port        string
	Env         string
	StoreDriver string
	QueueDriver string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
	RedisAddr    string

	OCRBaseURL        string
	OCRTimeout        time.Duration
	BankWebhookSecret string
	GmailChannelToken string
	CatalogPath       string

	ConfidenceThreshold float64
	MatchWindow         time.Duration
	CorroborationWindow time.Duration
	DepositTTL          time.Duration
	SlipMaxAttempts     int
	RetryMaxAttempts    int
	WorkerCount         int
	QueueMaxDeliveries  int
	ExpireSchedule      string
	PurgeSchedule       string
	Retention           time.Duration
	BusinessTimezone    *time.Location
	Currencies          []string

	LogLevel string
	LogFile  string
}

// Load reads the process environment, after merging an optional .env file.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{
		DBSource:    os.Getenv("DB_SOURCE"),
		Port:        getEnv("SERVER_PORT", "8080"),
		Env:         getEnv("ENVIRONMENT", "development"),
		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
		QueueDriver: getEnv("QUEUE_DRIVER", "memory"),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "deposit-commands"),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "deposit-pipeline"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),

		OCRBaseURL:        getEnv("OCR_BASE_URL", "http://localhost:9090"),
		BankWebhookSecret: os.Getenv("BANK_WEBHOOK_SECRET"),
		GmailChannelToken: os.Getenv("GMAIL_CHANNEL_TOKEN"),
		CatalogPath:       getEnv("CATALOG_PATH", "configs/catalog.yaml"),

		ExpireSchedule: getEnv("EXPIRE_SCHEDULE", "@every 30s"),
		PurgeSchedule:  getEnv("PURGE_SCHEDULE", "@daily"),
		Currencies:     splitList(strings.ToUpper(getEnv("SUPPORTED_CURRENCIES", "THB"))),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),
	}

	var err error
	if cfg.OCRTimeout, err = getDuration("OCR_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MatchWindow, err = getDuration("MATCH_WINDOW", 60*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CorroborationWindow, err = getDuration("CORROBORATION_WINDOW", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DepositTTL, err = getDuration("DEPOSIT_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Retention, err = getDuration("RETENTION", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ConfidenceThreshold, err = getFloat("OCR_CONFIDENCE_THRESHOLD", 0.85); err != nil {
		return nil, err
	}
	if cfg.SlipMaxAttempts, err = getInt("SLIP_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts, err = getInt("RETRY_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = getInt("WORKER_COUNT", 8); err != nil {
		return nil, err
	}
	if cfg.QueueMaxDeliveries, err = getInt("QUEUE_MAX_DELIVERIES", 5); err != nil {
		return nil, err
	}

	tz := getEnv("BUSINESS_TIMEZONE", "Asia/Bangkok")
	if cfg.BusinessTimezone, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("BUSINESS_TIMEZONE %q: %w", tz, err)
	}

	if cfg.StoreDriver == "postgres" && cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if cfg.QueueDriver == "kafka" && len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS is required when QUEUE_DRIVER=kafka")
	}
	if len(cfg.Currencies) == 0 {
		return nil, fmt.Errorf("SUPPORTED_CURRENCIES must list at least one currency")
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("OCR_CONFIDENCE_THRESHOLD must be within [0,1]")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
