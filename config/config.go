package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mailhaven/utils"
)

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`
	Hostname    string `json:"hostname" validate:"required"`

	// Database
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis RedisConfig `json:"redis"`

	// Secrets
	EncryptionKey string `json:"-" validate:"required,min=16"`
	SentryDSN     string `json:"-"`

	// Mail transfer
	SMTPListenAddr       string `json:"smtp_listen_addr"`
	SubmissionListenAddr string `json:"submission_listen_addr"`
	MaxMessageBytes      int64  `json:"max_message_bytes"`

	// Outbound relay
	RelayHost    string        `json:"relay_host" validate:"required"`
	RelayPort    int           `json:"relay_port"`
	RelayTimeout time.Duration `json:"relay_timeout"`

	// Delivery worker pool
	DeliveryWorkers       int `json:"delivery_workers" validate:"gte=1"`
	DeliveryRatePerMinute int `json:"delivery_rate_per_minute" validate:"gte=1"`

	// Spam classification
	SpamThreshold  int           `json:"spam_threshold"`
	SpamWeights    string        `json:"spam_weights"` // "CODE=weight,CODE=weight" overrides
	BlobRoot       string        `json:"blob_root"`
	RecentListSize int           `json:"recent_list_size"`
	RecentListTTL  time.Duration `json:"recent_list_ttl"`

	// Loopback/internal sources that bypass the submission intake
	InternalHosts []string `json:"internal_hosts"`
}

// Load reads configuration from the environment and validates it
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		Hostname:    getEnv("MAIL_HOSTNAME", "localhost"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailhaven"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		SentryDSN:     getEnv("SENTRY_DSN", ""),

		SMTPListenAddr:       getEnv("SMTP_LISTEN_ADDR", ":2525"),
		SubmissionListenAddr: getEnv("SUBMISSION_LISTEN_ADDR", ":2587"),
		MaxMessageBytes:      int64(getEnvAsInt("MAX_MESSAGE_BYTES", 25*1024*1024)),

		RelayHost:    getEnv("RELAY_HOST", "localhost"),
		RelayPort:    getEnvAsInt("RELAY_PORT", 587),
		RelayTimeout: getEnvAsDuration("RELAY_TIMEOUT", 30*time.Second),

		DeliveryWorkers:       getEnvAsInt("DELIVERY_WORKERS", 4),
		DeliveryRatePerMinute: getEnvAsInt("DELIVERY_RATE_PER_MINUTE", 120),

		SpamThreshold:  getEnvAsInt("SPAM_THRESHOLD", 6),
		SpamWeights:    getEnv("SPAM_WEIGHTS", ""),
		BlobRoot:       getEnv("BLOB_ROOT", "./data/blobs"),
		RecentListSize: getEnvAsInt("RECENT_LIST_SIZE", 50),
		RecentListTTL:  getEnvAsDuration("RECENT_LIST_TTL", 24*time.Hour),

		InternalHosts: splitList(getEnv("INTERNAL_HOSTS", "127.0.0.1,::1")),
	}

	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logConfig(cfg)
	return cfg, nil
}

// ConnectDB opens the Postgres connection pool and runs nothing else;
// migration is the caller's decision
func ConnectDB(cfg *Config) (*gorm.DB, error) {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	return db, nil
}

// ConnectRedis opens the shared Redis client used by the queue, cache and
// notification channels
func ConnectRedis(cfg *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(client.Context()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Println("✅ Successfully connected to redis")
	return client, nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig(cfg *Config) {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", cfg.Environment)
	log.Printf("Hostname: %s", cfg.Hostname)
	log.Printf("SMTP: %s, Submission: %s", cfg.SMTPListenAddr, cfg.SubmissionListenAddr)
	log.Printf("Relay: %s:%d, Workers: %d, Rate: %d/min",
		cfg.RelayHost, cfg.RelayPort, cfg.DeliveryWorkers, cfg.DeliveryRatePerMinute)
}
