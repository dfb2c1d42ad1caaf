package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// 存储后端与回收模式
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	ReaperLocal = "local"
	ReaperAsynq = "asynq"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	ServerPort string
	LogLevel   string
	AppEnv     string // development/production

	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// 归档库可选，DBHost 为空时不连接 MySQL
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	JWTSecret       string
	JWTExpiryHours  int
	RateLimitMax    int
	RateLimitWindow time.Duration

	ReaperMode      string
	ReapInterval    time.Duration
	InactiveTimeout time.Duration
	PresenceRefresh time.Duration
	SessionTTL      time.Duration

	CORSAllowedOrigin string
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AppEnv:            getEnv("APP_ENV", "development"),
		StoreBackend:      getEnv("STORE_BACKEND", BackendRedis),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:         getEnv("REDIS_KEY_PREFIX", "canvas:"),
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBHost:            os.Getenv("DB_HOST"),
		DBPort:            os.Getenv("DB_PORT"),
		DBName:            os.Getenv("DB_NAME"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		RateLimitWindow:   time.Second,
		ReaperMode:        getEnv("REAPER_MODE", ReaperLocal),
		CORSAllowedOrigin: getEnv("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.JWTExpiryHours, err = getEnvInt("JWT_EXPIRY_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = getEnvInt("RATE_LIMIT_MAX", 100); err != nil {
		return nil, err
	}
	if cfg.ReapInterval, err = getEnvDuration("REAP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.InactiveTimeout, err = getEnvDuration("ROOM_INACTIVE_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PresenceRefresh, err = getEnvDuration("PRESENCE_REFRESH_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getEnvDuration("SESSION_TTL", 30*time.Second); err != nil {
		return nil, err
	}

	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis:
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q (want %s or %s)", cfg.StoreBackend, BackendMemory, BackendRedis)
	}
	switch cfg.ReaperMode {
	case ReaperLocal, ReaperAsynq:
	default:
		return nil, fmt.Errorf("invalid REAPER_MODE %q (want %s or %s)", cfg.ReaperMode, ReaperLocal, ReaperAsynq)
	}
	if cfg.StoreBackend == BackendMemory && cfg.ReaperMode == ReaperAsynq {
		return nil, fmt.Errorf("REAPER_MODE=%s requires STORE_BACKEND=%s", ReaperAsynq, BackendRedis)
	}
	if cfg.StoreBackend == BackendRedis && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}

	// 验证日志级别
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}
