package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	UnreadCacheTTLSeconds  int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	ReturnWindowDays       int
	KafkaBrokers           []string
	KafkaNotificationTopic string
	EvidenceDir            string
	EvidenceBaseURL        string
	EvidenceGCSBucket      string
	OTelEndpoint           string
	ServiceVersion         string
	LogLevel               string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	port := getEnv("PORT", "8080")

	cfg := Config{
		Port:                   port,
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		UnreadCacheTTLSeconds:  getPositiveInt("UNREAD_CACHE_TTL_SECONDS", 30),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ReturnWindowDays:       getPositiveInt("RETURN_WINDOW_DAYS", 7),
		KafkaBrokers:           splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaNotificationTopic: getEnv("KAFKA_NOTIFICATION_TOPIC", "orderflow.notifications"),
		EvidenceDir:            getEnv("EVIDENCE_DIR", "uploads/returns"),
		EvidenceBaseURL:        strings.TrimRight(getEnv("EVIDENCE_BASE_URL", "http://localhost:"+port+"/evidence"), "/"),
		EvidenceGCSBucket:      strings.TrimSpace(os.Getenv("EVIDENCE_GCS_BUCKET")),
		OTelEndpoint:           strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceVersion:         getEnv("SERVICE_VERSION", "dev"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
