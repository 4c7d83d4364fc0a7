package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 汇总运行服务与本地代理所需的基础配置。
type AppConfig struct {
	ListenAddr  string
	Port        string
	DataDir     string
	GinMode     string
	SyncBaseURL string
	LocalDBPath string

	RateRPS   float64
	RateBurst int

	MaxShards       int
	MaxShardBytes   int
	MaxPayloadBytes int

	DebounceInterval time.Duration
	RequestTimeout   time.Duration
	WorkerTimeout    time.Duration
	MaxRetries       int
}

// Load 从环境变量读取应用配置，并为缺失项提供安全的默认值。
func Load() AppConfig {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	listenAddr := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%s", port)
	}

	dataDir := strings.TrimSpace(os.Getenv("DATA_DIR"))
	if dataDir == "" {
		dataDir = "habitloop-data"
	}

	ginMode := strings.TrimSpace(os.Getenv("GIN_MODE"))
	if ginMode == "" {
		ginMode = "release"
	}

	syncBaseURL := strings.TrimSpace(os.Getenv("SYNC_BASE_URL"))
	if syncBaseURL == "" {
		syncBaseURL = "http://localhost:8080"
	}

	localDBPath := strings.TrimSpace(os.Getenv("LOCAL_DB_PATH"))
	if localDBPath == "" {
		localDBPath = "habitloop.db"
	}

	return AppConfig{
		ListenAddr:  listenAddr,
		Port:        port,
		DataDir:     dataDir,
		GinMode:     ginMode,
		SyncBaseURL: syncBaseURL,
		LocalDBPath: localDBPath,

		RateRPS:   envFloat("RATE_LIMIT_RPS", 5),
		RateBurst: envInt("RATE_LIMIT_BURST", 10),

		MaxShards:       envInt("MAX_SHARDS", 256),
		MaxShardBytes:   envInt("MAX_SHARD_BYTES", 256*1024),
		MaxPayloadBytes: envInt("MAX_PAYLOAD_BYTES", 2*1024*1024),

		DebounceInterval: envDuration("SYNC_DEBOUNCE", 2*time.Second),
		RequestTimeout:   envDuration("SYNC_REQUEST_TIMEOUT", 20*time.Second),
		WorkerTimeout:    envDuration("SYNC_WORKER_TIMEOUT", 30*time.Second),
		MaxRetries:       envInt("SYNC_MAX_RETRIES", 5),
	}
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

func envFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := time.ParseDuration(raw)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
