// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/multi-agent/convo-sync/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// PostgreSQL
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// 订阅流 (transport feed)
	FeedURL             string `env:"FEED_URL" default:"ws://127.0.0.1:8799/feed"`
	FeedUserID          string `env:"FEED_USER_ID"`
	FeedReconnectMinMS  int    `env:"FEED_RECONNECT_MIN_MS" default:"500" min:"100"`
	FeedReconnectMaxMS  int    `env:"FEED_RECONNECT_MAX_MS" default:"15000" min:"1000"`
	FeedPingIntervalSec int    `env:"FEED_PING_INTERVAL_SEC" default:"20" min:"5"`

	// API
	APIListenAddr string `env:"API_LISTEN_ADDR" default:":8788"`

	// 历史加载
	HistoryPageSize int `env:"HISTORY_PAGE_SIZE" default:"200" min:"1"`
	ThreadPageSize  int `env:"THREAD_PAGE_SIZE" default:"30" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"LOG_DIR"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
