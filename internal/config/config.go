package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppPort  string
	LogLevel string

	PostgresDSN string
	RedisAddr   string

	BasicAuthUser string
	BasicAuthPass string

	// 全局 tick：各数据源按自己的 cadence 判断是否到期
	TickSpec              string
	WarmupDelay           time.Duration
	MaxConcurrentScrapers int

	FetchTimeout       time.Duration
	ContentWaitTimeout time.Duration
	SettleDelay        time.Duration
	UserAgent          string

	ChromePath      string
	BrowserMaxPages int

	ReadabilityFallback bool

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	AITimeout     time.Duration

	SeedFile string
}

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var defaults = map[string]any{
	"app_port":                "9000",
	"log_level":               "info",
	"postgres_dsn":            "host=localhost user=sourcepulse password=sourcepulse dbname=sourcepulse port=5432 sslmode=disable TimeZone=UTC",
	"redis_addr":              "localhost:6380",
	"app_basic_user":          "",
	"app_basic_pass":          "",
	"tick_spec":               "@every 15m",
	"warmup_delay":            "15s",
	"max_concurrent_scrapers": 3,
	"fetch_timeout":           "30s",
	"content_wait_timeout":    "10s",
	"settle_delay":            "2s",
	"user_agent":              DefaultUserAgent,
	"chrome_path":             "",
	"browser_max_pages":       3,
	"readability_fallback":    true,
	"openai_api_key":          "",
	"openai_base_url":         "",
	"openai_model":            "gpt-4o-mini",
	"ai_timeout":              "30s",
	"seed_file":               "",
}

// Load 读取默认值 → 可选配置文件（CONFIG_FILE）→ 环境变量，后者覆盖前者
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		AppPort:               v.GetString("app_port"),
		LogLevel:              v.GetString("log_level"),
		PostgresDSN:           v.GetString("postgres_dsn"),
		RedisAddr:             v.GetString("redis_addr"),
		BasicAuthUser:         v.GetString("app_basic_user"),
		BasicAuthPass:         v.GetString("app_basic_pass"),
		TickSpec:              v.GetString("tick_spec"),
		WarmupDelay:           v.GetDuration("warmup_delay"),
		MaxConcurrentScrapers: v.GetInt("max_concurrent_scrapers"),
		FetchTimeout:          v.GetDuration("fetch_timeout"),
		ContentWaitTimeout:    v.GetDuration("content_wait_timeout"),
		SettleDelay:           v.GetDuration("settle_delay"),
		UserAgent:             v.GetString("user_agent"),
		ChromePath:            v.GetString("chrome_path"),
		BrowserMaxPages:       v.GetInt("browser_max_pages"),
		ReadabilityFallback:   v.GetBool("readability_fallback"),
		OpenAIAPIKey:          v.GetString("openai_api_key"),
		OpenAIBaseURL:         v.GetString("openai_base_url"),
		OpenAIModel:           v.GetString("openai_model"),
		AITimeout:             v.GetDuration("ai_timeout"),
		SeedFile:              v.GetString("seed_file"),
	}
	cfg.clamp()
	return cfg, nil
}

// clamp 把非法数值拉回可用范围，避免 0 并发或 0 超时导致调度卡死
func (c *Config) clamp() {
	if c.MaxConcurrentScrapers <= 0 {
		c.MaxConcurrentScrapers = 3
	}
	if c.BrowserMaxPages <= 0 {
		c.BrowserMaxPages = c.MaxConcurrentScrapers
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.ContentWaitTimeout <= 0 {
		c.ContentWaitTimeout = 10 * time.Second
	}
	if c.AITimeout <= 0 {
		c.AITimeout = 30 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.WarmupDelay < 0 {
		c.WarmupDelay = 0
	}
	if strings.TrimSpace(c.TickSpec) == "" {
		c.TickSpec = "@every 15m"
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
}

// AIEnabled 是否配置了外部 AI 摘要
func (c *Config) AIEnabled() bool {
	return strings.TrimSpace(c.OpenAIAPIKey) != ""
}
