package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App        AppConfig        `json:"app"`
	MySQL      MySQLConfig      `json:"mysql"`
	Redis      RedisConfig      `json:"redis"`
	Browser    BrowserConfig    `json:"browser"`
	Competitor CompetitorConfig `json:"competitor"`
	Sources    SourcesConfig    `json:"sources"`
	Email      EmailConfig      `json:"email"`
	Security   SecurityConfig   `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env           string        `json:"env"`            // 运行环境: local / prod
	LogLevel      string        `json:"log_level"`      // 日志级别: debug / info / warn / error
	HTTPAddr      string        `json:"http_addr"`      // API 服务监听地址
	MetricsAddr   string        `json:"metrics_addr"`   // Prometheus 指标监听地址
	KeyPrefix     string        `json:"key_prefix"`     // Redis key 前缀
	MaxItems      int           `json:"max_items"`      // 最多跟踪的商品数
	SchedulerTick time.Duration `json:"scheduler_tick"` // 定时刷新检查间隔（如 "1m"）
	RateLimit     float64       `json:"rate_limit"`     // 零售商请求限流速率（token/s），0 表示不限流
	RateBurst     float64       `json:"rate_burst"`     // 限流桶容量
	Timezone      string        `json:"timezone"`       // 价格历史"今天"所在时区（IANA 名称）

	NotifyDedupWindow time.Duration `json:"notify_dedup_window"` // 相同通知的去重窗口
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串，为空时使用内存存储
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
	DB       int    `json:"db"`
}

// BrowserConfig 浏览器配置。
type BrowserConfig struct {
	BinPath           string        `json:"bin_path"`           // 浏览器可执行文件路径
	ProxyURL          string        `json:"proxy_url"`          // 代理服务器 URL
	Headless          bool          `json:"headless"`           // 是否使用无头模式
	UserAgent         string        `json:"user_agent"`         // 覆盖的 UA
	PageTimeout       time.Duration `json:"page_timeout"`       // 页面创建/导航超时
	RetailerTimeout   time.Duration `json:"retailer_timeout"`   // 零售商会话保险丝
	CompetitorTimeout time.Duration `json:"competitor_timeout"` // 比价站会话保险丝
}

// CompetitorConfig 比价站抓取配置。
type CompetitorConfig struct {
	BaseURL      string        `json:"base_url"`      // 比价站首页
	SearchPath   string        `json:"search_path"`   // 搜索路径，%s 为关键词
	DelayMin     time.Duration `json:"delay_min"`     // 两次抓取之间的最小间隔
	DelayMax     time.Duration `json:"delay_max"`     // 两次抓取之间的最大间隔
	PollInterval time.Duration `json:"poll_interval"` // 暂停时的轮询间隔
	Freshness    time.Duration `json:"freshness"`     // 历史数据有效期，过期才重新抓取
	UseSlot      bool          `json:"use_slot"`      // 是否启用跨进程抓取槽位
	SlotTTL      time.Duration `json:"slot_ttl"`      // 槽位租约时长
	CacheTTL     time.Duration `json:"cache_ttl"`     // 搜索结果缓存时长
	CacheSize    int           `json:"cache_size"`    // 搜索结果缓存条数

	HistoryWait     time.Duration `json:"history_wait"`      // 点击价格历史后等待数据的最长时间
	DisableFastExit bool          `json:"disable_fast_exit"` // 没有价格历史按钮时也等满 HistoryWait
}

// SourcesConfig 外部价格数据源配置。
type SourcesConfig struct {
	ExternalBaseURL   string        `json:"external_base_url"`   // 第三方价格 API
	ExternalRPS       float64       `json:"external_rps"`        // 第三方 API 每秒请求数
	FirstPartyBaseURL string        `json:"first_party_base_url"` // 自有价格服务器，为空表示禁用
	HTTPTimeout       time.Duration `json:"http_timeout"`
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 通知接收人，为空时只写日志
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"` // JWT 签名密钥，为空时关闭鉴权
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败或校验失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// 应用默认值（对于未设置的字段）
	applyDefaults(cfg)

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate 校验配置的取值范围。
func (c *Config) Validate() error {
	if c.App.MaxItems < 1 {
		return errors.New("app.max_items must be at least 1")
	}
	if c.Competitor.DelayMin < 0 || c.Competitor.DelayMax < c.Competitor.DelayMin {
		return fmt.Errorf("competitor delay window invalid: [%s, %s]", c.Competitor.DelayMin, c.Competitor.DelayMax)
	}
	if c.App.RateLimit < 0 || c.App.RateBurst < 0 {
		return errors.New("app.rate_limit and app.rate_burst must not be negative")
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("app.timezone %q: %w", c.App.Timezone, err)
	}
	return nil
}

// Location 返回 app.timezone 对应的时区，无法加载时退回 UTC。
func (a AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:           "local",
			LogLevel:      "info",
			HTTPAddr:      ":8081",
			MetricsAddr:   ":2112",
			KeyPrefix:     "fiyattakibi",
			MaxItems:      100,
			SchedulerTick: time.Minute,
			RateLimit:     1,
			RateBurst:     3,
			Timezone:      "Europe/Istanbul",

			NotifyDedupWindow: 6 * time.Hour,
		},
		MySQL: MySQLConfig{
			DSN: "",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Browser: BrowserConfig{
			Headless:          true,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			PageTimeout:       30 * time.Second,
			RetailerTimeout:   30 * time.Second,
			CompetitorTimeout: 45 * time.Second,
		},
		Competitor: CompetitorConfig{
			BaseURL:      "https://www.akakce.com",
			SearchPath:   "/arama/?q=%s",
			DelayMin:     15 * time.Second,
			DelayMax:     20 * time.Second,
			PollInterval: time.Second,
			Freshness:    24 * time.Hour,
			UseSlot:      false,
			SlotTTL:      2 * time.Minute,
			CacheTTL:     6 * time.Hour,
			CacheSize:    256,

			HistoryWait: 10 * time.Second,
		},
		Sources: SourcesConfig{
			ExternalBaseURL:   "https://apiv2.yaniyo.com",
			ExternalRPS:       2,
			FirstPartyBaseURL: "",
			HTTPTimeout:       15 * time.Second,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.KeyPrefix == "" {
		cfg.App.KeyPrefix = defaults.App.KeyPrefix
	}
	if cfg.App.MaxItems == 0 {
		cfg.App.MaxItems = defaults.App.MaxItems
	}
	if cfg.App.SchedulerTick == 0 {
		cfg.App.SchedulerTick = defaults.App.SchedulerTick
	}
	if cfg.App.Timezone == "" {
		cfg.App.Timezone = defaults.App.Timezone
	}
	if cfg.App.NotifyDedupWindow == 0 {
		cfg.App.NotifyDedupWindow = defaults.App.NotifyDedupWindow
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Browser.UserAgent == "" {
		cfg.Browser.UserAgent = defaults.Browser.UserAgent
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.Browser.RetailerTimeout == 0 {
		cfg.Browser.RetailerTimeout = defaults.Browser.RetailerTimeout
	}
	if cfg.Browser.CompetitorTimeout == 0 {
		cfg.Browser.CompetitorTimeout = defaults.Browser.CompetitorTimeout
	}
	if cfg.Competitor.BaseURL == "" {
		cfg.Competitor.BaseURL = defaults.Competitor.BaseURL
	}
	if cfg.Competitor.SearchPath == "" {
		cfg.Competitor.SearchPath = defaults.Competitor.SearchPath
	}
	// 两端都未设置时才使用默认窗口，避免把显式的 0 秒间隔改掉
	if cfg.Competitor.DelayMin == 0 && cfg.Competitor.DelayMax == 0 {
		cfg.Competitor.DelayMin = defaults.Competitor.DelayMin
		cfg.Competitor.DelayMax = defaults.Competitor.DelayMax
	}
	if cfg.Competitor.PollInterval == 0 {
		cfg.Competitor.PollInterval = defaults.Competitor.PollInterval
	}
	if cfg.Competitor.Freshness == 0 {
		cfg.Competitor.Freshness = defaults.Competitor.Freshness
	}
	if cfg.Competitor.SlotTTL == 0 {
		cfg.Competitor.SlotTTL = defaults.Competitor.SlotTTL
	}
	if cfg.Competitor.CacheTTL == 0 {
		cfg.Competitor.CacheTTL = defaults.Competitor.CacheTTL
	}
	if cfg.Competitor.CacheSize == 0 {
		cfg.Competitor.CacheSize = defaults.Competitor.CacheSize
	}
	if cfg.Competitor.HistoryWait == 0 {
		cfg.Competitor.HistoryWait = defaults.Competitor.HistoryWait
	}
	if cfg.Sources.ExternalBaseURL == "" {
		cfg.Sources.ExternalBaseURL = defaults.Sources.ExternalBaseURL
	}
	if cfg.Sources.ExternalRPS == 0 {
		cfg.Sources.ExternalRPS = defaults.Sources.ExternalRPS
	}
	if cfg.Sources.HTTPTimeout == 0 {
		cfg.Sources.HTTPTimeout = defaults.Sources.HTTPTimeout
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_MAX_ITEMS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.MaxItems = i
		}
	}
	if v := os.Getenv("APP_SCHEDULER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.SchedulerTick = d
		}
	}
	if v := os.Getenv("APP_TIMEZONE"); v != "" {
		cfg.App.Timezone = v
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}

	if v := os.Getenv("COMPETITOR_BASE_URL"); v != "" {
		cfg.Competitor.BaseURL = v
	}
	if v := os.Getenv("COMPETITOR_DELAY_MIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Competitor.DelayMin = d
		}
	}
	if v := os.Getenv("COMPETITOR_DELAY_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Competitor.DelayMax = d
		}
	}
	if v := os.Getenv("COMPETITOR_FRESHNESS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Competitor.Freshness = d
		}
	}
	if v := os.Getenv("COMPETITOR_USE_SLOT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Competitor.UseSlot = b
		}
	}

	if v := os.Getenv("SOURCES_EXTERNAL_BASE_URL"); v != "" {
		cfg.Sources.ExternalBaseURL = v
	}
	if v := os.Getenv("SOURCES_FIRST_PARTY_BASE_URL"); v != "" {
		cfg.Sources.FirstPartyBaseURL = v
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.Browser.ProxyURL = v
	} else if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("NOTIFY_TO"); v != "" {
		cfg.Email.ToEmail = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func defaultMySQLConfig() *mysql.Config {
	return &mysql.Config{
		User:                 "root",
		Net:                  "tcp",
		Addr:                 "localhost:3306",
		DBName:               "fiyattakibi",
		AllowNativePasswords: true,
		ParseTime:            true,
		Loc:                  time.UTC,
	}
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn == "" {
		return defaultMySQLConfig()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return defaultMySQLConfig()
	}
	return parsed
}

// parseDurations 把 JSON 中的字符串时长写入对应字段，空字符串保留原值。
func parseDurations(fields map[string]*string, targets map[string]*time.Duration) error {
	for name, raw := range fields {
		if raw == nil || *raw == "" {
			continue
		}
		d, err := time.ParseDuration(*raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		*targets[name] = d
	}
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		SchedulerTick     string `json:"scheduler_tick"`
		NotifyDedupWindow string `json:"notify_dedup_window"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(
		map[string]*string{"scheduler_tick": &aux.SchedulerTick, "notify_dedup_window": &aux.NotifyDedupWindow},
		map[string]*time.Duration{"scheduler_tick": &a.SchedulerTick, "notify_dedup_window": &a.NotifyDedupWindow},
	)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		SchedulerTick     string `json:"scheduler_tick"`
		NotifyDedupWindow string `json:"notify_dedup_window"`
		*Alias
	}{
		SchedulerTick:     a.SchedulerTick.String(),
		NotifyDedupWindow: a.NotifyDedupWindow.String(),
		Alias:             (*Alias)(&a),
	})
}

func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageTimeout       string `json:"page_timeout"`
		RetailerTimeout   string `json:"retailer_timeout"`
		CompetitorTimeout string `json:"competitor_timeout"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(
		map[string]*string{
			"page_timeout":       &aux.PageTimeout,
			"retailer_timeout":   &aux.RetailerTimeout,
			"competitor_timeout": &aux.CompetitorTimeout,
		},
		map[string]*time.Duration{
			"page_timeout":       &b.PageTimeout,
			"retailer_timeout":   &b.RetailerTimeout,
			"competitor_timeout": &b.CompetitorTimeout,
		},
	)
}

func (b BrowserConfig) MarshalJSON() ([]byte, error) {
	type Alias BrowserConfig
	return json.Marshal(&struct {
		PageTimeout       string `json:"page_timeout"`
		RetailerTimeout   string `json:"retailer_timeout"`
		CompetitorTimeout string `json:"competitor_timeout"`
		*Alias
	}{
		PageTimeout:       b.PageTimeout.String(),
		RetailerTimeout:   b.RetailerTimeout.String(),
		CompetitorTimeout: b.CompetitorTimeout.String(),
		Alias:             (*Alias)(&b),
	})
}

func (c *CompetitorConfig) UnmarshalJSON(data []byte) error {
	type Alias CompetitorConfig
	aux := &struct {
		DelayMin     string `json:"delay_min"`
		DelayMax     string `json:"delay_max"`
		PollInterval string `json:"poll_interval"`
		Freshness    string `json:"freshness"`
		SlotTTL      string `json:"slot_ttl"`
		CacheTTL     string `json:"cache_ttl"`
		HistoryWait  string `json:"history_wait"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(
		map[string]*string{
			"delay_min":     &aux.DelayMin,
			"delay_max":     &aux.DelayMax,
			"poll_interval": &aux.PollInterval,
			"freshness":     &aux.Freshness,
			"slot_ttl":      &aux.SlotTTL,
			"cache_ttl":     &aux.CacheTTL,
			"history_wait":  &aux.HistoryWait,
		},
		map[string]*time.Duration{
			"delay_min":     &c.DelayMin,
			"delay_max":     &c.DelayMax,
			"poll_interval": &c.PollInterval,
			"freshness":     &c.Freshness,
			"slot_ttl":      &c.SlotTTL,
			"cache_ttl":     &c.CacheTTL,
			"history_wait":  &c.HistoryWait,
		},
	)
}

func (c CompetitorConfig) MarshalJSON() ([]byte, error) {
	type Alias CompetitorConfig
	return json.Marshal(&struct {
		DelayMin     string `json:"delay_min"`
		DelayMax     string `json:"delay_max"`
		PollInterval string `json:"poll_interval"`
		Freshness    string `json:"freshness"`
		SlotTTL      string `json:"slot_ttl"`
		CacheTTL     string `json:"cache_ttl"`
		HistoryWait  string `json:"history_wait"`
		*Alias
	}{
		DelayMin:     c.DelayMin.String(),
		DelayMax:     c.DelayMax.String(),
		PollInterval: c.PollInterval.String(),
		Freshness:    c.Freshness.String(),
		SlotTTL:      c.SlotTTL.String(),
		CacheTTL:     c.CacheTTL.String(),
		HistoryWait:  c.HistoryWait.String(),
		Alias:        (*Alias)(&c),
	})
}

func (s *SourcesConfig) UnmarshalJSON(data []byte) error {
	type Alias SourcesConfig
	aux := &struct {
		HTTPTimeout string `json:"http_timeout"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(
		map[string]*string{"http_timeout": &aux.HTTPTimeout},
		map[string]*time.Duration{"http_timeout": &s.HTTPTimeout},
	)
}

func (s SourcesConfig) MarshalJSON() ([]byte, error) {
	type Alias SourcesConfig
	return json.Marshal(&struct {
		HTTPTimeout string `json:"http_timeout"`
		*Alias
	}{
		HTTPTimeout: s.HTTPTimeout.String(),
		Alias:       (*Alias)(&s),
	})
}
