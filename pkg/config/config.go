package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // 容器镜像可能缺少系统时区库

	"gopkg.in/yaml.v3"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string // 日志级别
	File       string // 日志文件路径（可选）
	MaxSize    int    // 单文件最大大小（MB）
	MaxBackups int
	MaxAge     int // 天
	Compress   bool
	ByDay      bool   // 按交易日命名日志文件
	Format     string // text / json
}

// PersistenceConfig 快照持久化配置
type PersistenceConfig struct {
	Backend       string // json / badger
	Dir           string // 快照目录（json）或数据目录（badger）
	EncryptionKey string // badger 加密密钥（hex/base64，可选）
}

// BrokerConfig 上游券商连接配置
type BrokerConfig struct {
	Mode          string  // paper / live
	RestURL       string  // 下单/撤单/查询 REST 地址
	WSURL         string  // 回报与行情 WebSocket 地址
	AppKey        string  // 应用 key
	AppSecret     string  // 应用 secret
	AccessToken   string  // 访问令牌（刷新由外部负责）
	Account       string  // 账户号
	RatePerSecond float64 // REST 每秒请求上限
	PaperFill     bool    // paper 模式下市价单是否自动全部成交
	PaperCash     float64 // paper 模式可用资金（最大可下单数量）
}

// Config 应用配置
type Config struct {
	ServiceName          string            // 快照 key 与日志字段
	Listen               string            // agent TCP 监听地址
	ControlListen        string            // 运维 HTTP 监听地址（空则不启用）
	Timezone             string            // 交易日时区
	Location             *time.Location    // 由 Timezone 解析
	RetentionDays        int               // 快照保留天数
	PersistInterval      time.Duration     // 快照间隔
	PendingNoticeTimeout time.Duration     // pending_trns 超时告警阈值
	SweepInterval        time.Duration     // 超时扫描间隔
	SyncWarnAfter        time.Duration     // 同步持锁超过该时长告警
	SyncTimeout          time.Duration     // 同步持锁超时强制释放（0 = 不强制）
	AckWaitTimeout       time.Duration     // sync_complete 等待 ACK 的上限
	MaxFrameBytes        int               // 单帧最大字节数
	MaxOutboundQueue     int               // 每连接发送队列上限（0 = 无界）
	SubmitDedupeTTL      time.Duration     // 同一 unique_id 重复提交的拦截窗口
	SubmitTimeout        time.Duration     // 单次上游提交的上限
	BacklogAlarmAt       int               // 积压告警阈值
	AlarmDB              string            // 告警 sqlite 路径
	Persistence          PersistenceConfig
	Broker               BrokerConfig
	Log                  LogConfig
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）
type ConfigFile struct {
	ServiceName          string  `yaml:"service_name" json:"service_name"`
	Listen               string  `yaml:"listen" json:"listen"`
	ControlListen        *string `yaml:"control_listen" json:"control_listen"` // 显式配置为空表示关闭
	Timezone             string  `yaml:"timezone" json:"timezone"`
	RetentionDays        int     `yaml:"retention_days" json:"retention_days"`
	PersistInterval      string  `yaml:"persist_interval" json:"persist_interval"`
	PendingNoticeTimeout string  `yaml:"pending_notice_timeout" json:"pending_notice_timeout"`
	SweepInterval        string  `yaml:"sweep_interval" json:"sweep_interval"`
	SyncWarnAfter        string  `yaml:"sync_warn_after" json:"sync_warn_after"`
	SyncTimeout          string  `yaml:"sync_timeout" json:"sync_timeout"`
	AckWaitTimeout       string  `yaml:"ack_wait_timeout" json:"ack_wait_timeout"`
	MaxFrameBytes        int     `yaml:"max_frame_bytes" json:"max_frame_bytes"`
	MaxOutboundQueue     int     `yaml:"max_outbound_queue" json:"max_outbound_queue"`
	SubmitDedupeTTL      string  `yaml:"submit_dedupe_ttl" json:"submit_dedupe_ttl"`
	SubmitTimeout        string  `yaml:"submit_timeout" json:"submit_timeout"`
	BacklogAlarmAt       int     `yaml:"backlog_alarm_at" json:"backlog_alarm_at"`
	AlarmDB              string  `yaml:"alarm_db" json:"alarm_db"`
	Persistence          struct {
		Backend       string `yaml:"backend" json:"backend"`
		Dir           string `yaml:"dir" json:"dir"`
		EncryptionKey string `yaml:"encryption_key" json:"encryption_key"`
	} `yaml:"persistence" json:"persistence"`
	Broker struct {
		Mode          string  `yaml:"mode" json:"mode"`
		RestURL       string  `yaml:"rest_url" json:"rest_url"`
		WSURL         string  `yaml:"ws_url" json:"ws_url"`
		AppKey        string  `yaml:"app_key" json:"app_key"`
		AppSecret     string  `yaml:"app_secret" json:"app_secret"`
		AccessToken   string  `yaml:"access_token" json:"access_token"`
		Account       string  `yaml:"account" json:"account"`
		RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
		PaperFill     *bool   `yaml:"paper_fill" json:"paper_fill"`
		PaperCash     float64 `yaml:"paper_cash" json:"paper_cash"`
	} `yaml:"broker" json:"broker"`
	Log struct {
		Level      string `yaml:"level" json:"level"`
		File       string `yaml:"file" json:"file"`
		MaxSize    int    `yaml:"max_size" json:"max_size"`
		MaxBackups int    `yaml:"max_backups" json:"max_backups"`
		MaxAge     int    `yaml:"max_age" json:"max_age"`
		Compress   bool   `yaml:"compress" json:"compress"`
		ByDay      bool   `yaml:"by_day" json:"by_day"`
		Format     string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
}

// Default 返回全部默认值
func Default() *Config {
	return &Config{
		ServiceName:          "omgate",
		Listen:               ":7800",
		ControlListen:        ":7801",
		Timezone:             "Asia/Seoul",
		RetentionDays:        7,
		PersistInterval:      30 * time.Minute,
		PendingNoticeTimeout: 5 * time.Minute,
		SweepInterval:        time.Minute,
		SyncWarnAfter:        30 * time.Second,
		SyncTimeout:          0,
		AckWaitTimeout:       30 * time.Second,
		MaxFrameBytes:        4 << 20,
		MaxOutboundQueue:     0,
		SubmitDedupeTTL:      10 * time.Second,
		SubmitTimeout:        30 * time.Second,
		BacklogAlarmAt:       1000,
		AlarmDB:              "data/alarms.db",
		Persistence: PersistenceConfig{
			Backend: "json",
			Dir:     "data/snapshots",
		},
		Broker: BrokerConfig{
			Mode:          "paper",
			RatePerSecond: 15,
			PaperFill:     true,
			PaperCash:     100_000_000,
		},
		Log: LogConfig{
			Level:      "info",
			File:       "logs/omgate.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
			ByDay:      true,
			Format:     "text",
		},
	}
}

// Load 从 SetConfigPath 设置的路径加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置（优先级：环境变量 > 配置文件 > 默认值）
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		configFile, err := loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
		if err := cfg.applyFile(configFile); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 %s: %w", filePath, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("无效的时区 %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	globalConfig = cfg
	configFilePath = filePath
	return cfg, nil
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

func (c *Config) applyFile(cf *ConfigFile) error {
	c.ServiceName = getValueFromSources(c.ServiceName, cf.ServiceName)
	c.Listen = getValueFromSources(c.Listen, cf.Listen)
	if cf.ControlListen != nil {
		c.ControlListen = *cf.ControlListen
	}
	c.Timezone = getValueFromSources(c.Timezone, cf.Timezone)
	c.RetentionDays = getIntFromSources(c.RetentionDays, cf.RetentionDays)
	c.MaxFrameBytes = getIntFromSources(c.MaxFrameBytes, cf.MaxFrameBytes)
	c.MaxOutboundQueue = getIntFromSources(c.MaxOutboundQueue, cf.MaxOutboundQueue)
	c.BacklogAlarmAt = getIntFromSources(c.BacklogAlarmAt, cf.BacklogAlarmAt)
	c.AlarmDB = getValueFromSources(c.AlarmDB, cf.AlarmDB)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"persist_interval", cf.PersistInterval, &c.PersistInterval},
		{"pending_notice_timeout", cf.PendingNoticeTimeout, &c.PendingNoticeTimeout},
		{"sweep_interval", cf.SweepInterval, &c.SweepInterval},
		{"sync_warn_after", cf.SyncWarnAfter, &c.SyncWarnAfter},
		{"sync_timeout", cf.SyncTimeout, &c.SyncTimeout},
		{"ack_wait_timeout", cf.AckWaitTimeout, &c.AckWaitTimeout},
		{"submit_dedupe_ttl", cf.SubmitDedupeTTL, &c.SubmitDedupeTTL},
		{"submit_timeout", cf.SubmitTimeout, &c.SubmitTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s 格式错误 %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}

	c.Persistence.Backend = getValueFromSources(c.Persistence.Backend, cf.Persistence.Backend)
	c.Persistence.Dir = getValueFromSources(c.Persistence.Dir, cf.Persistence.Dir)
	c.Persistence.EncryptionKey = getValueFromSources(c.Persistence.EncryptionKey, cf.Persistence.EncryptionKey)

	c.Broker.Mode = getValueFromSources(c.Broker.Mode, cf.Broker.Mode)
	c.Broker.RestURL = getValueFromSources(c.Broker.RestURL, cf.Broker.RestURL)
	c.Broker.WSURL = getValueFromSources(c.Broker.WSURL, cf.Broker.WSURL)
	c.Broker.AppKey = getValueFromSources(c.Broker.AppKey, cf.Broker.AppKey)
	c.Broker.AppSecret = getValueFromSources(c.Broker.AppSecret, cf.Broker.AppSecret)
	c.Broker.AccessToken = getValueFromSources(c.Broker.AccessToken, cf.Broker.AccessToken)
	c.Broker.Account = getValueFromSources(c.Broker.Account, cf.Broker.Account)
	if cf.Broker.RatePerSecond > 0 {
		c.Broker.RatePerSecond = cf.Broker.RatePerSecond
	}
	if cf.Broker.PaperFill != nil {
		c.Broker.PaperFill = *cf.Broker.PaperFill
	}
	if cf.Broker.PaperCash > 0 {
		c.Broker.PaperCash = cf.Broker.PaperCash
	}

	c.Log.Level = getValueFromSources(c.Log.Level, cf.Log.Level)
	c.Log.File = getValueFromSources(c.Log.File, cf.Log.File)
	c.Log.MaxSize = getIntFromSources(c.Log.MaxSize, cf.Log.MaxSize)
	c.Log.MaxBackups = getIntFromSources(c.Log.MaxBackups, cf.Log.MaxBackups)
	c.Log.MaxAge = getIntFromSources(c.Log.MaxAge, cf.Log.MaxAge)
	c.Log.Format = getValueFromSources(c.Log.Format, cf.Log.Format)
	c.Log.Compress = c.Log.Compress || cf.Log.Compress
	c.Log.ByDay = c.Log.ByDay || cf.Log.ByDay
	return nil
}

func (c *Config) applyEnv() error {
	c.ServiceName = getEnv("OMGATE_SERVICE_NAME", c.ServiceName)
	c.Listen = getEnv("OMGATE_LISTEN", c.Listen)
	if v, ok := os.LookupEnv("OMGATE_CONTROL_LISTEN"); ok {
		c.ControlListen = v
	}
	c.Timezone = getEnv("OMGATE_TIMEZONE", c.Timezone)
	c.RetentionDays = parseIntEnv("OMGATE_RETENTION_DAYS", c.RetentionDays)
	c.MaxOutboundQueue = parseIntEnv("OMGATE_MAX_OUTBOUND_QUEUE", c.MaxOutboundQueue)
	c.AlarmDB = getEnv("OMGATE_ALARM_DB", c.AlarmDB)

	var err error
	if c.PersistInterval, err = parseDurationEnv("OMGATE_PERSIST_INTERVAL", c.PersistInterval); err != nil {
		return err
	}
	if c.PendingNoticeTimeout, err = parseDurationEnv("OMGATE_PENDING_NOTICE_TIMEOUT", c.PendingNoticeTimeout); err != nil {
		return err
	}
	if c.SyncTimeout, err = parseDurationEnv("OMGATE_SYNC_TIMEOUT", c.SyncTimeout); err != nil {
		return err
	}

	c.Persistence.Backend = getEnv("OMGATE_PERSISTENCE_BACKEND", c.Persistence.Backend)
	c.Persistence.Dir = getEnv("OMGATE_PERSISTENCE_DIR", c.Persistence.Dir)
	c.Persistence.EncryptionKey = getEnv("OMGATE_PERSISTENCE_KEY", c.Persistence.EncryptionKey)

	c.Broker.Mode = getEnv("OMGATE_BROKER_MODE", c.Broker.Mode)
	c.Broker.RestURL = getEnv("OMGATE_BROKER_REST_URL", c.Broker.RestURL)
	c.Broker.WSURL = getEnv("OMGATE_BROKER_WS_URL", c.Broker.WSURL)
	c.Broker.AppKey = getEnv("OMGATE_BROKER_APP_KEY", c.Broker.AppKey)
	c.Broker.AppSecret = getEnv("OMGATE_BROKER_APP_SECRET", c.Broker.AppSecret)
	c.Broker.AccessToken = getEnv("OMGATE_BROKER_ACCESS_TOKEN", c.Broker.AccessToken)
	c.Broker.Account = getEnv("OMGATE_BROKER_ACCOUNT", c.Broker.Account)
	c.Broker.RatePerSecond = parseFloatEnv("OMGATE_BROKER_RATE_PER_SECOND", c.Broker.RatePerSecond)
	c.Broker.PaperFill = parseBoolEnv("OMGATE_BROKER_PAPER_FILL", c.Broker.PaperFill)
	c.Broker.PaperCash = parseFloatEnv("OMGATE_BROKER_PAPER_CASH", c.Broker.PaperCash)

	c.Log.Level = getEnv("OMGATE_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("OMGATE_LOG_FILE", c.Log.File)
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("service_name 未配置")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen 未配置")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days 必须大于 0")
	}
	if c.PersistInterval <= 0 {
		return fmt.Errorf("persist_interval 必须大于 0")
	}
	if c.PendingNoticeTimeout <= 0 {
		return fmt.Errorf("pending_notice_timeout 必须大于 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval 必须大于 0")
	}
	if c.SyncTimeout < 0 {
		return fmt.Errorf("sync_timeout 不能为负数")
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("max_frame_bytes 不能小于 1024")
	}
	if c.MaxOutboundQueue < 0 {
		return fmt.Errorf("max_outbound_queue 不能为负数")
	}

	switch c.Persistence.Backend {
	case "json", "badger":
	default:
		return fmt.Errorf("未知的持久化后端: %s (支持 json, badger)", c.Persistence.Backend)
	}
	if c.Persistence.Dir == "" {
		return fmt.Errorf("persistence.dir 不能为空")
	}

	switch c.Broker.Mode {
	case "paper":
	case "live":
		if c.Broker.RestURL == "" {
			return fmt.Errorf("live 模式必须配置 broker.rest_url")
		}
		if c.Broker.WSURL == "" {
			return fmt.Errorf("live 模式必须配置 broker.ws_url")
		}
		if c.Broker.AppKey == "" {
			return fmt.Errorf("live 模式必须配置 broker.app_key")
		}
	default:
		return fmt.Errorf("未知的券商模式: %s (支持 paper, live)", c.Broker.Mode)
	}
	if c.Broker.PaperCash < 0 {
		return fmt.Errorf("broker.paper_cash 不能为负数")
	}
	if c.Broker.RatePerSecond < 0 {
		return fmt.Errorf("broker.rate_per_second 不能为负数")
	}
	return nil
}

func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var configFile ConfigFile
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}

	return &configFile, nil
}

// getValueFromSources 配置文件有值时覆盖默认值
func getValueFromSources(current, fileValue string) string {
	if fileValue != "" {
		return fileValue
	}
	return current
}

func getIntFromSources(current, fileValue int) int {
	if fileValue != 0 {
		return fileValue
	}
	return current
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseDurationEnv 解析时长环境变量，格式错误直接报错
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s 格式错误 %q: %w", key, value, err)
	}
	return parsed, nil
}
