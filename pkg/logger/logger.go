package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// currentLogFile 当前日志文件路径
	currentLogFile string
	// currentDay 当前按天命名使用的日期（YYYYMMDD）
	currentDay string
	// savedConfig 保存的日志配置（用于按天切换）
	savedConfig Config
	// logMu 日志文件切换锁
	logMu sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string         // 日志级别: debug, info, warn, error
	OutputFile string         // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int            // 日志文件最大大小（MB）
	MaxBackups int            // 保留的旧日志文件数量
	MaxAge     int            // 保留旧日志文件的天数
	Compress   bool           // 是否压缩旧日志文件
	LogByDay   bool           // 是否按交易日命名日志文件
	Location   *time.Location // 交易日时区（默认本地时区）
	Formatter  string         // text（默认）或 json
}

func (c Config) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.Local
}

// dayOf 返回配置时区下的交易日
func dayOf(c Config, t time.Time) string {
	return t.In(c.location()).Format("20060102")
}

// getLogFileName 根据交易日生成日志文件名：logs/omgate.log -> logs/omgate_20261015.log
func getLogFileName(basePath, day string) string {
	dir := filepath.Dir(basePath)
	baseName := filepath.Base(basePath)
	ext := filepath.Ext(baseName)
	nameWithoutExt := baseName[:len(baseName)-len(ext)]

	name := fmt.Sprintf("%s_%s%s", nameWithoutExt, day, ext)
	if dir == "." || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func newFormatter(c Config) logrus.Formatter {
	if c.Formatter == "json" {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // 格式: yy-mm-dd HH:MM:ss
		ForceColors:     true,
	}
}

// build 构建 logger 并同步到全局 logrus（调用方持有 logMu）
func build(config Config, logFilePath string) error {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(newFormatter(config))

	writers := []io.Writer{os.Stdout}
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
	}
	currentLogFile = logFilePath

	multiWriter := io.MultiWriter(writers...)
	logger.SetOutput(multiWriter)

	// 各组件通过 logrus.WithField("component", ...) 取 logger，这里同步全局输出
	logrus.SetOutput(multiWriter)
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter(config))

	Logger = logger
	return nil
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	savedConfig = config
	logFilePath := config.OutputFile
	if logFilePath != "" && config.LogByDay {
		currentDay = dayOf(config, time.Now())
		logFilePath = getLogFileName(config.OutputFile, currentDay)
	}
	return build(config, logFilePath)
}

// CheckAndRotateLog 交易日变化时切换日志文件
func CheckAndRotateLog(now time.Time) error {
	logMu.Lock()
	defer logMu.Unlock()

	if !savedConfig.LogByDay || savedConfig.OutputFile == "" {
		return nil
	}
	day := dayOf(savedConfig, now)
	if day == currentDay {
		return nil
	}
	old := currentLogFile
	currentDay = day
	if err := build(savedConfig, getLogFileName(savedConfig.OutputFile, day)); err != nil {
		return err
	}
	Logger.Infof("日志文件已切换到新交易日: %s -> %s", old, currentLogFile)
	return nil
}

// InitDefault 使用默认配置初始化日志系统
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/omgate.log",
		MaxSize:    100, // 100MB
		MaxBackups: 3,
		MaxAge:     7, // 7天
		Compress:   true,
		LogByDay:   true,
	})
}

// StartLogRotationChecker 启动按天切换检查（后台任务），done 关闭时退出
func StartLogRotationChecker(done <-chan struct{}) {
	logMu.Lock()
	enabled := savedConfig.LogByDay && savedConfig.OutputFile != ""
	logMu.Unlock()
	if !enabled {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Minute) // 每分钟检查一次
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				if err := CheckAndRotateLog(now); err != nil {
					Errorf("检查日志轮转失败: %v", err)
				}
			}
		}
	}()
}

// Debugf 记录格式化的 DEBUG 级别日志
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// Info 记录 INFO 级别日志
func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// Warnf 记录格式化的 WARN 级别日志
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField(key, value)
	}
	return logrus.WithField(key, value)
}

// GetCurrentLogFile 获取当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
