// This package defines a common config struct which can be used by any subsystem within courier.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Debug            bool   `yaml:"debug"`
	RootDir          string `yaml:"root_dir"`
	RequestTimeoutMs int64  `yaml:"request_timeout_ms"`
	LoggingPrefix    string `yaml:"logging_prefix"`
	ServiceURL       string `yaml:"service_url"`
	LocalName        string `yaml:"local_name"`
	LocalDeviceID    uint32 `yaml:"local_device_id"`
	AutoAcceptKeys   bool   `yaml:"auto_accept_keys"`
	SendReceipts     bool   `yaml:"send_receipts"`
	JobWorkers       int    `yaml:"job_workers"`
	JobRetryCount    int    `yaml:"job_retry_count"`
	PreKeyBatchSize  int    `yaml:"prekey_batch_size"`
	PreKeyMinimum    int    `yaml:"prekey_minimum"`
	writer           io.Writer
	fileErr          error
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

// Err reports a failure to read the file given to WithFile.
func (c Config) Err() error {
	return c.fileErr
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithServiceURL(u string) Option {
	return func(c *Config) {
		c.ServiceURL = u
	}
}

func WithLocalAddress(name string, deviceID uint32) Option {
	return func(c *Config) {
		c.LocalName = name
		c.LocalDeviceID = deviceID
	}
}

func WithAutoAcceptKeys(a bool) Option {
	return func(c *Config) {
		c.AutoAcceptKeys = a
	}
}

func WithSendReceipts(s bool) Option {
	return func(c *Config) {
		c.SendReceipts = s
	}
}

func WithJobWorkers(n int) Option {
	return func(c *Config) {
		c.JobWorkers = n
	}
}

func WithJobRetryCount(n int) Option {
	return func(c *Config) {
		c.JobRetryCount = n
	}
}

func WithPreKeyBatchSize(n int) Option {
	return func(c *Config) {
		c.PreKeyBatchSize = n
	}
}

// WithFile overlays the YAML document at path. Options after it still win.
func WithFile(path string) Option {
	return func(c *Config) {
		b, err := os.ReadFile(path) // #nosec G304
		if err != nil {
			c.fileErr = fmt.Errorf("config: error reading %s: %w", path, err)
			return
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			c.fileErr = fmt.Errorf("config: error parsing %s: %w", path, err)
		}
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:            os.Getenv("DEBUG") == "1",
		RequestTimeoutMs: 5000,
		LoggingPrefix:    "",
		RootDir:          ".",
		LocalDeviceID:    1,
		SendReceipts:     true,
		JobWorkers:       4,
		JobRetryCount:    5,
		PreKeyBatchSize:  100,
		PreKeyMinimum:    10,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
