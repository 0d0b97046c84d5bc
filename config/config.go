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
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// Unmatched receipts, reactions, deletes and edits are kept this long before a sweep drops them.
	PendingModifierTTLMs int64
	// Hard cap on buffered modifiers; the oldest are evicted first.
	PendingModifierMaxEntries int
	PendingSweepIntervalMs    int64

	// Delay before an unresolved quote or story reference is looked up again.
	QuoteRecheckDelayMs int64

	// Number of messages kept in the in-memory identity index.
	IdentityIndexSize int

	// Buffer size of the lifecycle event channel.
	UpdateBufferSize int

	// When false, reactions from others on our messages are stored but never produce notifications.
	NotifyOnReactions bool

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else if c.LoggingPrefix == "" {
		p = source
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
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	return logger.Sugar()
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

func WithPendingModifierTTLMs(n int64) Option {
	return func(c *Config) {
		c.PendingModifierTTLMs = n
	}
}

func WithPendingModifierMaxEntries(n int) Option {
	return func(c *Config) {
		c.PendingModifierMaxEntries = n
	}
}

func WithPendingSweepIntervalMs(n int64) Option {
	return func(c *Config) {
		c.PendingSweepIntervalMs = n
	}
}

func WithQuoteRecheckDelayMs(n int64) Option {
	return func(c *Config) {
		c.QuoteRecheckDelayMs = n
	}
}

func WithIdentityIndexSize(n int) Option {
	return func(c *Config) {
		c.IdentityIndexSize = n
	}
}

func WithUpdateBufferSize(n int) Option {
	return func(c *Config) {
		c.UpdateBufferSize = n
	}
}

func WithNotifyOnReactions(b bool) Option {
	return func(c *Config) {
		c.NotifyOnReactions = b
	}
}

// Disables the rotating log file, logging only to stdout.
func WithoutLogFile() Option {
	return func(c *Config) {
		c.writer = io.Discard
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                     os.Getenv("DEBUG") == "1",
		RootDir:                   ".",
		LoggingPrefix:             "",
		PendingModifierTTLMs:      48 * 60 * 60 * 1000,
		PendingModifierMaxEntries: 10000,
		PendingSweepIntervalMs:    60 * 1000,
		QuoteRecheckDelayMs:       30 * 1000,
		IdentityIndexSize:         2000,
		UpdateBufferSize:          100,
		NotifyOnReactions:         true,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	if c.writer == nil {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, "out.log"),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	} else if c.writer == io.Discard {
		c.writer = nil
	}
	return c
}
