// Copyright 2025 Harvex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	global = zap.NewNop().Sugar()
)

// ProviderSet is the Wire provider set for the log package.
var ProviderSet = wire.NewSet(ProvideLogger)

// Conf defines logger configuration.
type Conf struct {
	Output     string `mapstructure:"output"` // stdout | file
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	Level      string `mapstructure:"level"`
	RotateSize int    `mapstructure:"rotateSize"` // MB
	RotateNum  int    `mapstructure:"rotateNum"`
	KeepDays   int    `mapstructure:"keepDays"`
}

// SetDefaults fills unset fields with defaults.
func (c *Conf) SetDefaults() {
	if c.Output == "" {
		c.Output = "stdout"
	}
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Filename == "" {
		c.Filename = "harvex.log"
	}
	if c.RotateSize <= 0 {
		c.RotateSize = 100
	}
	if c.RotateNum <= 0 {
		c.RotateNum = 10
	}
	if c.KeepDays <= 0 {
		c.KeepDays = 7
	}
}

// Validate checks config validity.
func (c *Conf) Validate() error {
	if c == nil {
		return fmt.Errorf("log config is nil")
	}
	if c.Output == "file" && c.Path == "" {
		return fmt.Errorf("log path is required when output is 'file'")
	}
	return nil
}

// Logger wraps a zap sugared logger for dependency injection usage.
type Logger struct {
	*zap.SugaredLogger
}

// ProvideLogger creates a dependency-injected logger and installs it as
// the package global.
func ProvideLogger(conf *Conf) (*Logger, error) {
	l, err := New(conf)
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: l}, nil
}

// New builds a zap logger from configuration and updates the global instance.
func New(conf *Conf) (*zap.SugaredLogger, error) {
	if conf == nil {
		conf = &Conf{}
	}
	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	level, err := zapcore.ParseLevel(strings.ToLower(conf.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", conf.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var sink zapcore.WriteSyncer
	if conf.Output == "file" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   conf.Path + "/" + conf.Filename,
			MaxSize:    conf.RotateSize,
			MaxBackups: conf.RotateNum,
			MaxAge:     conf.KeepDays,
		})
	} else {
		sink = zapcore.AddSync(os.Stdout)
	}

	core := newTraceCore(zapcore.NewCore(encoder, sink, level))
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()

	mu.Lock()
	global = l
	mu.Unlock()
	return l, nil
}

// SetLogger swaps the package logger and returns a restore func. Tests
// use it to capture output through an observer core.
func SetLogger(l *zap.SugaredLogger) func() {
	mu.Lock()
	prev := global
	global = l
	mu.Unlock()
	return func() {
		mu.Lock()
		global = prev
		mu.Unlock()
	}
}

func logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Debug logs a message at debug level.
func Debug(args ...any) { logger().Debug(args...) }

// Debugw logs a structured message at debug level.
func Debugw(msg string, keysAndValues ...any) { logger().Debugw(msg, keysAndValues...) }

// Info logs a message at info level.
func Info(args ...any) { logger().Info(args...) }

// Infow logs a structured message at info level.
func Infow(msg string, keysAndValues ...any) { logger().Infow(msg, keysAndValues...) }

// Warn logs a message at warn level.
func Warn(args ...any) { logger().Warn(args...) }

// Warnw logs a structured message at warn level.
func Warnw(msg string, keysAndValues ...any) { logger().Warnw(msg, keysAndValues...) }

// Error logs a message at error level.
func Error(args ...any) { logger().Error(args...) }

// Errorw logs a structured message at error level.
func Errorw(msg string, keysAndValues ...any) { logger().Errorw(msg, keysAndValues...) }

// Sync flushes buffered log entries.
func Sync() error { return logger().Sync() }
