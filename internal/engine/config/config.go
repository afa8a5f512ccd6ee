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

package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/harvexio/harvex/internal/engine/service"
	"github.com/harvexio/harvex/internal/pkg/registry"
	"github.com/harvexio/harvex/internal/pkg/scheduler"
	"github.com/harvexio/harvex/pkg/database"
	"github.com/harvexio/harvex/pkg/log"
	"github.com/harvexio/harvex/pkg/metrics"
	"github.com/harvexio/harvex/pkg/mq/kafka"
)

type MessageQueueConfig struct {
	Kafka kafka.ProducerConfig `mapstructure:"kafka"`
}

type AppConfig struct {
	Log          log.Conf              `mapstructure:"log"`
	Database     database.Database     `mapstructure:"database"`
	MessageQueue MessageQueueConfig    `mapstructure:"messageQueue"`
	Registry     registry.Config       `mapstructure:"registry"`
	Worker       service.WorkerConfig  `mapstructure:"worker"`
	Relay        service.RelayConfig   `mapstructure:"relay"`
	Scheduler    scheduler.Config      `mapstructure:"scheduler"`
	Metrics      metrics.MetricsConfig `mapstructure:"metrics"`
}

func (c *AppConfig) SetDefaults() {
	c.Log.SetDefaults()
	c.Database.SetDefaults()
	c.Registry.SetDefaults()
	c.Worker.SetDefaults()
	c.Relay.SetDefaults()
	c.Metrics.SetDefaults()
}

var (
	cfg  AppConfig
	mu   sync.RWMutex // 保护配置的读写
	once sync.Once
)

func NewConf(confFile string) *AppConfig {
	once.Do(func() {
		var err error
		cfg, err = LoadConfigFile(confFile)
		if err != nil {
			panic(fmt.Sprintf("load config file error: %s", err))
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	return &cfg
}

// GetConfig 获取当前配置（用于热重载场景）
func GetConfig() AppConfig {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// LoadConfigFile load config file
func LoadConfigFile(confFile string) (AppConfig, error) {
	config := viper.New()
	config.SetConfigFile(confFile)
	if err := config.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("failed to read configuration file: %v", err)
	}

	config.WatchConfig()
	config.OnConfigChange(func(e fsnotify.Event) {
		log.Infow("The configuration changes, re-analyze the configuration file", "file", e.Name)
		if err := config.ReadInConfig(); err != nil {
			log.Errorw("failed to re-read configuration file", "error", err, "file", e.Name)
			return
		}
		mu.Lock()
		if err := config.Unmarshal(&cfg); err != nil {
			mu.Unlock()
			log.Errorw("failed to unmarshal configuration file", "error", err, "file", e.Name)
			return
		}
		cfg.SetDefaults()
		mu.Unlock()
		log.Infow("configuration reloaded successfully", "file", e.Name)
	})
	if err := config.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal configuration file: %v", err)
	}
	cfg.SetDefaults()
	log.Infow("config file loaded",
		"path", confFile,
	)

	return cfg, nil
}
