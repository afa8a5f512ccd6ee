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
	"github.com/google/wire"

	"github.com/harvexio/harvex/internal/engine/service"
	"github.com/harvexio/harvex/internal/pkg/registry"
	"github.com/harvexio/harvex/internal/pkg/scheduler"
	"github.com/harvexio/harvex/pkg/database"
	"github.com/harvexio/harvex/pkg/log"
	"github.com/harvexio/harvex/pkg/metrics"
	"github.com/harvexio/harvex/pkg/mq/kafka"
)

// ProviderSet loads the config file and fans the blocks out to the
// packages that consume them.
var ProviderSet = wire.NewSet(
	NewConf,
	ProvideLogConf,
	ProvideDatabaseConf,
	ProvideProducerConf,
	ProvideRegistryConf,
	ProvideWorkerConf,
	ProvideRelayConf,
	ProvideSchedulerConf,
	ProvideMetricsConf,
)

func ProvideLogConf(c *AppConfig) *log.Conf {
	return &c.Log
}

func ProvideDatabaseConf(c *AppConfig) database.Database {
	return c.Database
}

func ProvideProducerConf(c *AppConfig) kafka.ProducerConfig {
	return c.MessageQueue.Kafka
}

func ProvideRegistryConf(c *AppConfig) registry.Config {
	return c.Registry
}

func ProvideWorkerConf(c *AppConfig) service.WorkerConfig {
	return c.Worker
}

func ProvideRelayConf(c *AppConfig) service.RelayConfig {
	return c.Relay
}

func ProvideSchedulerConf(c *AppConfig) scheduler.Config {
	return c.Scheduler
}

func ProvideMetricsConf(c *AppConfig) metrics.MetricsConfig {
	return c.Metrics
}
