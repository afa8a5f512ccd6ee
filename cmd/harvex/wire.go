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

//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/harvexio/harvex/internal/engine/bootstrap"
	"github.com/harvexio/harvex/internal/engine/config"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/internal/engine/service"
	"github.com/harvexio/harvex/internal/pkg/harvester"
	"github.com/harvexio/harvex/internal/pkg/registry"
	"github.com/harvexio/harvex/internal/pkg/scheduler"
	"github.com/harvexio/harvex/pkg/canonical"
	"github.com/harvexio/harvex/pkg/database"
	"github.com/harvexio/harvex/pkg/log"
	"github.com/harvexio/harvex/pkg/metrics"
	"github.com/harvexio/harvex/pkg/mq/kafka"
)

func initApp(configPath string) (*bootstrap.App, func(), error) {
	panic(wire.Build(
		// 配置层
		config.ProviderSet,
		// 日志层（依赖 config）
		log.ProviderSet,
		// 数据库层（依赖 config, log）
		database.ProviderSet,
		// 指标层（依赖 config）
		metrics.ProviderSet,
		// 仓储层（依赖 database）
		repo.ProviderSet,
		// 规范化与策略层
		canonical.ProviderSet,
		registry.ProviderSet,
		// 采集层（依赖 registry）
		harvester.ProviderSet,
		// 消息层（依赖 config）
		kafka.ProviderSet,
		// 服务层（依赖 repo, registry, harvester, kafka）
		service.ProviderSet,
		// 调度层（依赖 service）
		scheduler.ProviderSet,
		// 应用层
		bootstrap.NewApp,
	))
}
