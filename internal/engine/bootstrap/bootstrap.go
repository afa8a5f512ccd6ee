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

package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harvexio/harvex/internal/engine/config"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/internal/engine/service"
	"github.com/harvexio/harvex/internal/pkg/scheduler"
	"github.com/harvexio/harvex/pkg/database"
	"github.com/harvexio/harvex/pkg/log"
	"github.com/harvexio/harvex/pkg/metrics"
	"github.com/harvexio/harvex/pkg/mq/kafka"
	"github.com/harvexio/harvex/pkg/shutdown"
)

// App bundles the engine's long-running components.
type App struct {
	AppConf       *config.AppConfig
	Logger        *log.Logger
	DB            database.IDatabase
	Repos         *repo.Repositories
	Executor      *service.ExecutorService
	Relay         *service.OutboxRelay
	Scheduler     *scheduler.Scheduler
	MetricsServer *metrics.Server
	ShutdownMgr   *shutdown.Manager
}

// InitAppFunc init app function type
type InitAppFunc func(configPath string) (*App, func(), error)

func NewApp(
	appConf *config.AppConfig,
	logger *log.Logger,
	manager database.Manager,
	db database.IDatabase,
	repos *repo.Repositories,
	executor *service.ExecutorService,
	relay *service.OutboxRelay,
	sched *scheduler.Scheduler,
	producer *kafka.Producer,
	metricsServer *metrics.Server,
) (*App, func(), error) {
	if appConf.Database.AutoMigrate {
		if err := repo.AutoMigrate(db); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	shutdownMgr := shutdown.NewManager()
	shutdownMgr.Register("metrics server", func(ctx context.Context) error {
		if metricsServer == nil {
			return nil
		}
		return metricsServer.Stop(ctx)
	})
	shutdownMgr.Register("kafka producer", func(ctx context.Context) error {
		producer.Close()
		return nil
	})
	shutdownMgr.Register("database", func(ctx context.Context) error {
		return manager.Close()
	})

	app := &App{
		AppConf:       appConf,
		Logger:        logger,
		DB:            db,
		Repos:         repos,
		Executor:      executor,
		Relay:         relay,
		Scheduler:     sched,
		MetricsServer: metricsServer,
		ShutdownMgr:   shutdownMgr,
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownMgr.Shutdown(shutdownCtx)
	}
	return app, cleanup, nil
}

// Bootstrap init app, return App instance and cleanup function
func Bootstrap(configFile string, initApp InitAppFunc) (*App, func(), *config.AppConfig, error) {
	app, cleanup, err := initApp(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	return app, cleanup, app.AppConf, nil
}

// Run starts every component and blocks until an exit signal, then
// shuts the pipeline down back to front: no new claims, drain the
// workers, flush the relay, release shared resources.
func Run(app *App, cleanup func()) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if app.MetricsServer == nil {
			return nil
		}
		return app.MetricsServer.Start()
	})
	group.Go(func() error {
		return app.Executor.Start(gctx)
	})
	group.Go(func() error {
		app.Relay.Start(gctx)
		return nil
	})
	group.Go(func() error {
		return app.Scheduler.Start(gctx)
	})
	if err := group.Wait(); err != nil {
		log.Errorw("startup failed", "error", err)
		cleanup()
		return
	}
	log.Info("harvex engine started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-quit
	log.Infow("Received OS signal, shutting down gracefully...", "signal", sig)

	// 按启动的相反顺序停止各组件
	app.Scheduler.Stop()
	app.Executor.Stop()
	app.Relay.Stop()
	cancel()

	cleanup()
	log.Info("Server shutdown complete")
}
