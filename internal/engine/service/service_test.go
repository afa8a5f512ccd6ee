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

package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/internal/pkg/harvester"
	"github.com/harvexio/harvex/internal/pkg/registry"
	"github.com/harvexio/harvex/pkg/canonical"
	"github.com/harvexio/harvex/pkg/database"
	"github.com/harvexio/harvex/pkg/metrics"
)

type testEnv struct {
	db      database.IDatabase
	repos   *repo.Repositories
	canon   canonical.Canonicalizer
	sink    *metrics.Sink
	reg     registry.IRegistry
	planner *PlannerService
	cursors *CursorService
}

func pubmedPolicy() registry.ProvenancePolicy {
	return registry.ProvenancePolicy{
		ProvenanceCode: "pubmed",
		Endpoints:      map[string]string{"search": "https://upstream/search"},
		Slicing:        registry.SlicingPolicy{Strategy: "TIME", SliceMinutes: 360, PageSize: 100},
		Retry:          registry.RetryPolicy{MaxAttempts: 2},
		Cursor:         registry.CursorSpec{Type: "TIME", CursorKey: "edat"},
	}
}

func newTestEnv(t *testing.T, policies ...registry.ProvenancePolicy) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvex_test.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   "t_",
			SingularTable: true,
		},
		TranslateError: true,
	})
	require.NoError(t, err)

	db := database.NewFromGorm(gdb)
	require.NoError(t, repo.AutoMigrate(db))

	repos := repo.NewRepositories(
		repo.NewScheduleInstanceRepo(db),
		repo.NewPlanRepo(db),
		repo.NewSliceRepo(db),
		repo.NewTaskRepo(db),
		repo.NewTaskRunRepo(db),
		repo.NewCursorRepo(db),
		repo.NewOutboxRepo(db),
	)
	if len(policies) == 0 {
		policies = []registry.ProvenancePolicy{pubmedPolicy()}
	}
	canon := canonical.NewService()
	sink := metrics.NewSink()
	reg := registry.NewStaticRegistry(policies)
	planner := NewPlannerService(db, repos, canon, reg, sink)
	cursors := NewCursorService(db, repos, sink)
	return &testEnv{
		db:      db,
		repos:   repos,
		canon:   canon,
		sink:    sink,
		reg:     reg,
		planner: planner,
		cursors: cursors,
	}
}

func (e *testEnv) newExecutor(h harvester.Harvester, cfg WorkerConfig) *ExecutorService {
	return NewExecutorService(cfg, e.db, e.repos, e.cursors, e.planner, h, e.reg, e.sink)
}

// dayPlan creates and returns a DRAFT plan over one UTC day with the
// TIME strategy, 6 hour slices.
func (e *testEnv) dayPlan(t *testing.T, planKey string) *model.Plan {
	t.Helper()
	instance := &model.ScheduleInstance{
		SchedulerCode:  "test",
		TriggerType:    model.TriggerTypeManual,
		TriggeredAt:    time.Now().UTC(),
		ProvenanceCode: "pubmed",
	}
	require.NoError(t, e.repos.ScheduleInstances.Create(context.Background(), instance))

	plan, _, err := e.planner.CreatePlan(context.Background(), &CreatePlanReq{
		ScheduleInstanceId: instance.ID,
		PlanKey:            planKey,
		ProvenanceCode:     "pubmed",
		EndpointCode:       "eutils",
		Operation:          "search",
		WindowFrom:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		WindowTo:           time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Strategy:           model.SliceStrategyTime,
		StrategyParams:     map[string]any{"sliceMinutes": 360},
		ExprProtoSnapshot:  map[string]any{"term": "cancer[mh]"},
	})
	require.NoError(t, err)
	return plan
}
