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

package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/internal/engine/service"
	"github.com/harvexio/harvex/internal/pkg/registry"
	"github.com/harvexio/harvex/pkg/canonical"
	"github.com/harvexio/harvex/pkg/database"
	"github.com/harvexio/harvex/pkg/metrics"
)

func newScheduler(t *testing.T, cfg Config) (*Scheduler, *repo.Repositories) {
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
	canon := canonical.NewService()
	reg := registry.NewStaticRegistry([]registry.ProvenancePolicy{{
		ProvenanceCode: "pubmed",
		Endpoints:      map[string]string{"search": "https://upstream/search"},
		Slicing:        registry.SlicingPolicy{Strategy: "TIME", SliceMinutes: 60, PageSize: 100},
		Cursor:         registry.CursorSpec{Type: "TIME", CursorKey: "edat"},
	}})
	planner := service.NewPlannerService(db, repos, canon, reg, metrics.NewSink())
	return NewScheduler(cfg, repos, planner, reg, canon), repos
}

func TestSchedulerTrigger(t *testing.T) {
	sched, repos := newScheduler(t, Config{})
	ctx := context.Background()

	job := &JobConfig{
		ProvenanceCode: "pubmed",
		EndpointCode:   "eutils",
		Operation:      "search",
		WindowMinutes:  120,
	}
	plan, err := sched.Trigger(ctx, job, model.TriggerTypeManual)
	require.NoError(t, err)
	assert.Contains(t, plan.PlanKey, "pubmed:search:")

	// the window is sliced by the policy's sliceMinutes
	slices, err := repos.Slices.ListByPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, slices, 2)
	tasks, err := repos.Tasks.ListByPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	// the trigger record freezes the effective config
	instance, err := repos.ScheduleInstances.GetById(ctx, plan.ScheduleInstanceId)
	require.NoError(t, err)
	require.NotNil(t, instance)
	assert.Equal(t, model.TriggerTypeManual, instance.TriggerType)
	assert.Len(t, instance.SourceConfHash, 64)
	assert.NotEmpty(t, instance.SourceConfSnapshot)

	// re-firing the same window converges on the existing plan
	again, err := sched.Trigger(ctx, job, model.TriggerTypeManual)
	require.NoError(t, err)
	if again.PlanKey == plan.PlanKey {
		assert.Equal(t, plan.ID, again.ID)
	}
}

func TestSchedulerJobFor(t *testing.T) {
	job := JobConfig{ProvenanceCode: "pubmed", Operation: "search", Cron: "0 0 * * * *"}
	sched, _ := newScheduler(t, Config{Enabled: true, Jobs: []JobConfig{job}})

	found, err := sched.JobFor("pubmed", "search")
	require.NoError(t, err)
	assert.Equal(t, "0 0 * * * *", found.Cron)

	_, err = sched.JobFor("crossref", "works")
	assert.Error(t, err)
}
