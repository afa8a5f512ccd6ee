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

package repo

import (
	"github.com/google/wire"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/pkg/database"
)

// ProviderSet provides repository-layer dependencies.
var ProviderSet = wire.NewSet(
	NewScheduleInstanceRepo,
	NewPlanRepo,
	NewSliceRepo,
	NewTaskRepo,
	NewTaskRunRepo,
	NewCursorRepo,
	NewOutboxRepo,
	NewRepositories,
)

// Repositories bundles all repositories for injection into services.
type Repositories struct {
	ScheduleInstances IScheduleInstanceRepository
	Plans             IPlanRepository
	Slices            ISliceRepository
	Tasks             ITaskRepository
	TaskRuns          ITaskRunRepository
	Cursors           ICursorRepository
	Outbox            IOutboxRepository
}

// NewRepositories creates the repository bundle.
func NewRepositories(
	scheduleInstances IScheduleInstanceRepository,
	plans IPlanRepository,
	slices ISliceRepository,
	tasks ITaskRepository,
	taskRuns ITaskRunRepository,
	cursors ICursorRepository,
	outbox IOutboxRepository,
) *Repositories {
	return &Repositories{
		ScheduleInstances: scheduleInstances,
		Plans:             plans,
		Slices:            slices,
		Tasks:             tasks,
		TaskRuns:          taskRuns,
		Cursors:           cursors,
		Outbox:            outbox,
	}
}

// AutoMigrate creates or updates the engine tables. Intended for local
// development and tests; production schemas are managed externally.
func AutoMigrate(db database.IDatabase) error {
	return db.Database().AutoMigrate(
		&model.ScheduleInstance{},
		&model.Plan{},
		&model.PlanSlice{},
		&model.Task{},
		&model.TaskRun{},
		&model.TaskRunBatch{},
		&model.Cursor{},
		&model.CursorEvent{},
		&model.OutboxMessage{},
	)
}
