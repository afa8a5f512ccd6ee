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

package model

import (
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
)

// RunStatus is the lifecycle state of one task attempt.
type RunStatus string

const (
	RunStatusPlanned   RunStatus = "PLANNED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPlanned: {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning: {RunStatusSucceeded, RunStatusFailed, RunStatusCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunStats aggregates batch counters. Values only grow within a run.
type RunStats struct {
	Fetched  int64 `json:"fetched"`
	Upserted int64 `json:"upserted"`
	Failed   int64 `json:"failed"`
	Pages    int64 `json:"pages"`
}

// Add accumulates another stats block.
func (s *RunStats) Add(other RunStats) {
	s.Fetched += other.Fetched
	s.Upserted += other.Upserted
	s.Failed += other.Failed
	s.Pages += other.Pages
}

// TaskRun is one attempt at executing a task. AttemptNo increases from 1;
// Checkpoint records the resumable position so a later attempt continues
// instead of restarting.
type TaskRun struct {
	BaseModel
	TaskId        uint64         `gorm:"column:task_id;not null;uniqueIndex:uk_task_attempt,priority:1" json:"taskId"`
	AttemptNo     int            `gorm:"column:attempt_no;not null;uniqueIndex:uk_task_attempt,priority:2" json:"attemptNo"`
	Status        RunStatus      `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Checkpoint    datatypes.JSON `gorm:"column:checkpoint" json:"checkpoint"`
	Stats         datatypes.JSON `gorm:"column:stats" json:"stats"`
	WindowFrom    *time.Time     `gorm:"column:window_from" json:"windowFrom"`
	WindowTo      *time.Time     `gorm:"column:window_to" json:"windowTo"`
	StartedAt     *time.Time     `gorm:"column:started_at" json:"startedAt"`
	FinishedAt    *time.Time     `gorm:"column:finished_at" json:"finishedAt"`
	LastHeartbeat *time.Time     `gorm:"column:last_heartbeat_at" json:"lastHeartbeatAt"`
	ExternalRunId string         `gorm:"column:external_run_id;type:varchar(128)" json:"externalRunId"`
	CorrelationId string         `gorm:"column:correlation_id;type:varchar(64);index" json:"correlationId"`
}

// TableName returns the table name.
func (TaskRun) TableName() string {
	return "t_task_run"
}

// Start moves the run from PLANNED to RUNNING.
func (r *TaskRun) Start(now time.Time) error {
	if !r.Status.CanTransition(RunStatusRunning) {
		return ErrIllegalRunState
	}
	r.Status = RunStatusRunning
	started := now
	r.StartedAt = &started
	r.LastHeartbeat = &started
	return nil
}

// Heartbeat stamps liveness.
func (r *TaskRun) Heartbeat(now time.Time) {
	hb := now
	r.LastHeartbeat = &hb
}

// Finish moves the run to a terminal state.
func (r *TaskRun) Finish(final RunStatus, now time.Time) error {
	if !final.Terminal() || !r.Status.CanTransition(final) {
		return ErrIllegalRunState
	}
	r.Status = final
	finished := now
	r.FinishedAt = &finished
	return nil
}

// LoadStats decodes the accumulated stats column.
func (r *TaskRun) LoadStats() (RunStats, error) {
	var stats RunStats
	if len(r.Stats) == 0 {
		return stats, nil
	}
	if err := sonic.Unmarshal(r.Stats, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// AccumulateStats merges delta into the stats column monotonically.
func (r *TaskRun) AccumulateStats(delta RunStats) error {
	stats, err := r.LoadStats()
	if err != nil {
		return err
	}
	stats.Add(delta)
	raw, err := sonic.Marshal(stats)
	if err != nil {
		return err
	}
	r.Stats = raw
	return nil
}
