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
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robfig/cron"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/internal/engine/service"
	"github.com/harvexio/harvex/internal/pkg/registry"
	"github.com/harvexio/harvex/pkg/canonical"
	"github.com/harvexio/harvex/pkg/log"
)

// schedulerCode identifies this trigger source on schedule instances.
const schedulerCode = "harvex-cron"

// JobConfig is one recurring harvest job.
type JobConfig struct {
	ProvenanceCode string         `mapstructure:"provenanceCode" json:"provenanceCode"`
	EndpointCode   string         `mapstructure:"endpointCode" json:"endpointCode"`
	Operation      string         `mapstructure:"operation" json:"operation"`
	Cron           string         `mapstructure:"cron" json:"cron"`
	WindowMinutes  int            `mapstructure:"windowMinutes" json:"windowMinutes"`
	Strategy       string         `mapstructure:"strategy" json:"strategy"`
	StrategyParams map[string]any `mapstructure:"strategyParams" json:"strategyParams"`
}

// Config configures the scheduler.
type Config struct {
	Enabled bool        `mapstructure:"enabled" json:"enabled"`
	Jobs    []JobConfig `mapstructure:"jobs" json:"jobs"`
}

// Scheduler fires each job's cron expression, creating the schedule
// instance and the sliced plan for the elapsed window.
type Scheduler struct {
	cfg      Config
	repos    *repo.Repositories
	planner  *service.PlannerService
	registry registry.IRegistry
	canon    canonical.Canonicalizer
	cron     *cron.Cron
}

func NewScheduler(cfg Config, repos *repo.Repositories, planner *service.PlannerService, reg registry.IRegistry, canon canonical.Canonicalizer) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		repos:    repos,
		planner:  planner,
		registry: reg,
		canon:    canon,
		cron:     cron.New(),
	}
}

// Start registers every job and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		log.Infow("scheduler disabled")
		return nil
	}
	for _, job := range s.cfg.Jobs {
		j := job
		if err := s.cron.AddFunc(j.Cron, func() {
			if _, err := s.Trigger(ctx, &j, model.TriggerTypeSchedule); err != nil {
				log.Errorw("scheduled trigger failed",
					"provenance", j.ProvenanceCode, "operation", j.Operation, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("register cron for %s/%s: %w", j.ProvenanceCode, j.Operation, err)
		}
		log.Infow("job registered", "provenance", j.ProvenanceCode,
			"operation", j.Operation, "cron", j.Cron)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop; in-flight triggers finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Trigger creates one schedule instance and its sliced plan for the
// job's window ending now. The plan key embeds the window bounds, so a
// re-fired window converges on the existing plan.
func (s *Scheduler) Trigger(ctx context.Context, job *JobConfig, trigger model.TriggerType) (*model.Plan, error) {
	now := time.Now().UTC().Truncate(time.Minute)
	windowMinutes := job.WindowMinutes
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	windowFrom := now.Add(-time.Duration(windowMinutes) * time.Minute)

	policy, err := s.registry.Policy(ctx, job.ProvenanceCode)
	if err != nil {
		return nil, fmt.Errorf("resolve policy for %s: %w", job.ProvenanceCode, err)
	}

	instance, err := s.createInstance(ctx, job, policy, trigger, now)
	if err != nil {
		return nil, err
	}

	strategy := model.SliceStrategy(job.Strategy)
	if strategy == "" {
		strategy = model.SliceStrategy(policy.Slicing.Strategy)
	}
	params := job.StrategyParams
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["sliceMinutes"]; !ok && policy.Slicing.SliceMinutes > 0 {
		params["sliceMinutes"] = policy.Slicing.SliceMinutes
	}

	planKey := fmt.Sprintf("%s:%s:%s:%s",
		job.ProvenanceCode, job.Operation,
		canonical.FormatInstant(windowFrom), canonical.FormatInstant(now))

	plan, _, err := s.planner.CreatePlan(ctx, &service.CreatePlanReq{
		ScheduleInstanceId: instance.ID,
		PlanKey:            planKey,
		ProvenanceCode:     job.ProvenanceCode,
		EndpointCode:       job.EndpointCode,
		Operation:          job.Operation,
		WindowFrom:         windowFrom,
		WindowTo:           now,
		Strategy:           strategy,
		StrategyParams:     params,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.planner.SlicePlan(ctx, plan.ID); err != nil {
		return nil, fmt.Errorf("slice plan %s: %w", plan.PlanKey, err)
	}
	return plan, nil
}

// createInstance persists the trigger record with frozen config
// snapshots of the policy and the job.
func (s *Scheduler) createInstance(ctx context.Context, job *JobConfig, policy *registry.ProvenancePolicy, trigger model.TriggerType, now time.Time) (*model.ScheduleInstance, error) {
	confSnapshot, err := sonic.Marshal(map[string]any{"job": job, "policy": policy})
	if err != nil {
		return nil, fmt.Errorf("encode config snapshot: %w", err)
	}
	confHash, err := s.canon.Hash(map[string]any{"job": job, "policy": policy})
	if err != nil {
		return nil, fmt.Errorf("hash config snapshot: %w", err)
	}
	instance := &model.ScheduleInstance{
		SchedulerCode:      schedulerCode,
		TriggerType:        trigger,
		TriggeredAt:        now,
		ProvenanceCode:     job.ProvenanceCode,
		SourceConfSnapshot: confSnapshot,
		SourceConfHash:     confHash,
	}
	if err := s.repos.ScheduleInstances.Create(ctx, instance); err != nil {
		return nil, fmt.Errorf("create schedule instance: %w", err)
	}
	log.Infow("schedule instance created", "instanceId", instance.ID,
		"provenance", job.ProvenanceCode, "trigger", trigger)
	return instance, nil
}

// JobFor finds the configured job for a provenance and operation, used
// by the manual trigger path.
func (s *Scheduler) JobFor(provenanceCode, operation string) (*JobConfig, error) {
	for i := range s.cfg.Jobs {
		j := s.cfg.Jobs[i]
		if j.ProvenanceCode == provenanceCode && j.Operation == operation {
			return &j, nil
		}
	}
	return nil, fmt.Errorf("no job configured for %s/%s", provenanceCode, operation)
}
