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
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/internal/pkg/registry"
	"github.com/harvexio/harvex/pkg/canonical"
	"github.com/harvexio/harvex/pkg/database"
	"github.com/harvexio/harvex/pkg/log"
	"github.com/harvexio/harvex/pkg/metrics"
)

// factHeaders assigns the event id carried to the broker. Generated at
// enqueue time, so republishes of the same fact keep the same id.
func factHeaders() []byte {
	raw, _ := sonic.Marshal(map[string]string{"x-event-id": uuid.NewString()})
	return raw
}

// Outbox channels the engine publishes on.
const (
	ChannelTaskQueued    = "harvex.task.queued"
	ChannelTaskCompleted = "harvex.task.completed"
	ChannelPlanCompleted = "harvex.plan.completed"
	ChannelCursorAdvance = "harvex.cursor.advanced"
)

// CreatePlanReq carries everything needed to create one plan.
type CreatePlanReq struct {
	ScheduleInstanceId uint64
	PlanKey            string
	ProvenanceCode     string
	EndpointCode       string
	Operation          string
	WindowFrom         time.Time
	WindowTo           time.Time
	Strategy           model.SliceStrategy
	StrategyParams     map[string]any
	ExprProtoSnapshot  map[string]any
}

// PlannerService creates plans, slices them deterministically and
// derives exactly one task per slice.
type PlannerService struct {
	db       database.IDatabase
	repos    *repo.Repositories
	canon    canonical.Canonicalizer
	registry registry.IRegistry
	sink     *metrics.Sink
}

func NewPlannerService(db database.IDatabase, repos *repo.Repositories, canon canonical.Canonicalizer, reg registry.IRegistry, sink *metrics.Sink) *PlannerService {
	return &PlannerService{
		db:       db,
		repos:    repos,
		canon:    canon,
		registry: reg,
		sink:     sink,
	}
}

// CreatePlan creates the plan in DRAFT, idempotent on planKey. The bool
// reports whether a new plan was created; a duplicate key resolves to
// the existing plan and is success at this boundary.
func (s *PlannerService) CreatePlan(ctx context.Context, req *CreatePlanReq) (*model.Plan, bool, error) {
	paramsJSON, err := sonic.Marshal(req.StrategyParams)
	if err != nil {
		return nil, false, fmt.Errorf("encode strategy params: %w", err)
	}
	var exprSnapshot []byte
	var exprHash string
	if req.ExprProtoSnapshot != nil {
		exprSnapshot, err = sonic.Marshal(req.ExprProtoSnapshot)
		if err != nil {
			return nil, false, fmt.Errorf("encode expression snapshot: %w", err)
		}
		exprHash, err = s.canon.Hash(req.ExprProtoSnapshot)
		if err != nil {
			return nil, false, fmt.Errorf("hash expression snapshot: %w", err)
		}
	}

	plan := &model.Plan{
		ScheduleInstanceId: req.ScheduleInstanceId,
		PlanKey:            req.PlanKey,
		ProvenanceCode:     req.ProvenanceCode,
		EndpointCode:       req.EndpointCode,
		Operation:          req.Operation,
		ExprProtoHash:      exprHash,
		ExprProtoSnapshot:  exprSnapshot,
		WindowFrom:         req.WindowFrom.UTC(),
		WindowTo:           req.WindowTo.UTC(),
		SliceStrategy:      req.Strategy,
		StrategyParams:     paramsJSON,
		Status:             model.PlanStatusDraft,
	}
	created, err := s.repos.Plans.CreateIdempotent(ctx, plan)
	if err != nil {
		log.Errorw("create plan failed", "planKey", req.PlanKey, "error", err)
		return nil, false, fmt.Errorf("create plan: %w", err)
	}
	if created {
		log.Infow("plan created", "planKey", plan.PlanKey, "planId", plan.ID,
			"provenance", plan.ProvenanceCode, "strategy", plan.SliceStrategy)
	} else {
		log.Infow("plan key already exists, resolved to existing plan",
			"planKey", plan.PlanKey, "planId", plan.ID)
	}
	return plan, created, nil
}

// SlicePlan runs the plan's strategy, persists its slices idempotently
// and derives one task per slice. Replaying after a partial failure
// converges: existing slices and tasks resolve to their committed rows.
func (s *PlannerService) SlicePlan(ctx context.Context, planId uint64) ([]*model.PlanSlice, error) {
	plan, err := s.repos.Plans.GetById(ctx, planId)
	if err != nil {
		return nil, fmt.Errorf("load plan %d: %w", planId, err)
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %d not found", planId)
	}

	switch plan.Status {
	case model.PlanStatusDraft:
		if err := plan.StartSlicing(); err != nil {
			return nil, err
		}
		ok, err := s.repos.Plans.UpdateCAS(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("persist slicing transition: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("plan %d changed concurrently: %w", planId, model.ErrIllegalPlanState)
		}
	case model.PlanStatusSlicing:
		// a crashed slicing run resumes here
	default:
		return nil, model.ErrIllegalPlanState
	}

	params, err := ParseSliceParams(plan.StrategyParams)
	if err != nil {
		return nil, err
	}
	if plan.SliceStrategy == model.SliceStrategyCursorLandmark && params.Landmark == "" {
		landmark, err := s.currentLandmark(ctx, plan)
		if err != nil {
			return nil, err
		}
		params.Landmark = landmark
	}

	slicer, err := NewSlicer(plan.SliceStrategy)
	if err != nil {
		return nil, err
	}
	boundaries, err := slicer.Slice(plan, params)
	if err != nil {
		return nil, fmt.Errorf("slice plan %s: %w", plan.PlanKey, err)
	}

	slices := make([]*model.PlanSlice, 0, len(boundaries))
	for seq, boundary := range boundaries {
		slice, err := s.materializeSlice(ctx, plan, seq, boundary)
		if err != nil {
			return nil, err
		}
		slices = append(slices, slice)
	}

	log.Infow("plan sliced", "planKey", plan.PlanKey, "slices", len(slices),
		"strategy", plan.SliceStrategy)
	return slices, nil
}

// sliceExprMaterial narrows the plan expression to one boundary.
type sliceExprMaterial struct {
	ProtoHash string `json:"protoHash"`
	Boundary  any    `json:"boundary"`
}

func (s *PlannerService) materializeSlice(ctx context.Context, plan *model.Plan, seq int, boundary Boundary) (*model.PlanSlice, error) {
	boundaryJSON, signature, err := SignBoundary(s.canon, boundary)
	if err != nil {
		return nil, err
	}
	exprHash, err := s.canon.Hash(sliceExprMaterial{ProtoHash: plan.ExprProtoHash, Boundary: boundary})
	if err != nil {
		return nil, fmt.Errorf("hash slice expression: %w", err)
	}
	exprSnapshot, err := sonic.Marshal(map[string]any{
		"protoSnapshot": plan.ExprProtoSnapshot,
		"boundary":      boundary,
	})
	if err != nil {
		return nil, fmt.Errorf("encode slice expression snapshot: %w", err)
	}

	slice := &model.PlanSlice{
		PlanId:        plan.ID,
		SeqNo:         seq,
		SignatureHash: signature,
		Boundary:      []byte(boundaryJSON),
		ExprHash:      exprHash,
		ExprSnapshot:  exprSnapshot,
		Status:        model.SliceStatusPending,
	}
	created, err := s.repos.Slices.CreateIdempotent(ctx, slice)
	if err != nil {
		return nil, fmt.Errorf("create slice %d of plan %s: %w", seq, plan.PlanKey, err)
	}
	if created {
		s.sink.SlicesPlanned.WithLabelValues(string(plan.SliceStrategy)).Inc()
	}

	if err := s.deriveTask(ctx, plan, slice); err != nil {
		return nil, err
	}
	return slice, nil
}

// deriveTask creates the slice's single task and its queued outbox fact
// in one transaction.
func (s *PlannerService) deriveTask(ctx context.Context, plan *model.Plan, slice *model.PlanSlice) error {
	taskParams := map[string]any{}
	credentialRef := ""
	priority := 5
	if policy, err := s.registry.Policy(ctx, plan.ProvenanceCode); err == nil {
		if policy.Slicing.PageSize > 0 {
			taskParams["pageSize"] = policy.Slicing.PageSize
		}
		credentialRef = policy.CredentialRef
		if policy.Priority >= 1 && policy.Priority <= 9 {
			priority = policy.Priority
		}
	}

	key, err := DeriveTaskKey(s.canon, slice.SignatureHash, slice.ExprHash, plan.Operation, plan.PlanKey, taskParams)
	if err != nil {
		return err
	}
	paramsJSON, err := sonic.Marshal(taskParams)
	if err != nil {
		return fmt.Errorf("encode task params: %w", err)
	}

	now := time.Now().UTC()
	task := &model.Task{
		ScheduleInstanceId: plan.ScheduleInstanceId,
		PlanId:             plan.ID,
		SliceId:            slice.ID,
		ProvenanceCode:     plan.ProvenanceCode,
		Operation:          plan.Operation,
		Params:             paramsJSON,
		IdempotentKey:      key,
		ExprHash:           slice.ExprHash,
		CredentialRef:      credentialRef,
		Priority:           priority,
		Status:             model.TaskStatusQueued,
		ScheduledAt:        &now,
	}

	return s.db.Transaction(ctx, func(tx *gorm.DB) error {
		created, err := s.repos.Tasks.CreateIdempotentTx(tx, task)
		if err != nil {
			return fmt.Errorf("derive task for slice %d: %w", slice.ID, err)
		}
		if !created {
			return nil
		}
		s.sink.TasksTotal.WithLabelValues(task.ProvenanceCode, string(task.Status)).Inc()

		payload, err := sonic.Marshal(map[string]any{
			"taskId":         task.ID,
			"planKey":        plan.PlanKey,
			"provenanceCode": task.ProvenanceCode,
			"operation":      task.Operation,
			"sliceSeqNo":     slice.SeqNo,
		})
		if err != nil {
			return fmt.Errorf("encode task fact: %w", err)
		}
		_, err = s.repos.Outbox.EnqueueTx(tx, &model.OutboxMessage{
			AggregateType: "TASK",
			AggregateId:   task.ID,
			Channel:       ChannelTaskQueued,
			OpType:        "TASK_QUEUED",
			PartitionKey:  plan.ProvenanceCode,
			DedupKey:      task.IdempotentKey,
			Payload:       payload,
			Headers:       factHeaders(),
		})
		return err
	})
}

// currentLandmark reads the watermark the landmark strategy starts from.
func (s *PlannerService) currentLandmark(ctx context.Context, plan *model.Plan) (string, error) {
	policy, err := s.registry.Policy(ctx, plan.ProvenanceCode)
	if err != nil {
		return "", fmt.Errorf("resolve cursor spec: %w", err)
	}
	cursor, err := s.repos.Cursors.Get(ctx, repo.CursorKey{
		ProvenanceCode: plan.ProvenanceCode,
		Operation:      plan.Operation,
		CursorKey:      policy.Cursor.CursorKey,
	})
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	if cursor == nil {
		return "", nil
	}
	return cursor.ValueRaw, nil
}

// RefreshPlanStatus aggregates terminal slice outcomes into the plan.
// It is safe to call at any time; nothing happens until every slice is
// terminal.
func (s *PlannerService) RefreshPlanStatus(ctx context.Context, planId uint64) (*model.Plan, error) {
	plan, err := s.repos.Plans.GetById(ctx, planId)
	if err != nil {
		return nil, fmt.Errorf("load plan %d: %w", planId, err)
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %d not found", planId)
	}
	if plan.Status != model.PlanStatusSlicing {
		return plan, nil
	}
	statuses, err := s.repos.Slices.StatusesByPlan(ctx, planId)
	if err != nil {
		return nil, fmt.Errorf("load slice statuses: %w", err)
	}
	before := plan.Status
	if err := plan.RefreshFromSlices(statuses); err != nil {
		return nil, err
	}
	if plan.Status == before {
		return plan, nil
	}
	ok, err := s.repos.Plans.UpdateCAS(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("persist plan status: %w", err)
	}
	if !ok {
		// another refresher won; reload for the caller
		return s.repos.Plans.GetById(ctx, planId)
	}
	log.Infow("plan status refreshed", "planKey", plan.PlanKey, "status", plan.Status)
	return plan, nil
}

// CompletePlan is the explicit terminal step once downstream execution
// has finished. It publishes the completion fact through the outbox.
func (s *PlannerService) CompletePlan(ctx context.Context, planId uint64) error {
	plan, err := s.repos.Plans.GetById(ctx, planId)
	if err != nil {
		return fmt.Errorf("load plan %d: %w", planId, err)
	}
	if plan == nil {
		return fmt.Errorf("plan %d not found", planId)
	}
	if plan.Status == model.PlanStatusCompleted {
		return nil
	}
	if err := plan.MarkCompleted(); err != nil {
		return err
	}
	ok, err := s.repos.Plans.UpdateCAS(ctx, plan)
	if err != nil {
		return fmt.Errorf("persist plan completion: %w", err)
	}
	if !ok {
		return fmt.Errorf("plan %d changed concurrently: %w", planId, model.ErrIllegalPlanState)
	}

	payload, err := sonic.Marshal(map[string]any{
		"planId":         plan.ID,
		"planKey":        plan.PlanKey,
		"provenanceCode": plan.ProvenanceCode,
	})
	if err != nil {
		return fmt.Errorf("encode plan fact: %w", err)
	}
	_, err = s.repos.Outbox.Enqueue(ctx, &model.OutboxMessage{
		AggregateType: "PLAN",
		AggregateId:   plan.ID,
		Channel:       ChannelPlanCompleted,
		OpType:        "PLAN_COMPLETED",
		PartitionKey:  plan.ProvenanceCode,
		DedupKey:      plan.PlanKey,
		Payload:       payload,
		Headers:       factHeaders(),
	})
	if err != nil {
		return fmt.Errorf("enqueue plan fact: %w", err)
	}
	log.Infow("plan completed", "planKey", plan.PlanKey)
	return nil
}
