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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/xid"
	"gorm.io/gorm"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/internal/pkg/harvester"
	"github.com/harvexio/harvex/internal/pkg/registry"
	"github.com/harvexio/harvex/pkg/backoff"
	"github.com/harvexio/harvex/pkg/database"
	"github.com/harvexio/harvex/pkg/log"
	"github.com/harvexio/harvex/pkg/metrics"
	"github.com/harvexio/harvex/pkg/safe"
)

// WorkerConfig tunes the executor pool.
type WorkerConfig struct {
	Workers            int `mapstructure:"workers" json:"workers"`
	ClaimBatch         int `mapstructure:"claimBatch" json:"claimBatch"`
	PollIntervalSecs   int `mapstructure:"pollIntervalSecs" json:"pollIntervalSecs"`
	LeaseSecs          int `mapstructure:"leaseSecs" json:"leaseSecs"`
	HeartbeatSecs      int `mapstructure:"heartbeatSecs" json:"heartbeatSecs"`
	MaxAttempts        int `mapstructure:"maxAttempts" json:"maxAttempts"`
	ReaperIntervalSecs int `mapstructure:"reaperIntervalSecs" json:"reaperIntervalSecs"`
	DefaultPageSize    int `mapstructure:"defaultPageSize" json:"defaultPageSize"`
}

// SetDefaults fills zero values.
func (c *WorkerConfig) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 16
	}
	if c.PollIntervalSecs <= 0 {
		c.PollIntervalSecs = 5
	}
	if c.LeaseSecs <= 0 {
		c.LeaseSecs = 120
	}
	if c.HeartbeatSecs <= 0 {
		c.HeartbeatSecs = 30
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ReaperIntervalSecs <= 0 {
		c.ReaperIntervalSecs = 60
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = 200
	}
}

// runCheckpoint is the resumable position stored on the run.
type runCheckpoint struct {
	BatchNo   int    `json:"batchNo"`
	PageNo    int    `json:"pageNo"`
	PageToken string `json:"pageToken"`
}

// ExecutorService claims queued tasks under a lease, drives them
// through run attempts and batches against the harvester, and commits
// the terminal outcome together with the cursor advance and the outbox
// fact in one transaction.
type ExecutorService struct {
	cfg       WorkerConfig
	db        database.IDatabase
	repos     *repo.Repositories
	cursors   *CursorService
	planner   *PlannerService
	harvester harvester.Harvester
	registry  registry.IRegistry
	sink      *metrics.Sink
	retry     backoff.Policy

	workerId string
	pool     *ants.Pool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewExecutorService(
	cfg WorkerConfig,
	db database.IDatabase,
	repos *repo.Repositories,
	cursors *CursorService,
	planner *PlannerService,
	h harvester.Harvester,
	reg registry.IRegistry,
	sink *metrics.Sink,
) *ExecutorService {
	cfg.SetDefaults()
	retry := backoff.Policy{}
	retry.SetDefaults()
	return &ExecutorService{
		cfg:       cfg,
		db:        db,
		repos:     repos,
		cursors:   cursors,
		planner:   planner,
		harvester: h,
		registry:  reg,
		sink:      sink,
		retry:     retry,
		workerId:  "worker-" + xid.New().String(),
		stopCh:    make(chan struct{}),
	}
}

// WorkerId identifies this executor instance in lease columns.
func (s *ExecutorService) WorkerId() string {
	return s.workerId
}

// Start launches the claim loop and the lease reaper.
func (s *ExecutorService) Start(ctx context.Context) error {
	pool, err := ants.NewPool(s.cfg.Workers)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	s.pool = pool

	s.wg.Add(2)
	safe.Go(func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	})
	safe.Go(func() {
		defer s.wg.Done()
		s.reaperLoop(ctx)
	})
	log.Infow("executor started", "workerId", s.workerId, "workers", s.cfg.Workers)
	return nil
}

// Stop drains the loops and releases the pool.
func (s *ExecutorService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	if s.pool != nil {
		s.pool.Release()
	}
	log.Infow("executor stopped", "workerId", s.workerId)
}

func (s *ExecutorService) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.PollIntervalSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ClaimOnce(ctx); err != nil {
				log.Errorw("claim round failed", "error", err)
			}
		}
	}
}

// ClaimOnce runs one claim round, submitting every claimable task to
// the pool, and returns how many were submitted.
func (s *ExecutorService) ClaimOnce(ctx context.Context) (int, error) {
	tasks, err := s.repos.Tasks.FindClaimable(ctx, time.Now().UTC(), s.cfg.ClaimBatch)
	if err != nil {
		return 0, fmt.Errorf("find claimable tasks: %w", err)
	}
	submitted := 0
	for _, task := range tasks {
		t := task
		err := s.pool.Submit(func() {
			if execErr := s.Execute(ctx, t); execErr != nil {
				log.Errorw("task execution failed", "taskId", t.ID, "error", execErr)
			}
		})
		if err != nil {
			return submitted, fmt.Errorf("submit task %d: %w", t.ID, err)
		}
		submitted++
	}
	return submitted, nil
}

// taskSession serializes writes to the shared task and run aggregates
// between the batch loop and the heartbeat goroutine; both go through
// the optimistic version, so unsynchronized writers would invalidate
// each other's snapshots.
type taskSession struct {
	mu   sync.Mutex
	task *model.Task
	run  *model.TaskRun
}

// Execute claims and runs one task to a terminal outcome or a
// scheduled retry. Losing the lease race is a silent no-op.
func (s *ExecutorService) Execute(ctx context.Context, task *model.Task) error {
	// task execution logs carry the caller's trace ids when present
	log.BindContext(ctx)
	now := time.Now().UTC()
	until := now.Add(time.Duration(s.cfg.LeaseSecs) * time.Second)
	if !task.AcquireLease(s.workerId, until, now) {
		return nil
	}
	ok, err := s.repos.Tasks.UpdateCAS(ctx, task)
	if err != nil {
		return fmt.Errorf("persist lease: %w", err)
	}
	if !ok {
		s.sink.LeaseContention.Inc()
		return nil
	}
	s.sink.TasksTotal.WithLabelValues(task.ProvenanceCode, string(task.Status)).Inc()
	log.Infow("task claimed", "taskId", task.ID, "workerId", s.workerId,
		"provenance", task.ProvenanceCode, "leaseCount", task.LeaseCount)

	slice, err := s.repos.Slices.GetById(ctx, task.SliceId)
	if err != nil || slice == nil {
		return fmt.Errorf("load slice %d: %w", task.SliceId, err)
	}
	s.advanceSliceToExecuting(ctx, slice)

	policy, err := s.registry.Policy(ctx, task.ProvenanceCode)
	if err != nil {
		log.Warnw("no policy for provenance, using defaults",
			"provenance", task.ProvenanceCode, "error", err)
		policy = &registry.ProvenancePolicy{ProvenanceCode: task.ProvenanceCode}
	}

	run, err := s.openRun(ctx, task)
	if err != nil {
		return err
	}

	session := &taskSession{task: task, run: run}
	hbDone := make(chan struct{})
	safe.Go(func() { s.heartbeatLoop(ctx, session, hbDone) })

	observedMax, runErr := s.runBatches(ctx, session, slice, policy)
	close(hbDone)

	if runErr != nil {
		return s.failRun(ctx, session, slice, policy, runErr)
	}
	return s.succeedRun(ctx, session, slice, policy, observedMax)
}

// advanceSliceToExecuting walks the slice to EXECUTING, tolerating
// whatever intermediate state a previous attempt left behind.
func (s *ExecutorService) advanceSliceToExecuting(ctx context.Context, slice *model.PlanSlice) {
	for slice.Status != model.SliceStatusExecuting {
		var next model.SliceStatus
		switch slice.Status {
		case model.SliceStatusPending:
			next = model.SliceStatusDispatched
		case model.SliceStatusDispatched, model.SliceStatusFailed:
			// FAILED -> EXECUTING is the retry path
			next = model.SliceStatusExecuting
		default:
			return
		}
		if err := slice.Transition(next); err != nil {
			return
		}
		if ok, err := s.repos.Slices.UpdateCAS(ctx, slice); err != nil || !ok {
			return
		}
	}
}

// openRun creates the next attempt, seeding its checkpoint from the
// previous attempt so execution resumes instead of restarting.
func (s *ExecutorService) openRun(ctx context.Context, task *model.Task) (*model.TaskRun, error) {
	last, err := s.repos.TaskRuns.LastRun(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("load last run: %w", err)
	}
	attempt := 1
	var checkpoint []byte
	if last != nil {
		attempt = last.AttemptNo + 1
		checkpoint, err = s.reconciledCheckpoint(ctx, last)
		if err != nil {
			return nil, err
		}
	}
	run := &model.TaskRun{
		TaskId:        task.ID,
		AttemptNo:     attempt,
		Status:        model.RunStatusPlanned,
		Checkpoint:    checkpoint,
		CorrelationId: xid.New().String(),
	}
	if err := s.repos.TaskRuns.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run attempt %d: %w", attempt, err)
	}
	now := time.Now().UTC()
	if err := run.Start(now); err != nil {
		return nil, err
	}
	if _, err := s.repos.TaskRuns.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	log.Infow("run started", "taskId", task.ID, "runId", run.ID,
		"attempt", attempt, "correlationId", run.CorrelationId)
	return run, nil
}

// reconciledCheckpoint returns the resume point for the next attempt. A
// worker that dies between committing a batch row and persisting the
// checkpoint leaves the last SUCCEEDED batch ahead of the recorded
// checkpoint; the committed batch wins so its page is not fetched again.
func (s *ExecutorService) reconciledCheckpoint(ctx context.Context, last *model.TaskRun) ([]byte, error) {
	var cp runCheckpoint
	if len(last.Checkpoint) > 0 {
		if err := sonic.Unmarshal(last.Checkpoint, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint of run %d: %w", last.ID, err)
		}
	}
	batch, err := s.repos.TaskRuns.LastSucceededBatch(ctx, last.ID)
	if err != nil {
		return nil, fmt.Errorf("load last succeeded batch: %w", err)
	}
	if batch == nil || batch.BatchNo <= cp.BatchNo {
		return last.Checkpoint, nil
	}
	raw, err := sonic.Marshal(checkpointAfter(cp, batch))
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	log.Warnw("checkpoint trailed committed batch, resuming past it",
		"runId", last.ID, "checkpointBatch", cp.BatchNo, "committedBatch", batch.BatchNo)
	return raw, nil
}

func (s *ExecutorService) heartbeatLoop(ctx context.Context, session *taskSession, done <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(s.cfg.HeartbeatSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat(ctx, session)
		}
	}
}

func (s *ExecutorService) heartbeat(ctx context.Context, session *taskSession) {
	session.mu.Lock()
	defer session.mu.Unlock()
	now := time.Now().UTC()
	until := now.Add(time.Duration(s.cfg.LeaseSecs) * time.Second)
	if !session.task.RenewLease(s.workerId, until) {
		return
	}
	if ok, err := s.repos.Tasks.UpdateCAS(ctx, session.task); err != nil || !ok {
		log.Warnw("lease renewal lost", "taskId", session.task.ID, "workerId", s.workerId)
		return
	}
	session.run.Heartbeat(now)
	if _, err := s.repos.TaskRuns.UpdateRun(ctx, session.run); err != nil {
		log.Warnw("heartbeat persist failed", "runId", session.run.ID, "error", err)
	}
}

// runBatches steps through pages until the source reports no more,
// committing one batch row per page. It returns the highest watermark
// the harvester observed.
func (s *ExecutorService) runBatches(ctx context.Context, session *taskSession, slice *model.PlanSlice, policy *registry.ProvenancePolicy) (string, error) {
	var cp runCheckpoint
	if len(session.run.Checkpoint) > 0 {
		if err := sonic.Unmarshal(session.run.Checkpoint, &cp); err != nil {
			return "", fmt.Errorf("decode checkpoint: %w", err)
		}
	}
	pageSize := policy.Slicing.PageSize
	if pageSize <= 0 {
		pageSize = s.cfg.DefaultPageSize
	}

	observedMax := ""
	for {
		select {
		case <-ctx.Done():
			return observedMax, ctx.Err()
		case <-s.stopCh:
			return observedMax, fmt.Errorf("executor stopping")
		default:
		}

		cp.BatchNo++
		batch := &model.TaskRunBatch{
			RunId:   session.run.ID,
			BatchNo: cp.BatchNo,
			Status:  model.BatchStatusRunning,
		}
		if cp.PageToken != "" {
			token := cp.PageToken
			batch.BeforeToken = &token
		} else {
			page := cp.PageNo + 1
			batch.PageNo = &page
			batch.PageSize = &pageSize
		}
		created, err := s.repos.TaskRuns.CreateBatch(ctx, batch)
		if err != nil {
			return observedMax, fmt.Errorf("create batch %d: %w", cp.BatchNo, err)
		}
		if !created {
			// batch keys are run scoped and batchNo only moves forward,
			// so a collision means the checkpoint and batch rows disagree
			return observedMax, fmt.Errorf("batch %d already exists for run %d", batch.BatchNo, session.run.ID)
		}

		start := time.Now()
		page, fetchErr := s.harvester.FetchPage(ctx, &harvester.PageRequest{
			ProvenanceCode: session.task.ProvenanceCode,
			Operation:      session.task.Operation,
			CredentialRef:  session.task.CredentialRef,
			Boundary:       []byte(slice.Boundary),
			Params:         decodeParams(session.task.Params),
			PageNo:         valueOrZero(batch.PageNo),
			PageToken:      cp.PageToken,
			PageSize:       pageSize,
		})
		s.sink.BatchDuration.Observe(time.Since(start).Seconds())

		if fetchErr != nil {
			if err := batch.Finish(model.BatchStatusFailed, 0, fetchErr.Error()); err == nil {
				_, _ = s.repos.TaskRuns.UpdateBatch(ctx, batch)
			}
			return observedMax, fetchErr
		}

		if page.ObservedMax != "" {
			observedMax = page.ObservedMax
		}
		if page.NextToken != "" {
			token := page.NextToken
			batch.AfterToken = &token
		}
		if err := batch.Finish(model.BatchStatusSucceeded, int64(len(page.Records)), ""); err != nil {
			return observedMax, err
		}
		if _, err := s.repos.TaskRuns.UpdateBatch(ctx, batch); err != nil {
			return observedMax, fmt.Errorf("persist batch %d: %w", batch.BatchNo, err)
		}

		cp = checkpointAfter(cp, batch)
		delta := model.RunStats{
			Fetched:  int64(len(page.Records)),
			Upserted: int64(len(page.Records)),
			Pages:    1,
		}
		if err := s.persistCheckpoint(ctx, session, cp, delta); err != nil {
			return observedMax, err
		}

		if !page.HasMore {
			return observedMax, nil
		}
	}
}

func checkpointAfter(cp runCheckpoint, batch *model.TaskRunBatch) runCheckpoint {
	next := cp
	next.BatchNo = batch.BatchNo
	if batch.PageNo != nil {
		next.PageNo = *batch.PageNo
	}
	if batch.AfterToken != nil {
		next.PageToken = *batch.AfterToken
	} else if batch.BeforeToken != nil {
		next.PageToken = ""
	}
	return next
}

func (s *ExecutorService) persistCheckpoint(ctx context.Context, session *taskSession, cp runCheckpoint, delta model.RunStats) error {
	session.mu.Lock()
	defer session.mu.Unlock()
	raw, err := sonic.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	session.run.Checkpoint = raw
	if delta != (model.RunStats{}) {
		if err := session.run.AccumulateStats(delta); err != nil {
			return fmt.Errorf("accumulate stats: %w", err)
		}
	}
	if _, err := s.repos.TaskRuns.UpdateRun(ctx, session.run); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

// succeedRun commits the terminal success: run, task, slice, cursor
// advance and outbox fact in one transaction.
func (s *ExecutorService) succeedRun(ctx context.Context, session *taskSession, slice *model.PlanSlice, policy *registry.ProvenancePolicy, observedMax string) error {
	session.mu.Lock()
	defer session.mu.Unlock()
	now := time.Now().UTC()
	task, run := session.task, session.run

	if err := run.Finish(model.RunStatusSucceeded, now); err != nil {
		return err
	}
	if err := task.ReleaseLease(model.TaskStatusSucceeded, now); err != nil {
		return err
	}
	if err := slice.Transition(model.SliceStatusSucceeded); err != nil {
		return err
	}

	cursor, event, err := s.prepareAdvance(ctx, task, run, slice, policy, observedMax, now)
	if err != nil {
		return err
	}

	stats, _ := run.LoadStats()
	payload, err := sonic.Marshal(map[string]any{
		"taskId":         task.ID,
		"runId":          run.ID,
		"attemptNo":      run.AttemptNo,
		"provenanceCode": task.ProvenanceCode,
		"operation":      task.Operation,
		"status":         model.TaskStatusSucceeded,
		"stats":          stats,
	})
	if err != nil {
		return fmt.Errorf("encode completion fact: %w", err)
	}

	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		ok, err := s.repos.TaskRuns.UpdateRunTx(tx, run)
		if err := casStep("finalize run", run.ID, ok, err); err != nil {
			return err
		}
		ok, err = s.repos.Tasks.UpdateCASTx(tx, task)
		if err := casStep("finalize task", task.ID, ok, err); err != nil {
			return err
		}
		ok, err = s.repos.Slices.UpdateCASTx(tx, slice)
		if err := casStep("finalize slice", slice.ID, ok, err); err != nil {
			return err
		}
		if cursor != nil {
			if err := s.cursors.AdvanceTx(tx, cursor, event); err != nil && !errors.Is(err, errAdvanceReplayed) {
				return err
			}
		}
		_, err = s.repos.Outbox.EnqueueTx(tx, &model.OutboxMessage{
			AggregateType: "TASK",
			AggregateId:   task.ID,
			Channel:       ChannelTaskCompleted,
			OpType:        "TASK_COMPLETED",
			PartitionKey:  task.ProvenanceCode,
			DedupKey:      task.IdempotentKey + ":completed",
			Payload:       payload,
			Headers:       factHeaders(),
		})
		return err
	})
	if err != nil {
		return err
	}

	s.sink.TasksTotal.WithLabelValues(task.ProvenanceCode, string(task.Status)).Inc()
	if cursor != nil {
		s.sink.CursorAdvances.WithLabelValues(task.ProvenanceCode, string(model.DirectionForward)).Inc()
	}
	log.Infow("task succeeded", "taskId", task.ID, "runId", run.ID,
		"attempt", run.AttemptNo, "fetched", stats.Fetched, "pages", stats.Pages)

	s.reconcilePlan(ctx, task.PlanId)
	return nil
}

// prepareAdvance validates the cursor move outside the transaction so a
// regression aborts before any terminal write.
func (s *ExecutorService) prepareAdvance(ctx context.Context, task *model.Task, run *model.TaskRun, slice *model.PlanSlice, policy *registry.ProvenancePolicy, observedMax string, now time.Time) (*model.Cursor, *model.CursorEvent, error) {
	if policy.Cursor.Type == "" {
		return nil, nil, nil
	}
	raw := observedMax
	if raw == "" {
		raw = boundaryUpperBound(slice.Boundary)
	}
	if raw == "" {
		return nil, nil, nil
	}
	cursor, err := s.repos.Cursors.GetOrCreate(ctx, repo.CursorKey{
		ProvenanceCode: task.ProvenanceCode,
		Operation:      task.Operation,
		CursorKey:      policy.Cursor.CursorKey,
	}, model.CursorType(policy.Cursor.Type))
	if err != nil {
		return nil, nil, fmt.Errorf("load cursor: %w", err)
	}
	event, err := cursor.Apply(model.Advance{
		Direction:   model.DirectionForward,
		RawValue:    raw,
		ObservedMax: observedMax,
		ExprHash:    task.ExprHash,
		Lineage: model.Lineage{
			ScheduleInstanceId: task.ScheduleInstanceId,
			PlanId:             task.PlanId,
			SliceId:            task.SliceId,
			TaskId:             task.ID,
			RunId:              run.ID,
		},
	}, now)
	if err != nil {
		if errors.Is(err, model.ErrCursorRegression) {
			s.sink.CursorRegressions.Inc()
		}
		return nil, nil, fmt.Errorf("advance cursor for task %d: %w", task.ID, err)
	}
	return cursor, event, nil
}

// boundaryUpperBound pulls the exclusive upper bound out of a time-like
// boundary; other boundary shapes advance only via observed watermarks.
func boundaryUpperBound(raw []byte) string {
	var boundary Boundary
	if err := sonic.Unmarshal(raw, &boundary); err != nil {
		return ""
	}
	return boundary.To
}

// failRun records a failed attempt and either schedules a retry or
// commits the terminal failure.
func (s *ExecutorService) failRun(ctx context.Context, session *taskSession, slice *model.PlanSlice, policy *registry.ProvenancePolicy, cause error) error {
	session.mu.Lock()
	defer session.mu.Unlock()
	now := time.Now().UTC()
	task, run := session.task, session.run

	if err := run.Finish(model.RunStatusFailed, now); err == nil {
		if _, err := s.repos.TaskRuns.UpdateRun(ctx, run); err != nil {
			log.Errorw("persist failed run", "runId", run.ID, "error", err)
		}
	}

	maxAttempts := policy.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	fatal := harvester.IsFatal(cause)

	if !fatal && run.AttemptNo < maxAttempts {
		if err := task.ReleaseLease(model.TaskStatusFailed, now); err != nil {
			return err
		}
		if err := task.PrepareForRetry(); err != nil {
			return err
		}
		// leasedUntil doubles as the retry not-before gate while QUEUED
		notBefore := now.Add(s.retry.Delay(run.AttemptNo))
		task.LeasedUntil = &notBefore
		ok, err := s.repos.Tasks.UpdateCAS(ctx, task)
		if err := casStep("schedule retry for task", task.ID, ok, err); err != nil {
			return err
		}
		log.Warnw("task attempt failed, retry scheduled", "taskId", task.ID,
			"attempt", run.AttemptNo, "maxAttempts", maxAttempts,
			"notBefore", notBefore, "error", cause)
		return nil
	}

	if err := task.ReleaseLease(model.TaskStatusFailed, now); err != nil {
		return err
	}
	if err := slice.Transition(model.SliceStatusFailed); err != nil {
		return err
	}
	payload, err := sonic.Marshal(map[string]any{
		"taskId":         task.ID,
		"runId":          run.ID,
		"attemptNo":      run.AttemptNo,
		"provenanceCode": task.ProvenanceCode,
		"operation":      task.Operation,
		"status":         model.TaskStatusFailed,
		"error":          cause.Error(),
	})
	if err != nil {
		return fmt.Errorf("encode failure fact: %w", err)
	}
	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		ok, err := s.repos.Tasks.UpdateCASTx(tx, task)
		if err := casStep("finalize task", task.ID, ok, err); err != nil {
			return err
		}
		ok, err = s.repos.Slices.UpdateCASTx(tx, slice)
		if err := casStep("finalize slice", slice.ID, ok, err); err != nil {
			return err
		}
		_, err = s.repos.Outbox.EnqueueTx(tx, &model.OutboxMessage{
			AggregateType: "TASK",
			AggregateId:   task.ID,
			Channel:       ChannelTaskCompleted,
			OpType:        "TASK_FAILED",
			PartitionKey:  task.ProvenanceCode,
			DedupKey:      task.IdempotentKey + ":failed",
			Payload:       payload,
			Headers:       factHeaders(),
		})
		return err
	})
	if err != nil {
		return err
	}

	s.sink.TasksTotal.WithLabelValues(task.ProvenanceCode, string(task.Status)).Inc()
	log.Errorw("task failed terminally", "taskId", task.ID,
		"attempts", run.AttemptNo, "fatal", fatal, "error", cause)

	s.reconcilePlan(ctx, task.PlanId)
	return nil
}

// reconcilePlan refreshes the plan after any terminal task outcome and
// completes it once every task is terminal.
func (s *ExecutorService) reconcilePlan(ctx context.Context, planId uint64) {
	plan, err := s.planner.RefreshPlanStatus(ctx, planId)
	if err != nil {
		log.Errorw("refresh plan status failed", "planId", planId, "error", err)
		return
	}
	if plan.Status != model.PlanStatusReady && plan.Status != model.PlanStatusPartial {
		return
	}
	tasks, err := s.repos.Tasks.ListByPlan(ctx, planId)
	if err != nil {
		log.Errorw("list plan tasks failed", "planId", planId, "error", err)
		return
	}
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return
		}
	}
	if err := s.planner.CompletePlan(ctx, planId); err != nil {
		log.Errorw("complete plan failed", "planId", planId, "error", err)
	}
}

// reaperLoop requeues RUNNING tasks whose holder disappeared.
func (s *ExecutorService) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.ReaperIntervalSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ReapExpired(ctx); err != nil {
				log.Errorw("lease reaper failed", "error", err)
			} else if n > 0 {
				log.Warnw("requeued abandoned tasks", "count", n)
			}
		}
	}
}

// ReapExpired sweeps tasks whose lease lapsed without a terminal run
// and returns them to the queue, failing the open run attempt.
func (s *ExecutorService) ReapExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	abandoned, err := s.repos.Tasks.FindAbandoned(ctx, now, s.cfg.ClaimBatch)
	if err != nil {
		return 0, fmt.Errorf("find abandoned tasks: %w", err)
	}
	reaped := 0
	for _, task := range abandoned {
		run, err := s.repos.TaskRuns.LastRun(ctx, task.ID)
		if err != nil {
			return reaped, err
		}
		if run != nil && !run.Status.Terminal() {
			if err := run.Finish(model.RunStatusFailed, now); err == nil {
				_, _ = s.repos.TaskRuns.UpdateRun(ctx, run)
			}
		}
		previousOwner := task.LeaseOwner
		if err := task.ReleaseLease(model.TaskStatusFailed, now); err != nil {
			continue
		}
		if err := task.PrepareForRetry(); err != nil {
			continue
		}
		ok, err := s.repos.Tasks.UpdateCAS(ctx, task)
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped++
			log.Warnw("abandoned task requeued", "taskId", task.ID,
				"previousOwner", previousOwner, "leaseCount", task.LeaseCount)
		}
	}
	return reaped, nil
}

// casStep folds an optimistic update result into one error.
func casStep(what string, id uint64, ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("%s %d: %w", what, id, err)
	}
	if !ok {
		return fmt.Errorf("%s %d: concurrent update", what, id)
	}
	return nil
}

func decodeParams(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var params map[string]any
	if err := sonic.Unmarshal(raw, &params); err != nil {
		return nil
	}
	return params
}

func valueOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
