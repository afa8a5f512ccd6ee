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
	"fmt"

	"gorm.io/datatypes"
)

// BatchStatus is the state of one page/token step within a run.
type BatchStatus string

const (
	BatchStatusRunning   BatchStatus = "RUNNING"
	BatchStatusSucceeded BatchStatus = "SUCCEEDED"
	BatchStatusFailed    BatchStatus = "FAILED"
	BatchStatusSkipped   BatchStatus = "SKIPPED"
)

// TaskRunBatch records one page or token step of progress within a run.
// Pagination is either page-numbered or token-based, never both. The
// idempotency key derived from (runId, beforeToken|pageNo) lets a crashed
// run replay without reprocessing a committed page.
type TaskRunBatch struct {
	BaseModel
	RunId          uint64         `gorm:"column:run_id;not null;uniqueIndex:uk_run_batch,priority:1" json:"runId"`
	BatchNo        int            `gorm:"column:batch_no;not null;uniqueIndex:uk_run_batch,priority:2" json:"batchNo"`
	PageNo         *int           `gorm:"column:page_no" json:"pageNo"`
	PageSize       *int           `gorm:"column:page_size" json:"pageSize"`
	BeforeToken    *string        `gorm:"column:before_token;type:varchar(512)" json:"beforeToken"`
	AfterToken     *string        `gorm:"column:after_token;type:varchar(512)" json:"afterToken"`
	IdempotencyKey string         `gorm:"column:idempotency_key;type:varchar(190);not null;uniqueIndex" json:"idempotencyKey"`
	RecordCount    int64          `gorm:"column:record_count;not null;default:0" json:"recordCount"`
	Status         BatchStatus    `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Error          string         `gorm:"column:error;type:text" json:"error"`
	Stats          datatypes.JSON `gorm:"column:stats" json:"stats"`
}

// TableName returns the table name.
func (TaskRunBatch) TableName() string {
	return "t_task_run_batch"
}

// Validate enforces exactly one pagination mode and required fields.
func (b *TaskRunBatch) Validate() error {
	if b.RunId == 0 || b.BatchNo < 1 {
		return ErrValidation
	}
	hasPage := b.PageNo != nil
	hasToken := b.BeforeToken != nil
	if hasPage == hasToken {
		return ErrValidation
	}
	return nil
}

// DeriveIdempotencyKey computes the batch idempotency key from the run
// id plus whichever pagination coordinate is in use.
func (b *TaskRunBatch) DeriveIdempotencyKey() string {
	if b.BeforeToken != nil {
		return fmt.Sprintf("%d:tok:%s", b.RunId, *b.BeforeToken)
	}
	if b.PageNo != nil {
		return fmt.Sprintf("%d:page:%d", b.RunId, *b.PageNo)
	}
	return fmt.Sprintf("%d:batch:%d", b.RunId, b.BatchNo)
}

// Finish records the batch outcome.
func (b *TaskRunBatch) Finish(final BatchStatus, recordCount int64, errMsg string) error {
	if b.Status != BatchStatusRunning {
		return ErrIllegalRunState
	}
	switch final {
	case BatchStatusSucceeded, BatchStatusFailed, BatchStatusSkipped:
	default:
		return ErrIllegalRunState
	}
	b.Status = final
	b.RecordCount = recordCount
	b.Error = errMsg
	return nil
}
