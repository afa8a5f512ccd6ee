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

	"gorm.io/datatypes"
)

// ScheduleInstance is the root trigger record of one harvesting run. One
// row is created per external trigger and never deleted; the snapshot and
// hash columns freeze the source configuration the run was planned under.
type ScheduleInstance struct {
	BaseModel
	SchedulerCode      string         `gorm:"column:scheduler_code;type:varchar(64);not null" json:"schedulerCode"`
	ExternalJobId      string         `gorm:"column:external_job_id;type:varchar(128)" json:"externalJobId"`
	ExternalLogId      string         `gorm:"column:external_log_id;type:varchar(128)" json:"externalLogId"`
	TriggerType        TriggerType    `gorm:"column:trigger_type;type:varchar(16);not null" json:"triggerType"`
	TriggeredAt        time.Time      `gorm:"column:triggered_at;not null" json:"triggeredAt"`
	ProvenanceCode     string         `gorm:"column:provenance_code;type:varchar(64);not null" json:"provenanceCode"`
	SourceConfSnapshot datatypes.JSON `gorm:"column:source_conf_snapshot" json:"sourceConfSnapshot"`
	SourceConfHash     string         `gorm:"column:source_conf_hash;type:char(64)" json:"sourceConfHash"`
	ExprProtoSnapshot  datatypes.JSON `gorm:"column:expr_proto_snapshot" json:"exprProtoSnapshot"`
	ExprProtoHash      string         `gorm:"column:expr_proto_hash;type:char(64)" json:"exprProtoHash"`
}

// TableName returns the table name.
func (ScheduleInstance) TableName() string {
	return "t_schedule_instance"
}

// Validate checks required fields before the row is persisted.
func (s *ScheduleInstance) Validate() error {
	if s.SchedulerCode == "" || s.ProvenanceCode == "" {
		return ErrValidation
	}
	switch s.TriggerType {
	case TriggerTypeSchedule, TriggerTypeManual, TriggerTypeAPI:
	default:
		return ErrValidation
	}
	if s.TriggeredAt.IsZero() {
		return ErrValidation
	}
	return nil
}
