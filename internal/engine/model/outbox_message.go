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

// OutboxStatus is the publish state of an outbox row.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusPublishing OutboxStatus = "PUBLISHING"
	OutboxStatusPublished  OutboxStatus = "PUBLISHED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
	OutboxStatusDead       OutboxStatus = "DEAD"
)

var outboxTransitions = map[OutboxStatus][]OutboxStatus{
	OutboxStatusPending: {OutboxStatusPublishing},
	// PUBLISHING -> PUBLISHING is the lease takeover after a publisher crash
	OutboxStatusPublishing: {OutboxStatusPublishing, OutboxStatusPublished, OutboxStatusFailed, OutboxStatusDead},
	OutboxStatusFailed:     {OutboxStatusPublishing, OutboxStatusDead},
	// DEAD may be manually requeued by an operator
	OutboxStatusDead: {OutboxStatusPending},
}

// CanTransition reports whether moving from s to next is legal.
func (s OutboxStatus) CanTransition(next OutboxStatus) bool {
	for _, allowed := range outboxTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OutboxMessage is one fact to publish. Rows are enqueued inside the
// business transaction they report on; the relay claims them under a
// publisher lease and drives them to PUBLISHED, FAILED or DEAD. The
// unique (channel, dedup_key) pair makes re-enqueueing a no-op.
type OutboxMessage struct {
	BaseModel
	AggregateType string         `gorm:"column:aggregate_type;type:varchar(32);not null" json:"aggregateType"`
	AggregateId   uint64         `gorm:"column:aggregate_id;not null" json:"aggregateId"`
	Channel       string         `gorm:"column:channel;type:varchar(128);not null;uniqueIndex:uk_channel_dedup,priority:1" json:"channel"`
	OpType        string         `gorm:"column:op_type;type:varchar(64);not null" json:"opType"`
	PartitionKey  string         `gorm:"column:partition_key;type:varchar(190)" json:"partitionKey"`
	DedupKey      string         `gorm:"column:dedup_key;type:varchar(190);not null;uniqueIndex:uk_channel_dedup,priority:2" json:"dedupKey"`
	Payload       datatypes.JSON `gorm:"column:payload;not null" json:"payload"`
	Headers       datatypes.JSON `gorm:"column:headers" json:"headers"`
	NotBefore     *time.Time     `gorm:"column:not_before" json:"notBefore"`
	Status        OutboxStatus   `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	RetryCount    int            `gorm:"column:retry_count;not null;default:0" json:"retryCount"`
	NextRetryAt   *time.Time     `gorm:"column:next_retry_at" json:"nextRetryAt"`
	LastError     string         `gorm:"column:last_error;type:text" json:"lastError"`
	LeaseOwner    string         `gorm:"column:lease_owner;type:varchar(128)" json:"leaseOwner"`
	LeasedUntil   *time.Time     `gorm:"column:leased_until" json:"leasedUntil"`
	MsgId         string         `gorm:"column:msg_id;type:varchar(190)" json:"msgId"`
	PublishedAt   *time.Time     `gorm:"column:published_at" json:"publishedAt"`
}

// TableName returns the table name.
func (OutboxMessage) TableName() string {
	return "t_outbox_message"
}

// Validate checks required fields before the row is persisted.
func (m *OutboxMessage) Validate() error {
	if m.AggregateType == "" || m.Channel == "" || m.DedupKey == "" || len(m.Payload) == 0 {
		return ErrValidation
	}
	return nil
}

// Due reports whether the row is eligible for a publish attempt at now:
// publishable status, past any notBefore and retry delay, and no live
// publisher lease. A PUBLISHING row whose lease lapsed was abandoned by
// a crashed publisher and becomes due again.
func (m *OutboxMessage) Due(now time.Time) bool {
	switch m.Status {
	case OutboxStatusPending, OutboxStatusFailed, OutboxStatusPublishing:
	default:
		return false
	}
	if m.NotBefore != nil && now.Before(*m.NotBefore) {
		return false
	}
	if m.NextRetryAt != nil && now.Before(*m.NextRetryAt) {
		return false
	}
	if m.LeasedUntil != nil && m.LeasedUntil.After(now) {
		return false
	}
	return true
}

// Claim takes the publisher lease for owner. Same contract as the task
// lease: false means another publisher won, not an error.
func (m *OutboxMessage) Claim(owner string, until, now time.Time) bool {
	if !m.Due(now) {
		return false
	}
	if !m.Status.CanTransition(OutboxStatusPublishing) {
		return false
	}
	m.Status = OutboxStatusPublishing
	m.LeaseOwner = owner
	m.LeasedUntil = &until
	return true
}

// MarkPublished records the broker ack.
func (m *OutboxMessage) MarkPublished(msgId string, now time.Time) error {
	if !m.Status.CanTransition(OutboxStatusPublished) {
		return ErrIllegalOutboxState
	}
	m.Status = OutboxStatusPublished
	m.MsgId = msgId
	published := now
	m.PublishedAt = &published
	m.LeaseOwner = ""
	m.LeasedUntil = nil
	return nil
}

// MarkFailed records a transient publish failure and schedules the next
// retry. When the retry budget is exhausted the row goes DEAD.
func (m *OutboxMessage) MarkFailed(errMsg string, nextRetryAt time.Time, maxRetries int) error {
	if !m.Status.CanTransition(OutboxStatusFailed) {
		return ErrIllegalOutboxState
	}
	m.RetryCount++
	m.LastError = errMsg
	m.LeaseOwner = ""
	m.LeasedUntil = nil
	if m.RetryCount >= maxRetries {
		m.Status = OutboxStatusDead
		m.NextRetryAt = nil
		return nil
	}
	m.Status = OutboxStatusFailed
	retry := nextRetryAt
	m.NextRetryAt = &retry
	return nil
}

// MarkDead moves the row straight to DEAD on a permanent failure.
func (m *OutboxMessage) MarkDead(errMsg string) error {
	if !m.Status.CanTransition(OutboxStatusDead) {
		return ErrIllegalOutboxState
	}
	m.Status = OutboxStatusDead
	m.LastError = errMsg
	m.LeaseOwner = ""
	m.LeasedUntil = nil
	m.NextRetryAt = nil
	return nil
}

// Requeue returns a DEAD row to PENDING, used by the operator CLI.
func (m *OutboxMessage) Requeue() error {
	if !m.Status.CanTransition(OutboxStatusPending) {
		return ErrIllegalOutboxState
	}
	m.Status = OutboxStatusPending
	m.RetryCount = 0
	m.NextRetryAt = nil
	m.LastError = ""
	return nil
}
