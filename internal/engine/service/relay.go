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
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/xid"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/pkg/backoff"
	"github.com/harvexio/harvex/pkg/log"
	"github.com/harvexio/harvex/pkg/metrics"
	"github.com/harvexio/harvex/pkg/mq"
	"github.com/harvexio/harvex/pkg/safe"
)

// Transport publishes one message to the broker. The kafka producer
// satisfies this; tests plug in an in-memory one.
type Transport interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) (string, error)
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	PollIntervalSecs int `mapstructure:"pollIntervalSecs" json:"pollIntervalSecs"`
	BatchSize        int `mapstructure:"batchSize" json:"batchSize"`
	LeaseSecs        int `mapstructure:"leaseSecs" json:"leaseSecs"`
	MaxRetries       int `mapstructure:"maxRetries" json:"maxRetries"`
}

// SetDefaults fills zero values.
func (c *RelayConfig) SetDefaults() {
	if c.PollIntervalSecs <= 0 {
		c.PollIntervalSecs = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.LeaseSecs <= 0 {
		c.LeaseSecs = 60
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
}

// OutboxRelay drains due outbox rows to the broker. Each row is claimed
// under a publisher lease, so multiple relay instances never double
// publish; across rows publishing is fully parallel.
type OutboxRelay struct {
	cfg       RelayConfig
	outbox    repo.IOutboxRepository
	transport Transport
	sink      *metrics.Sink
	retry     backoff.Policy

	relayId string
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewOutboxRelay(cfg RelayConfig, outbox repo.IOutboxRepository, transport Transport, sink *metrics.Sink) *OutboxRelay {
	cfg.SetDefaults()
	retry := backoff.Policy{}
	retry.SetDefaults()
	return &OutboxRelay{
		cfg:       cfg,
		outbox:    outbox,
		transport: transport,
		sink:      sink,
		retry:     retry,
		relayId:   "relay-" + xid.New().String(),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the poll loop.
func (r *OutboxRelay) Start(ctx context.Context) {
	r.wg.Add(1)
	safe.Go(func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Duration(r.cfg.PollIntervalSecs) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RelayOnce(ctx); err != nil {
					log.Errorw("relay round failed", "error", err)
				}
			}
		}
	})
	log.Infow("outbox relay started", "relayId", r.relayId)
}

// Stop drains the loop.
func (r *OutboxRelay) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	log.Infow("outbox relay stopped", "relayId", r.relayId)
}

// RelayOnce claims and publishes one batch of due rows, returning how
// many reached PUBLISHED.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	log.BindContext(ctx)
	now := time.Now().UTC()
	due, err := r.outbox.FindDue(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find due outbox rows: %w", err)
	}
	published := 0
	for _, msg := range due {
		ok, err := r.relayOne(ctx, msg)
		if err != nil {
			log.Errorw("outbox publish failed", "outboxId", msg.ID,
				"channel", msg.Channel, "error", err)
		}
		if ok {
			published++
		}
	}
	return published, nil
}

func (r *OutboxRelay) relayOne(ctx context.Context, msg *model.OutboxMessage) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(time.Duration(r.cfg.LeaseSecs) * time.Second)
	if !msg.Claim(r.relayId, until, now) {
		return false, nil
	}
	ok, err := r.outbox.UpdateCAS(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("persist publisher lease: %w", err)
	}
	if !ok {
		// another relay instance won the row
		return false, nil
	}

	msgId, pubErr := r.transport.Publish(ctx, msg.Channel, r.partitionKey(msg), msg.Payload, r.headers(msg))
	if pubErr != nil {
		return false, r.recordFailure(ctx, msg, pubErr)
	}

	if err := msg.MarkPublished(msgId, time.Now().UTC()); err != nil {
		return false, err
	}
	if _, err := r.outbox.UpdateCAS(ctx, msg); err != nil {
		return false, fmt.Errorf("persist published state: %w", err)
	}
	r.sink.OutboxTotal.WithLabelValues(msg.Channel, string(msg.Status)).Inc()
	log.Debugw("outbox row published", "outboxId", msg.ID,
		"channel", msg.Channel, "msgId", msgId)
	return true, nil
}

func (r *OutboxRelay) recordFailure(ctx context.Context, msg *model.OutboxMessage, cause error) error {
	now := time.Now().UTC()
	var err error
	if mq.IsPermanent(cause) {
		err = msg.MarkDead(cause.Error())
	} else {
		next := now.Add(r.retry.Delay(msg.RetryCount + 1))
		err = msg.MarkFailed(cause.Error(), next, r.cfg.MaxRetries)
	}
	if err != nil {
		return err
	}
	if _, casErr := r.outbox.UpdateCAS(ctx, msg); casErr != nil {
		return fmt.Errorf("persist failure state: %w", casErr)
	}
	r.sink.OutboxTotal.WithLabelValues(msg.Channel, string(msg.Status)).Inc()
	if msg.Status == model.OutboxStatusDead {
		log.Errorw("outbox row dead", "outboxId", msg.ID, "channel", msg.Channel,
			"retries", msg.RetryCount, "error", cause)
	}
	return cause
}

// RequeueDead returns one DEAD row to PENDING, the operator path for
// rows that exhausted their retry budget.
func (r *OutboxRelay) RequeueDead(ctx context.Context, id uint64) error {
	msg, err := r.outbox.GetById(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("outbox row %d not found", id)
	}
	if err := msg.Requeue(); err != nil {
		return err
	}
	ok, err := r.outbox.UpdateCAS(ctx, msg)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("outbox row %d changed concurrently", id)
	}
	log.Infow("dead outbox row requeued", "outboxId", id, "channel", msg.Channel)
	return nil
}

// ListDead returns the dead-letter rows for the operator CLI.
func (r *OutboxRelay) ListDead(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	return r.outbox.ListByStatus(ctx, model.OutboxStatusDead, limit)
}

func (r *OutboxRelay) partitionKey(msg *model.OutboxMessage) string {
	if msg.PartitionKey != "" {
		return msg.PartitionKey
	}
	return msg.DedupKey
}

func (r *OutboxRelay) headers(msg *model.OutboxMessage) map[string]string {
	headers := map[string]string{
		"x-op-type":   msg.OpType,
		"x-dedup-key": msg.DedupKey,
	}
	if len(msg.Headers) > 0 {
		var extra map[string]string
		if err := sonic.Unmarshal(msg.Headers, &extra); err == nil {
			for k, v := range extra {
				headers[k] = v
			}
		}
	}
	return headers
}
