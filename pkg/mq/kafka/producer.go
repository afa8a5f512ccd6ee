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

package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/harvexio/harvex/pkg/mq"
)

// ProducerConfig represents Kafka producer configuration.
type ProducerConfig struct {
	Config      `mapstructure:",squash"`
	Acks        string `mapstructure:"acks"`
	Retries     int    `mapstructure:"retries"`
	Compression string `mapstructure:"compression"`
}

// SetDefaults applies default values to unset fields.
func (c *ProducerConfig) SetDefaults() {
	if c.ClientId == "" {
		c.ClientId = "harvex"
	}
	if c.Acks == "" {
		c.Acks = "all"
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Compression == "" {
		c.Compression = "snappy"
	}
}

// Producer wraps a Kafka producer instance.
type Producer struct {
	producer *kafka.Producer
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	cfg.SetDefaults()
	config, err := buildBaseConfig(cfg.Config)
	if err != nil {
		return nil, err
	}
	_ = config.SetKey("client.id", cfg.ClientId)
	_ = config.SetKey("acks", cfg.Acks)
	_ = config.SetKey("retries", cfg.Retries)
	_ = config.SetKey("compression.type", cfg.Compression)
	_ = config.SetKey("enable.idempotence", true)

	producer, err := kafka.NewProducer(config)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return &Producer{producer: producer}, nil
}

// Publish sends one message and waits for the broker ack. The returned id
// is the broker-assigned position (topic[partition]@offset). Fatal client
// and message errors come back wrapped as mq.PermanentError.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) (string, error) {
	if p == nil || p.producer == nil {
		return "", mq.Permanent(fmt.Errorf("producer is not initialized"))
	}
	if topic == "" {
		return "", mq.Permanent(fmt.Errorf("topic is required"))
	}

	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:     []byte(key),
		Value:   value,
		Headers: kafkaHeaders,
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.producer.Produce(message, deliveryChan); err != nil {
		return "", classify(err)
	}

	select {
	case e := <-deliveryChan:
		m := e.(*kafka.Message)
		if m.TopicPartition.Error != nil {
			return "", classify(m.TopicPartition.Error)
		}
		return fmt.Sprintf("%s[%d]@%d", topic, m.TopicPartition.Partition, m.TopicPartition.Offset), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close flushes outstanding messages and closes the producer.
func (p *Producer) Close() {
	if p == nil || p.producer == nil {
		return
	}
	p.producer.Flush(15 * 1000)
	p.producer.Close()
}

func classify(err error) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr.Code() {
		case kafka.ErrMsgSizeTooLarge,
			kafka.ErrTopicAuthorizationFailed,
			kafka.ErrUnknownTopicOrPart,
			kafka.ErrInvalidMsg:
			return mq.Permanent(fmt.Errorf("deliver message: %w", err))
		}
		if kerr.IsFatal() {
			return mq.Permanent(fmt.Errorf("deliver message: %w", err))
		}
	}
	return fmt.Errorf("deliver message: %w", err)
}
