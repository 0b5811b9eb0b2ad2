// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package connector forwards bridge data to external systems.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/turtacn/farmbridge/pkg/storage"
)

// KafkaConfig holds Kafka-specific configuration
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers" json:"brokers" env:"BROKERS" envSeparator:","`
	Topic           string        `yaml:"topic" json:"topic" env:"TOPIC"`
	RequiredAcks    int           `yaml:"required_acks" json:"required_acks" env:"REQUIRED_ACKS"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`
	BatchTimeout    time.Duration `yaml:"batch_timeout" json:"batch_timeout" env:"BATCH_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	CompressionType string        `yaml:"compression_type" json:"compression_type" env:"COMPRESSION_TYPE"`
}

// Enabled reports whether brokers and a topic are configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

// Validate checks an enabled config.
func (c KafkaConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	switch c.CompressionType {
	case "", "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("unsupported kafka compression: %s", c.CompressionType)
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		return fmt.Errorf("kafka required_acks must be -1, 0 or 1")
	}
	return nil
}

// MessageWriter is the part of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a producer for cfg.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	switch cfg.CompressionType {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "snappy":
		writer.Compression = kafka.Snappy
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	}
	return writer
}

// ReadingMessage is the JSON value published for each reading.
type ReadingMessage struct {
	TenantID string    `json:"tenant_id"`
	DeviceID string    `json:"device_id"`
	Key      string    `json:"key"`
	Value    *float64  `json:"value,omitempty"`
	Text     string    `json:"text,omitempty"`
	Unit     string    `json:"unit,omitempty"`
	TS       time.Time `json:"ts"`
}

// KafkaReadingSink publishes readings keyed by tenant and device so one
// device's readings stay in order on a partition.
type KafkaReadingSink struct {
	writer MessageWriter
}

var _ storage.ReadingStore = (*KafkaReadingSink)(nil)

// NewKafkaReadingSink wraps w.
func NewKafkaReadingSink(w MessageWriter) *KafkaReadingSink {
	return &KafkaReadingSink{writer: w}
}

// InsertReadings implements storage.ReadingStore.
func (k *KafkaReadingSink) InsertReadings(ctx context.Context, readings []storage.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(readings))
	for _, r := range readings {
		m := ReadingMessage{
			TenantID: r.TenantID,
			DeviceID: r.DeviceUUID,
			Key:      r.Key,
			Text:     r.Text,
			Unit:     r.Unit,
			TS:       r.TS.UTC(),
		}
		if r.Text == "" {
			v := r.Value
			m.Value = &v
		}
		value, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("kafka: encode reading: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.TenantID + "/" + r.DeviceUUID),
			Value: value,
			Time:  r.TS,
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		var werrs kafka.WriteErrors
		if errors.As(err, &werrs) {
			return fmt.Errorf("kafka: %d of %d readings failed: %w", werrs.Count(), len(msgs), err)
		}
		return fmt.Errorf("kafka: write readings: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (k *KafkaReadingSink) Close() error {
	return k.writer.Close()
}
