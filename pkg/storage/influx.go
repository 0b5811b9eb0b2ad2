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

package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// ReadingsMeasurement is the InfluxDB measurement readings are written to.
const ReadingsMeasurement = "device_readings"

// InfluxConfig locates an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string `yaml:"url" json:"url" env:"URL"`
	Token  string `yaml:"token" json:"token" env:"TOKEN"`
	Org    string `yaml:"org" json:"org" env:"ORG"`
	Bucket string `yaml:"bucket" json:"bucket" env:"BUCKET"`
}

// Enabled reports whether enough is configured to connect.
func (c InfluxConfig) Enabled() bool {
	return c.URL != "" && c.Bucket != ""
}

// InfluxReadingStore writes readings as points, one per reading.
type InfluxReadingStore struct {
	client influxdb2.Client
	api    api.WriteAPIBlocking
}

// NewInfluxReadingStore creates an InfluxDB write API client. Caller should call Close() when done.
func NewInfluxReadingStore(cfg InfluxConfig) *InfluxReadingStore {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxReadingStore{client: client, api: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}
}

// ReadingPoint converts a reading to a line-protocol point.
func ReadingPoint(r Reading) *write.Point {
	ts := r.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	p := influxdb2.NewPointWithMeasurement(ReadingsMeasurement).
		AddTag("device_uuid", r.DeviceUUID).
		AddTag("tenant_id", r.TenantID).
		AddTag("key", r.Key).
		SetTime(ts)
	if r.Unit != "" {
		p.AddTag("unit", r.Unit)
	}
	if r.Text != "" {
		p.AddField("text", r.Text)
	} else {
		p.AddField("value", r.Value)
	}
	return p
}

// InsertReadings implements ReadingStore.
func (s *InfluxReadingStore) InsertReadings(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		points = append(points, ReadingPoint(r))
	}
	if err := s.api.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Health checks that InfluxDB is reachable and the token is valid.
func (s *InfluxReadingStore) Health(ctx context.Context) error {
	_, err := s.client.Health(ctx)
	return err
}

// Close releases the InfluxDB client.
func (s *InfluxReadingStore) Close() {
	s.client.Close()
}
