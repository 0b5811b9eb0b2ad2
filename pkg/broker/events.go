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

package broker

import (
	"sync/atomic"
	"time"

	"github.com/turtacn/farmbridge/pkg/auth"
)

// EventKind identifies a client lifecycle event.
type EventKind int

const (
	// EventReady fires when a CONNECT packet arrives, before authentication.
	EventReady EventKind = iota
	EventAuthenticated
	EventSubscribed
	EventUnsubscribed
	EventPing
	EventPublished
	EventDisconnected
	// EventErrored covers failed authentication and abnormal disconnects.
	EventErrored
)

var eventNames = [...]string{"ready", "authenticated", "subscribed", "unsubscribed", "ping", "published", "disconnected", "errored"}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Terminal reports whether the event ends the connection.
func (k EventKind) Terminal() bool {
	return k == EventDisconnected || k == EventErrored
}

// Event describes one change to a client connection. Conn numbers each
// transport connection so a takeover under the same client id can be told
// apart from the connection it replaced.
type Event struct {
	Kind     EventKind
	ClientID string
	Conn     uint64
	Remote   string
	Claims   *auth.DeviceClaims
	Topics   []string
	Err      error
	At       time.Time
}

// EventSink consumes broker events. Deliver must not block for long.
type EventSink interface {
	Deliver(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// Deliver implements EventSink.
func (f SinkFunc) Deliver(ev Event) { f(ev) }

// Stats are the broker counters.
type Stats struct {
	totalConnections   atomic.Int64
	activeConnections  atomic.Int64
	totalMessages      atomic.Int64
	totalSubscriptions atomic.Int64
}

// StatsSnapshot is a read-only copy of Stats.
type StatsSnapshot struct {
	TotalConnections   int64 `json:"totalConnections"`
	ActiveConnections  int64 `json:"activeConnections"`
	TotalMessages      int64 `json:"totalMessages"`
	TotalSubscriptions int64 `json:"totalSubscriptions"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalConnections:   s.totalConnections.Load(),
		ActiveConnections:  s.activeConnections.Load(),
		TotalMessages:      s.totalMessages.Load(),
		TotalSubscriptions: s.totalSubscriptions.Load(),
	}
}
