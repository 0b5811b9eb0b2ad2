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

// Package registry tracks the clients connected to the embedded broker.
// Broker events are sharded by client id onto mailboxes so each client's
// events are applied in order while different clients proceed in parallel.
package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/farmbridge/pkg/actor"
	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/broker"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a tracked client.
type State string

const (
	StateReady         State = "ready"
	StateAuthenticated State = "authenticated"
)

// Defaults for New.
const (
	DefaultShards      = 8
	DefaultMailboxSize = 256
)

// ConnectedClient is a snapshot of one tracked connection.
type ConnectedClient struct {
	ClientID      string             `json:"client_id"`
	Remote        string             `json:"remote,omitempty"`
	Claims        *auth.DeviceClaims `json:"claims,omitempty"`
	TenantID      string             `json:"tenant_id,omitempty"`
	FarmID        string             `json:"farm_id,omitempty"`
	State         State              `json:"state"`
	ConnectedAt   time.Time          `json:"connected_at"`
	LastSeen      time.Time          `json:"last_seen"`
	Subscriptions []string           `json:"subscriptions"`
}

type entry struct {
	conn          uint64
	client        ConnectedClient
	subscriptions map[string]struct{}
}

func (e *entry) snapshot() ConnectedClient {
	c := e.client
	c.Subscriptions = make([]string, 0, len(e.subscriptions))
	for s := range e.subscriptions {
		c.Subscriptions = append(c.Subscriptions, s)
	}
	sort.Strings(c.Subscriptions)
	return c
}

// Registry is the in-memory client table. It implements broker.EventSink.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*entry
	active  int

	shards []*actor.Mailbox[broker.Event]
	logger *slog.Logger

	// life ends when Start returns; Deliver stops waiting on full shards then.
	life    context.Context
	endLife context.CancelFunc
}

// New creates a registry with n shards. n <= 0 uses DefaultShards.
func New(n int, logger *slog.Logger) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	if logger == nil {
		logger = slog.Default()
	}
	life, endLife := context.WithCancel(context.Background())
	r := &Registry{
		clients: make(map[string]*entry),
		shards:  make([]*actor.Mailbox[broker.Event], n),
		logger:  logger.With("component", "registry"),
		life:    life,
		endLife: endLife,
	}
	for i := range r.shards {
		r.shards[i] = actor.NewMailbox[broker.Event](DefaultMailboxSize)
	}
	return r
}

func (r *Registry) shard(clientID string) *actor.Mailbox[broker.Event] {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Deliver queues ev on the client's shard, blocking while it is full. Once
// Start has returned a full shard drops the event instead.
func (r *Registry) Deliver(ev broker.Event) {
	if err := r.shard(ev.ClientID).Send(r.life, ev); err != nil {
		r.logger.Warn("Dropped broker event", "client", ev.ClientID, "event", ev.Kind.String(), "error", err)
	}
}

// Start consumes every shard until ctx is done.
func (r *Registry) Start(ctx context.Context) error {
	defer r.endLife()
	g, ctx := errgroup.WithContext(ctx)
	for _, mb := range r.shards {
		g.Go(func() error {
			for {
				ev, err := mb.Receive(ctx)
				if err != nil {
					return nil
				}
				r.Apply(ev)
			}
		})
	}
	return g.Wait()
}

// Apply updates the table for one event.
func (r *Registry) Apply(ev broker.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[ev.ClientID]
	if ev.Kind == broker.EventReady {
		if ok && e.client.State == StateAuthenticated {
			r.active--
		}
		r.clients[ev.ClientID] = &entry{
			conn: ev.Conn,
			client: ConnectedClient{
				ClientID:    ev.ClientID,
				Remote:      ev.Remote,
				State:       StateReady,
				ConnectedAt: ev.At,
				LastSeen:    ev.At,
			},
			subscriptions: make(map[string]struct{}),
		}
		return
	}
	if !ok || e.conn != ev.Conn {
		// Events from a connection that was replaced or already removed.
		return
	}

	switch ev.Kind {
	case broker.EventAuthenticated:
		if e.client.State != StateAuthenticated {
			r.active++
		}
		e.client.State = StateAuthenticated
		e.client.Claims = ev.Claims
		if ev.Claims != nil {
			e.client.TenantID = ev.Claims.TenantID
			e.client.FarmID = ev.Claims.FarmID
		}
	case broker.EventSubscribed:
		for _, t := range ev.Topics {
			e.subscriptions[t] = struct{}{}
		}
	case broker.EventUnsubscribed:
		for _, t := range ev.Topics {
			delete(e.subscriptions, t)
		}
	case broker.EventPing, broker.EventPublished:
	case broker.EventDisconnected, broker.EventErrored:
		r.removeLocked(ev.ClientID, e)
		if ev.Kind == broker.EventErrored {
			r.logger.Warn("Client errored", "client", ev.ClientID, "error", ev.Err)
		}
		return
	}
	if ev.At.After(e.client.LastSeen) {
		e.client.LastSeen = ev.At
	}
}

func (r *Registry) removeLocked(clientID string, e *entry) {
	delete(r.clients, clientID)
	if e.client.State == StateAuthenticated {
		r.active--
	}
}

// Remove drops clientID. It reports false when the client is not tracked,
// so removing twice only counts once.
func (r *Registry) Remove(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[clientID]
	if !ok {
		return false
	}
	r.removeLocked(clientID, e)
	return true
}

// Get returns one client.
func (r *Registry) Get(clientID string) (ConnectedClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[clientID]
	if !ok {
		return ConnectedClient{}, false
	}
	return e.snapshot(), true
}

// List returns every tracked client ordered by id.
func (r *Registry) List() []ConnectedClient {
	r.mu.RLock()
	out := make([]ConnectedClient, 0, len(r.clients))
	for _, e := range r.clients {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// ByFarm returns the authenticated clients whose claims name farmID.
func (r *Registry) ByFarm(farmID string) []ConnectedClient {
	var out []ConnectedClient
	for _, c := range r.List() {
		if c.State == StateAuthenticated && c.FarmID == farmID {
			out = append(out, c)
		}
	}
	return out
}

// Active is the number of authenticated clients.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Len is the number of tracked clients, authenticated or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
