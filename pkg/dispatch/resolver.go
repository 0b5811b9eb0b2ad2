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

package dispatch

import (
	"context"
	"errors"
	"sort"

	"github.com/turtacn/farmbridge/pkg/registry"
)

// ErrNotConnected is returned when publishing through a farm whose transport
// has gone away.
var ErrNotConnected = errors.New("dispatch: farm transport not connected")

// FarmPublisher delivers messages into one farm's MQTT namespace.
type FarmPublisher interface {
	IsConnected() bool
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Resolver finds the publisher responsible for a farm.
type Resolver interface {
	ClientForFarm(farmID string) (FarmPublisher, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(farmID string) (FarmPublisher, bool)

// ClientForFarm calls f(farmID).
func (f ResolverFunc) ClientForFarm(farmID string) (FarmPublisher, bool) { return f(farmID) }

// ChainResolver asks each resolver in order and returns the first connected
// publisher.
type ChainResolver []Resolver

// ClientForFarm implements Resolver.
func (c ChainResolver) ClientForFarm(farmID string) (FarmPublisher, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if p, ok := r.ClientForFarm(farmID); ok && p != nil && p.IsConnected() {
			return p, true
		}
	}
	return nil, false
}

// FarmDirectory lists the authenticated broker clients that belong to a farm.
type FarmDirectory interface {
	ByFarm(farmID string) []registry.ConnectedClient
}

// BrokerPublisher is the publish side of the embedded broker.
type BrokerPublisher interface {
	Publish(topic string, payload []byte, qos byte) error
	IsConnected(clientID string) bool
}

// BrokerResolver routes a farm's commands through the embedded broker when
// at least one of the farm's devices holds a live session.
type BrokerResolver struct {
	Directory FarmDirectory
	Broker    BrokerPublisher
}

// ClientForFarm implements Resolver.
func (b BrokerResolver) ClientForFarm(farmID string) (FarmPublisher, bool) {
	if b.Directory == nil || b.Broker == nil {
		return nil, false
	}
	clients := b.Directory.ByFarm(farmID)
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ClientID)
	}
	sort.Strings(ids)
	p := &brokerFarm{broker: b.Broker, clientIDs: ids}
	if !p.IsConnected() {
		return nil, false
	}
	return p, true
}

type brokerFarm struct {
	broker    BrokerPublisher
	clientIDs []string
}

func (p *brokerFarm) IsConnected() bool {
	for _, id := range p.clientIDs {
		if p.broker.IsConnected(id) {
			return true
		}
	}
	return false
}

func (p *brokerFarm) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.IsConnected() {
		return ErrNotConnected
	}
	return p.broker.Publish(topic, payload, qos)
}
