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

package blacklist

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/broker"
)

// ErrBlocked is returned by Gate.Authenticate for blacklisted clients.
var ErrBlocked = errors.New("client is blacklisted")

// Gate puts the blacklist in front of another broker gate.
type Gate struct {
	next    broker.Gate
	manager *BlacklistManager
	logger  *slog.Logger
}

var _ broker.Gate = (*Gate)(nil)

// NewGate wraps next.
func NewGate(next broker.Gate, manager *BlacklistManager, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{next: next, manager: manager, logger: logger}
}

// Authenticate rejects blacklisted client ids before the token is checked
// and blacklisted devices or tenants after.
func (g *Gate) Authenticate(clientID, username string, password []byte) (auth.DeviceClaims, error) {
	if e, ok := g.manager.Check(ClientIDBlacklist, clientID); ok {
		return auth.DeviceClaims{}, g.blocked(e, clientID)
	}
	claims, err := g.next.Authenticate(clientID, username, password)
	if err != nil {
		return claims, err
	}
	if e, ok := g.manager.CheckClaims(claims); ok {
		return auth.DeviceClaims{}, g.blocked(e, clientID)
	}
	return claims, nil
}

func (g *Gate) blocked(e BlacklistEntry, clientID string) error {
	g.logger.Warn("Blacklisted client refused", "client", clientID, "entry", e.ID, "type", e.Type, "reason", e.Reason)
	return fmt.Errorf("client %s: %w (%s)", clientID, ErrBlocked, e.Type)
}

// AuthorizePublish implements broker.Gate.
func (g *Gate) AuthorizePublish(claims *auth.DeviceClaims, topic string) bool {
	if _, ok := g.manager.Check(TopicBlacklist, topic); ok {
		return false
	}
	return g.next.AuthorizePublish(claims, topic)
}

// AuthorizeSubscribe implements broker.Gate.
func (g *Gate) AuthorizeSubscribe(claims *auth.DeviceClaims, filter string) bool {
	if _, ok := g.manager.Check(TopicBlacklist, filter); ok {
		return false
	}
	return g.next.AuthorizeSubscribe(claims, filter)
}
