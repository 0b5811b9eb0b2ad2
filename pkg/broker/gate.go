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
	"fmt"
	"log/slog"

	"github.com/turtacn/farmbridge/pkg/acl"
	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/metrics"
)

// Gate decides who may connect and which topics a connected client may use.
// It is independent of the broker library so it can be tested without a
// listener.
type Gate interface {
	Authenticate(clientID, username string, password []byte) (auth.DeviceClaims, error)
	AuthorizePublish(claims *auth.DeviceClaims, topic string) bool
	AuthorizeSubscribe(claims *auth.DeviceClaims, filter string) bool
}

// ClaimsGate treats the CONNECT password as a signed device token and
// authorizes topics with the tenant ACL.
type ClaimsGate struct {
	verifier auth.Verifier
	logger   *slog.Logger
}

// NewClaimsGate creates a gate around a token verifier.
func NewClaimsGate(v auth.Verifier, logger *slog.Logger) *ClaimsGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimsGate{verifier: v, logger: logger}
}

// Authenticate verifies the token carried in password. It fails closed.
func (g *ClaimsGate) Authenticate(clientID, username string, password []byte) (auth.DeviceClaims, error) {
	if len(password) == 0 {
		return auth.DeviceClaims{}, auth.ErrMissingToken
	}
	claims, err := g.verifier.Verify(string(password))
	if err != nil {
		return auth.DeviceClaims{}, fmt.Errorf("client %s: %w", clientID, err)
	}
	return claims, nil
}

// AuthorizePublish implements Gate.
func (g *ClaimsGate) AuthorizePublish(claims *auth.DeviceClaims, topic string) bool {
	return g.authorize(claims, topic, acl.Publish)
}

// AuthorizeSubscribe implements Gate.
func (g *ClaimsGate) AuthorizeSubscribe(claims *auth.DeviceClaims, filter string) bool {
	return g.authorize(claims, filter, acl.Subscribe)
}

func (g *ClaimsGate) authorize(claims *auth.DeviceClaims, topic string, action acl.Action) bool {
	if claims == nil {
		metrics.ACLDeniedTotal.WithLabelValues(action.String()).Inc()
		g.logger.Warn("ACL denied", "action", action.String(), "topic", topic, "reason", "no claims")
		return false
	}
	d := acl.Evaluate(*claims, topic, action)
	if !d.Allowed {
		metrics.ACLDeniedTotal.WithLabelValues(action.String()).Inc()
		g.logger.Warn("ACL denied", "action", action.String(), "topic", topic,
			"device", claims.DeviceID, "tenant", claims.TenantID, "reason", d.Reason)
	}
	return d.Allowed
}
