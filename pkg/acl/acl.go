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

// Package acl decides which topics an authenticated device may publish to or
// subscribe on. Decisions are a pure function of the device claims, the topic
// and the action; nothing is cached and nothing depends on broker state.
package acl

import (
	"strings"

	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/topic"
)

// Action is the operation being authorized.
type Action int

const (
	// Publish authorizes a PUBLISH to a concrete topic.
	Publish Action = iota
	// Subscribe authorizes a SUBSCRIBE to a topic filter.
	Subscribe
)

// String returns the string representation of Action
func (a Action) String() string {
	switch a {
	case Publish:
		return "publish"
	case Subscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// Decision is the outcome of an ACL evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

var publishChannels = map[string]bool{
	topic.ChannelTelemetry: true,
	topic.ChannelStatus:    true,
	topic.ChannelResponse:  true,
}

// Evaluate applies the device topic grammar:
//
//	publish   tenants/{t}/devices/{self}/{telemetry|status|response}
//	subscribe tenants/{t}/devices/{self}/commands
//	subscribe tenants/{t}/farms/{farm}/devices/{+|id}/status
//	subscribe tenants/{t}/farms/{farm}/notifications[/...]
//
// Anything outside the claims' tenant prefix, and anything unmatched, is denied.
func Evaluate(c auth.DeviceClaims, t string, action Action) Decision {
	if c.TenantID == "" || c.DeviceID == "" {
		return deny("no claims")
	}
	prefix := topic.TenantPrefix(c.TenantID)
	if !strings.HasPrefix(t, prefix) {
		return deny("outside tenant")
	}

	switch action {
	case Publish:
		return evaluatePublish(c, t)
	case Subscribe:
		return evaluateSubscribe(c, t)
	}
	return deny("unknown action")
}

// CanPublish reports whether c may publish to t.
func CanPublish(c auth.DeviceClaims, t string) bool {
	return Evaluate(c, t, Publish).Allowed
}

// CanSubscribe reports whether c may subscribe to filter.
func CanSubscribe(c auth.DeviceClaims, filter string) bool {
	return Evaluate(c, filter, Subscribe).Allowed
}

func evaluatePublish(c auth.DeviceClaims, t string) Decision {
	if topic.HasWildcard(t) {
		return deny("wildcard in publish topic")
	}
	dt, ok := topic.ParseDevice(t)
	if !ok {
		return deny("no matching publish pattern")
	}
	if dt.DeviceID != c.DeviceID {
		return deny("foreign device")
	}
	if !publishChannels[dt.Channel] {
		return deny("channel not publishable")
	}
	return allow("own device channel")
}

func evaluateSubscribe(c auth.DeviceClaims, filter string) Decision {
	if filter == topic.Device(c.TenantID, c.DeviceID, topic.ChannelCommands) {
		return allow("own command channel")
	}
	if c.FarmID == "" {
		return deny("no farm scope")
	}

	parts := strings.Split(filter, topic.Separator)
	// tenants/{t}/farms/{f}/...
	if len(parts) < 5 || parts[2] != "farms" || parts[3] != c.FarmID {
		return deny("no matching subscribe pattern")
	}

	switch {
	case len(parts) == 7 && parts[4] == "devices" && parts[6] == topic.ChannelStatus:
		if parts[5] == topic.SingleLevel || (parts[5] != "" && !topic.HasWildcard(parts[5])) {
			return allow("farm device status")
		}
		return deny("invalid device segment")
	case parts[4] == "notifications":
		for _, p := range parts[5:] {
			if p == "" {
				return deny("empty notification level")
			}
		}
		return allow("farm notifications")
	}
	return deny("no matching subscribe pattern")
}
