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

// Package topic holds the MQTT topic grammar used by the bridge: filter
// matching with the + and # wildcards, builders for the tenant-scoped device
// namespace, and parsers for both the tenant and the legacy farm namespaces.
package topic

import (
	"fmt"
	"strings"
)

const (
	// Separator splits topic levels.
	Separator = "/"
	// SingleLevel matches exactly one topic level.
	SingleLevel = "+"
	// MultiLevel matches any number of trailing levels. Only valid as the last level.
	MultiLevel = "#"
)

// Device channel names under tenants/{tenant}/devices/{device}/.
const (
	ChannelTelemetry = "telemetry"
	ChannelStatus    = "status"
	ChannelResponse  = "response"
	ChannelCommands  = "commands"
)

// Legacy message kinds under farms/{farm}/.../{kind}.
const (
	KindRegistry   = "registry"
	KindState      = "state"
	KindTelemetry  = "telemetry"
	KindCommand    = "command"
	KindCommandAck = "command/ack"
)

// Match reports whether topic matches the MQTT filter.
func Match(filter, topic string) bool {
	topicSegments := strings.Split(topic, Separator)
	filterSegments := strings.Split(filter, Separator)

	topicLen := len(topicSegments)
	filterLen := len(filterSegments)

	for i := 0; i < filterLen; i++ {
		if i >= topicLen {
			return filterSegments[i] == MultiLevel && i == filterLen-1
		}

		filterSegment := filterSegments[i]
		if filterSegment == MultiLevel {
			return i == filterLen-1
		}
		if filterSegment != SingleLevel && filterSegment != topicSegments[i] {
			return false
		}
	}

	return topicLen == filterLen
}

// HasWildcard reports whether s contains an MQTT wildcard level.
func HasWildcard(s string) bool {
	return strings.ContainsAny(s, SingleLevel+MultiLevel)
}

// TenantPrefix is the root of everything a tenant may touch.
func TenantPrefix(tenantID string) string {
	return "tenants/" + tenantID + Separator
}

// Device builds tenants/{tenant}/devices/{device}/{channel}.
func Device(tenantID, deviceID, channel string) string {
	return fmt.Sprintf("tenants/%s/devices/%s/%s", tenantID, deviceID, channel)
}

// FarmDeviceStatus builds tenants/{tenant}/farms/{farm}/devices/{device}/status.
// Pass SingleLevel as device for the farm-wide filter.
func FarmDeviceStatus(tenantID, farmID, deviceID string) string {
	return fmt.Sprintf("tenants/%s/farms/%s/devices/%s/status", tenantID, farmID, deviceID)
}

// FarmNotifications builds tenants/{tenant}/farms/{farm}/notifications.
func FarmNotifications(tenantID, farmID string) string {
	return fmt.Sprintf("tenants/%s/farms/%s/notifications", tenantID, farmID)
}

// FarmCommand is where the dispatch loop delivers commands.
func FarmCommand(farmID, deviceID string) string {
	return fmt.Sprintf("farms/%s/devices/%s/command", farmID, deviceID)
}

// BridgeStatus is the retained liveness topic the legacy bridge maintains per farm.
func BridgeStatus(farmID string) string {
	return fmt.Sprintf("farms/%s/bridge/status", farmID)
}

// DeviceTopic is a parsed tenants/{tenant}/devices/{device}/{channel} topic.
type DeviceTopic struct {
	TenantID string
	DeviceID string
	Channel  string
}

// ParseDevice parses a concrete device topic. Wildcards are rejected.
func ParseDevice(t string) (DeviceTopic, bool) {
	parts := strings.Split(t, Separator)
	if len(parts) != 5 || parts[0] != "tenants" || parts[2] != "devices" {
		return DeviceTopic{}, false
	}
	for _, p := range parts {
		if p == "" || HasWildcard(p) {
			return DeviceTopic{}, false
		}
	}
	return DeviceTopic{TenantID: parts[1], DeviceID: parts[3], Channel: parts[4]}, true
}

// LegacyTopic is a parsed message topic from the legacy farm namespace.
type LegacyTopic struct {
	FarmID   string
	DeviceID string
	Kind     string
}

// LegacySubscriptions returns the filters a legacy farm client subscribes to.
// Both the farms/{farm}/{device}/{kind} and farms/{farm}/{group}/{device}/{kind}
// layouts are covered.
func LegacySubscriptions(farmID string) []string {
	kinds := []string{KindRegistry, KindState, KindTelemetry, KindCommand, KindCommandAck}
	filters := make([]string, 0, len(kinds)*2)
	for _, kind := range kinds {
		filters = append(filters,
			fmt.Sprintf("farms/%s/+/%s", farmID, kind),
			fmt.Sprintf("farms/%s/+/+/%s", farmID, kind),
		)
	}
	return filters
}

// ParseLegacy routes a legacy topic. In the four-level layout the device is the
// third level and the kind the fourth; in deeper layouts the device is the level
// preceding the kind. A trailing "ack" after "command" is folded into KindCommand.
func ParseLegacy(t string) (LegacyTopic, bool) {
	parts := strings.Split(t, Separator)
	if len(parts) < 4 || parts[0] != "farms" || parts[1] == "" {
		return LegacyTopic{}, false
	}
	if parts[len(parts)-1] == "ack" && parts[len(parts)-2] == KindCommand {
		parts = parts[:len(parts)-1]
		if len(parts) < 4 {
			return LegacyTopic{}, false
		}
	}

	kind := parts[len(parts)-1]
	device := parts[len(parts)-2]
	if len(parts) == 4 {
		kind = parts[3]
		device = parts[2]
	}

	switch kind {
	case KindRegistry, KindState, KindTelemetry, KindCommand:
	default:
		return LegacyTopic{}, false
	}
	if device == "" || device == "bridge" {
		return LegacyTopic{}, false
	}
	return LegacyTopic{FarmID: parts[1], DeviceID: device, Kind: kind}, true
}
