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

package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	testCases := []struct {
		filter   string
		topic    string
		expected bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/c/d", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"#", "a/b", true},
		{"a/b/#", "a/c", false},
		{"tenants/t1/farms/f1/devices/+/status", "tenants/t1/farms/f1/devices/d9/status", true},
		{"tenants/t1/farms/f1/devices/+/status", "tenants/t1/farms/f2/devices/d9/status", false},
	}

	for _, tc := range testCases {
		t.Run(tc.filter+" "+tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.expected, Match(tc.filter, tc.topic))
		})
	}
}

func TestBuilders(t *testing.T) {
	assert.Equal(t, "tenants/t1/devices/d1/telemetry", Device("t1", "d1", ChannelTelemetry))
	assert.Equal(t, "tenants/t1/farms/f1/devices/+/status", FarmDeviceStatus("t1", "f1", SingleLevel))
	assert.Equal(t, "tenants/t1/farms/f1/notifications", FarmNotifications("t1", "f1"))
	assert.Equal(t, "farms/f1/devices/d1/command", FarmCommand("f1", "d1"))
	assert.Equal(t, "farms/f1/bridge/status", BridgeStatus("f1"))
}

func TestParseDevice(t *testing.T) {
	dt, ok := ParseDevice("tenants/t1/devices/d1/telemetry")
	assert.True(t, ok)
	assert.Equal(t, DeviceTopic{TenantID: "t1", DeviceID: "d1", Channel: "telemetry"}, dt)

	_, ok = ParseDevice("tenants/t1/devices/+/telemetry")
	assert.False(t, ok)
	_, ok = ParseDevice("tenants/t1/farms/f1/notifications")
	assert.False(t, ok)
}

func TestParseLegacy(t *testing.T) {
	testCases := []struct {
		topic    string
		ok       bool
		expected LegacyTopic
	}{
		{"farms/f1/dev1/telemetry", true, LegacyTopic{FarmID: "f1", DeviceID: "dev1", Kind: KindTelemetry}},
		{"farms/f1/dev1/registry", true, LegacyTopic{FarmID: "f1", DeviceID: "dev1", Kind: KindRegistry}},
		{"farms/f1/dev1/command/ack", true, LegacyTopic{FarmID: "f1", DeviceID: "dev1", Kind: KindCommand}},
		{"farms/f1/gw1/dev2/state", true, LegacyTopic{FarmID: "f1", DeviceID: "dev2", Kind: KindState}},
		{"farms/f1/dev1/unknown", false, LegacyTopic{}},
		{"farms/f1/bridge/state", false, LegacyTopic{}},
		{"tenants/t1/devices/d1/telemetry", false, LegacyTopic{}},
		{"farms/f1/telemetry", false, LegacyTopic{}},
	}

	for _, tc := range testCases {
		t.Run(tc.topic, func(t *testing.T) {
			lt, ok := ParseLegacy(tc.topic)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expected, lt)
		})
	}
}

func TestLegacySubscriptions(t *testing.T) {
	filters := LegacySubscriptions("f1")
	assert.Contains(t, filters, "farms/f1/+/telemetry")
	assert.Contains(t, filters, "farms/f1/+/+/telemetry")
	assert.Contains(t, filters, "farms/f1/+/command/ack")

	for _, f := range filters {
		assert.True(t, len(f) > 0)
	}
	assert.True(t, matchesAny(filters, "farms/f1/dev1/telemetry"))
	assert.True(t, matchesAny(filters, "farms/f1/gw/dev1/state"))
	assert.False(t, matchesAny(filters, "farms/f2/dev1/telemetry"))
}

func matchesAny(filters []string, t string) bool {
	for _, f := range filters {
		if Match(f, t) {
			return true
		}
	}
	return false
}
