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

package legacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Produced with: openssl enc -aes-256-cbc -K sha256("change-me") -iv 0
const encryptedSecret = "8fa2682d92bfd7be9529e626a49de827"

func TestDecryptSecret(t *testing.T) {
	got, err := DecryptSecret(encryptedSecret, "change-me")
	require.NoError(t, err)
	assert.Equal(t, "p@ssw0rd", got)

	got, err = DecryptSecret(encryptedSecret, "")
	require.NoError(t, err)
	assert.Equal(t, "p@ssw0rd", got)
}

func TestDecryptSecretErrors(t *testing.T) {
	for name, tc := range map[string]struct{ enc, key string }{
		"wrong key":   {encryptedSecret, "other-key"},
		"not hex":     {"zz", "change-me"},
		"short block": {"abcd", "change-me"},
		"empty":       {"", "change-me"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecryptSecret(tc.enc, tc.key)
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

func TestEncryptSecret(t *testing.T) {
	assert.Equal(t, encryptedSecret, EncryptSecret("p@ssw0rd", "change-me"))

	long := "a secret longer than one AES block"
	got, err := DecryptSecret(EncryptSecret(long, "k"), "k")
	require.NoError(t, err)
	assert.Equal(t, long, got)
}

func TestBrokerAddress(t *testing.T) {
	tests := []struct {
		url    string
		port   int
		wsPath string
		want   string
	}{
		{"mqtt://broker.local", 1883, "", "tcp://broker.local:1883"},
		{"broker.local", 1883, "", "tcp://broker.local:1883"},
		{"mqtts://b.io:8883", 1883, "", "ssl://b.io:8883"},
		{"wss://b.io", 443, "mqtt", "wss://b.io:443/mqtt"},
		{"ws://b.io:8080/old", 0, "/mqtt", "ws://b.io:8080/mqtt"},
		{"tcp://b.io", 0, "/ignored", "tcp://b.io"},
	}
	for _, tt := range tests {
		got, err := BrokerAddress(tt.url, tt.port, tt.wsPath)
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}

	for _, bad := range []string{"", "http://b.io", "tcp://:1883"} {
		_, err := BrokerAddress(bad, 1883, "")
		assert.Error(t, err, bad)
	}
}
