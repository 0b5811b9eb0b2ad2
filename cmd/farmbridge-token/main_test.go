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

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/legacy"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := root.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestIssueAndInspect(t *testing.T) {
	t.Setenv("FARMBRIDGE_AUTH_JWT_SECRET", "test-secret")

	token, err := execute(t, "issue", "--device", "dev-1", "--tenant", "t1", "--farm", "f1", "--caps", "telemetry,command")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	verifier, err := auth.NewJWT(auth.Options{Secret: []byte("test-secret")})
	require.NoError(t, err)
	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.DeviceID)
	assert.Equal(t, "f1", claims.FarmID)
	assert.Equal(t, []string{"telemetry", "command"}, claims.Capabilities)

	out, err := execute(t, "inspect", "--verify", token)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "dev-1", decoded["deviceId"])
	assert.Equal(t, auth.DefaultIssuer, decoded["iss"])
	assert.Equal(t, true, decoded["verified"])
	_, err = uuid.Parse(decoded["jti"].(string))
	assert.NoError(t, err)
}

func TestIssueRequiresIdentity(t *testing.T) {
	t.Setenv("FARMBRIDGE_AUTH_JWT_SECRET", "test-secret")
	_, err := execute(t, "issue", "--device", "dev-1")
	assert.Error(t, err)
}

func TestIssueRequiresSecret(t *testing.T) {
	t.Setenv("FARMBRIDGE_AUTH_JWT_SECRET", "")
	require.NoError(t, os.Unsetenv("FARMBRIDGE_AUTH_JWT_SECRET"))
	_, err := execute(t, "issue", "--device", "dev-1", "--tenant", "t1")
	assert.Error(t, err)
}

func TestInspectRejectsWrongSecret(t *testing.T) {
	other, err := auth.NewJWT(auth.Options{Secret: []byte("other")})
	require.NoError(t, err)
	token, err := other.Generate(auth.DeviceClaims{DeviceID: "dev-1", TenantID: "t1"})
	require.NoError(t, err)

	t.Setenv("FARMBRIDGE_AUTH_JWT_SECRET", "test-secret")
	_, err = execute(t, "inspect", token)
	assert.NoError(t, err)
	_, err = execute(t, "inspect", "--verify", token)
	assert.Error(t, err)
	_, err = execute(t, "inspect", "not-a-token")
	assert.Error(t, err)
}

func TestEncryptSecret(t *testing.T) {
	out, err := execute(t, "encrypt-secret", "--key", "k1", "p@ssw0rd")
	require.NoError(t, err)
	plain, err := legacy.DecryptSecret(out, "k1")
	require.NoError(t, err)
	assert.Equal(t, "p@ssw0rd", plain)

	t.Setenv("FARMBRIDGE_LEGACY_ENCRYPTION_KEY", "")
	require.NoError(t, os.Unsetenv("FARMBRIDGE_LEGACY_ENCRYPTION_KEY"))
	out, err = execute(t, "encrypt-secret", "p@ssw0rd")
	require.NoError(t, err)
	assert.Equal(t, "8fa2682d92bfd7be9529e626a49de827", out)
}
