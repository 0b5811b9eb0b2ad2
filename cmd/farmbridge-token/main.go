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

// Command farmbridge-token issues and inspects device tokens and encrypts
// legacy broker secrets.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/config"
	"github.com/turtacn/farmbridge/pkg/legacy"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "farmbridge-token",
		Short:         "Device token and legacy secret tooling for farmbridge",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().String("config", "", "Path to configuration file")
	root.PersistentFlags().String("env-file", ".env", "Dotenv file loaded before the environment is read")

	root.AddCommand(newIssueCmd(), newInspectCmd(), newEncryptCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	return config.LoadConfig(path)
}

func newIssueCmd() *cobra.Command {
	var (
		claims auth.DeviceClaims
		caps   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed device token",
		Example: `  farmbridge-token issue --device dev-1 --tenant t1 --farm f1 --caps telemetry,command
  FARMBRIDGE_AUTH_JWT_SECRET=s3cret farmbridge-token issue --device dev-1 --tenant t1 --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			opts := cfg.Auth.Options()
			if ttl > 0 {
				opts.TTL = ttl
			}
			issuer, err := auth.NewJWT(opts)
			if err != nil {
				return err
			}
			if caps != "" {
				claims.Capabilities = strings.Split(caps, ",")
			}
			token, err := issuer.GenerateWithID(claims, uuid.NewString())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&claims.DeviceID, "device", "", "Device id")
	cmd.Flags().StringVar(&claims.TenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&claims.FarmID, "farm", "", "Farm id")
	cmd.Flags().StringVar(&claims.DeviceType, "type", "", "Device type")
	cmd.Flags().StringVar(&caps, "caps", "", "Comma-separated capabilities")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newInspectCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "inspect TOKEN",
		Short: "Print the claims of a device token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claims, registered, err := auth.Inspect(args[0])
			if err != nil {
				return err
			}
			if verify {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				verifier, err := auth.NewJWT(cfg.Auth.Options())
				if err != nil {
					return err
				}
				if _, err := verifier.Verify(args[0]); err != nil {
					return err
				}
			}
			var exp time.Time
			if registered.ExpiresAt != nil {
				exp = registered.ExpiresAt.Time
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				auth.DeviceClaims
				ID        string    `json:"jti,omitempty"`
				Issuer    string    `json:"iss"`
				Audience  []string  `json:"aud"`
				ExpiresAt time.Time `json:"exp"`
				Verified  bool      `json:"verified"`
			}{
				DeviceClaims: claims,
				ID:           registered.ID,
				Issuer:       registered.Issuer,
				Audience:     registered.Audience,
				ExpiresAt:    exp,
				Verified:     verify,
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "Also verify the signature with the configured secret")
	return cmd
}

func newEncryptCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "encrypt-secret SECRET",
		Short: "Encrypt a legacy broker secret for storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				envFile, _ := cmd.Flags().GetString("env-file")
				if err := config.LoadDotEnv(envFile); err != nil {
					return err
				}
				cfg := config.DefaultConfig()
				if err := config.ApplyEnv(cfg); err != nil {
					return err
				}
				key = cfg.Legacy.EncryptionKey
			}
			fmt.Fprintln(cmd.OutOrStdout(), legacy.EncryptSecret(args[0], key))
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Encryption key (defaults to legacy.encryption_key)")
	return cmd
}
