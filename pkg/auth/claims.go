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

// Package auth verifies and issues the signed device tokens that MQTT
// clients present as their password. A verified token yields DeviceClaims,
// the identity and scope the ACL engine evaluates topics against.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultIssuer is the iss claim carried by every device token.
	DefaultIssuer = "universal-bridge"
	// DefaultAudience is the aud claim carried by every device token.
	DefaultAudience = "iot-devices"
	// DefaultTTL is the lifetime of an issued token.
	DefaultTTL = 24 * time.Hour
)

var (
	// ErrMissingToken is returned when no token was presented.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken is returned for any token that fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrEmptySecret is returned when a verifier or issuer has no signing key.
	ErrEmptySecret = errors.New("auth: empty secret")
)

// DeviceClaims is the authenticated scope of one device connection.
type DeviceClaims struct {
	DeviceID     string   `json:"deviceId"`
	TenantID     string   `json:"tenantId"`
	FarmID       string   `json:"farmId"`
	DeviceType   string   `json:"deviceType"`
	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the device advertised the given capability.
func (c DeviceClaims) HasCapability(capability string) bool {
	for _, cp := range c.Capabilities {
		if cp == capability {
			return true
		}
	}
	return false
}

// Verifier turns a presented token into DeviceClaims.
type Verifier interface {
	Verify(token string) (DeviceClaims, error)
}

// Options configures a JWT verifier or issuer.
type Options struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
	// Now overrides the clock used for expiry checks and issuance.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Issuer == "" {
		o.Issuer = DefaultIssuer
	}
	if o.Audience == "" {
		o.Audience = DefaultAudience
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type tokenClaims struct {
	DeviceClaims
	jwt.RegisteredClaims
}

// JWT verifies and issues HS256 device tokens.
type JWT struct {
	opts   Options
	parser *jwt.Parser
}

// NewJWT creates a verifier/issuer for the given signing secret.
func NewJWT(opts Options) (*JWT, error) {
	if len(opts.Secret) == 0 {
		return nil, ErrEmptySecret
	}
	opts = opts.withDefaults()
	return &JWT{
		opts: opts,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(opts.Issuer),
			jwt.WithAudience(opts.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(opts.Now),
		),
	}, nil
}

// Verify checks signature, issuer, audience and expiry, and requires the
// device and tenant identifiers to be present.
func (j *JWT) Verify(token string) (DeviceClaims, error) {
	if token == "" {
		return DeviceClaims{}, ErrMissingToken
	}

	claims := &tokenClaims{}
	parsed, err := j.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.opts.Secret, nil
	})
	if err != nil {
		return DeviceClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return DeviceClaims{}, ErrInvalidToken
	}
	if claims.DeviceID == "" || claims.TenantID == "" {
		return DeviceClaims{}, fmt.Errorf("%w: missing device or tenant", ErrInvalidToken)
	}
	return claims.DeviceClaims, nil
}

// Generate signs a token for the given claims.
func (j *JWT) Generate(c DeviceClaims) (string, error) {
	return j.GenerateWithID(c, "")
}

// GenerateWithID signs a token carrying tokenID as its jti claim.
func (j *JWT) GenerateWithID(c DeviceClaims, tokenID string) (string, error) {
	now := j.opts.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		DeviceClaims: c,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    j.opts.Issuer,
			Audience:  jwt.ClaimStrings{j.opts.Audience},
			Subject:   c.DeviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.opts.TTL)),
		},
	})
	signed, err := token.SignedString(j.opts.Secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Inspect decodes a token without verifying it. Intended for tooling only.
func Inspect(token string) (DeviceClaims, *jwt.RegisteredClaims, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return DeviceClaims{}, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.DeviceClaims, &claims.RegisteredClaims, nil
}
