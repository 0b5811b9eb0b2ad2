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
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler receives one inbound upstream message.
type MessageHandler func(topic string, payload []byte)

// ClientOptions describes one upstream farm session.
type ClientOptions struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	KeepAlive         time.Duration
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	WillTopic         string
	WillPayload       []byte

	// OnConnect runs after every successful (re)connect.
	OnConnect func()
	// OnConnectionLost runs when an established session drops.
	OnConnectionLost func(error)
}

// Conn is an upstream MQTT session. Sessions are persistent (clean=false)
// and reconnect on their own after a drop.
type Conn interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Subscribe(ctx context.Context, filters map[string]byte, handler MessageHandler) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

// Dialer builds a Conn for the given options without connecting it.
type Dialer func(opts ClientOptions) Conn

// BrokerAddress turns a stored broker URL and port into a paho server URI.
// Bare hosts default to tcp. A websocket path replaces the URL path.
func BrokerAddress(brokerURL string, port int, wsPath string) (string, error) {
	raw := strings.TrimSpace(brokerURL)
	if raw == "" {
		return "", fmt.Errorf("legacy: empty broker url")
	}
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("legacy: broker url %q: %w", brokerURL, err)
	}
	switch u.Scheme {
	case "mqtt":
		u.Scheme = "tcp"
	case "mqtts":
		u.Scheme = "ssl"
	case "tcp", "ssl", "tls", "ws", "wss":
	default:
		return "", fmt.Errorf("legacy: unsupported broker scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("legacy: broker url %q has no host", brokerURL)
	}
	if u.Port() == "" && port > 0 {
		u.Host = u.Hostname() + ":" + strconv.Itoa(port)
	}
	if wsPath != "" && (u.Scheme == "ws" || u.Scheme == "wss") {
		u.Path = "/" + strings.TrimPrefix(wsPath, "/")
	}
	return u.String(), nil
}

// PahoDialer is the production Dialer.
func PahoDialer(o ClientOptions) Conn {
	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetCleanSession(false).
		SetKeepAlive(o.KeepAlive).
		SetConnectTimeout(o.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(o.ReconnectInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(o.ReconnectInterval).
		SetOrderMatters(false)
	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}
	if o.WillTopic != "" {
		opts.SetBinaryWill(o.WillTopic, o.WillPayload, 1, true)
	}
	if o.OnConnect != nil {
		opts.SetOnConnectHandler(func(mqtt.Client) { o.OnConnect() })
	}
	if o.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { o.OnConnectionLost(err) })
	}
	return &pahoConn{client: mqtt.NewClient(opts)}
}

type pahoConn struct {
	client mqtt.Client
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect waits for the first connection. When ctx expires first the client
// keeps retrying in the background and ctx.Err() is returned.
func (p *pahoConn) Connect(ctx context.Context) error {
	return wait(ctx, p.client.Connect())
}

func (p *pahoConn) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *pahoConn) Subscribe(ctx context.Context, filters map[string]byte, handler MessageHandler) error {
	return wait(ctx, p.client.SubscribeMultiple(filters, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	}))
}

func (p *pahoConn) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	return wait(ctx, p.client.Publish(topic, qos, retained, payload))
}

func (p *pahoConn) Disconnect() {
	p.client.Disconnect(250)
}
