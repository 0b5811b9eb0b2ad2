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

// package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts MQTT connections accepted by the broker.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmbridge_connections_total",
		Help: "The total number of connections made to the broker.",
	})

	// ActiveClients tracks currently connected MQTT clients.
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farmbridge_active_clients",
		Help: "The number of MQTT clients currently connected.",
	})

	// AuthFailuresTotal counts rejected CONNECT attempts.
	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmbridge_auth_failures_total",
		Help: "The total number of device authentications that were denied.",
	})

	// ACLDeniedTotal counts denied publish and subscribe checks.
	ACLDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_acl_denied_total",
		Help: "The total number of topic authorizations that were denied.",
	},
		[]string{"action"},
	)

	// MessagesPublishedTotal counts PUBLISH packets delivered through the broker.
	MessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmbridge_messages_published_total",
		Help: "The total number of messages published through the broker.",
	})

	// DispatchedCommandsTotal counts dispatch outcomes by resulting status.
	DispatchedCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_dispatched_commands_total",
		Help: "The total number of pending commands processed by the dispatch loop.",
	},
		[]string{"status"},
	)

	// ModbusRequestsTotal counts Modbus transactions by function code and outcome.
	ModbusRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_modbus_requests_total",
		Help: "The total number of Modbus requests issued.",
	},
		[]string{"device", "function", "outcome"},
	)

	// ModbusWriteRetriesTotal counts write attempts beyond the first.
	ModbusWriteRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_modbus_write_retries_total",
		Help: "The total number of Modbus write retries.",
	},
		[]string{"device"},
	)

	// ModbusRollbacksTotal counts rollback writes by result.
	ModbusRollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_modbus_rollbacks_total",
		Help: "The total number of Modbus rollback writes.",
	},
		[]string{"device", "result"},
	)

	// LegacyConnections tracks connected legacy farm clients.
	LegacyConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farmbridge_legacy_connections",
		Help: "The number of legacy farm brokers currently connected.",
	})

	// LegacyMessagesTotal counts inbound legacy messages by kind.
	LegacyMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_legacy_messages_total",
		Help: "The total number of messages received from legacy farm brokers.",
	},
		[]string{"kind"},
	)

	// BlacklistBlocksTotal counts connections and topics refused by the blacklist.
	BlacklistBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_blacklist_blocks_total",
		Help: "The total number of operations blocked by blacklist entries.",
	},
		[]string{"type"},
	)

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, lis)
}

// ServeListener is Serve over an existing listener.
func ServeListener(ctx context.Context, lis net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
