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

// Command farmbridge runs the device bridge: the embedded MQTT broker with
// its device gate, the command dispatch loop, the legacy farm bridge and any
// directly attached Modbus TCP devices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/turtacn/farmbridge/pkg/actor"
	"github.com/turtacn/farmbridge/pkg/admin"
	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/blacklist"
	"github.com/turtacn/farmbridge/pkg/broker"
	"github.com/turtacn/farmbridge/pkg/config"
	"github.com/turtacn/farmbridge/pkg/connector"
	"github.com/turtacn/farmbridge/pkg/dispatch"
	"github.com/turtacn/farmbridge/pkg/idempotency"
	"github.com/turtacn/farmbridge/pkg/ingest"
	"github.com/turtacn/farmbridge/pkg/legacy"
	"github.com/turtacn/farmbridge/pkg/logger"
	"github.com/turtacn/farmbridge/pkg/metrics"
	"github.com/turtacn/farmbridge/pkg/modbus"
	"github.com/turtacn/farmbridge/pkg/monitor"
	"github.com/turtacn/farmbridge/pkg/registry"
	"github.com/turtacn/farmbridge/pkg/storage"
	"github.com/turtacn/farmbridge/pkg/supervisor"
	bridgetls "github.com/turtacn/farmbridge/pkg/tls"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// version is set at build time.
var version = "dev"

const (
	healthInterval   = 30 * time.Second
	certExpiryMargin = 14 * 24 * time.Hour
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (.yaml or .json)")
	envFile := flag.String("env-file", ".env", "Dotenv file loaded before the environment is read")
	writeDefault := flag.String("write-default-config", "", "Write the default configuration to this path and exit")
	flag.Parse()

	if *writeDefault != "" {
		if err := config.SaveConfig(config.DefaultConfig(), *writeDefault); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *writeDefault)
		return
	}

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	log.Info("Starting farmbridge", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	health := monitor.NewHealthChecker(version, clock.RealClock{}, log)
	health.RegisterCheck("storage", store.Ping, true)

	readings := storage.MultiReadingStore{store}
	if cfg.Influx.Enabled() {
		influx := storage.NewInfluxReadingStore(cfg.Influx)
		defer influx.Close()
		readings = append(readings, influx)
		log.Info("Mirroring readings to InfluxDB", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}
	if cfg.Kafka.Enabled() {
		kafkaSink := connector.NewKafkaReadingSink(connector.NewKafkaWriter(cfg.Kafka))
		defer kafkaSink.Close()
		readings = append(readings, kafkaSink)
		log.Info("Forwarding readings to Kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	var sink ingest.Sink = store
	if len(readings) > 1 {
		sink = fanoutSink{Store: store, readings: readings}
	}

	var idem idempotency.Store = idempotency.NewMemoryStore(clock.RealClock{})
	if cfg.Redis.Addr != "" {
		client := idempotency.NewRedisClient(cfg.Redis)
		defer client.Close()
		idem = idempotency.NewRedisStore(client, cfg.Redis.Prefix)
		health.RegisterCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}, false)
	}

	if cfg.Broker.TLS.Enabled {
		health.RegisterCheck("broker_certificate", bridgetls.ExpiryCheck(cfg.Broker.TLS.CertFile, certExpiryMargin, clock.RealClock{}), false)
	}

	verifier, err := auth.NewJWT(cfg.Auth.Options())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	clients := registry.New(registry.DefaultShards, log)
	denylist := blacklist.NewBlacklistManager(clock.RealClock{})
	gate := blacklist.NewGate(broker.NewClaimsGate(verifier, log), denylist, log)
	mqttBroker, err := broker.New(cfg.Broker, gate,
		broker.WithLogger(log),
		broker.WithEventSink(clients),
	)
	if err != nil {
		return err
	}

	ingestor := ingest.New(gctx, sink, clock.RealClock{}, log)
	if err := ingestor.Attach(mqttBroker); err != nil {
		return fmt.Errorf("attach ingest: %w", err)
	}

	var resolvers dispatch.ChainResolver
	specs := []supervisor.Spec{{
		ID:      "blacklist-cleanup",
		Restart: supervisor.RestartPermanent,
		Actor: actor.Func(func(ctx context.Context) error {
			return denylist.Start(ctx, clock.RealClock{}, blacklist.DefaultCleanupInterval)
		}),
	}}
	apiOpts := []admin.Option{
		admin.WithBroker(mqttBroker),
		admin.WithClients(clients),
		admin.WithBlacklist(denylist),
		admin.WithLogger(log),
	}

	if cfg.Legacy.Enabled {
		router := legacy.NewRouter(sink, clock.RealClock{}, log)
		manager := legacy.NewManager(cfg.Legacy, store, router, legacy.WithLogger(log))
		resolvers = append(resolvers, manager)
		apiOpts = append(apiOpts, admin.WithLegacy(manager))
		specs = append(specs, supervisor.Spec{ID: "legacy", Actor: manager, Restart: supervisor.RestartPermanent})
	}
	resolvers = append(resolvers, dispatch.BrokerResolver{Directory: clients, Broker: mqttBroker})

	loop := dispatch.New(store, resolvers, cfg.Dispatch, dispatch.WithLogger(log))
	specs = append(specs, supervisor.Spec{ID: "dispatch", Actor: loop, Restart: supervisor.RestartPermanent})

	for _, dc := range cfg.Modbus.Devices {
		adapter := modbus.NewAdapter(dc,
			modbus.WithLogger(log),
			modbus.WithTelemetryHandler(ingestor.TelemetryHandler(dc.TenantID)),
		)
		apiOpts = append(apiOpts, admin.WithDevices(adapter))
		specs = append(specs, supervisor.Spec{
			ID:      "modbus-" + adapter.ID(),
			Actor:   actor.Func(adapter.Run),
			Restart: supervisor.RestartPermanent,
		})
	}
	for _, ac := range cfg.Modbus.Actuators {
		act := modbus.NewSafeAdapter(ac,
			modbus.WithLogger(log),
			modbus.WithIdempotency(idem),
			modbus.WithTelemetryHandler(ingestor.TelemetryHandler(ac.TenantID)),
		)
		apiOpts = append(apiOpts, admin.WithActuators(act))
		specs = append(specs, supervisor.Spec{
			ID:           "actuator-" + act.ID(),
			Actor:        actor.Func(act.Run),
			Restart:      supervisor.RestartPermanent,
			RestartDelay: 5 * time.Second,
		})
	}

	specs = append(specs, supervisor.Spec{
		ID:      "health",
		Actor:   actor.Func(health.Periodic(healthInterval)),
		Restart: supervisor.RestartTransient,
	})

	mux := http.NewServeMux()
	health.RegisterRoutes(mux)
	admin.NewAPIServer(apiOpts...).RegisterRoutes(mux)

	adminLis, err := net.Listen("tcp", cfg.Admin.Address)
	if err != nil {
		return fmt.Errorf("listen admin: %w", err)
	}

	g.Go(func() error { return clients.Start(gctx) })
	g.Go(func() error { return mqttBroker.Start(gctx) })
	g.Go(func() error {
		log.Info("Admin API listening", "address", adminLis.Addr().String())
		return admin.Serve(gctx, adminLis, mux)
	})
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Address) })
	}
	g.Go(func() error {
		sup := supervisor.NewOneForOneSupervisor(log)
		if err := sup.Start(gctx, specs); err != nil {
			return err
		}
		sup.Wait()
		return nil
	})

	err = g.Wait()
	log.Info("farmbridge stopped", "reason", err)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := storage.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return storage.NewMemStore(), nil
	}
}

// fanoutSink routes readings to several stores and everything else to the
// primary store.
type fanoutSink struct {
	storage.Store
	readings storage.ReadingStore
}

func (f fanoutSink) InsertReadings(ctx context.Context, readings []storage.Reading) error {
	return f.readings.InsertReadings(ctx, readings)
}
