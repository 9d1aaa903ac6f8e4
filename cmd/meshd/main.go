package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/vitalvas/mqttv5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vitalvas/mqttmesh"
	"github.com/vitalvas/mqttmesh/extensions/mqttv5broker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "meshd.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "meshd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := parseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger := mqttmesh.NewZerologLogger(zl, level)

	registry := prometheus.NewRegistry()
	metrics := mqttmesh.NewPrometheusMetrics(registry)

	// The QUIC backplane announces the node identity in hello frames,
	// so it must be fixed before either component is built.
	nodeID := mqttmesh.NodeID(cfg.Node.ID)
	if nodeID == "" {
		nodeID = mqttmesh.GenerateNodeID()
	}

	directory, err := buildDirectory(cfg)
	if err != nil {
		return err
	}
	defer directory.Close()

	backplane, err := buildBackplane(cfg, nodeID, logger)
	if err != nil {
		return err
	}
	defer backplane.Close()

	adapter := mqttv5broker.New()
	listener, err := net.Listen("tcp", cfg.Broker.Listen)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	server := mqttv5.NewServer(append([]mqttv5.ServerOption{mqttv5.WithListener(listener)}, adapter.ServerOptions()...)...)
	adapter.Bind(server)

	opts := []mqttmesh.RouterOption{
		mqttmesh.WithNodeID(nodeID),
		mqttmesh.WithChannelNamespace(cfg.Node.Namespace),
		mqttmesh.WithDirectory(directory),
		mqttmesh.WithBackplane(backplane),
		mqttmesh.WithLogger(logger),
		mqttmesh.WithMetrics(metrics),
	}
	if cfg.Node.Host != "" {
		opts = append(opts, mqttmesh.WithHostIdentity(cfg.Node.Host))
	}

	router, err := mqttmesh.NewRouter(adapter, opts...)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, mqttv5.ErrServerClosed) {
			return fmt.Errorf("broker: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		group.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	logger.Info("meshd started", mqttmesh.LogFields{
		mqttmesh.LogFieldNodeID:    string(router.NodeID()),
		mqttmesh.LogFieldNamespace: cfg.Node.Namespace,
	})

	<-groupCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := router.Stop(shutdownCtx); err != nil {
		logger.Error("router stop failed", mqttmesh.LogFields{mqttmesh.LogFieldError: err})
	}
	if err := server.Close(); err != nil {
		logger.Error("broker close failed", mqttmesh.LogFields{mqttmesh.LogFieldError: err})
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", mqttmesh.LogFields{mqttmesh.LogFieldError: err})
		}
	}

	return group.Wait()
}

func buildDirectory(cfg *Config) (mqttmesh.Directory, error) {
	switch cfg.Directory.Type {
	case directoryOxia:
		return mqttmesh.NewOxiaDirectory(mqttmesh.OxiaDirectoryConfig{
			ServiceAddress: cfg.Directory.Oxia.ServiceAddress,
			Namespace:      cfg.Directory.Oxia.Namespace,
			RequestTimeout: time.Duration(cfg.Directory.Oxia.RequestTimeout),
			SessionTimeout: time.Duration(cfg.Directory.Oxia.SessionTimeout),
		})
	default:
		return mqttmesh.NewMemoryDirectory(), nil
	}
}

func buildBackplane(cfg *Config, nodeID mqttmesh.NodeID, logger mqttmesh.Logger) (mqttmesh.Backplane, error) {
	switch cfg.Backplane.Type {
	case backplaneMQTT:
		clientID := cfg.Backplane.MQTT.ClientID
		if clientID == "" {
			clientID = string(nodeID)
		}
		return mqttmesh.NewMQTTBackplane(mqttmesh.MQTTBackplaneConfig{
			BrokerURL:    cfg.Backplane.MQTT.BrokerURL,
			ClientID:     clientID,
			Username:     cfg.Backplane.MQTT.Username,
			Password:     cfg.Backplane.MQTT.Password,
			QoS:          cfg.Backplane.MQTT.QoS,
			PublishRate:  rate.Limit(cfg.Backplane.MQTT.PublishRate),
			PublishBurst: cfg.Backplane.MQTT.PublishBurst,
			Logger:       logger,
		})
	case backplaneQUIC:
		tlsConfig, err := cfg.Backplane.QUIC.quicTLSConfig()
		if err != nil {
			return nil, err
		}
		return mqttmesh.NewQUICBackplane(mqttmesh.QUICBackplaneConfig{
			NodeID:     nodeID,
			ListenAddr: cfg.Backplane.QUIC.Listen,
			TLSConfig:  tlsConfig,
			Peers:      cfg.Backplane.QUIC.Peers,
			Logger:     logger,
		})
	default:
		return mqttmesh.NewMemoryBackplane(), nil
	}
}
