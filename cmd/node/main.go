package main

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"symphony/internal/certs"
	"symphony/internal/config"
	"symphony/internal/node/agent"
	"symphony/internal/node/metrics"
	"symphony/internal/node/resources"
	"symphony/internal/node/supervisor"
	"symphony/internal/wire"
	"symphony/pkg/model"
)

const reconnectBackoff = 2 * time.Second

func main() {
	configPath := pflag.String("config", "", "path to node config YAML")
	nodeID := pflag.String("node-id", "", "node id (overrides config)")
	conductorAddr := pflag.String("conductor", "", "conductor grpc address (overrides config)")
	pflag.Parse()

	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		log.Fatalf("node: %v", err)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *conductorAddr != "" {
		cfg.ConductorAddr = *conductorAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("node: %v", err)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("node: logger init: %v", err)
	}
	defer zlog.Sync()

	bundle, err := certs.EnsureBundle(cfg.CertDir)
	if err != nil {
		zlog.Fatal("certs bootstrap failed", zap.Error(err))
	}
	tlsConfig, err := certs.ClientTLSConfig(bundle, "symphony-conductor")
	if err != nil {
		zlog.Fatal("tls config failed", zap.Error(err))
	}

	dockerCli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithVersion("1.44"))
	if err != nil {
		zlog.Warn("docker client unavailable, DOCKER-kind deployments will fail", zap.Error(err))
		dockerCli = nil
	}

	sup := supervisor.NewWithOptions(dockerCli, zlog, cfg.LogRingSize, cfg.StartGrace)
	res := resources.New(nil, true)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				zlog.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	capTotal := make(model.Capacity, len(cfg.CapacitiesTotal))
	for k, v := range cfg.CapacitiesTotal {
		capTotal[k] = v
	}

	hostname, _ := os.Hostname()
	ag := agent.New(agent.Config{
		NodeID:            cfg.NodeID,
		Groups:            cfg.Groups,
		CapacitiesTotal:   capTotal,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaticResources: wire.StaticResources{
			Hostname: hostname,
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
		},
	}, sup, res, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runLoop(ctx, cfg, tlsConfig, ag, zlog)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down node")
	cancel()
}

// runLoop dials the conductor and drives one Agent.Run call per
// connection, reconnecting with a fixed backoff on any transport error.
// The node owns reconnection; the conductor never dials out.
func runLoop(ctx context.Context, cfg config.Node, tlsConfig *tls.Config, ag *agent.Agent, zlog *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := grpc.NewClient(cfg.ConductorAddr, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
		if err != nil {
			zlog.Warn("dial failed, retrying", zap.Error(err))
			sleepOrDone(ctx, reconnectBackoff)
			continue
		}

		client := wire.NewNodeServiceClient(conn)
		stream, err := client.Connect(ctx)
		if err != nil {
			zlog.Warn("connect failed, retrying", zap.Error(err))
			conn.Close()
			sleepOrDone(ctx, reconnectBackoff)
			continue
		}

		zlog.Info("connected to conductor", zap.String("addr", cfg.ConductorAddr))
		if err := ag.Run(ctx, stream); err != nil {
			zlog.Warn("session ended, reconnecting", zap.Error(err))
		}
		conn.Close()
		sleepOrDone(ctx, reconnectBackoff)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
