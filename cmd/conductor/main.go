package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"symphony/internal/certs"
	"symphony/internal/config"
	"symphony/internal/conductor/capacity"
	"symphony/internal/conductor/eventbus"
	"symphony/internal/conductor/httpapi"
	"symphony/internal/conductor/reconciler"
	"symphony/internal/conductor/registry"
	"symphony/internal/conductor/scheduler"
	"symphony/internal/conductor/session"
	"symphony/internal/conductor/store"
	"symphony/internal/wire"
)

func main() {
	configPath := pflag.String("config", "", "path to conductor config YAML")
	listenAddr := pflag.String("listen", "", "grpc listen address (overrides config)")
	httpAddr := pflag.String("http", "", "http listen address (overrides config)")
	pflag.Parse()

	cfg, err := config.LoadConductor(*configPath)
	if err != nil {
		log.Fatalf("conductor: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("conductor: logger init: %v", err)
	}
	defer zlog.Sync()

	bundle, err := certs.EnsureBundle(cfg.CertDir)
	if err != nil {
		zlog.Fatal("certs bootstrap failed", zap.Error(err))
	}
	tlsConfig, err := certs.ServerTLSConfig(bundle)
	if err != nil {
		zlog.Fatal("tls config failed", zap.Error(err))
	}

	nowMs := func() int64 { return time.Now().UnixMilli() }

	var st store.Store
	if len(cfg.EtcdEndpoints) > 0 {
		st, err = store.NewEtcdStore(cfg.EtcdEndpoints, nowMs)
		if err != nil {
			zlog.Fatal("etcd store init failed", zap.Error(err))
		}
	} else {
		st = store.NewMemStore(nowMs)
	}

	reg := registry.New(zlog)
	ledger := capacity.New()
	sched := scheduler.New(ledger, zlog)
	logs := eventbus.New()

	recCfg := reconciler.DefaultConfig()
	recCfg.SweepInterval = cfg.SweepInterval
	recCfg.CommandAckTimeout = cfg.CommandAckTimeout
	rec := reconciler.New(recCfg, st, reg, ledger, sched, zlog, nowMs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	handler := session.New(reg, ledger, rec, logs, zlog, nowMs)

	grpcServer := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig)))
	wire.RegisterNodeServiceServer(grpcServer, handler)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		zlog.Fatal("grpc listen failed", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}
	go func() {
		zlog.Info("grpc server listening", zap.String("addr", cfg.ListenAddr))
		if err := grpcServer.Serve(lis); err != nil {
			zlog.Error("grpc server stopped", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.New(st, reg, ledger, logs, zlog, nowMs),
	}
	go func() {
		zlog.Info("http api listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error("http server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down conductor")
	cancel()
	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
