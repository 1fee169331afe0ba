package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerlink/config"
	"peerlink/discovery"
	"peerlink/metrics"
	"peerlink/signaling"
)

func relayCmd() *cobra.Command {
	var (
		listen    string
		advertise bool
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a signaling relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.logger.Sync() }()

			server := app.cfg.Server
			if cmd.Flags().Changed("listen") {
				server.Listen = listen
			}
			if cmd.Flags().Changed("advertise") {
				server.Advertise = advertise
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serveRelay(ctx, app.logger, server)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "relay listen address (default from config)")
	cmd.Flags().BoolVar(&advertise, "advertise", false, "advertise the relay over mDNS")
	return cmd
}

func serveRelay(ctx context.Context, logger *zap.Logger, server config.ServerConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	relay := signaling.NewRelay(signaling.RelayOptions{
		Rate:    server.Rate,
		Burst:   server.Burst,
		Metrics: m,
		Logger:  logger,
	})

	listener, err := net.Listen("tcp", server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", server.Listen, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.Handle(server.Path, relay)
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errs := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("relay server: %w", err)
		}
	}()
	logger.Info("relay listening", zap.String("addr", listener.Addr().String()), zap.String("path", server.Path))

	if server.MetricsListen != "" {
		stopMetrics := serveMetrics(server.MetricsListen, reg, logger)
		defer stopMetrics()
		logger.Info("metrics listening", zap.String("addr", server.MetricsListen))
	}

	if server.Advertise {
		advertiser, err := discovery.Advertise(discovery.Config{
			RelayID: uuid.NewString(),
			Name:    server.Name,
			Port:    port,
			Path:    server.Path,
		})
		if err != nil {
			logger.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer advertiser.Stop()
			logger.Info("advertising relay over mDNS", zap.String("name", server.Name))
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("relay stopped", zap.Int("clients", relay.Clients()))
	return runErr
}
