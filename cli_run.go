package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerlink/config"
	"peerlink/crypto"
	"peerlink/discovery"
	"peerlink/metrics"
	"peerlink/network"
	"peerlink/signaling"
	"peerlink/storage"
)

func runCmd() *cobra.Command {
	var (
		relayURL      string
		room          string
		transport     string
		metricsListen string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a relay, join a room and chat from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.logger.Sync() }()

			if relayURL != "" {
				app.cfg.Relay.URL = relayURL
			}
			if room != "" {
				app.cfg.Relay.Room = room
			}
			if transport != "" {
				app.cfg.Relay.Transport = transport
			}
			if err := app.cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, app, metricsListen)
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay WebSocket url, or \"auto\" to find one over mDNS")
	cmd.Flags().StringVar(&room, "room", "", "room to join")
	cmd.Flags().StringVar(&transport, "transport", "", "webrtc or relay")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	return cmd
}

func runClient(ctx context.Context, app *appContext, metricsListen string) error {
	cfg := app.cfg
	logger := app.logger

	secret, err := resolvePassphrase()
	if err != nil {
		return err
	}
	identity, err := app.loadIdentity(secret)
	if err != nil {
		return err
	}
	defer identity.Wipe()

	master, err := app.masterKey(secret)
	if err != nil {
		return err
	}
	queueKey, err := network.DeriveQueueKey(master)
	crypto.Wipe(master)
	if err != nil {
		return fmt.Errorf("derive queue key: %w", err)
	}
	defer crypto.Wipe(queueKey)

	store, dbPath, err := storage.Open(app.dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if metricsListen != "" {
		stopMetrics := serveMetrics(metricsListen, reg, logger)
		defer stopMetrics()
	}

	manager, err := network.NewManager(network.Options{
		LocalID:          cfg.DeviceID,
		Identity:         identity,
		Store:            store,
		Metrics:          m,
		Logger:           logger,
		KeyMode:          network.KeyMode(cfg.Session.KeyMode),
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		SweepInterval:    cfg.Session.SweepInterval,
		FileIdleTimeout:  cfg.Session.FileIdleTimeout,
		ChunkSize:        cfg.Session.ChunkSize,
		MaxFileSize:      cfg.Session.MaxFileSize,
	})
	if err != nil {
		return err
	}
	manager.Start()
	defer manager.Stop()

	url, err := resolveRelayURL(ctx, cfg.Relay.URL, logger)
	if err != nil {
		return err
	}

	coord, err := signaling.NewCoordinator(signaling.Options{
		URL:                  url,
		LocalID:              cfg.DeviceID,
		PublicKey:            identity.EncodedPublicKey(),
		DisplayName:          cfg.DisplayName,
		Manager:              manager,
		Queue:                store,
		QueueKey:             queueKey,
		Transport:            signaling.TransportMode(cfg.Relay.Transport),
		ICEServers:           cfg.Relay.ICEServers,
		DirectListen:         cfg.Relay.DirectListen,
		DirectAdvertise:      cfg.Relay.DirectAdvertise,
		PinPeerKeys:          cfg.Session.RequireSignedPeers,
		ConnectTimeout:       cfg.Relay.ConnectTimeout,
		RequestTimeout:       cfg.Relay.RequestTimeout,
		PresenceTimeout:      cfg.Relay.PresenceTimeout,
		ReconnectBaseDelay:   cfg.Relay.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Relay.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Relay.MaxReconnectAttempts,
		Metrics:              m,
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = coord.Close() }()

	out := newConsole(os.Stdout, filepath.Join(app.dataDir, "files"), manager, coord)
	manager.Bus().Subscribe(out.handleEvent)
	coord.Subscribe(out.handleStatus)

	out.printf("Device ID:    %s", cfg.DeviceID)
	out.printf("Fingerprint:  %s", crypto.FormatFingerprint(identity.Fingerprint()))
	out.printf("Database:     %s", dbPath)
	out.printf("Relay:        %s (%s)", url, cfg.Relay.Transport)

	if err := coord.Connect(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	peers, err := coord.JoinRoom(ctx, cfg.Relay.Room)
	if err != nil {
		return err
	}
	out.printf("Joined room %q with %d peer(s). Type /help for commands.", cfg.Relay.Room, len(peers))

	done := make(chan error, 1)
	go func() { done <- out.run(ctx, os.Stdin) }()

	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil && !errors.Is(err, errQuit) {
			return err
		}
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := coord.LeaveRoom(leaveCtx); err != nil {
		logger.Debug("leave room", zap.Error(err))
	}
	return nil
}

func resolveRelayURL(ctx context.Context, configured string, logger *zap.Logger) (string, error) {
	if configured != config.RelayURLAuto {
		return configured, nil
	}
	relay, err := discovery.FindRelay(ctx, discovery.Config{})
	if err != nil {
		return "", fmt.Errorf("find relay over mDNS: %w", err)
	}
	logger.Info("found relay", zap.String("name", relay.Name), zap.String("url", relay.URL()))
	return relay.URL(), nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
