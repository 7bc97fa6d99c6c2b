package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/agentdesk/internal/api"
	"github.com/flowpbx/agentdesk/internal/api/middleware"
	"github.com/flowpbx/agentdesk/internal/backend"
	"github.com/flowpbx/agentdesk/internal/calllog"
	"github.com/flowpbx/agentdesk/internal/config"
	"github.com/flowpbx/agentdesk/internal/coordinator"
	"github.com/flowpbx/agentdesk/internal/metrics"
	"github.com/flowpbx/agentdesk/internal/signaling"
	"github.com/flowpbx/agentdesk/internal/telephony"
	"github.com/flowpbx/agentdesk/internal/telephony/sipua"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "token" {
		os.Exit(runToken(args[1:]))
	}

	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()
	slog.Info("starting agentdesk",
		"agent_id", cfg.AgentID,
		"backend_url", cfg.BackendURL,
		"sip_registrar", cfg.SIPRegistrar,
		"http_addr", cfg.HTTPAddr(),
	)

	secret, err := cfg.APISecretBytes()
	if err != nil {
		slog.Error("failed to decode api secret", "error", err)
		os.Exit(1)
	}
	if secret == nil {
		slog.Warn("no api-secret configured, control API is unauthenticated", "http_bind", cfg.HTTPBind)
	}

	client := backend.NewClient(cfg.BackendURL)

	sig := signaling.NewChannel(signaling.Config{
		URL:         cfg.SignalingURL,
		MaxAttempts: cfg.SignalingReconnectAttempts,
		RetryDelay:  cfg.SignalingReconnectDelay,
	}, logger)

	mediaIP := cfg.MediaIP()
	dev, err := sipua.NewDevice(sipua.Config{
		Username:      cfg.SIPUsername,
		RegistrarHost: cfg.SIPRegistrar,
		RegistrarPort: cfg.SIPPort,
		Transport:     cfg.SIPTransport,
		Domain:        cfg.SIPDomain,
		ListenAddr:    cfg.SIPListen,
		ContactHost:   cfg.SIPContactHost,
		MediaIP:       mediaIP,
		MediaPort:     cfg.MediaPort,
		Expiry:        cfg.RegisterExpiry,
	}, logger)
	if err != nil {
		slog.Error("failed to create sip device", "error", err)
		os.Exit(1)
	}

	// The SIP listener outlives the coordinator so the final hangup and
	// unregister can still go out.
	devCtx, devCancel := context.WithCancel(context.Background())
	defer devCancel()
	dev.Start(devCtx)

	endpoint := telephony.NewEndpoint(dev, client, cfg.AgentID, logger)

	coord, err := coordinator.New(coordinator.Config{
		AgentID:           cfg.AgentID,
		OfferTimeout:      cfg.OfferTimeout,
		CorrelationWindow: cfg.CorrelationWindow,
		HoldTimeout:       cfg.HoldTimeout,
	}, coordinator.Deps{
		Signaling:   sig,
		Endpoint:    endpoint,
		Credentials: client,
		Calls:       client,
		CallLog:     calllog.NewRecorder(cfg.CallLogSize),
	}, logger)
	if err != nil {
		slog.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- coord.Run(appCtx)
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(coord, startTime),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := api.NewServer(coord, api.Config{
		AgentID:     cfg.AgentID,
		Secret:      secret,
		CORSOrigins: middleware.ParseOrigins(cfg.CORSOrigins),
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, logger)

	srv := &http.Server{
		Addr:        cfg.HTTPAddr(),
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case s := <-quit:
		slog.Info("received shutdown signal", "signal", s.String())
	case err := <-errCh:
		slog.Error("control api error", "error", err)
		exitCode = 1
	case err := <-runDone:
		slog.Error("coordinator exited unexpectedly", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()
	select {
	case err := <-runDone:
		if err != nil {
			slog.Warn("coordinator shutdown incomplete", "error", err)
		}
	case <-ctx.Done():
		slog.Error("coordinator shutdown timed out")
		exitCode = 1
	}
	devCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("control api shutdown error", "error", err)
		exitCode = 1
	}

	slog.Info("agentdesk stopped")
	os.Exit(exitCode)
}

// runToken prints a console token for the configured agent.
func runToken(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	secret, err := cfg.APISecretBytes()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if secret == nil {
		fmt.Fprintln(os.Stderr, "error: api-secret is not configured")
		return 1
	}

	token, expiresAt, err := middleware.IssueConsoleToken(secret, cfg.AgentID, middleware.DefaultConsoleTokenTTL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
	return 0
}
