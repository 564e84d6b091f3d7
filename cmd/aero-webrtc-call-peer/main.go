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
	"runtime/debug"
	"sync/atomic"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	// No sockets are opened until the first call.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	logger.Info("starting aero-webrtc-call-peer",
		"role", cfg.Role,
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"enable_video", cfg.EnableVideo,
		"ice_relay_only", cfg.ICERelayOnly,
		"ice_servers", len(cfg.ICEServers),
		"datachannel_label", cfg.DataChannelLabel,
		"webrtc_datachannel_max_message_bytes", cfg.WebRTCDataChannelMaxMessageBytes,
		"webrtc_sctp_max_receive_buffer_bytes", cfg.WebRTCSCTPMaxReceiveBufferBytes,
		"call_connect_timeout", cfg.CallConnectTimeout,
	)
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	printer := newEventPrinter(logger, os.Stdout)
	opts := signaling.Options{
		Session: callsession.Config{
			ICEServers:       cfg.ICEServers,
			RelayOnly:        cfg.ICERelayOnly,
			EnableVideo:      cfg.EnableVideo,
			DataChannelLabel: cfg.DataChannelLabel,
			Transport: webrtcpeer.NewTransportFactory(api, webrtcpeer.Options{
				MaxMessageBytes: cfg.WebRTCDataChannelMaxMessageBytes,
				Logger:          logger,
				Metrics:         m,
			}),
			Delegate: printer.delegate(),
		},
		Limits: signaling.Limits{
			MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
			MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
			AuthTimeout:       cfg.SignalingAuthTimeout,
			IdleTimeout:       cfg.SignalingWSIdleTimeout,
			PingInterval:      cfg.SignalingWSPingInterval,
		},
		ConnectTimeout: cfg.CallConnectTimeout,
		Logger:         logger,
		Metrics:        m,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Role == config.RoleCaller {
		return runCaller(ctx, cfg, opts, logger)
	}
	return runCallee(ctx, cfg, opts, logger, m)
}

func runCaller(ctx context.Context, cfg config.Config, opts signaling.Options, logger *slog.Logger) int {
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration", "err", err)
		return 2
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.CallConnectTimeout)
	call, err := signaling.Dial(dialCtx, cfg.PeerURL, signaling.DialOptions{
		Options: opts,
		APIKey:  cfg.APIKey,
	})
	cancel()
	if err != nil {
		logger.Error("failed to place call", "err", err)
		return 1
	}
	logger.Info("call placed", "session_id", call.ID())

	go func() {
		if err := pumpLines(ctx, os.Stdin, call.Coordinator, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("stdin read failed", "err", err)
		}
	}()

	select {
	case <-call.Done():
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		call.Hangup()
		<-call.Done()
	}
	if err := call.Err(); err != nil {
		logger.Error("call ended", "err", err)
		return 1
	}
	logger.Info("call ended")
	return 0
}

func runCallee(ctx context.Context, cfg config.Config, opts signaling.Options, logger *slog.Logger, m *metrics.Metrics) int {
	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		return 2
	}
	authz, err := signaling.NewAuthAuthorizer(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		return 2
	}

	var current atomic.Pointer[signaling.Call]
	sig := signaling.NewServer(signaling.Config{
		Options:    opts,
		Authorizer: authz,
		// One terminal, one conversation.
		MaxCalls: 1,
		OnCall: func(c *signaling.Call) {
			logger.Info("call answered", "session_id", c.ID())
			current.Store(c)
			go func() {
				<-c.Done()
				current.CompareAndSwap(c, nil)
				if err := c.Err(); err != nil {
					logger.Warn("call ended", "session_id", c.ID(), "err", err)
					return
				}
				logger.Info("call ended", "session_id", c.ID())
			}()
		},
	})
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	go func() {
		currentCoordinator := func() *callsession.Coordinator {
			if c := current.Load(); c != nil {
				return c.Coordinator()
			}
			return nil
		}
		if err := pumpLines(ctx, os.Stdin, currentCoordinator, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("stdin read failed", "err", err)
		}
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Hang up first so the caller sees a close message rather than a dropped
	// connection.
	sig.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return 1
	}
	return 0
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
