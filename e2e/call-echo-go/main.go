// Command call-echo-go answers calls on /webrtc/signal and echoes every
// DataChannel message back to the caller. It is a fixture for end-to-end tests
// of callers and prints "READY <port>" once it accepts connections.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/webrtcpeer"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)

	if v := os.Getenv("AUTH_MODE"); v != "" && v != "none" {
		fmt.Fprintf(os.Stderr, "unsupported AUTH_MODE=%s\n", v)
		os.Exit(2)
	}

	api, err := webrtcpeer.NewAPIWithSettingEngine(webrtc.SettingEngine{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "webrtc: %v\n", err)
		os.Exit(1)
	}

	var current atomic.Pointer[callsession.Coordinator]
	sig := signaling.NewServer(signaling.Config{
		Options: signaling.Options{
			Session: callsession.Config{
				Transport: webrtcpeer.NewTransportFactory(api, webrtcpeer.Options{}),
				Delegate: callsession.DelegateFuncs{
					OnDataChannelMessageReceived: func(payload []byte) {
						if c := current.Load(); c != nil {
							c.SendMessage(append([]byte(nil), payload...), "echo", false)
						}
					},
				},
			},
			ConnectTimeout: 30 * time.Second,
		},
		OnCall: func(c *signaling.Call) {
			current.Store(c.Coordinator())
		},
	})

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	srv := &http.Server{
		Handler:           sig.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		sig.Close()
		_ = srv.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		sig.Close()
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
