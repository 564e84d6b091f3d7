package main

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	// Only the callee accepts connections, so only it depends on AUTH_MODE.
	if cfg.Role != config.RoleCaller && cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets anyone who can reach the signaling endpoint place a call",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.Role == config.RoleCaller && cfg.APIKey != "" {
		if u, err := url.Parse(strings.TrimSpace(cfg.PeerURL)); err == nil && u.Scheme == "ws" {
			logger.Warn("startup security warning: API key is sent over an unencrypted ws:// signaling connection (prefer wss://)",
				"warning_code", "api_key_over_plaintext",
				"peer_host", u.Host,
				"mode", cfg.Mode,
			)
		}
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; calls will not be placed or accepted",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}

	// Warn if the SCTP/DataChannel caps are unusually large, since this weakens
	// oversized message DoS hardening.
	if cfg.WebRTCDataChannelMaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: WEBRTC_DATACHANNEL_MAX_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "webrtc_datachannel_max_message_large",
			"webrtc_datachannel_max_message_bytes", cfg.WebRTCDataChannelMaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.WebRTCSCTPMaxReceiveBufferBytes > 8<<20 { // 8MiB
		logger.Warn("startup security warning: WEBRTC_SCTP_MAX_RECEIVE_BUFFER_BYTES is very large (increases receive-side buffering risk)",
			"warning_code", "webrtc_sctp_max_receive_buffer_large",
			"webrtc_sctp_max_receive_buffer_bytes", cfg.WebRTCSCTPMaxReceiveBufferBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.CallConnectTimeout > 2*time.Minute {
		logger.Warn("startup security warning: CALL_CONNECT_TIMEOUT is very large (half-open calls hold ICE sockets longer)",
			"warning_code", "call_connect_timeout_large",
			"call_connect_timeout", cfg.CallConnectTimeout,
			"mode", cfg.Mode,
		)
	}
}
