package main

import (
	"log/slog"
	"slices"

	"github.com/intervue/interview-rtc/internal/config"
)

// minJWTSecretBytes is the HS256 key size recommended by RFC 7518.
const minJWTSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none trusts the call, participant and role query parameters",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && len(cfg.JWTSecret) < minJWTSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is 0 (rate limiting disabled) while --mode=prod",
			"warning_code", "signaling_rate_limit_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes <= 0 || cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is unbounded or very large (an SDP offer is a few KiB)",
			"warning_code", "signaling_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RelayBackend == config.RelayBackendMemory {
		logger.Warn("startup warning: RELAY_BACKEND=memory only fans out within this process; both participants must reach the same instance",
			"warning_code", "relay_backend_memory_in_prod",
			"relay_backend", cfg.RelayBackend,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && !hasTURN(cfg) {
		logger.Warn("startup warning: TURN REST credentials are enabled but no turn: URL is configured",
			"warning_code", "turn_rest_without_turn_url",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && !hasTURN(cfg) {
		logger.Warn("startup warning: no TURN server configured; calls between restrictive NATs will fail",
			"warning_code", "no_turn_in_prod",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}
}

func hasTURN(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		if config.ICEServerHasTURNURL(s) {
			return true
		}
	}
	return false
}
