package main

import (
	"log/slog"

	"github.com/meetlite/signal-relay/internal/config"
)

// logStartupSecurityWarnings surfaces configurations that are fine in dev but
// risky on a public deployment. Warnings never prevent startup.
func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.RequireToken {
		logger.Warn("startup security warning: REQUIRE_TOKEN=false allows any client to join rooms",
			"warning_code", "token_not_required",
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.RoomCapacity == 0 {
		logger.Warn("startup security warning: ROOM_CAPACITY=0 places no bound on room membership",
			"warning_code", "room_capacity_unbounded",
			"mode", cfg.Mode,
		)
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
