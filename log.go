package litedb

import "github.com/rs/zerolog"

// WithComponent returns a child logger tagged with a component field,
// mirroring the cuemby-warren pack's zerolog convention but scoped to one
// engine instance instead of a process-wide global (design note: no
// singleton codec/logger — every engine owns its own).
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
