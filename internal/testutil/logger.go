package testutil

import "log/slog"

// DiscardLogger returns a slog.Logger that discards all output.
// Equivalent to log.NewNop; kept here so test-only packages need not import
// internal/log just for a silent logger.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
