/*
Package log provides structured logging for Patchbay using zerolog.

The package wraps zerolog with a global logger, component-scoped child
loggers, and helpers for the common logging patterns used across the
gateway. Output is JSON in production and human-readable console format
during development.

# Usage

Initializing (once, at startup):

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Redact:     sandbox.RedactString,
	})

Component loggers:

	logger := log.WithComponent("router")
	logger.Info().Str("strategy", "round-robin").Msg("route resolved")

	logger = log.WithInstanceID(inst.ID)
	logger.Warn().Err(err).Msg("probe failed")

Simple helpers:

	log.Info("gateway listening")
	log.Errorf("failed to load config", err)

# Redaction

When Config.Redact is set, every line is passed through the mask function
before it reaches the sink, so secret-shaped values (API keys, bearer
tokens, card numbers) never land in log files even when a backend echoes
them. See the sandbox package for the pattern list.

# Integration Points

Every package logs through this one. The logger is process-global and
initialized exactly once by cmd/patchbay before any component starts.
*/
package log
