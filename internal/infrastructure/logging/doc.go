// Package logging provides structured logging for the Meross bridge.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Duplicate suppression for chatty protocol paths (Throttle)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "port", 8085)
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log device keys, tokens or passwords.
// Use field redaction for sensitive data:
//
//	logger.Info("key configured", "key_prefix", key[:2]+"...")
package logging
