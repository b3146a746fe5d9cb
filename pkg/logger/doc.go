// Package logger builds configured slog.Logger instances. It supports JSON
// output for production log aggregation and text output for development, and
// can be driven either by functional options or by environment configuration.
package logger
