// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the launcher's process-wide logger.
//
// Records carry the service name and the build variant so that launcher lines
// can be told apart from the proxy output interleaved on the same stream.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"

	"github.com/stacklok/netbox-mcp-launcher/pkg/variant"
)

// UnstructuredLogsEnv switches between text (true) and JSON (false) output.
const UnstructuredLogsEnv = "UNSTRUCTURED_LOGS"

// ServiceName is attached to every record.
const ServiceName = "nbmcp-launcher"

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(withServiceAttrs(logging.New()))
}

func get() *slog.Logger {
	return singleton.Load()
}

// Get returns the process logger.
func Get() *slog.Logger {
	return get()
}

// Set replaces the process logger. Tests use it to capture output.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	get().Debug(fmt.Sprintf(msg, args...))
}

// Info logs a message at info level.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	get().Info(fmt.Sprintf(msg, args...))
}

// Infow logs a message at info level with key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Info(msg, keysAndValues...)
}

// Warn logs a message at warning level.
func Warn(msg string) {
	get().Warn(msg)
}

// Warnf logs a formatted message at warning level.
func Warnf(msg string, args ...any) {
	get().Warn(fmt.Sprintf(msg, args...))
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	get().Error(fmt.Sprintf(msg, args...))
}

// Initialize configures the logger from the process environment and the
// viper "debug" key. It may be called again once flags are parsed.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv configures the logger with a custom environment reader.
func InitializeWithEnv(envReader env.Reader) {
	singleton.Store(newLogger(envReader, viper.GetBool("debug"), nil))
}

func newLogger(envReader env.Reader, debug bool, out io.Writer) *slog.Logger {
	var opts []logging.Option
	if unstructuredLogsWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if debug {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}
	if out != nil {
		opts = append(opts, logging.WithOutput(out))
	}
	return withServiceAttrs(logging.New(opts...))
}

func withServiceAttrs(l *slog.Logger) *slog.Logger {
	return l.With("service", ServiceName, "variant", string(variant.Current()))
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructured, err := strconv.ParseBool(envReader.Getenv(UnstructuredLogsEnv))
	if err != nil {
		return true
	}
	return unstructured
}
