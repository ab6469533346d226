// Package obslog builds the zap loggers used across tlsthin and carries the
// LogError helper shape used at every fatal handshake transition.
package obslog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a console-encoded development logger when debug is set, and a
// quieter JSON production logger otherwise.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Fatal logs err at Error level with msg and fields, in the call shape the
// rest of the codebase uses right before closing a connection.
func Fatal(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	logger.Error(msg, append(fields, zap.Error(err))...)
}

// ConnField tags a log line with the connection's trace ID.
func ConnField(connID string) zap.Field {
	return zap.String("conn_id", connID)
}
