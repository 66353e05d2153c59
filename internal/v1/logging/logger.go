package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	UsernameKey   contextKey = "username"
	RoomKey       contextKey = "room"
	RemoteAddrKey contextKey = "remote_addr"
)

// Initialize sets up the global logger based on the environment
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// Sync flushes any buffered log entries. Call before exiting.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback specific for tests or before init
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

// appendContextFields adds the connection-scoped identity fields carried on
// the context so every log line can be traced back to a user and room.
func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if user, ok := ctx.Value(UsernameKey).(string); ok {
		fields = append(fields, zap.String("username", user))
	}
	if room, ok := ctx.Value(RoomKey).(string); ok {
		fields = append(fields, zap.String("room", room))
	}
	if addr, ok := ctx.Value(RemoteAddrKey).(string); ok {
		fields = append(fields, zap.String("remote_addr", addr))
	}

	fields = append(fields, zap.String("service", "relay"))

	return fields
}

// WithConn returns a context carrying the identity fields for one connection.
func WithConn(ctx context.Context, username, remoteAddr string) context.Context {
	if username != "" {
		ctx = context.WithValue(ctx, UsernameKey, username)
	}
	if remoteAddr != "" {
		ctx = context.WithValue(ctx, RemoteAddrKey, remoteAddr)
	}
	return ctx
}
