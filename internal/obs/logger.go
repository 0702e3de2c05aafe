// Copyright 2025 James Ross
package obs

import (
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"

    "github.com/hybridrag/hybridrag/internal/secretref"
)

func NewLogger(level string) (*zap.Logger, error) {
    lvl := zapcore.InfoLevel
    switch strings.ToLower(level) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }
    cfg := zap.NewProductionConfig()
    cfg.Level = zap.NewAtomicLevelAt(lvl)
    cfg.Encoding = "json"
    return cfg.Build()
}

// Convenience typed fields
func String(k, v string) zap.Field  { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field        { return zap.Error(err) }

// MaskedToken is substituted for any credential value crossing an
// external boundary (tool response, log line, migration report).
const MaskedToken = secretref.MaskedToken

// Masked returns a zap field whose value is always the masked token,
// regardless of the caller's actual secret value. Used for any field
// whose key matches password/secret/api_key/token (case-insensitive).
func Masked(k string) zap.Field { return zap.String(k, MaskedToken) }
