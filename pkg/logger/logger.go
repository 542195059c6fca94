// pkg/logger/logger.go
package logger

import (
	"go.uber.org/zap"
	waLog "go.mau.fi/whatsmeow/util/log"
)

type Sugared = *zap.SugaredLogger

func New(env string) Sugared {
	var z *zap.Logger
	if env == "prod" {
		z, _ = zap.NewProduction()
	} else {
		z, _ = zap.NewDevelopment()
	}
	return z.Sugar()
}

// Nop returns a logger that discards everything; handy in tests.
func Nop() Sugared { return zap.NewNop().Sugar() }

// ForTenant tags every line with the tenant id.
func ForTenant(log Sugared, tenantID string) Sugared {
	return log.With("tenant", tenantID)
}

// Whatsmeow adapts a sugared zap logger to the whatsmeow logging interface.
func Whatsmeow(log Sugared) waLog.Logger { return waLogger{log} }

type waLogger struct{ s Sugared }

func (l waLogger) Warnf(msg string, args ...interface{})  { l.s.Warnf(msg, args...) }
func (l waLogger) Errorf(msg string, args ...interface{}) { l.s.Errorf(msg, args...) }
func (l waLogger) Infof(msg string, args ...interface{})  { l.s.Infof(msg, args...) }
func (l waLogger) Debugf(msg string, args ...interface{}) { l.s.Debugf(msg, args...) }
func (l waLogger) Sub(module string) waLog.Logger         { return waLogger{l.s.Named(module)} }
