// Package logger provides the proxy's process-wide structured logger, a
// thin wrapper over go.uber.org/zap kept behind package-level functions so
// every component can log without threading a logger through every call
// site.
package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var singleton atomic.Pointer[zap.SugaredLogger]

// Initialize builds the production logger. Safe to call more than once;
// the last call wins.
func Initialize() {
	InitializeWithDebug(false)
}

// InitializeWithDebug builds the logger, switching to zap's development
// config (human-readable, debug-level) when debug is true, mirroring the
// root command's --debug flag.
func InitializeWithDebug(debug bool) {
	var l *zap.Logger
	var err error
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		l = zap.NewNop()
	}
	singleton.Store(l.Sugar())
}

// Get returns the current logger, initializing a no-op one lazily if
// Initialize was never called (keeps library code crash-safe in tests).
func Get() *zap.SugaredLogger {
	if l := singleton.Load(); l != nil {
		return l
	}
	l := zap.NewNop().Sugar()
	singleton.CompareAndSwap(nil, l)
	return singleton.Load()
}

// With returns a child logger with the given structured fields, the
// convention components use to scope logs to a backend or plugin name.
func With(args ...any) *zap.SugaredLogger {
	return Get().With(args...)
}

func Debug(args ...any)                  { Get().Debug(args...) }
func Debugf(template string, args ...any) { Get().Debugf(template, args...) }
func Debugw(msg string, kv ...any)       { Get().Debugw(msg, kv...) }

func Info(args ...any)                  { Get().Info(args...) }
func Infof(template string, args ...any) { Get().Infof(template, args...) }
func Infow(msg string, kv ...any)       { Get().Infow(msg, kv...) }

func Warn(args ...any)                  { Get().Warn(args...) }
func Warnf(template string, args ...any) { Get().Warnf(template, args...) }
func Warnw(msg string, kv ...any)       { Get().Warnw(msg, kv...) }

func Error(args ...any)                  { Get().Error(args...) }
func Errorf(template string, args ...any) { Get().Errorf(template, args...) }
func Errorw(msg string, kv ...any)       { Get().Errorw(msg, kv...) }
