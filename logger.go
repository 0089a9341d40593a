package rhi

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the package logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// liveDevices holds devices that did not receive a logger through
// WithLogger. SetLogger forwards to their native backends.
var (
	liveMu      sync.Mutex
	liveDevices = map[*Device]struct{}{}
)

// SetLogger configures the logger for rhi and the backends of devices
// created without [WithLogger]. By default rhi produces no log output.
// Pass nil to restore silence.
//
// Log levels used by rhi:
//   - [slog.LevelDebug]: chunk allocation, barrier batches, queue progress
//   - [slog.LevelInfo]: device creation, acceleration structure compaction
//   - [slog.LevelWarn]: failed submissions, abandoned compactions
//   - [slog.LevelError]: device loss
//
// Example:
//
//	rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	liveMu.Lock()
	defer liveMu.Unlock()
	for d := range liveDevices {
		propagateLogger(d.native, l)
	}
}

// Logger returns the package logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by backends that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

func propagateLogger(native any, l *slog.Logger) {
	if ls, ok := native.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}

func trackLiveDevice(d *Device) {
	liveMu.Lock()
	liveDevices[d] = struct{}{}
	liveMu.Unlock()
}

func untrackLiveDevice(d *Device) {
	liveMu.Lock()
	delete(liveDevices, d)
	liveMu.Unlock()
}
