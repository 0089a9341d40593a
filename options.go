package rhi

import (
	"log/slog"
	"time"
)

// Option configures a Device during creation.
//
// Example:
//
//	dev, err := rhi.NewDevice(native,
//	    rhi.WithMaxFramesInFlight(3),
//	    rhi.WithLogger(logger),
//	)
type Option func(*deviceOptions)

type deviceOptions struct {
	logger            *slog.Logger
	arena             Arena
	pool              WorkerPool
	parallelThreshold int
	uploadChunkSize   uint64
	scratchChunkSize  uint64
	scratchLimit      uint64
	framesInFlight    int
	waitTimeout       time.Duration
	buildSizeCache    int
	uavBarriers       bool
}

// Defaults applied by NewDevice.
const (
	DefaultParallelThreshold  = 256
	DefaultUploadChunkSize    = 64 << 10
	DefaultScratchChunkSize   = 1 << 20
	DefaultScratchMemoryLimit = 256 << 20
	DefaultMaxFramesInFlight  = 2
	DefaultWaitTimeout        = 5 * time.Second
	DefaultBuildSizeCacheSize = 128
)

func defaultOptions() deviceOptions {
	return deviceOptions{
		parallelThreshold: DefaultParallelThreshold,
		uploadChunkSize:   DefaultUploadChunkSize,
		scratchChunkSize:  DefaultScratchChunkSize,
		scratchLimit:      DefaultScratchMemoryLimit,
		framesInFlight:    DefaultMaxFramesInFlight,
		waitTimeout:       DefaultWaitTimeout,
		buildSizeCache:    DefaultBuildSizeCacheSize,
		uavBarriers:       true,
	}
}

// WithLogger gives the device its own logger instead of the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *deviceOptions) {
		o.logger = l
	}
}

// WithArena sets the arena that owns every resource object the device
// creates. Defaults to a fresh [HeapArena].
func WithArena(a Arena) Option {
	return func(o *deviceOptions) {
		o.arena = a
	}
}

// WithWorkerPool sets the pool used for top-level instance conversion.
// Without it the device starts its own pool sized to GOMAXPROCS.
func WithWorkerPool(p WorkerPool) Option {
	return func(o *deviceOptions) {
		o.pool = p
	}
}

// WithParallelThreshold sets the instance count at which top-level
// instance conversion is split across the worker pool.
func WithParallelThreshold(n int) Option {
	return func(o *deviceOptions) {
		if n > 0 {
			o.parallelThreshold = n
		}
	}
}

// WithUploadChunkSize sets the default size of upload chunks.
func WithUploadChunkSize(size uint64) Option {
	return func(o *deviceOptions) {
		if size > 0 {
			o.uploadChunkSize = size
		}
	}
}

// WithScratchChunkSize sets the default size of build scratch chunks.
func WithScratchChunkSize(size uint64) Option {
	return func(o *deviceOptions) {
		if size > 0 {
			o.scratchChunkSize = size
		}
	}
}

// WithScratchMemoryLimit caps the scratch memory one command list may hold.
// Zero removes the cap.
func WithScratchMemoryLimit(limit uint64) Option {
	return func(o *deviceOptions) {
		o.scratchLimit = limit
	}
}

// WithMaxFramesInFlight sets how many frames BeginFrame lets run ahead of
// the GPU.
func WithMaxFramesInFlight(n int) Option {
	return func(o *deviceOptions) {
		if n > 0 {
			o.framesInFlight = n
		}
	}
}

// WithWaitTimeout bounds WaitForIdle and frame pacing waits.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *deviceOptions) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithBuildSizeCacheSize sets how many acceleration structure size queries
// are memoized. Zero disables the cache.
func WithBuildSizeCacheSize(n int) Option {
	return func(o *deviceOptions) {
		if n >= 0 {
			o.buildSizeCache = n
		}
	}
}

// WithUAVBarriers controls whether back-to-back unordered access emits a
// UAV barrier. Enabled by default.
func WithUAVBarriers(enabled bool) Option {
	return func(o *deviceOptions) {
		o.uavBarriers = enabled
	}
}
