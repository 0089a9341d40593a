package rhi

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
)

// Errors returned by rhi. Returned errors wrap these sentinels and may be
// matched with errors.Is.
var (
	// ErrDeviceLost is returned once the native device reported loss. The
	// device stays lost until it is closed.
	ErrDeviceLost = gpucore.ErrDeviceLost

	// ErrNotSupported is returned for features the backend lacks.
	ErrNotSupported = gpucore.ErrNotSupported

	// ErrSubmitFailed marks a rejected submission. The queue counter is
	// unchanged and pending semaphores are kept for the next submit.
	ErrSubmitFailed = errors.New("rhi: submit failed")

	// ErrCommandListNotOpen is returned when recording into a closed list.
	ErrCommandListNotOpen = errors.New("rhi: command list is not open")

	// ErrCommandListOpen is returned when opening or executing an open list.
	ErrCommandListOpen = errors.New("rhi: command list is already open")

	// ErrCommandListNotClosed is returned when executing a list that has no
	// closed recording.
	ErrCommandListNotClosed = errors.New("rhi: command list has no closed recording")

	// ErrAllocationFailed wraps native allocation failures.
	ErrAllocationFailed = errors.New("rhi: allocation failed")

	// ErrInvalidDescriptor is returned for malformed descriptors and
	// arguments.
	ErrInvalidDescriptor = errors.New("rhi: invalid descriptor")

	// ErrUploadLimitExceeded is returned when a chunk would exceed the
	// memory limit of its manager.
	ErrUploadLimitExceeded = errors.New("rhi: upload memory limit exceeded")

	// ErrAccelStructKind is returned when a build targets the wrong kind.
	ErrAccelStructKind = errors.New("rhi: wrong acceleration structure kind")

	// ErrWaitTimeout is returned when a blocking wait expires.
	ErrWaitTimeout = errors.New("rhi: wait timed out")

	// ErrDeviceClosed is returned after Close.
	ErrDeviceClosed = errors.New("rhi: device closed")

	// ErrQueueUnavailable is returned for queues the device does not expose.
	ErrQueueUnavailable = errors.New("rhi: queue not available")
)
