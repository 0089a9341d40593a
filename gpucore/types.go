package gpucore

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
)

// Handle identifies a native object. Zero is the null handle.
type Handle uint64

// NullHandle is never returned by a successful create call.
const NullHandle Handle = 0

// Errors reported by devices. Backends may wrap them.
var (
	// ErrDeviceLost is returned once the device can no longer execute work.
	ErrDeviceLost = errors.New("gpucore: device lost")

	// ErrNotSupported is returned for features the backend lacks.
	ErrNotSupported = errors.New("gpucore: not supported")

	// ErrOutOfMemory is returned when an allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("gpucore: out of device memory")

	// ErrInvalidHandle is returned when a handle is unknown to the device.
	ErrInvalidHandle = errors.New("gpucore: invalid handle")
)

// QueueKind selects one of the hardware queues.
type QueueKind uint8

// Queue kinds.
const (
	QueueGraphics QueueKind = iota
	QueueCompute
	QueueCopy

	// QueueKindCount is the number of queue kinds.
	QueueKindCount
)

// String returns the queue name.
func (k QueueKind) String() string {
	switch k {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueCopy:
		return "copy"
	default:
		return "QueueKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// BufferDescriptor describes a native buffer allocation.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	// HostVisible requests CPU-mapped memory. The mapping stays valid for the
	// lifetime of the buffer.
	HostVisible bool

	// DeviceAddress requests a GPU virtual address for the buffer.
	DeviceAddress bool

	// AccelStructStorage marks the buffer as backing storage for
	// acceleration structures.
	AccelStructStorage bool
}

// BufferAllocation is the result of [Device.CreateBuffer].
type BufferAllocation struct {
	Handle Handle

	// Address is the device address, or zero when none was requested.
	Address uint64

	// Mapped is the persistent CPU mapping of host-visible buffers.
	Mapped []byte
}

// TextureDescriptor describes a native texture.
type TextureDescriptor struct {
	Label         string
	Size          gputypes.Extent3D
	MipLevelCount uint32
	SampleCount   uint32
	Dimension     gputypes.TextureDimension
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
}

// QueryKind selects what a query records.
type QueryKind uint8

// Query kinds.
const (
	// QueryTimestamp records a GPU timestamp in ticks.
	QueryTimestamp QueryKind = iota + 1

	// QueryCompactedSize records the compacted size of an acceleration
	// structure in bytes.
	QueryCompactedSize
)

// PipelineKind classifies a registered pipeline.
type PipelineKind uint8

// Pipeline kinds.
const (
	PipelineCompute PipelineKind = iota + 1
	PipelineGraphics
	PipelineRayTracing
)

// PipelineDescriptor registers a backend-compiled pipeline. Native carries
// the backend object (for example a hal.ComputePipeline); the software
// backend ignores it.
type PipelineDescriptor struct {
	Label  string
	Kind   PipelineKind
	Native any
}

// TimelinePoint names a value on a timeline.
type TimelinePoint struct {
	Timeline Handle
	Value    uint64
}

// SubmitBatch is one submission on a queue.
type SubmitBatch struct {
	CommandBuffers []CommandBuffer

	// Waits must all be reached before any command buffer runs.
	Waits []TimelinePoint

	// Signals are set once every command buffer has completed.
	Signals []TimelinePoint
}

// Capabilities reports device limits relevant to rhi.
type Capabilities struct {
	Name string

	// RayTracing reports acceleration-structure support.
	RayTracing bool

	// Queues reports which queue kinds exist.
	Queues [QueueKindCount]bool

	// ScratchAlignment is the required alignment of build scratch addresses.
	ScratchAlignment uint64

	// TimestampPeriod is the number of nanoseconds per timestamp tick.
	TimestampPeriod float64
}
