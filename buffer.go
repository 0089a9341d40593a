package rhi

import (
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/gpucore"
)

// CPUAccess selects host access to a buffer.
type CPUAccess uint8

// CPU access modes.
const (
	CPUAccessNone CPUAccess = iota
	CPUAccessWrite
	CPUAccessRead
)

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	CPUAccess CPUAccess

	// IsAccelStructStorage marks the buffer as acceleration structure
	// storage. IsAccelStructBuildInput marks it as geometry or instance
	// input; both imply a device address.
	IsAccelStructStorage    bool
	IsAccelStructBuildInput bool

	// InitialState is the state the buffer is in after creation.
	// With KeepInitialState every command list starts from it and
	// transitions back to it on Close.
	InitialState     ResourceStates
	KeepInitialState bool
}

// Buffer is a reference-counted GPU buffer.
type Buffer struct {
	refCounter

	desc      BufferDesc
	handle    gpucore.Handle
	address   uint64
	mapped    []byte
	permanent atomic.Uint32
}

var _ Resource = (*Buffer)(nil)

// Desc returns the descriptor the buffer was created with.
func (b *Buffer) Desc() BufferDesc { return b.desc }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// DeviceAddress returns the GPU address, or zero if none was requested.
func (b *Buffer) DeviceAddress() uint64 { return b.address }

// Mapped returns the persistent CPU mapping of host-visible buffers.
func (b *Buffer) Mapped() []byte { return b.mapped }

// NativeHandle returns the backend handle.
func (b *Buffer) NativeHandle() gpucore.Handle { return b.handle }

// Kind returns KindBuffer.
func (b *Buffer) Kind() ResourceKind { return KindBuffer }

// PermanentState returns the permanent state, or StateUnknown if the buffer
// is still tracked per command list.
func (b *Buffer) PermanentState() ResourceStates {
	return ResourceStates(b.permanent.Load())
}

func (b *Buffer) trackingDefaults() (ResourceStates, bool) {
	return b.desc.InitialState, b.desc.KeepInitialState
}

func (b *Buffer) barrierHandle() gpucore.Handle { return b.handle }

// CreateBuffer allocates a buffer.
func (d *Device) CreateBuffer(desc BufferDesc) (*Buffer, error) {
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, invalidf("buffer %q: zero size", desc.Label)
	}

	native := gpucore.BufferDescriptor{
		Label:              desc.Label,
		Size:               desc.Size,
		Usage:              desc.Usage,
		HostVisible:        desc.CPUAccess != CPUAccessNone,
		DeviceAddress:      desc.IsAccelStructStorage || desc.IsAccelStructBuildInput,
		AccelStructStorage: desc.IsAccelStructStorage,
	}
	if desc.CPUAccess == CPUAccessWrite {
		native.Usage |= gputypes.BufferUsageCopySrc
	}
	if desc.Usage.Contains(gputypes.BufferUsageStorage) {
		native.DeviceAddress = true
	}

	alloc, err := d.native.CreateBuffer(&native)
	if err != nil {
		d.logger().Warn("rhi: buffer allocation failed", "label", desc.Label, "size", desc.Size, "err", err)
		return nil, d.wrapAllocation(err, "buffer %q (%d bytes)", desc.Label, desc.Size)
	}

	b := &Buffer{
		desc:    desc,
		handle:  alloc.Handle,
		address: alloc.Address,
		mapped:  alloc.Mapped,
	}
	nd := d.native
	b.init(d.arena, b, func() { nd.DestroyBuffer(alloc.Handle) })
	return b, nil
}
