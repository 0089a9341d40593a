package software

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
)

// Op identifies a recorded command.
type Op uint8

// Recorded operations.
const (
	OpBarrier Op = iota + 1
	OpCopyBuffer
	OpBindPipeline
	OpDispatch
	OpDraw
	OpBuildAccelStruct
	OpCopyAccelStruct
	OpWriteCompactedSize
	OpWriteTimestamp
)

var opNames = [...]string{
	OpBarrier:            "barrier",
	OpCopyBuffer:         "copy-buffer",
	OpBindPipeline:       "bind-pipeline",
	OpDispatch:           "dispatch",
	OpDraw:               "draw",
	OpBuildAccelStruct:   "build-accel",
	OpCopyAccelStruct:    "copy-accel",
	OpWriteCompactedSize: "write-compacted-size",
	OpWriteTimestamp:     "write-timestamp",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return "op(?)"
}

// Command is one recorded command. Only the fields relevant to Op are set.
type Command struct {
	Op Op

	BufferBarriers  []gpucore.BufferBarrier
	TextureBarriers []gpucore.TextureBarrier

	Dst       gpucore.Handle
	Src       gpucore.Handle
	DstOffset uint64
	SrcOffset uint64
	Size      uint64

	Build    gpucore.BuildInfo
	CopyMode gpucore.CopyMode
	Query    gpucore.Handle
	Counts   [4]uint32
}

type cbState uint8

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
	cbPending
)

// CommandBuffer records commands for later execution.
type CommandBuffer struct {
	dev    *Device
	handle gpucore.Handle
	queue  gpucore.QueueKind

	// state is guarded by dev.mu; cmds is written only while recording.
	state cbState
	cmds  []Command
}

var _ gpucore.CommandBuffer = (*CommandBuffer)(nil)

// Handle implements gpucore.CommandBuffer.
func (cb *CommandBuffer) Handle() gpucore.Handle { return cb.handle }

// Begin implements gpucore.CommandBuffer.
func (cb *CommandBuffer) Begin() error {
	cb.dev.mu.Lock()
	defer cb.dev.mu.Unlock()
	switch cb.state {
	case cbInitial:
		cb.state = cbRecording
		return nil
	case cbPending:
		cb.dev.faultLocked("begin on pending command buffer", "handle", cb.handle)
		return errors.Newf("software: command buffer %d is pending", cb.handle)
	default:
		return errors.Newf("software: command buffer %d must be reset before Begin", cb.handle)
	}
}

// End implements gpucore.CommandBuffer.
func (cb *CommandBuffer) End() error {
	cb.dev.mu.Lock()
	defer cb.dev.mu.Unlock()
	if cb.state != cbRecording {
		return errors.Newf("software: command buffer %d is not recording", cb.handle)
	}
	cb.state = cbExecutable
	return nil
}

// Reset implements gpucore.CommandBuffer.
func (cb *CommandBuffer) Reset() error {
	cb.dev.mu.Lock()
	defer cb.dev.mu.Unlock()
	if cb.state == cbPending {
		cb.dev.faultLocked("reset of pending command buffer", "handle", cb.handle)
		return errors.Newf("software: command buffer %d is pending", cb.handle)
	}
	cb.state = cbInitial
	cb.cmds = cb.cmds[:0]
	return nil
}

// Commands returns a copy of the recorded commands.
func (cb *CommandBuffer) Commands() []Command {
	cb.dev.mu.Lock()
	defer cb.dev.mu.Unlock()
	return append([]Command(nil), cb.cmds...)
}

func (cb *CommandBuffer) record(c Command) {
	cb.cmds = append(cb.cmds, c)
}

// Barriers implements gpucore.CommandBuffer.
func (cb *CommandBuffer) Barriers(buffers []gpucore.BufferBarrier, textures []gpucore.TextureBarrier) {
	cb.record(Command{
		Op:              OpBarrier,
		BufferBarriers:  append([]gpucore.BufferBarrier(nil), buffers...),
		TextureBarriers: append([]gpucore.TextureBarrier(nil), textures...),
	})
}

// CopyBuffer implements gpucore.CommandBuffer.
func (cb *CommandBuffer) CopyBuffer(dst gpucore.Handle, dstOffset uint64, src gpucore.Handle, srcOffset uint64, size uint64) {
	cb.record(Command{Op: OpCopyBuffer, Dst: dst, DstOffset: dstOffset, Src: src, SrcOffset: srcOffset, Size: size})
}

// BindPipeline implements gpucore.CommandBuffer.
func (cb *CommandBuffer) BindPipeline(p gpucore.Handle) {
	cb.record(Command{Op: OpBindPipeline, Src: p})
}

// Dispatch implements gpucore.CommandBuffer.
func (cb *CommandBuffer) Dispatch(x, y, z uint32) {
	cb.record(Command{Op: OpDispatch, Counts: [4]uint32{x, y, z}})
}

// Draw implements gpucore.CommandBuffer.
func (cb *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	cb.record(Command{Op: OpDraw, Counts: [4]uint32{vertexCount, instanceCount, firstVertex, firstInstance}})
}

// BuildAccelStruct implements gpucore.CommandBuffer.
func (cb *CommandBuffer) BuildAccelStruct(info *gpucore.BuildInfo) {
	b := *info
	b.Inputs.Geometries = append([]gpucore.GeometryDescriptor(nil), info.Inputs.Geometries...)
	cb.record(Command{Op: OpBuildAccelStruct, Dst: info.Dst, Src: info.Src, Build: b})
}

// CopyAccelStruct implements gpucore.CommandBuffer.
func (cb *CommandBuffer) CopyAccelStruct(dst, src gpucore.Handle, mode gpucore.CopyMode) {
	cb.record(Command{Op: OpCopyAccelStruct, Dst: dst, Src: src, CopyMode: mode})
}

// WriteCompactedSize implements gpucore.CommandBuffer.
func (cb *CommandBuffer) WriteCompactedSize(as, q gpucore.Handle) {
	cb.record(Command{Op: OpWriteCompactedSize, Src: as, Query: q})
}

// WriteTimestamp implements gpucore.CommandBuffer.
func (cb *CommandBuffer) WriteTimestamp(q gpucore.Handle) {
	cb.record(Command{Op: OpWriteTimestamp, Query: q})
}
