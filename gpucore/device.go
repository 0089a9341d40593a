package gpucore

import "time"

// CommandBuffer records native commands. A command buffer cycles through
// Begin, recording, End, submission and completion; Reset returns it to the
// initial state and must not be called while a submission that contains it
// is still executing.
type CommandBuffer interface {
	// Handle identifies the command buffer on its device.
	Handle() Handle

	Begin() error
	End() error
	Reset() error

	// Barriers records a batch of transitions. The slices are only valid
	// for the duration of the call.
	Barriers(buffers []BufferBarrier, textures []TextureBarrier)

	CopyBuffer(dst Handle, dstOffset uint64, src Handle, srcOffset uint64, size uint64)
	BindPipeline(pipeline Handle)
	Dispatch(x, y, z uint32)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)

	BuildAccelStruct(info *BuildInfo)
	CopyAccelStruct(dst, src Handle, mode CopyMode)

	// WriteCompactedSize records the compacted size of as into query once
	// the build preceding it completes.
	WriteCompactedSize(as Handle, query Handle)

	WriteTimestamp(query Handle)
}

// Device is the native device. All methods are safe for concurrent use.
type Device interface {
	Capabilities() Capabilities

	CreateBuffer(desc *BufferDescriptor) (BufferAllocation, error)
	DestroyBuffer(h Handle)

	CreateTexture(desc *TextureDescriptor) (Handle, error)
	DestroyTexture(h Handle)

	// AccelStructBuildSizes returns the memory needed to build inputs.
	// Only primitive and instance counts are consulted.
	AccelStructBuildSizes(inputs *BuildInputs) (BuildSizes, error)

	// CreateAccelStruct returns the structure handle and its device address.
	CreateAccelStruct(desc *AccelStructDescriptor) (Handle, uint64, error)
	DestroyAccelStruct(h Handle)

	RegisterPipeline(desc *PipelineDescriptor) (Handle, error)
	DestroyPipeline(h Handle)

	CreateQuery(kind QueryKind) (Handle, error)
	DestroyQuery(h Handle)

	// QueryResult returns the value written to a query and whether the
	// writing submission has completed.
	QueryResult(h Handle) (value uint64, ready bool, err error)

	CreateCommandBuffer(queue QueueKind) (CommandBuffer, error)
	DestroyCommandBuffer(cb CommandBuffer)

	CreateTimeline() (Handle, error)
	DestroyTimeline(h Handle)

	// TimelineValue returns the last value the GPU signaled.
	TimelineValue(h Handle) (uint64, error)

	// WaitTimeline blocks until the timeline reaches value or timeout
	// elapses. It reports false on timeout.
	WaitTimeline(h Handle, value uint64, timeout time.Duration) (bool, error)

	Submit(queue QueueKind, batch *SubmitBatch) error

	// WaitIdle blocks until all queues are idle.
	WaitIdle() error

	// Destroy releases the device. No other method may be called after it.
	Destroy()
}
