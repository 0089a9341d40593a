package rhi

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
)

// CommandListParams configures a command list. Zero fields take the device
// defaults.
type CommandListParams struct {
	Queue              QueueKind
	UploadChunkSize    uint64
	ScratchChunkSize   uint64
	ScratchMemoryLimit uint64
}

type listState uint8

const (
	listIdle listState = iota
	listOpen
	listClosed
)

// CommandList records GPU work for one queue. A list is used by a single
// goroutine at a time: Open, record, Close, then hand it to
// Device.ExecuteCommandLists. After execution it can be opened again.
type CommandList struct {
	device *Device
	params CommandListParams
	queue  *Queue

	state   listState
	current *trackedCommandBuffer
	tracker *stateTracker
	upload  *uploadManager
	scratch *uploadManager
	timers  []*TimerQuery
}

// CreateCommandList creates a command list for params.Queue.
func (d *Device) CreateCommandList(params CommandListParams) (*CommandList, error) {
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	q, err := d.queue(params.Queue)
	if err != nil {
		return nil, err
	}
	if params.UploadChunkSize == 0 {
		params.UploadChunkSize = d.opts.uploadChunkSize
	}
	if params.ScratchChunkSize == 0 {
		params.ScratchChunkSize = d.opts.scratchChunkSize
	}
	if params.ScratchMemoryLimit == 0 {
		params.ScratchMemoryLimit = d.opts.scratchLimit
	}
	return &CommandList{
		device:  d,
		params:  params,
		queue:   q,
		tracker: newStateTracker(d.opts.uavBarriers),
		upload:  newUploadManager(d, params.Queue, params.UploadChunkSize, 0, false),
		scratch: newUploadManager(d, params.Queue, params.ScratchChunkSize, params.ScratchMemoryLimit, true),
	}, nil
}

// Params returns the effective parameters.
func (cl *CommandList) Params() CommandListParams { return cl.params }

// IsOpen reports whether the list is recording.
func (cl *CommandList) IsOpen() bool { return cl.state == listOpen }

// RecordingID returns the queue-local ID of the current recording, or zero
// when the list holds none.
func (cl *CommandList) RecordingID() uint64 {
	if cl.current == nil {
		return 0
	}
	return cl.current.recordingID
}

func (cl *CommandList) native() gpucore.CommandBuffer { return cl.current.native }

func (cl *CommandList) currentVersion() uint64 {
	return makeVersion(cl.current.recordingID, cl.params.Queue, false)
}

func (cl *CommandList) checkOpen() error {
	if cl.state != listOpen {
		return ErrCommandListNotOpen
	}
	return nil
}

// Open starts a recording. A closed recording that was never executed is
// discarded.
func (cl *CommandList) Open() error {
	if cl.state == listOpen {
		return ErrCommandListOpen
	}
	if err := cl.device.checkUsable(); err != nil {
		return err
	}
	if cl.current != nil {
		cl.discard()
	}

	tb, err := cl.queue.acquire()
	if err != nil {
		return err
	}
	if err := tb.native.Begin(); err != nil {
		cl.queue.recycle(tb)
		return errors.Wrap(cl.device.noteNativeError(err), "rhi: begin command buffer")
	}
	cl.current = tb
	cl.tracker.reset()
	cl.timers = cl.timers[:0]
	cl.state = listOpen
	return nil
}

// Close ends the recording. Pending compaction work is recorded first and
// KeepInitialState resources are returned to their initial states.
func (cl *CommandList) Close() error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.device.compactor.process(cl)
	cl.tracker.restoreInitialStates()
	cl.CommitBarriers()

	if err := cl.native().End(); err != nil {
		cl.discard()
		return errors.Wrap(cl.device.noteNativeError(err), "rhi: end command buffer")
	}
	cl.state = listClosed
	return nil
}

// discard drops the current recording without submitting it.
func (cl *CommandList) discard() {
	tb := cl.current
	cl.current = nil
	cl.state = listIdle
	ver := makeVersion(tb.recordingID, cl.params.Queue, false)
	cl.upload.discardChunks(ver)
	cl.scratch.discardChunks(ver)
	cl.device.compactor.forgetRecording(tb.key())
	cl.queue.recycle(tb)
}

// submitted hands chunk ownership to submission id.
func (cl *CommandList) submitted(id uint64) {
	cur := cl.currentVersion()
	sub := makeVersion(id, cl.params.Queue, true)
	cl.upload.submitChunks(cur, sub)
	cl.scratch.submitChunks(cur, sub)
	for _, q := range cl.timers {
		q.bindSubmission(cl.params.Queue, id)
	}
	cl.timers = cl.timers[:0]
	cl.current = nil
	cl.state = listIdle
}

// submitFailed releases the recording after the queue rejected it. The
// queue has already recycled the command buffer.
func (cl *CommandList) submitFailed() {
	tb := cl.current
	ver := cl.currentVersion()
	cl.upload.discardChunks(ver)
	cl.scratch.discardChunks(ver)
	cl.device.compactor.forgetRecording(tb.key())
	cl.timers = cl.timers[:0]
	cl.current = nil
	cl.state = listIdle
}

// Destroy discards any recording and releases the list's chunks.
func (cl *CommandList) Destroy() {
	if cl.current != nil {
		cl.discard()
	}
	cl.upload.release()
	cl.scratch.release()
}

func (cl *CommandList) track(r Resource) {
	cl.current.track(r)
}

// CommitBarriers flushes queued transitions.
func (cl *CommandList) CommitBarriers() {
	if cl.state != listOpen {
		return
	}
	cl.tracker.commit(cl.native())
}

// SetBufferState queues a transition of b. Barriers are recorded on the
// next CommitBarriers or before the next GPU command.
func (cl *CommandList) SetBufferState(b *Buffer, state ResourceStates) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.tracker.requireBuffer(b, state)
	cl.track(b)
	return nil
}

// SetTextureState queues transitions of the selected subresources of t.
func (cl *CommandList) SetTextureState(t *Texture, sub TextureSubresourceSet, state ResourceStates) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.tracker.requireTexture(t, sub, state)
	cl.track(t)
	return nil
}

// SetAccelStructState queues a transition of as.
func (cl *CommandList) SetAccelStructState(as *AccelStruct, state ResourceStates) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.tracker.requireBuffer(as, state)
	cl.track(as)
	return nil
}

// BeginTrackingBufferState declares the current state of b without a
// barrier.
func (cl *CommandList) BeginTrackingBufferState(b *Buffer, state ResourceStates) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.tracker.assumeBuffer(b, state)
	return nil
}

// BeginTrackingTextureState declares the current state of t without a
// barrier.
func (cl *CommandList) BeginTrackingTextureState(t *Texture, state ResourceStates) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.tracker.forgetTexture(t)
	cl.tracker.textureEntry(t).whole = state
	return nil
}

// SetPermanentBufferState transitions b to state and stops tracking it in
// every command list. The state cannot be changed afterwards.
func (cl *CommandList) SetPermanentBufferState(b *Buffer, state ResourceStates) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	if state == StateUnknown {
		return invalidf("buffer %q: permanent state must be known", b.desc.Label)
	}
	if ps := b.PermanentState(); ps != StateUnknown {
		if ps == state {
			return nil
		}
		return invalidf("buffer %q already has permanent state %s", b.desc.Label, ps)
	}
	cl.tracker.requireBuffer(b, state)
	cl.track(b)
	b.permanent.Store(uint32(state))
	cl.tracker.forgetBuffer(b)
	return nil
}

// SetPermanentTextureState transitions all of t to state and stops
// tracking it.
func (cl *CommandList) SetPermanentTextureState(t *Texture, state ResourceStates) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	if state == StateUnknown {
		return invalidf("texture %q: permanent state must be known", t.desc.Label)
	}
	if ps := t.PermanentState(); ps != StateUnknown {
		if ps == state {
			return nil
		}
		return invalidf("texture %q already has permanent state %s", t.desc.Label, ps)
	}
	cl.tracker.requireTexture(t, AllSubresources, state)
	cl.track(t)
	t.permanent.Store(uint32(state))
	cl.tracker.forgetTexture(t)
	return nil
}

// SetEnableUAVBarriersForBuffer overrides the device UAV barrier setting
// for b until the list is reopened. Disabling lets consecutive dispatches
// that write disjoint ranges of b overlap.
func (cl *CommandList) SetEnableUAVBarriersForBuffer(b *Buffer, enabled bool) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.tracker.setUAVBarriers(b, enabled)
	return nil
}

// SetEnableUAVBarriersForTexture is SetEnableUAVBarriersForBuffer for
// textures.
func (cl *CommandList) SetEnableUAVBarriersForTexture(t *Texture, enabled bool) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.tracker.setUAVBarriers(t, enabled)
	return nil
}

// BufferState returns the state b is tracked in by this list.
func (cl *CommandList) BufferState(b *Buffer) ResourceStates {
	return cl.tracker.bufferState(b)
}

// AccelStructState returns the state as is tracked in by this list.
func (cl *CommandList) AccelStructState(as *AccelStruct) ResourceStates {
	return cl.tracker.bufferState(as)
}

// TextureSubresourceState returns the tracked state of one subresource.
func (cl *CommandList) TextureSubresourceState(t *Texture, mip, slice uint32) ResourceStates {
	return cl.tracker.textureState(t, mip, slice)
}

// uploadAlignment is the offset alignment of WriteBuffer staging copies.
const uploadAlignment = 256

// WriteBuffer copies data into b at offset through an upload chunk. The
// write is ordered with the rest of the list.
func (cl *CommandList) WriteBuffer(b *Buffer, data []byte, offset uint64) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	size := uint64(len(data))
	if size == 0 {
		return nil
	}
	if offset+size > b.desc.Size {
		return invalidf("write of %d bytes at %d overflows buffer %q (%d bytes)", size, offset, b.desc.Label, b.desc.Size)
	}
	alloc, err := cl.upload.suballocate(size, uploadAlignment, cl.currentVersion())
	if err != nil {
		return errors.Wrapf(err, "rhi: write buffer %q", b.desc.Label)
	}
	copy(alloc.bytes(), data)

	cl.tracker.requireBuffer(b, StateCopyDest)
	cl.CommitBarriers()
	cl.native().CopyBuffer(b.handle, offset, alloc.buffer.handle, alloc.offset, size)
	cl.track(b)
	cl.track(alloc.buffer)
	return nil
}

// CopyBuffer copies size bytes between buffers.
func (cl *CommandList) CopyBuffer(dst *Buffer, dstOffset uint64, src *Buffer, srcOffset, size uint64) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	if dstOffset+size > dst.desc.Size || srcOffset+size > src.desc.Size {
		return invalidf("copy of %d bytes from %q+%d to %q+%d is out of range",
			size, src.desc.Label, srcOffset, dst.desc.Label, dstOffset)
	}
	cl.tracker.requireBuffer(src, StateCopySource)
	cl.tracker.requireBuffer(dst, StateCopyDest)
	cl.CommitBarriers()
	cl.native().CopyBuffer(dst.handle, dstOffset, src.handle, srcOffset, size)
	cl.track(src)
	cl.track(dst)
	return nil
}

// BindPipeline sets the pipeline for later dispatches and draws.
func (cl *CommandList) BindPipeline(p *Pipeline) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.native().BindPipeline(p.handle)
	cl.track(p)
	return nil
}

// Dispatch commits barriers and runs a compute grid.
func (cl *CommandList) Dispatch(x, y, z uint32) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.CommitBarriers()
	cl.native().Dispatch(x, y, z)
	return nil
}

// Draw commits barriers and records a non-indexed draw.
func (cl *CommandList) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.CommitBarriers()
	cl.native().Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	return nil
}

// BeginTimerQuery records the start timestamp of q.
func (cl *CommandList) BeginTimerQuery(q *TimerQuery) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	q.mu.Lock()
	q.recorded = false
	q.resolved = false
	q.id = 0
	q.mu.Unlock()
	cl.native().WriteTimestamp(q.begin)
	cl.track(q)
	return nil
}

// EndTimerQuery records the end timestamp of q. The measured interval is
// available once the list's submission completes.
func (cl *CommandList) EndTimerQuery(q *TimerQuery) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.CommitBarriers()
	cl.native().WriteTimestamp(q.end)
	q.mu.Lock()
	q.recorded = true
	q.mu.Unlock()
	cl.track(q)
	cl.timers = append(cl.timers, q)
	return nil
}
