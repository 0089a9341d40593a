package rhi

import "github.com/gogpu/rhi/gpucore"

// trackedCommandBuffer pairs a native command buffer with the resources its
// recording references. recordingID is assigned when the buffer is handed
// to a command list; submissionID is assigned when it is submitted and is
// zero until then.
type trackedCommandBuffer struct {
	native       gpucore.CommandBuffer
	queue        QueueKind
	recordingID  uint64
	submissionID uint64

	refs []Resource
	seen map[Resource]struct{}
}

func newTrackedCommandBuffer(native gpucore.CommandBuffer, queue QueueKind) *trackedCommandBuffer {
	return &trackedCommandBuffer{
		native: native,
		queue:  queue,
		seen:   make(map[Resource]struct{}),
	}
}

// track keeps r alive until the buffer's submission retires. Each resource
// is referenced at most once per recording.
func (tb *trackedCommandBuffer) track(r Resource) {
	if r == nil {
		return
	}
	if _, ok := tb.seen[r]; ok {
		return
	}
	r.AddRef()
	tb.seen[r] = struct{}{}
	tb.refs = append(tb.refs, r)
}

// releaseResources drops every reference taken by track.
func (tb *trackedCommandBuffer) releaseResources() {
	for i, r := range tb.refs {
		r.Release()
		tb.refs[i] = nil
	}
	tb.refs = tb.refs[:0]
	clear(tb.seen)
}

// recordingKey identifies one recording across buffer reuse.
type recordingKey struct {
	queue QueueKind
	id    uint64
}

func (tb *trackedCommandBuffer) key() recordingKey {
	return recordingKey{queue: tb.queue, id: tb.recordingID}
}
