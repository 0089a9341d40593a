package rhi

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
)

// Queue tracks submissions on one hardware queue. Each successful submit
// signals the queue timeline with the next submission ID, so a submission
// has completed once the timeline value reaches its ID.
//
// Command buffers move between two lists: in-flight buffers belong to a
// submission that may still execute, pooled buffers are free for reuse. A
// buffer enters the pool only after its submission has completed.
type Queue struct {
	device   *Device
	kind     QueueKind
	timeline gpucore.Handle

	mu              sync.Mutex
	lastRecordingID uint64
	lastSubmittedID uint64
	waits           []gpucore.TimelinePoint
	signals         []gpucore.TimelinePoint
	inFlight        []*trackedCommandBuffer
	pool            []*trackedCommandBuffer

	lastFinishedID atomic.Uint64
}

func newQueue(d *Device, kind QueueKind) (*Queue, error) {
	tl, err := d.native.CreateTimeline()
	if err != nil {
		return nil, errors.Wrapf(err, "rhi: create timeline for %s queue", kind)
	}
	return &Queue{device: d, kind: kind, timeline: tl}, nil
}

// Kind returns the queue kind.
func (q *Queue) Kind() QueueKind { return q.kind }

// Timeline returns the native timeline signaled by this queue.
func (q *Queue) Timeline() gpucore.Handle { return q.timeline }

// LastSubmittedID returns the ID of the most recent successful submit.
func (q *Queue) LastSubmittedID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSubmittedID
}

// LastFinishedID returns the cached completion counter without querying
// the device.
func (q *Queue) LastFinishedID() uint64 {
	return q.lastFinishedID.Load()
}

// UpdateLastFinishedID reads the timeline and advances the completion
// counter. The counter never moves backwards.
func (q *Queue) UpdateLastFinishedID() (uint64, error) {
	v, err := q.device.native.TimelineValue(q.timeline)
	if err != nil {
		return q.lastFinishedID.Load(), q.device.noteNativeError(err)
	}
	for {
		cur := q.lastFinishedID.Load()
		if v <= cur {
			return cur, nil
		}
		if q.lastFinishedID.CompareAndSwap(cur, v) {
			return v, nil
		}
	}
}

// PollCommandList reports whether submission id has completed. ID zero is
// always complete.
func (q *Queue) PollCommandList(id uint64) bool {
	if id <= q.lastFinishedID.Load() {
		return true
	}
	finished, err := q.UpdateLastFinishedID()
	if err != nil {
		return false
	}
	return id <= finished
}

// WaitCommandList blocks until submission id completes or timeout expires.
// It reports false on timeout.
func (q *Queue) WaitCommandList(id uint64, timeout time.Duration) (bool, error) {
	if q.PollCommandList(id) {
		return true, nil
	}
	if id > q.LastSubmittedID() {
		return false, errors.Wrapf(ErrInvalidDescriptor,
			"rhi: %s queue: submission %d has not been made", q.kind, id)
	}
	if err := q.device.lostError(); err != nil {
		return false, err
	}
	ok, err := q.device.native.WaitTimeline(q.timeline, id, timeout)
	if err != nil {
		return false, q.device.noteNativeError(err)
	}
	if _, err := q.UpdateLastFinishedID(); err != nil {
		return false, err
	}
	return ok, nil
}

// AddWaitSemaphore makes the next submit wait for timeline to reach value.
func (q *Queue) AddWaitSemaphore(timeline gpucore.Handle, value uint64) {
	q.mu.Lock()
	q.waits = append(q.waits, gpucore.TimelinePoint{Timeline: timeline, Value: value})
	q.mu.Unlock()
}

// AddSignalSemaphore makes the next submit signal timeline with value.
func (q *Queue) AddSignalSemaphore(timeline gpucore.Handle, value uint64) {
	q.mu.Lock()
	q.signals = append(q.signals, gpucore.TimelinePoint{Timeline: timeline, Value: value})
	q.mu.Unlock()
}

// acquire hands out a command buffer for a new recording.
func (q *Queue) acquire() (*trackedCommandBuffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var tb *trackedCommandBuffer
	if n := len(q.pool); n > 0 {
		tb = q.pool[n-1]
		q.pool[n-1] = nil
		q.pool = q.pool[:n-1]
		if err := tb.native.Reset(); err != nil {
			q.device.native.DestroyCommandBuffer(tb.native)
			return nil, errors.Wrapf(q.device.noteNativeError(err), "rhi: reset command buffer on %s queue", q.kind)
		}
	} else {
		native, err := q.device.native.CreateCommandBuffer(q.kind)
		if err != nil {
			return nil, q.device.wrapAllocation(err, "command buffer on %s queue", q.kind)
		}
		tb = newTrackedCommandBuffer(native, q.kind)
	}

	q.lastRecordingID++
	tb.recordingID = q.lastRecordingID
	tb.submissionID = 0
	return tb, nil
}

// recycle returns an unsubmitted buffer to the pool.
func (q *Queue) recycle(tb *trackedCommandBuffer) {
	tb.releaseResources()
	tb.submissionID = 0
	q.mu.Lock()
	q.pool = append(q.pool, tb)
	q.mu.Unlock()
}

// submit sends the buffers as one batch. The batch waits on every pending
// wait semaphore and signals every pending signal semaphore plus the queue
// timeline. On failure the buffers go back to the pool, the counter is
// unchanged and the semaphore lists are kept for the next submit.
func (q *Queue) submit(buffers []*trackedCommandBuffer) (uint64, error) {
	if err := q.device.lostError(); err != nil {
		for _, tb := range buffers {
			q.recycle(tb)
		}
		return 0, err
	}

	q.mu.Lock()
	id := q.lastSubmittedID + 1

	natives := make([]gpucore.CommandBuffer, len(buffers))
	for i, tb := range buffers {
		natives[i] = tb.native
	}
	signals := make([]gpucore.TimelinePoint, 0, len(q.signals)+1)
	signals = append(signals, q.signals...)
	signals = append(signals, gpucore.TimelinePoint{Timeline: q.timeline, Value: id})
	batch := &gpucore.SubmitBatch{
		CommandBuffers: natives,
		Waits:          append([]gpucore.TimelinePoint(nil), q.waits...),
		Signals:        signals,
	}

	if err := q.device.native.Submit(q.kind, batch); err != nil {
		q.mu.Unlock()
		for _, tb := range buffers {
			q.recycle(tb)
		}
		err = q.device.noteNativeError(err)
		q.device.logger().Warn("rhi: submit failed",
			"queue", q.kind.String(), "id", id, "lists", len(buffers), "err", err)
		return 0, errors.Mark(errors.Wrapf(err, "rhi: submit %d on %s queue", id, q.kind), ErrSubmitFailed)
	}

	for _, tb := range buffers {
		tb.submissionID = id
	}
	q.inFlight = append(q.inFlight, buffers...)
	q.lastSubmittedID = id
	q.waits = q.waits[:0]
	q.signals = q.signals[:0]
	q.mu.Unlock()

	q.device.logger().Debug("rhi: submitted", "queue", q.kind.String(), "id", id, "lists", len(buffers))
	return id, nil
}

// retire moves completed in-flight buffers to the pool and releases the
// resources they held. It returns the number of buffers retired.
func (q *Queue) retire() int {
	finished, _ := q.UpdateLastFinishedID()

	q.mu.Lock()
	var done []*trackedCommandBuffer
	keep := q.inFlight[:0]
	for _, tb := range q.inFlight {
		if tb.submissionID <= finished {
			done = append(done, tb)
		} else {
			keep = append(keep, tb)
		}
	}
	clear(q.inFlight[len(keep):])
	q.inFlight = keep
	q.mu.Unlock()

	if len(done) == 0 {
		return 0
	}
	for _, tb := range done {
		tb.releaseResources()
	}
	q.mu.Lock()
	q.pool = append(q.pool, done...)
	q.mu.Unlock()
	return len(done)
}

// QueueStats is a snapshot of queue bookkeeping.
type QueueStats struct {
	LastSubmittedID uint64
	LastFinishedID  uint64
	InFlight        int
	Pooled          int
}

// Stats returns the current bookkeeping counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		LastSubmittedID: q.lastSubmittedID,
		LastFinishedID:  q.lastFinishedID.Load(),
		InFlight:        len(q.inFlight),
		Pooled:          len(q.pool),
	}
}

func (q *Queue) destroy() {
	q.mu.Lock()
	all := append(q.inFlight, q.pool...)
	q.inFlight = nil
	q.pool = nil
	q.mu.Unlock()

	for _, tb := range all {
		tb.releaseResources()
		q.device.native.DestroyCommandBuffer(tb.native)
	}
	q.device.native.DestroyTimeline(q.timeline)
}
