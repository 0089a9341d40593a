package rhi

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
)

// EventQuery marks a point in a queue's submission stream.
type EventQuery struct {
	refCounter

	mu    sync.Mutex
	queue QueueKind
	id    uint64
	set   bool
}

// NativeHandle returns NullHandle; event queries have no native object.
func (q *EventQuery) NativeHandle() gpucore.Handle { return gpucore.NullHandle }

// Kind returns KindEventQuery.
func (q *EventQuery) Kind() ResourceKind { return KindEventQuery }

func (q *EventQuery) target() (QueueKind, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue, q.id, q.set
}

// CreateEventQuery returns an unset event query.
func (d *Device) CreateEventQuery() (*EventQuery, error) {
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	q := &EventQuery{}
	q.init(d.arena, q, nil)
	return q, nil
}

// SetEventQuery points q at the last submission made on queue kind.
func (d *Device) SetEventQuery(q *EventQuery, kind QueueKind) error {
	queue, err := d.queue(kind)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.queue = kind
	q.id = queue.LastSubmittedID()
	q.set = true
	q.mu.Unlock()
	return nil
}

// PollEventQuery reports whether the submission q points at has completed.
// An unset query is never complete.
func (d *Device) PollEventQuery(q *EventQuery) bool {
	kind, id, ok := q.target()
	if !ok {
		return false
	}
	queue, err := d.queue(kind)
	if err != nil {
		return false
	}
	return queue.PollCommandList(id)
}

// WaitEventQuery blocks until q completes or the wait timeout expires.
func (d *Device) WaitEventQuery(q *EventQuery) error {
	kind, id, ok := q.target()
	if !ok {
		return nil
	}
	queue, err := d.queue(kind)
	if err != nil {
		return err
	}
	done, err := queue.WaitCommandList(id, d.opts.waitTimeout)
	if err != nil {
		return err
	}
	if !done {
		return errors.Wrapf(ErrWaitTimeout, "rhi: event query on %s queue, submission %d", kind, id)
	}
	return nil
}

// ResetEventQuery unsets q.
func (d *Device) ResetEventQuery(q *EventQuery) {
	q.mu.Lock()
	q.set = false
	q.id = 0
	q.mu.Unlock()
}

// TimerQuery measures GPU time between two points in a command list.
type TimerQuery struct {
	refCounter

	begin gpucore.Handle
	end   gpucore.Handle

	mu       sync.Mutex
	queue    QueueKind
	id       uint64
	recorded bool
	resolved bool
	elapsed  time.Duration
}

// NativeHandle returns the handle of the begin timestamp.
func (q *TimerQuery) NativeHandle() gpucore.Handle { return q.begin }

// Kind returns KindTimerQuery.
func (q *TimerQuery) Kind() ResourceKind { return KindTimerQuery }

// CreateTimerQuery allocates a pair of timestamp queries.
func (d *Device) CreateTimerQuery() (*TimerQuery, error) {
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	begin, err := d.native.CreateQuery(gpucore.QueryTimestamp)
	if err != nil {
		return nil, d.wrapAllocation(err, "timer query")
	}
	end, err := d.native.CreateQuery(gpucore.QueryTimestamp)
	if err != nil {
		d.native.DestroyQuery(begin)
		return nil, d.wrapAllocation(err, "timer query")
	}
	q := &TimerQuery{begin: begin, end: end}
	nd := d.native
	q.init(d.arena, q, func() {
		nd.DestroyQuery(begin)
		nd.DestroyQuery(end)
	})
	return q, nil
}

// PollTimerQuery reports whether both timestamps are available.
func (d *Device) PollTimerQuery(q *TimerQuery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.resolved {
		return true
	}
	if !q.recorded || q.id == 0 {
		return false
	}
	queue, err := d.queue(q.queue)
	if err != nil || !queue.PollCommandList(q.id) {
		return false
	}
	return d.resolveTimerLocked(q) == nil && q.resolved
}

// TimerQueryTime returns the measured interval. It waits for the submission
// that recorded q when it has not completed yet.
func (d *Device) TimerQueryTime(q *TimerQuery) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.resolved {
		return q.elapsed, nil
	}
	if !q.recorded || q.id == 0 {
		return 0, errors.Wrap(ErrInvalidDescriptor, "rhi: timer query was not submitted")
	}
	queue, err := d.queue(q.queue)
	if err != nil {
		return 0, err
	}
	done, err := queue.WaitCommandList(q.id, d.opts.waitTimeout)
	if err != nil {
		return 0, err
	}
	if !done {
		return 0, errors.Wrapf(ErrWaitTimeout, "rhi: timer query on %s queue", q.queue)
	}
	if err := d.resolveTimerLocked(q); err != nil {
		return 0, err
	}
	if !q.resolved {
		return 0, errors.Wrap(ErrWaitTimeout, "rhi: timer query result not available")
	}
	return q.elapsed, nil
}

// ResetTimerQuery clears a resolved or recorded timer query for reuse.
func (d *Device) ResetTimerQuery(q *TimerQuery) {
	q.mu.Lock()
	q.recorded = false
	q.resolved = false
	q.id = 0
	q.elapsed = 0
	q.mu.Unlock()
}

func (d *Device) resolveTimerLocked(q *TimerQuery) error {
	begin, ok1, err := d.native.QueryResult(q.begin)
	if err != nil {
		return d.noteNativeError(err)
	}
	end, ok2, err := d.native.QueryResult(q.end)
	if err != nil {
		return d.noteNativeError(err)
	}
	if !ok1 || !ok2 {
		return nil
	}
	ticks := float64(end - begin)
	if end < begin {
		ticks = 0
	}
	q.elapsed = time.Duration(ticks * d.caps.TimestampPeriod)
	q.resolved = true
	return nil
}

func (q *TimerQuery) bindSubmission(kind QueueKind, id uint64) {
	q.mu.Lock()
	q.queue = kind
	q.id = id
	q.mu.Unlock()
}
