package rhi

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
	"github.com/gogpu/rhi/internal/cache"
	"github.com/gogpu/rhi/internal/parallel"
)

// Device wraps a native device with reference-counted resources, per-queue
// submission tracking and deferred destruction. All methods are safe for
// concurrent use; command lists are not.
type Device struct {
	native gpucore.Device
	caps   gpucore.Capabilities
	opts   deviceOptions
	arena  Arena

	pool      WorkerPool
	ownedPool *parallel.WorkerPool
	sizeCache *cache.Cache[string, gpucore.BuildSizes]

	queues    [gpucore.QueueKindCount]*Queue
	compactor compactor
	pacer     *framePacer

	lost    atomic.Bool
	closed  atomic.Bool
	closeMu sync.Mutex
}

// NewDevice wraps native. Close destroys native.
func NewDevice(native gpucore.Device, opts ...Option) (*Device, error) {
	if native == nil {
		return nil, errors.Wrap(ErrInvalidDescriptor, "rhi: nil native device")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{
		native:    native,
		caps:      native.Capabilities(),
		opts:      o,
		arena:     o.arena,
		pool:      o.pool,
		sizeCache: cache.New[string, gpucore.BuildSizes](o.buildSizeCache),
	}
	if d.arena == nil {
		d.arena = NewHeapArena()
	}
	if !d.caps.Queues[QueueGraphics] {
		return nil, errors.Wrapf(ErrQueueUnavailable, "rhi: %s has no graphics queue", d.caps.Name)
	}

	for k := range gpucore.QueueKindCount {
		if !d.caps.Queues[k] {
			continue
		}
		q, err := newQueue(d, k)
		if err != nil {
			d.destroyQueues()
			return nil, errors.Wrapf(d.noteNativeError(err), "rhi: create device %q", d.caps.Name)
		}
		d.queues[k] = q
	}

	if d.pool == nil {
		d.ownedPool = parallel.NewWorkerPool(0)
		d.pool = d.ownedPool
	}
	d.pacer = newFramePacer(o.framesInFlight)

	if o.logger != nil {
		propagateLogger(native, o.logger)
	} else {
		trackLiveDevice(d)
		propagateLogger(native, Logger())
	}
	d.logger().Info("rhi: device created",
		"name", d.caps.Name,
		"rayTracing", d.caps.RayTracing,
		"framesInFlight", o.framesInFlight,
	)
	return d, nil
}

func (d *Device) logger() *slog.Logger {
	if d.opts.logger != nil {
		return d.opts.logger
	}
	return Logger()
}

// Capabilities returns the native device capabilities.
func (d *Device) Capabilities() gpucore.Capabilities { return d.caps }

// Native returns the wrapped native device.
func (d *Device) Native() gpucore.Device { return d.native }

// Arena returns the arena that owns the device's resource objects.
func (d *Device) Arena() Arena { return d.arena }

// Queue returns the queue of the given kind, or nil if the device lacks it.
func (d *Device) Queue(kind QueueKind) *Queue {
	if kind >= gpucore.QueueKindCount {
		return nil
	}
	return d.queues[kind]
}

func (d *Device) queue(kind QueueKind) (*Queue, error) {
	if q := d.Queue(kind); q != nil {
		return q, nil
	}
	return nil, errors.Wrapf(ErrQueueUnavailable, "rhi: %s queue", kind)
}

// IsLost reports whether the native device was lost.
func (d *Device) IsLost() bool { return d.lost.Load() }

func (d *Device) lostError() error {
	if d.lost.Load() {
		return ErrDeviceLost
	}
	return nil
}

func (d *Device) checkUsable() error {
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	return d.lostError()
}

func (d *Device) markLost(cause error) {
	if d.lost.CompareAndSwap(false, true) {
		d.logger().Error("rhi: device lost", "name", d.caps.Name, "err", cause)
	}
}

// noteNativeError records device loss and returns err unchanged.
func (d *Device) noteNativeError(err error) error {
	if err != nil && errors.Is(err, gpucore.ErrDeviceLost) {
		d.markLost(err)
	}
	return err
}

func (d *Device) wrapAllocation(err error, format string, args ...any) error {
	err = errors.Wrapf(d.noteNativeError(err), "rhi: allocate %s", fmt.Sprintf(format, args...))
	return errors.Mark(err, ErrAllocationFailed)
}

func invalidf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidDescriptor, "rhi: %s", fmt.Sprintf(format, args...))
}

// versionRetired reports whether a chunk tagged v may be reused. With poll
// set the owning queue's counter is refreshed first.
func (d *Device) versionRetired(v uint64, poll bool) bool {
	if v == 0 {
		return true
	}
	if !versionIsSubmitted(v) {
		return false
	}
	q := d.Queue(versionQueue(v))
	if q == nil {
		return true
	}
	id := versionID(v)
	if poll {
		return q.PollCommandList(id)
	}
	return id <= q.LastFinishedID()
}

// ExecuteCommandLists submits the closed recordings of lists as one batch
// on queue kind and returns its submission ID. An empty call still
// advances the queue counter and flushes pending semaphores. If the
// submission fails the recordings are dropped and the lists can be opened
// again.
func (d *Device) ExecuteCommandLists(kind QueueKind, lists ...*CommandList) (uint64, error) {
	if err := d.checkUsable(); err != nil {
		return 0, err
	}
	q, err := d.queue(kind)
	if err != nil {
		return 0, err
	}

	buffers := make([]*trackedCommandBuffer, 0, len(lists))
	for i, cl := range lists {
		switch {
		case cl.device != d:
			return 0, invalidf("command list %d belongs to another device", i)
		case cl.params.Queue != kind:
			return 0, invalidf("command list %d records for the %s queue, not %s", i, cl.params.Queue, kind)
		case cl.state == listOpen:
			return 0, errors.Wrapf(ErrCommandListOpen, "rhi: command list %d", i)
		case cl.state != listClosed:
			return 0, errors.Wrapf(ErrCommandListNotClosed, "rhi: command list %d", i)
		}
		for _, prev := range lists[:i] {
			if prev == cl {
				return 0, invalidf("command list %d appears twice", i)
			}
		}
		buffers = append(buffers, cl.current)
	}

	id, err := q.submit(buffers)
	if err != nil {
		for _, cl := range lists {
			cl.submitFailed()
		}
		return 0, err
	}
	for _, cl := range lists {
		cl.submitted(id)
	}
	return id, nil
}

// QueueWaitForCommandList makes the next submission on waitQueue wait for
// submission id of executionQueue.
func (d *Device) QueueWaitForCommandList(waitQueue, executionQueue QueueKind, id uint64) error {
	w, err := d.queue(waitQueue)
	if err != nil {
		return err
	}
	e, err := d.queue(executionQueue)
	if err != nil {
		return err
	}
	if id == 0 {
		return nil
	}
	w.AddWaitSemaphore(e.timeline, id)
	return nil
}

// WaitForIdle blocks until every submission made so far has completed,
// then collects garbage.
func (d *Device) WaitForIdle() error {
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	if err := d.lostError(); err != nil {
		return err
	}
	if err := d.native.WaitIdle(); err != nil {
		return errors.Wrap(d.noteNativeError(err), "rhi: wait for idle")
	}
	for _, q := range d.queues {
		if q == nil {
			continue
		}
		id := q.LastSubmittedID()
		ok, err := q.WaitCommandList(id, d.opts.waitTimeout)
		if err != nil {
			return errors.Wrapf(err, "rhi: wait for %s queue", q.kind)
		}
		if !ok {
			return errors.Wrapf(ErrWaitTimeout, "rhi: %s queue, submission %d", q.kind, id)
		}
	}
	d.RunGarbageCollection()
	return nil
}

// RunGarbageCollection retires completed submissions: their command
// buffers return to the pools and the resources they kept alive are
// released.
func (d *Device) RunGarbageCollection() {
	retired := 0
	for _, q := range d.queues {
		if q != nil {
			retired += q.retire()
		}
	}
	d.pacer.retire(d)
	if retired > 0 {
		d.logger().Debug("rhi: garbage collected", "commandBuffers", retired)
	}
}

// DeviceStats is a snapshot of device bookkeeping.
type DeviceStats struct {
	Queues             [gpucore.QueueKindCount]QueueStats
	PendingCompactions int
	FramesInFlight     int
	BuildSizeHits      uint64
	BuildSizeMisses    uint64
}

// Stats returns current counters.
func (d *Device) Stats() DeviceStats {
	var s DeviceStats
	for k, q := range d.queues {
		if q != nil {
			s.Queues[k] = q.Stats()
		}
	}
	s.PendingCompactions = d.compactor.len()
	s.FramesInFlight = d.pacer.inFlight()
	cs := d.sizeCache.Stats()
	s.BuildSizeHits = cs.Hits
	s.BuildSizeMisses = cs.Misses
	return s
}

// Close waits for the GPU, releases internal objects and destroys the
// native device. Resources still referenced by the caller must be released
// before Close. Close is idempotent.
func (d *Device) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed.Load() {
		return nil
	}

	var err error
	if !d.lost.Load() {
		err = d.WaitForIdle()
	}
	d.closed.Store(true)
	d.RunGarbageCollection()
	d.compactor.drain()
	d.destroyQueues()
	if d.ownedPool != nil {
		d.ownedPool.Close()
	}
	untrackLiveDevice(d)
	d.native.Destroy()
	d.logger().Info("rhi: device closed", "name", d.caps.Name)
	return err
}

func (d *Device) destroyQueues() {
	for k, q := range d.queues {
		if q != nil {
			q.destroy()
			d.queues[k] = nil
		}
	}
}
