package software

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
)

type batch struct {
	cbs     []*CommandBuffer
	waits   []gpucore.TimelinePoint
	signals []gpucore.TimelinePoint
}

func (d *Device) broadcastLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// Submit implements gpucore.Device.
func (d *Device) Submit(queue gpucore.QueueKind, b *gpucore.SubmitBatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return gpucore.ErrDeviceLost
	}
	if len(d.failSubmits) > 0 {
		err := d.failSubmits[0]
		d.failSubmits = d.failSubmits[1:]
		return err
	}
	if queue >= gpucore.QueueKindCount || !d.Capabilities().Queues[queue] {
		return errors.Newf("software: no %s queue", queue)
	}

	cbs := make([]*CommandBuffer, len(b.CommandBuffers))
	for i, c := range b.CommandBuffers {
		cb, ok := c.(*CommandBuffer)
		if !ok || cb.dev != d {
			return errors.Newf("software: foreign command buffer %T", c)
		}
		if cb.state != cbExecutable {
			return errors.Newf("software: command buffer %d is not executable", cb.handle)
		}
		if cb.queue != queue {
			return errors.Newf("software: command buffer %d belongs to the %s queue", cb.handle, cb.queue)
		}
		cbs[i] = cb
	}
	for _, cb := range cbs {
		cb.state = cbPending
	}
	d.pending[queue] = append(d.pending[queue], &batch{
		cbs:     cbs,
		waits:   append([]gpucore.TimelinePoint(nil), b.Waits...),
		signals: append([]gpucore.TimelinePoint(nil), b.Signals...),
	})
	d.stats.Submits++

	if d.opts.AutoComplete {
		d.completeAllLocked()
	}
	return nil
}

// Pending returns the number of batches waiting on queue.
func (d *Device) Pending(queue gpucore.QueueKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[queue])
}

// Step completes at most one runnable batch per queue and returns how many
// completed.
func (d *Device) Step() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for q := range gpucore.QueueKindCount {
		if d.completeLocked(q) {
			n++
		}
	}
	return n
}

// CompleteQueue completes runnable batches of one queue in order and
// returns how many completed.
func (d *Device) CompleteQueue(queue gpucore.QueueKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for d.completeLocked(queue) {
		n++
	}
	return n
}

// CompleteAll runs batches until none is runnable and returns how many
// completed.
func (d *Device) CompleteAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completeAllLocked()
}

func (d *Device) completeAllLocked() int {
	total := 0
	for {
		n := 0
		for q := range gpucore.QueueKindCount {
			for d.completeLocked(q) {
				n++
			}
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

// completeLocked runs the oldest batch of queue if its waits are met.
func (d *Device) completeLocked(queue gpucore.QueueKind) bool {
	if d.lost || len(d.pending[queue]) == 0 {
		return false
	}
	b := d.pending[queue][0]
	for _, w := range b.waits {
		if d.timelines[w.Timeline] < w.Value {
			return false
		}
	}
	d.pending[queue][0] = nil
	d.pending[queue] = d.pending[queue][1:]

	for _, cb := range b.cbs {
		for i := range cb.cmds {
			d.executeLocked(&cb.cmds[i])
		}
		cb.state = cbExecutable
	}
	for _, s := range b.signals {
		if _, ok := d.timelines[s.Timeline]; !ok {
			d.faultLocked("signal of unknown timeline", "timeline", s.Timeline)
			continue
		}
		if s.Value > d.timelines[s.Timeline] {
			d.timelines[s.Timeline] = s.Value
		}
	}
	d.stats.BatchesCompleted++
	d.broadcastLocked()
	return true
}

func (d *Device) executeLocked(c *Command) {
	switch c.Op {
	case OpBarrier:
		d.stats.Barriers += len(c.BufferBarriers) + len(c.TextureBarriers)
		for _, b := range c.BufferBarriers {
			if _, ok := d.buffers[b.Buffer]; !ok {
				d.faultLocked("barrier on destroyed buffer", "handle", b.Buffer)
			}
		}
		for _, t := range c.TextureBarriers {
			if _, ok := d.textures[t.Texture]; !ok {
				d.faultLocked("barrier on destroyed texture", "handle", t.Texture)
			}
		}

	case OpCopyBuffer:
		dst, ok1 := d.buffers[c.Dst]
		src, ok2 := d.buffers[c.Src]
		if !ok1 || !ok2 {
			d.faultLocked("copy with destroyed buffer", "dst", c.Dst, "src", c.Src)
			return
		}
		if c.DstOffset+c.Size > uint64(len(dst.data)) || c.SrcOffset+c.Size > uint64(len(src.data)) {
			d.faultLocked("copy out of range", "dst", c.Dst, "src", c.Src, "size", c.Size)
			return
		}
		copy(dst.data[c.DstOffset:c.DstOffset+c.Size], src.data[c.SrcOffset:c.SrcOffset+c.Size])
		d.stats.Copies++

	case OpBindPipeline:
		if _, ok := d.pipelines[c.Src]; !ok {
			d.faultLocked("bind of destroyed pipeline", "handle", c.Src)
		}

	case OpBuildAccelStruct:
		d.buildLocked(c)

	case OpCopyAccelStruct:
		dst, ok1 := d.accels[c.Dst]
		src, ok2 := d.accels[c.Src]
		if !ok1 || !ok2 {
			d.faultLocked("acceleration structure copy with destroyed object", "dst", c.Dst, "src", c.Src)
			return
		}
		if !src.built {
			d.faultLocked("copy of unbuilt acceleration structure", "src", c.Src)
		}
		need := src.desc.Size
		if c.CopyMode == gpucore.CopyCompact {
			need = CompactedSize(src.desc.Kind, src.primitives)
			d.stats.Compactions++
		}
		if dst.desc.Size < need {
			d.faultLocked("acceleration structure copy into undersized storage", "dst", c.Dst, "need", need)
		}
		dst.built = src.built
		dst.primitives = src.primitives

	case OpWriteCompactedSize:
		a, ok1 := d.accels[c.Src]
		q, ok2 := d.queries[c.Query]
		if !ok1 || !ok2 {
			d.faultLocked("compacted size query with destroyed object", "as", c.Src, "query", c.Query)
			return
		}
		q.value = CompactedSize(a.desc.Kind, a.primitives)
		q.ready = true

	case OpWriteTimestamp:
		q, ok := d.queries[c.Query]
		if !ok {
			d.faultLocked("timestamp into destroyed query", "query", c.Query)
			return
		}
		d.ticks += d.opts.TickPerTimestamp
		q.value = d.ticks
		q.ready = true
	}
}

func (d *Device) buildLocked(c *Command) {
	info := &c.Build
	dst, ok := d.accels[info.Dst]
	if !ok {
		d.faultLocked("build into destroyed acceleration structure", "handle", info.Dst)
		return
	}
	if need := resultSize(&info.Inputs); dst.desc.Size < need {
		d.faultLocked("build into undersized storage", "handle", info.Dst, "size", dst.desc.Size, "need", need)
	}
	if info.ScratchAddress == 0 || info.ScratchAddress%d.opts.ScratchAlignment != 0 {
		d.faultLocked("misaligned build scratch", "address", info.ScratchAddress)
	}
	if info.Inputs.Flags&gpucore.BuildPerformUpdate != 0 && !dst.built {
		d.faultLocked("update of unbuilt acceleration structure", "handle", info.Dst)
	}
	if info.Inputs.Kind == gpucore.TopLevel && info.Inputs.InstanceCount > 0 && info.Inputs.InstanceAddress == 0 {
		d.faultLocked("top-level build without instance data", "handle", info.Dst)
	}
	dst.built = true
	dst.primitives = primitiveCount(&info.Inputs)
	d.stats.Builds++
}

// TimelineValue implements gpucore.Device.
func (d *Device) TimelineValue(h gpucore.Handle) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return 0, gpucore.ErrDeviceLost
	}
	v, ok := d.timelines[h]
	if !ok {
		return 0, errors.Wrapf(gpucore.ErrInvalidHandle, "software: timeline %d", h)
	}
	return v, nil
}

// WaitTimeline implements gpucore.Device. It does not run batches; another
// goroutine must call Step or CompleteAll unless AutoComplete is set.
func (d *Device) WaitTimeline(h gpucore.Handle, value uint64, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if d.lost {
			d.mu.Unlock()
			return false, gpucore.ErrDeviceLost
		}
		v, ok := d.timelines[h]
		if !ok {
			d.mu.Unlock()
			return false, errors.Wrapf(gpucore.ErrInvalidHandle, "software: timeline %d", h)
		}
		if v >= value {
			d.mu.Unlock()
			return true, nil
		}
		ch := d.changed
		d.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false, nil
		}
	}
}

// WaitIdle implements gpucore.Device by running every runnable batch.
// Batches whose waits can never be met are reported as an error.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return gpucore.ErrDeviceLost
	}
	d.completeAllLocked()
	for q := range gpucore.QueueKindCount {
		if n := len(d.pending[q]); n > 0 {
			return errors.Newf("software: %d batches on the %s queue wait on timelines that are never signaled", n, q)
		}
	}
	return nil
}
