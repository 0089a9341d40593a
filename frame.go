package rhi

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/gogpu/rhi/gpucore"
)

// frameMark is the last submission of every queue at the end of a frame.
type frameMark [gpucore.QueueKindCount]uint64

// framePacer bounds how many frames the CPU may record ahead of the GPU.
// Each frame holds one slot from BeginFrame until its last submission
// completes.
type framePacer struct {
	slots *semaphore.Weighted

	mu      sync.Mutex
	frames  []frameMark
	inFrame bool
}

func newFramePacer(n int) *framePacer {
	return &framePacer{slots: semaphore.NewWeighted(int64(n))}
}

func (p *framePacer) oldest() (frameMark, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return frameMark{}, false
	}
	return p.frames[0], true
}

func (p *framePacer) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.frames)
	if p.inFrame {
		n++
	}
	return n
}

// retire frees the slots of frames whose submissions have all completed.
func (p *framePacer) retire(d *Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, mark := range p.frames {
		if !d.markComplete(mark) {
			break
		}
		n++
	}
	if n == 0 {
		return
	}
	p.frames = append(p.frames[:0], p.frames[n:]...)
	p.slots.Release(int64(n))
}

func (d *Device) markComplete(mark frameMark) bool {
	for k, id := range mark {
		if id == 0 {
			continue
		}
		q := d.queues[k]
		if q != nil && !q.PollCommandList(id) {
			return false
		}
	}
	return true
}

// BeginFrame blocks until fewer than the configured number of frames are
// in flight. Each BeginFrame must be paired with EndFrame.
func (d *Device) BeginFrame(ctx context.Context) error {
	if err := d.checkUsable(); err != nil {
		return err
	}
	p := d.pacer
	p.mu.Lock()
	if p.inFrame {
		p.mu.Unlock()
		return invalidf("BeginFrame called twice without EndFrame")
	}
	p.mu.Unlock()

	for !p.slots.TryAcquire(1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		mark, ok := p.oldest()
		if !ok {
			return invalidf("no frame slot available and no frame in flight")
		}
		if err := d.waitMark(mark); err != nil {
			return err
		}
		d.RunGarbageCollection()
	}

	p.mu.Lock()
	p.inFrame = true
	p.mu.Unlock()
	return nil
}

func (d *Device) waitMark(mark frameMark) error {
	for k, id := range mark {
		q := d.queues[k]
		if id == 0 || q == nil {
			continue
		}
		ok, err := q.WaitCommandList(id, d.opts.waitTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrWaitTimeout, "rhi: frame pacing on %s queue, submission %d", q.kind, id)
		}
	}
	return nil
}

// EndFrame records the current submissions of every queue as the end of
// the frame started by BeginFrame.
func (d *Device) EndFrame() error {
	p := d.pacer
	var mark frameMark
	for k, q := range d.queues {
		if q != nil {
			mark[k] = q.LastSubmittedID()
		}
	}

	p.mu.Lock()
	if !p.inFrame {
		p.mu.Unlock()
		return invalidf("EndFrame without BeginFrame")
	}
	p.inFrame = false
	p.frames = append(p.frames, mark)
	p.mu.Unlock()

	d.RunGarbageCollection()
	return nil
}
