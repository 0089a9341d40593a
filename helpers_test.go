package rhi

import (
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend/software"
	"github.com/gogpu/rhi/gpucore"
)

// newTestDevice wraps a manual-completion software device. The cleanup
// closes the device and fails the test if the backend saw a fault, such as
// a destroyed object used by pending work.
func newTestDevice(t *testing.T, so software.Options, opts ...Option) (*Device, *software.Device) {
	t.Helper()
	sw := software.New(so)
	dev, err := NewDevice(sw, opts...)
	if err != nil {
		t.Fatalf("NewDevice() = %v", err)
	}
	t.Cleanup(func() {
		sw.CompleteAll()
		if err := dev.Close(); err != nil && !dev.IsLost() {
			t.Errorf("Close() = %v", err)
		}
		if f := sw.Stats().Faults; f != 0 {
			t.Errorf("software device recorded %d faults", f)
		}
	})
	return dev, sw
}

func newTestList(t *testing.T, dev *Device, queue QueueKind) *CommandList {
	t.Helper()
	cl, err := dev.CreateCommandList(CommandListParams{Queue: queue})
	if err != nil {
		t.Fatalf("CreateCommandList(%s) = %v", queue, err)
	}
	t.Cleanup(cl.Destroy)
	return cl
}

func newTestBuffer(t *testing.T, dev *Device, desc BufferDesc) *Buffer {
	t.Helper()
	if desc.Usage == 0 {
		desc.Usage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	}
	b, err := dev.CreateBuffer(desc)
	if err != nil {
		t.Fatalf("CreateBuffer(%q) = %v", desc.Label, err)
	}
	return b
}

func mustOpen(t *testing.T, cl *CommandList) {
	t.Helper()
	if err := cl.Open(); err != nil {
		t.Fatalf("Open() = %v", err)
	}
}

func mustClose(t *testing.T, cl *CommandList) {
	t.Helper()
	if err := cl.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
}

func mustExecute(t *testing.T, dev *Device, queue QueueKind, lists ...*CommandList) uint64 {
	t.Helper()
	id, err := dev.ExecuteCommandLists(queue, lists...)
	if err != nil {
		t.Fatalf("ExecuteCommandLists(%s) = %v", queue, err)
	}
	return id
}

// submitEmpty opens, closes and executes cl without recording anything.
func submitEmpty(t *testing.T, dev *Device, cl *CommandList) uint64 {
	t.Helper()
	mustOpen(t, cl)
	mustClose(t, cl)
	return mustExecute(t, dev, cl.params.Queue, cl)
}

// recorded returns the commands of the list's current recording.
func recorded(t *testing.T, cl *CommandList) []software.Command {
	t.Helper()
	if cl.current == nil {
		t.Fatal("command list holds no recording")
	}
	cb, ok := cl.current.native.(*software.CommandBuffer)
	if !ok {
		t.Fatalf("native command buffer is %T", cl.current.native)
	}
	return cb.Commands()
}

func barriersOf(cmds []software.Command) ([]gpucore.BufferBarrier, []gpucore.TextureBarrier) {
	var bufs []gpucore.BufferBarrier
	var texs []gpucore.TextureBarrier
	for _, c := range cmds {
		if c.Op == software.OpBarrier {
			bufs = append(bufs, c.BufferBarriers...)
			texs = append(texs, c.TextureBarriers...)
		}
	}
	return bufs, texs
}

func countOps(cmds []software.Command, op software.Op) int {
	n := 0
	for _, c := range cmds {
		if c.Op == op {
			n++
		}
	}
	return n
}

func heapStats(t *testing.T, dev *Device) ArenaStats {
	t.Helper()
	a, ok := dev.Arena().(*HeapArena)
	if !ok {
		t.Fatalf("arena is %T, want *HeapArena", dev.Arena())
	}
	return a.Stats()
}
