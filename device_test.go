package rhi

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/backend/software"
	"github.com/gogpu/rhi/gpucore"
)

func TestNewDeviceValidation(t *testing.T) {
	if _, err := NewDevice(nil); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("NewDevice(nil) = %v, want ErrInvalidDescriptor", err)
	}
}

func TestDeviceQueues(t *testing.T) {
	tests := []struct {
		name string
		opts software.Options
		want [gpucore.QueueKindCount]bool
	}{
		{"all queues", software.Options{}, [gpucore.QueueKindCount]bool{true, true, true}},
		{"graphics only", software.Options{GraphicsOnly: true}, [gpucore.QueueKindCount]bool{true, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, _ := newTestDevice(t, tt.opts)
			for k := range gpucore.QueueKindCount {
				if got := dev.Queue(k) != nil; got != tt.want[k] {
					t.Errorf("Queue(%s) present = %v, want %v", k, got, tt.want[k])
				}
			}
			if !tt.want[QueueCompute] {
				if _, err := dev.CreateCommandList(CommandListParams{Queue: QueueCompute}); !errors.Is(err, ErrQueueUnavailable) {
					t.Errorf("CreateCommandList(compute) = %v, want ErrQueueUnavailable", err)
				}
				if _, err := dev.ExecuteCommandLists(QueueCompute); !errors.Is(err, ErrQueueUnavailable) {
					t.Errorf("ExecuteCommandLists(compute) = %v, want ErrQueueUnavailable", err)
				}
			}
		})
	}
}

func TestExecuteCommandListsValidation(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{})
	gfx := newTestList(t, dev, QueueGraphics)
	compute := newTestList(t, dev, QueueCompute)

	if _, err := dev.ExecuteCommandLists(QueueGraphics, gfx); !errors.Is(err, ErrCommandListNotClosed) {
		t.Errorf("never opened: %v, want ErrCommandListNotClosed", err)
	}

	mustOpen(t, gfx)
	if _, err := dev.ExecuteCommandLists(QueueGraphics, gfx); !errors.Is(err, ErrCommandListOpen) {
		t.Errorf("open list: %v, want ErrCommandListOpen", err)
	}
	if err := gfx.Open(); !errors.Is(err, ErrCommandListOpen) {
		t.Errorf("Open() twice = %v, want ErrCommandListOpen", err)
	}
	mustClose(t, gfx)
	if err := gfx.Close(); !errors.Is(err, ErrCommandListNotOpen) {
		t.Errorf("Close() twice = %v, want ErrCommandListNotOpen", err)
	}
	if err := gfx.Dispatch(1, 1, 1); !errors.Is(err, ErrCommandListNotOpen) {
		t.Errorf("Dispatch() on closed list = %v, want ErrCommandListNotOpen", err)
	}

	if _, err := dev.ExecuteCommandLists(QueueGraphics, gfx, gfx); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("duplicate list: %v, want ErrInvalidDescriptor", err)
	}

	mustOpen(t, compute)
	mustClose(t, compute)
	if _, err := dev.ExecuteCommandLists(QueueGraphics, compute); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("wrong queue: %v, want ErrInvalidDescriptor", err)
	}

	if q := dev.Queue(QueueGraphics); q.LastSubmittedID() != 0 {
		t.Errorf("rejected calls advanced the counter to %d", q.LastSubmittedID())
	}
	mustExecute(t, dev, QueueGraphics, gfx)
	mustExecute(t, dev, QueueCompute, compute)
}

func TestExecuteSeveralListsInOneBatch(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	a := newTestList(t, dev, QueueGraphics)
	b := newTestList(t, dev, QueueGraphics)
	mustOpen(t, a)
	mustClose(t, a)
	mustOpen(t, b)
	mustClose(t, b)

	id := mustExecute(t, dev, QueueGraphics, a, b)
	if id != 1 || sw.Pending(QueueGraphics) != 1 {
		t.Errorf("id = %d, pending = %d; want one batch with id 1", id, sw.Pending(QueueGraphics))
	}
	if st := dev.Queue(QueueGraphics).Stats(); st.InFlight != 2 {
		t.Errorf("InFlight = %d, want 2", st.InFlight)
	}
}

func TestDeviceLost(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	cl := newTestList(t, dev, QueueGraphics)
	mustOpen(t, cl)
	mustClose(t, cl)

	sw.LoseDevice()
	_, err := dev.ExecuteCommandLists(QueueGraphics, cl)
	if !errors.Is(err, ErrSubmitFailed) || !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("ExecuteCommandLists() = %v, want ErrSubmitFailed and ErrDeviceLost", err)
	}
	if !dev.IsLost() {
		t.Fatal("IsLost() = false after a lost submit")
	}

	if _, err := dev.CreateBuffer(BufferDesc{Size: 16}); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("CreateBuffer() = %v, want ErrDeviceLost", err)
	}
	if err := cl.Open(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("Open() = %v, want ErrDeviceLost", err)
	}
	if err := dev.WaitForIdle(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("WaitForIdle() = %v, want ErrDeviceLost", err)
	}
	if _, err := dev.Queue(QueueGraphics).UpdateLastFinishedID(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("UpdateLastFinishedID() = %v, want ErrDeviceLost", err)
	}
}

func TestDeviceLostDuringWait(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	id := mustExecute(t, dev, QueueGraphics)

	timer := time.AfterFunc(5*time.Millisecond, sw.LoseDevice)
	defer timer.Stop()
	_, err := dev.Queue(QueueGraphics).WaitCommandList(id, 5*time.Second)
	if !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("WaitCommandList() = %v, want ErrDeviceLost", err)
	}
	if !dev.IsLost() {
		t.Error("IsLost() = false")
	}
}

func TestDeviceClose(t *testing.T) {
	sw := software.New(software.Options{})
	dev, err := NewDevice(sw)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := dev.CreateBuffer(BufferDesc{Label: "b", Size: 64})
	if err != nil {
		t.Fatal(err)
	}
	cl, err := dev.CreateCommandList(CommandListParams{})
	if err != nil {
		t.Fatal(err)
	}
	mustOpen(t, cl)
	if err := cl.SetBufferState(buf, StateCopyDest); err != nil {
		t.Fatal(err)
	}
	mustClose(t, cl)
	mustExecute(t, dev, QueueGraphics, cl)
	buf.Release()
	cl.Destroy()

	if err := dev.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if n := sw.DestroyCount(buf.NativeHandle()); n != 1 {
		t.Errorf("buffer DestroyCount() = %d, want 1", n)
	}
	if st := sw.Stats(); st.LiveCommandBuffers != 0 || st.LiveBuffers != 0 || st.Faults != 0 {
		t.Errorf("after Close: %+v", st)
	}
	if _, err := dev.CreateBuffer(BufferDesc{Size: 16}); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("CreateBuffer() after Close = %v, want ErrDeviceClosed", err)
	}
	if err := dev.WaitForIdle(); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("WaitForIdle() after Close = %v, want ErrDeviceClosed", err)
	}
}

func TestWaitForIdleRetiresEverything(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{})
	cl := newTestList(t, dev, QueueCopy)
	for range 3 {
		submitEmpty(t, dev, cl)
	}
	if err := dev.WaitForIdle(); err != nil {
		t.Fatal(err)
	}
	st := dev.Stats().Queues[QueueCopy]
	if st.LastFinishedID != 3 || st.InFlight != 0 || st.Pooled != 3 {
		t.Errorf("copy queue after WaitForIdle: %+v", st)
	}
}

func TestFramePacing(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{},
		WithMaxFramesInFlight(2),
		WithWaitTimeout(20*time.Millisecond),
	)
	cl := newTestList(t, dev, QueueGraphics)
	ctx := context.Background()

	frame := func() error {
		if err := dev.BeginFrame(ctx); err != nil {
			return err
		}
		submitEmpty(t, dev, cl)
		return dev.EndFrame()
	}
	for i := range 2 {
		if err := frame(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if got := dev.Stats().FramesInFlight; got != 2 {
		t.Fatalf("FramesInFlight = %d, want 2", got)
	}

	if err := dev.BeginFrame(ctx); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("third BeginFrame() = %v, want ErrWaitTimeout", err)
	}

	sw.Step()
	if err := frame(); err != nil {
		t.Fatalf("frame after completion: %v", err)
	}
	if got := dev.Stats().FramesInFlight; got != 2 {
		t.Errorf("FramesInFlight = %d, want 2", got)
	}
}

func TestFramePacingHonorsContext(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{}, WithMaxFramesInFlight(1))
	ctx, cancel := context.WithCancel(context.Background())

	if err := dev.BeginFrame(ctx); err != nil {
		t.Fatal(err)
	}
	if err := dev.BeginFrame(ctx); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("nested BeginFrame() = %v, want ErrInvalidDescriptor", err)
	}
	mustExecute(t, dev, QueueGraphics)
	if err := dev.EndFrame(); err != nil {
		t.Fatal(err)
	}
	if err := dev.EndFrame(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("unpaired EndFrame() = %v, want ErrInvalidDescriptor", err)
	}

	cancel()
	if err := dev.BeginFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("BeginFrame(canceled) = %v, want context.Canceled", err)
	}
}

func TestEventQuery(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{}, WithWaitTimeout(20*time.Millisecond))
	q, err := dev.CreateEventQuery()
	if err != nil {
		t.Fatal(err)
	}
	defer q.Release()

	if dev.PollEventQuery(q) {
		t.Error("unset query reported complete")
	}

	mustExecute(t, dev, QueueCompute)
	if err := dev.SetEventQuery(q, QueueCompute); err != nil {
		t.Fatal(err)
	}
	if dev.PollEventQuery(q) {
		t.Error("query complete before the submission ran")
	}
	if err := dev.WaitEventQuery(q); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("WaitEventQuery() = %v, want ErrWaitTimeout", err)
	}

	sw.CompleteAll()
	if !dev.PollEventQuery(q) {
		t.Error("query incomplete after the submission ran")
	}
	if err := dev.WaitEventQuery(q); err != nil {
		t.Errorf("WaitEventQuery() = %v", err)
	}

	dev.ResetEventQuery(q)
	if dev.PollEventQuery(q) {
		t.Error("reset query reported complete")
	}
}

func TestTimerQuery(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{TimestampPeriod: 2, TickPerTimestamp: 500})
	cl := newTestList(t, dev, QueueCompute)
	q, err := dev.CreateTimerQuery()
	if err != nil {
		t.Fatal(err)
	}
	defer q.Release()

	if _, err := dev.TimerQueryTime(q); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("TimerQueryTime(unrecorded) = %v, want ErrInvalidDescriptor", err)
	}

	mustOpen(t, cl)
	if err := cl.BeginTimerQuery(q); err != nil {
		t.Fatal(err)
	}
	if err := cl.Dispatch(8, 8, 1); err != nil {
		t.Fatal(err)
	}
	if err := cl.EndTimerQuery(q); err != nil {
		t.Fatal(err)
	}
	mustClose(t, cl)
	if n := countOps(recorded(t, cl), software.OpWriteTimestamp); n != 2 {
		t.Fatalf("%d timestamps, want 2", n)
	}
	mustExecute(t, dev, QueueCompute, cl)

	if dev.PollTimerQuery(q) {
		t.Error("timer resolved before the submission ran")
	}
	sw.CompleteAll()
	if !dev.PollTimerQuery(q) {
		t.Fatal("timer unresolved after the submission ran")
	}
	got, err := dev.TimerQueryTime(q)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Microsecond; got != want {
		t.Errorf("TimerQueryTime() = %v, want %v", got, want)
	}

	dev.ResetTimerQuery(q)
	if dev.PollTimerQuery(q) {
		t.Error("reset timer reported resolved")
	}
}

func TestPipelineLifetime(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	cl := newTestList(t, dev, QueueCompute)
	p, err := dev.CreatePipeline(PipelineDesc{Label: "blur", Kind: gpucore.PipelineCompute})
	if err != nil {
		t.Fatal(err)
	}
	h := p.NativeHandle()

	mustOpen(t, cl)
	if err := cl.BindPipeline(p); err != nil {
		t.Fatal(err)
	}
	if err := cl.Dispatch(4, 1, 1); err != nil {
		t.Fatal(err)
	}
	mustClose(t, cl)
	mustExecute(t, dev, QueueCompute, cl)
	p.Release()

	if !sw.IsAlive(h) {
		t.Fatal("pipeline destroyed while bound by a submission")
	}
	if err := dev.WaitForIdle(); err != nil {
		t.Fatal(err)
	}
	if sw.IsAlive(h) {
		t.Error("pipeline outlived its last reference")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := defaultOptions()
	if o.framesInFlight != DefaultMaxFramesInFlight || o.waitTimeout != DefaultWaitTimeout {
		t.Errorf("defaults = %+v", o)
	}
	if !o.uavBarriers {
		t.Error("UAV barriers disabled by default")
	}

	tests := []struct {
		name  string
		opt   Option
		check func(deviceOptions) bool
	}{
		{"frames", WithMaxFramesInFlight(3), func(o deviceOptions) bool { return o.framesInFlight == 3 }},
		{"frames ignores zero", WithMaxFramesInFlight(0), func(o deviceOptions) bool { return o.framesInFlight == DefaultMaxFramesInFlight }},
		{"upload chunk", WithUploadChunkSize(1 << 12), func(o deviceOptions) bool { return o.uploadChunkSize == 1<<12 }},
		{"scratch limit off", WithScratchMemoryLimit(0), func(o deviceOptions) bool { return o.scratchLimit == 0 }},
		{"size cache off", WithBuildSizeCacheSize(0), func(o deviceOptions) bool { return o.buildSizeCache == 0 }},
		{"threshold ignores negative", WithParallelThreshold(-1), func(o deviceOptions) bool { return o.parallelThreshold == DefaultParallelThreshold }},
		{"timeout", WithWaitTimeout(time.Second), func(o deviceOptions) bool { return o.waitTimeout == time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultOptions()
			tt.opt(&o)
			if !tt.check(o) {
				t.Errorf("option not applied: %+v", o)
			}
		})
	}
}
