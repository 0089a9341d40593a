package rhi

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/backend/software"
)

func TestQueueSubmissionIDs(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	cl := newTestList(t, dev, QueueGraphics)
	q := dev.Queue(QueueGraphics)

	for want := uint64(1); want <= 3; want++ {
		if got := submitEmpty(t, dev, cl); got != want {
			t.Fatalf("submission id = %d, want %d", got, want)
		}
	}
	if got := q.LastSubmittedID(); got != 3 {
		t.Errorf("LastSubmittedID() = %d, want 3", got)
	}
	if got := q.LastFinishedID(); got != 0 {
		t.Errorf("LastFinishedID() before completion = %d, want 0", got)
	}

	sw.CompleteAll()
	finished, err := q.UpdateLastFinishedID()
	if err != nil {
		t.Fatalf("UpdateLastFinishedID() = %v", err)
	}
	if finished != 3 {
		t.Errorf("UpdateLastFinishedID() = %d, want 3", finished)
	}
}

func TestQueueEmptySubmitAdvancesCounter(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})

	id := mustExecute(t, dev, QueueGraphics)
	if id != 1 {
		t.Fatalf("empty submit id = %d, want 1", id)
	}
	if n := sw.Pending(QueueGraphics); n != 1 {
		t.Fatalf("pending batches = %d, want 1", n)
	}
	sw.CompleteAll()
	if !dev.Queue(QueueGraphics).PollCommandList(id) {
		t.Error("empty submission never completed")
	}
}

func TestQueueCommandBufferReuse(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	cl := newTestList(t, dev, QueueGraphics)
	q := dev.Queue(QueueGraphics)

	submitEmpty(t, dev, cl)
	if st := q.Stats(); st.InFlight != 1 || st.Pooled != 0 {
		t.Fatalf("after first submit: %+v", st)
	}

	// The first buffer is still in flight, so a second one is created.
	submitEmpty(t, dev, cl)
	if n := sw.Stats().LiveCommandBuffers; n != 2 {
		t.Fatalf("live command buffers = %d, want 2", n)
	}

	if n := sw.CompleteQueue(QueueGraphics); n != 2 {
		t.Fatalf("CompleteQueue() = %d, want 2", n)
	}
	dev.RunGarbageCollection()
	st := q.Stats()
	if st.InFlight != 0 || st.Pooled != 2 || st.LastFinishedID != 2 {
		t.Fatalf("after retire: %+v", st)
	}

	mustOpen(t, cl)
	if n := sw.Stats().LiveCommandBuffers; n != 2 {
		t.Errorf("live command buffers after reuse = %d, want 2", n)
	}
	if st := q.Stats(); st.Pooled != 1 {
		t.Errorf("pooled after reuse = %d, want 1", st.Pooled)
	}
	if got := cl.RecordingID(); got != 3 {
		t.Errorf("RecordingID() = %d, want 3", got)
	}
	mustClose(t, cl)
	mustExecute(t, dev, QueueGraphics, cl)
}

func TestQueuePollAndWait(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	q := dev.Queue(QueueGraphics)

	if !q.PollCommandList(0) {
		t.Error("PollCommandList(0) = false, want true")
	}

	id := mustExecute(t, dev, QueueGraphics)
	if q.PollCommandList(id) {
		t.Fatal("PollCommandList() = true before completion")
	}

	ok, err := q.WaitCommandList(id, 10*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("WaitCommandList() = %v, %v; want false, nil", ok, err)
	}

	if _, err := q.WaitCommandList(id+1, time.Millisecond); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("WaitCommandList(unsubmitted) = %v, want ErrInvalidDescriptor", err)
	}

	timer := time.AfterFunc(5*time.Millisecond, func() { sw.CompleteAll() })
	defer timer.Stop()
	ok, err = q.WaitCommandList(id, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("WaitCommandList() = %v, %v; want true, nil", ok, err)
	}
	if got := q.LastFinishedID(); got != id {
		t.Errorf("LastFinishedID() = %d, want %d", got, id)
	}
}

func TestQueueLastFinishedIDIsMonotonic(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	q := dev.Queue(QueueGraphics)

	mustExecute(t, dev, QueueGraphics)
	sw.CompleteAll()

	q.lastFinishedID.Store(5)
	got, err := q.UpdateLastFinishedID()
	if err != nil {
		t.Fatalf("UpdateLastFinishedID() = %v", err)
	}
	if got != 5 {
		t.Errorf("UpdateLastFinishedID() = %d, want 5", got)
	}
}

func TestQueueSignalSemaphore(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	tl, err := sw.CreateTimeline()
	if err != nil {
		t.Fatal(err)
	}

	dev.Queue(QueueGraphics).AddSignalSemaphore(tl, 7)
	mustExecute(t, dev, QueueGraphics)
	sw.CompleteAll()

	v, err := sw.TimelineValue(tl)
	if err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Errorf("timeline value = %d, want 7", v)
	}

	// Signals are consumed by the submit that carried them.
	mustExecute(t, dev, QueueGraphics)
	sw.CompleteAll()
	if v, _ := sw.TimelineValue(tl); v != 7 {
		t.Errorf("timeline value after second submit = %d, want 7", v)
	}
}

func TestQueueCrossQueueWait(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	compute := newTestList(t, dev, QueueCompute)
	gfx := newTestList(t, dev, QueueGraphics)

	cid := submitEmpty(t, dev, compute)
	if err := dev.QueueWaitForCommandList(QueueGraphics, QueueCompute, cid); err != nil {
		t.Fatalf("QueueWaitForCommandList() = %v", err)
	}
	gid := submitEmpty(t, dev, gfx)

	if n := sw.CompleteQueue(QueueGraphics); n != 0 {
		t.Fatalf("graphics completed %d batches before compute", n)
	}
	if n := sw.CompleteQueue(QueueCompute); n != 1 {
		t.Fatalf("CompleteQueue(compute) = %d, want 1", n)
	}
	if n := sw.CompleteQueue(QueueGraphics); n != 1 {
		t.Fatalf("CompleteQueue(graphics) = %d, want 1", n)
	}
	if !dev.Queue(QueueGraphics).PollCommandList(gid) {
		t.Error("graphics submission not complete")
	}
}

func TestQueueWaitForZeroIsNoop(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	if err := dev.QueueWaitForCommandList(QueueGraphics, QueueCompute, 0); err != nil {
		t.Fatal(err)
	}
	mustExecute(t, dev, QueueGraphics)
	if n := sw.CompleteQueue(QueueGraphics); n != 1 {
		t.Errorf("CompleteQueue() = %d, want 1", n)
	}
}

func TestQueueFailedSubmit(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	gfxQueue := dev.Queue(QueueGraphics)
	compute := newTestList(t, dev, QueueCompute)
	cl := newTestList(t, dev, QueueGraphics)

	cid := submitEmpty(t, dev, compute)
	if err := dev.QueueWaitForCommandList(QueueGraphics, QueueCompute, cid); err != nil {
		t.Fatal(err)
	}

	mustOpen(t, cl)
	mustClose(t, cl)
	sw.FailNextSubmits(errors.New("injected submit failure"))
	_, err := dev.ExecuteCommandLists(QueueGraphics, cl)
	if !errors.Is(err, ErrSubmitFailed) {
		t.Fatalf("ExecuteCommandLists() = %v, want ErrSubmitFailed", err)
	}

	st := gfxQueue.Stats()
	if st.LastSubmittedID != 0 {
		t.Errorf("LastSubmittedID = %d after failed submit, want 0", st.LastSubmittedID)
	}
	if st.Pooled != 1 || st.InFlight != 0 {
		t.Errorf("after failed submit: %+v, want the buffer pooled", st)
	}
	if cl.IsOpen() || cl.RecordingID() != 0 {
		t.Error("failed list still holds its recording")
	}

	// The retry reuses the ID and still waits for the compute submission.
	if id := submitEmpty(t, dev, cl); id != 1 {
		t.Fatalf("retry id = %d, want 1", id)
	}
	if n := sw.CompleteQueue(QueueGraphics); n != 0 {
		t.Fatal("retry ran without waiting for the compute queue")
	}
	sw.CompleteQueue(QueueCompute)
	if n := sw.CompleteQueue(QueueGraphics); n != 1 {
		t.Errorf("CompleteQueue(graphics) = %d, want 1", n)
	}
}

func TestQueueFailedSubmitDropsRecordingResources(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	cl := newTestList(t, dev, QueueGraphics)
	buf := newTestBuffer(t, dev, BufferDesc{Label: "dst", Size: 1024})

	mustOpen(t, cl)
	if err := cl.WriteBuffer(buf, []byte{1, 2, 3, 4}, 0); err != nil {
		t.Fatal(err)
	}
	mustClose(t, cl)
	if got := buf.RefCount(); got != 2 {
		t.Fatalf("RefCount() while recorded = %d, want 2", got)
	}

	sw.FailNextSubmits(errors.New("injected submit failure"))
	if _, err := dev.ExecuteCommandLists(QueueGraphics, cl); err == nil {
		t.Fatal("ExecuteCommandLists() succeeded")
	}
	if got := buf.RefCount(); got != 1 {
		t.Errorf("RefCount() after failed submit = %d, want 1", got)
	}
	buf.Release()
	if n := sw.DestroyCount(buf.NativeHandle()); n != 1 {
		t.Errorf("DestroyCount() = %d, want 1", n)
	}
}
