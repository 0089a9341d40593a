package rhi

import (
	"bytes"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend/software"
)

func TestResourceReleaseDestroysOnce(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	buf := newTestBuffer(t, dev, BufferDesc{Label: "once", Size: 256})
	h := buf.NativeHandle()

	if got := heapStats(t, dev).LiveCount(KindBuffer); got != 1 {
		t.Fatalf("live buffers = %d, want 1", got)
	}
	if got := buf.AddRef(); got != 2 {
		t.Fatalf("AddRef() = %d, want 2", got)
	}
	if got := buf.Release(); got != 1 {
		t.Fatalf("Release() = %d, want 1", got)
	}
	if !sw.IsAlive(h) {
		t.Fatal("buffer destroyed while referenced")
	}
	if got := buf.Release(); got != 0 {
		t.Fatalf("Release() = %d, want 0", got)
	}
	if n := sw.DestroyCount(h); n != 1 {
		t.Errorf("DestroyCount() = %d, want 1", n)
	}
	st := heapStats(t, dev)
	if st.LiveCount(KindBuffer) != 0 || st.Reclaimed != 1 {
		t.Errorf("arena stats = %+v", st)
	}
}

func TestResourceOverReleasePanics(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{})
	buf := newTestBuffer(t, dev, BufferDesc{Label: "over", Size: 64})
	buf.Release()

	defer func() {
		if recover() == nil {
			t.Error("second Release() did not panic")
		}
	}()
	buf.Release()
}

func TestResourceConcurrentRelease(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	buf := newTestBuffer(t, dev, BufferDesc{Label: "shared", Size: 64})
	const holders = 32
	for range holders {
		buf.AddRef()
	}

	var wg sync.WaitGroup
	for range holders + 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf.Release()
		}()
	}
	wg.Wait()

	if n := sw.DestroyCount(buf.NativeHandle()); n != 1 {
		t.Errorf("DestroyCount() = %d, want 1", n)
	}
}

func TestResourceDeferredDestruction(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	cl := newTestList(t, dev, QueueGraphics)
	src := newTestBuffer(t, dev, BufferDesc{Label: "src", Size: 1024})
	dst := newTestBuffer(t, dev, BufferDesc{Label: "dst", Size: 1024})

	mustOpen(t, cl)
	if err := cl.CopyBuffer(dst, 0, src, 0, 512); err != nil {
		t.Fatal(err)
	}
	mustClose(t, cl)
	mustExecute(t, dev, QueueGraphics, cl)

	src.Release()
	if got := dst.Release(); got != 1 {
		t.Fatalf("Release() while in flight = %d, want 1", got)
	}

	dev.RunGarbageCollection()
	if !sw.IsAlive(dst.NativeHandle()) || !sw.IsAlive(src.NativeHandle()) {
		t.Fatal("buffers destroyed before the GPU finished with them")
	}

	sw.CompleteAll()
	dev.RunGarbageCollection()
	for _, b := range []*Buffer{src, dst} {
		if n := sw.DestroyCount(b.NativeHandle()); n != 1 {
			t.Errorf("%s: DestroyCount() = %d, want 1", b.Desc().Label, n)
		}
	}
}

func TestResourceTrackedOncePerRecording(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{})
	cl := newTestList(t, dev, QueueGraphics)
	buf := newTestBuffer(t, dev, BufferDesc{Label: "buf", Size: 1024})

	mustOpen(t, cl)
	for range 4 {
		if err := cl.SetBufferState(buf, StateShaderResource); err != nil {
			t.Fatal(err)
		}
	}
	if got := buf.RefCount(); got != 2 {
		t.Errorf("RefCount() = %d, want 2", got)
	}
	mustClose(t, cl)

	// Reopening discards the unexecuted recording and its references.
	mustOpen(t, cl)
	if got := buf.RefCount(); got != 1 {
		t.Errorf("RefCount() after discard = %d, want 1", got)
	}
	mustClose(t, cl)
	buf.Release()
}

func TestWriteBuffer(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})
	cl := newTestList(t, dev, QueueCopy)
	buf := newTestBuffer(t, dev, BufferDesc{Label: "target", Size: 64})
	defer buf.Release()

	data := []byte("rhi upload path")
	mustOpen(t, cl)
	if err := cl.WriteBuffer(buf, data, 16); err != nil {
		t.Fatal(err)
	}
	if got := cl.BufferState(buf); got != StateCopyDest {
		t.Errorf("BufferState() = %s, want CopyDest", got)
	}
	if err := cl.WriteBuffer(buf, data, 60); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("overflowing WriteBuffer() = %v, want ErrInvalidDescriptor", err)
	}
	mustClose(t, cl)
	mustExecute(t, dev, QueueCopy, cl)
	sw.CompleteAll()

	got, ok := sw.BufferData(buf.NativeHandle())
	if !ok {
		t.Fatal("buffer missing")
	}
	if !bytes.Equal(got[16:16+len(data)], data) {
		t.Errorf("buffer contents = %q, want %q", got[16:16+len(data)], data)
	}
}

func TestCreateBufferValidation(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{})

	if _, err := dev.CreateBuffer(BufferDesc{Label: "empty"}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("zero-size CreateBuffer() = %v, want ErrInvalidDescriptor", err)
	}

	sw.SetAllocationHook(func(kind string, size uint64) error {
		return errors.Newf("out of %s memory", kind)
	})
	_, err := dev.CreateBuffer(BufferDesc{Label: "fails", Size: 16})
	if !errors.Is(err, ErrAllocationFailed) {
		t.Errorf("CreateBuffer() = %v, want ErrAllocationFailed", err)
	}
	sw.SetAllocationHook(nil)
}

func TestCreateBufferAddressAndMapping(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{})

	tests := []struct {
		name       string
		desc       BufferDesc
		wantAddr   bool
		wantMapped bool
	}{
		{"storage", BufferDesc{Size: 64}, true, false},
		{"upload", BufferDesc{Size: 64, CPUAccess: CPUAccessWrite, Usage: gputypes.BufferUsageCopySrc}, false, true},
		{"build input", BufferDesc{Size: 64, CPUAccess: CPUAccessWrite, Usage: gputypes.BufferUsageCopySrc, IsAccelStructBuildInput: true}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuffer(t, dev, tt.desc)
			defer b.Release()
			if got := b.DeviceAddress() != 0; got != tt.wantAddr {
				t.Errorf("has address = %v, want %v", got, tt.wantAddr)
			}
			if got := b.Mapped() != nil; got != tt.wantMapped {
				t.Errorf("mapped = %v, want %v", got, tt.wantMapped)
			}
		})
	}
}

// countingArena wraps a HeapArena to observe adoption and reclamation.
type countingArena struct {
	*HeapArena
	mu        sync.Mutex
	adopted   map[ResourceKind]int
	reclaimed map[ResourceKind]int
}

func newCountingArena() *countingArena {
	return &countingArena{
		HeapArena: NewHeapArena(),
		adopted:   make(map[ResourceKind]int),
		reclaimed: make(map[ResourceKind]int),
	}
}

func (a *countingArena) Adopt(r Resource) {
	a.mu.Lock()
	a.adopted[r.Kind()]++
	a.mu.Unlock()
	a.HeapArena.Adopt(r)
}

func (a *countingArena) Reclaim(r Resource, destroy func()) {
	a.mu.Lock()
	a.reclaimed[r.Kind()]++
	a.mu.Unlock()
	a.HeapArena.Reclaim(r, destroy)
}

func TestDeviceUsesInjectedArena(t *testing.T) {
	arena := newCountingArena()
	dev, _ := newTestDevice(t, software.Options{}, WithArena(arena))
	if dev.Arena() != Arena(arena) {
		t.Fatal("Arena() is not the injected arena")
	}

	buf := newTestBuffer(t, dev, BufferDesc{Label: "b", Size: 64})
	q, err := dev.CreateEventQuery()
	if err != nil {
		t.Fatal(err)
	}
	buf.Release()
	q.Release()

	arena.mu.Lock()
	defer arena.mu.Unlock()
	for _, k := range []ResourceKind{KindBuffer, KindEventQuery} {
		if arena.adopted[k] != 1 || arena.reclaimed[k] != 1 {
			t.Errorf("%s: adopted %d reclaimed %d, want 1 and 1", k, arena.adopted[k], arena.reclaimed[k])
		}
	}
}

func TestHeapArenaIgnoresDoubleReclaim(t *testing.T) {
	a := NewHeapArena()
	q := &EventQuery{}
	calls := 0
	q.init(a, q, func() { calls++ })

	a.Reclaim(q, q.destroy)
	a.Reclaim(q, q.destroy)
	if calls != 1 {
		t.Errorf("destroy ran %d times, want 1", calls)
	}
	st := a.Stats()
	if st.Adopted != 1 || st.Reclaimed != 1 || st.TotalLive() != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestResourceKindString(t *testing.T) {
	tests := []struct {
		kind ResourceKind
		want string
	}{
		{KindBuffer, "buffer"},
		{KindAccelStorage, "accel-storage"},
		{KindTimerQuery, "timer-query"},
		{KindSizeQuery, "size-query"},
		{resourceKindCount, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("ResourceKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
