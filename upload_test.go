package rhi

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/backend/software"
)

func TestVersionEncoding(t *testing.T) {
	tests := []struct {
		id        uint64
		queue     QueueKind
		submitted bool
	}{
		{1, QueueGraphics, false},
		{42, QueueCompute, true},
		{versionIDMask, QueueCopy, true},
	}
	for _, tt := range tests {
		v := makeVersion(tt.id, tt.queue, tt.submitted)
		if got := versionID(v); got != tt.id {
			t.Errorf("versionID() = %d, want %d", got, tt.id)
		}
		if got := versionQueue(v); got != tt.queue {
			t.Errorf("versionQueue() = %s, want %s", got, tt.queue)
		}
		if got := versionIsSubmitted(v); got != tt.submitted {
			t.Errorf("versionIsSubmitted() = %v, want %v", got, tt.submitted)
		}
	}
}

func TestUploadSuballocateSequential(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{}, WithUploadChunkSize(64<<10))
	cl := newTestList(t, dev, QueueGraphics)
	mustOpen(t, cl)
	defer mustClose(t, cl)

	m := cl.upload
	ver := cl.currentVersion()
	var first *Buffer
	for i, want := range []uint64{0, 4096, 8192} {
		a, err := m.suballocate(4096, 256, ver)
		if err != nil {
			t.Fatalf("suballocate #%d = %v", i, err)
		}
		if a.offset != want {
			t.Errorf("allocation #%d offset = %d, want %d", i, a.offset, want)
		}
		if first == nil {
			first = a.buffer
		} else if a.buffer != first {
			t.Errorf("allocation #%d landed in a new chunk", i)
		}
		if len(a.bytes()) != 4096 {
			t.Errorf("allocation #%d CPU view is %d bytes", i, len(a.bytes()))
		}
	}
	if m.current.allocated != 12288 || m.current.size != 64<<10 {
		t.Errorf("chunk allocated %d of %d, want 12288 of %d", m.current.allocated, m.current.size, 64<<10)
	}
}

func TestUploadSuballocateAlignment(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{})
	cl := newTestList(t, dev, QueueGraphics)
	mustOpen(t, cl)
	defer mustClose(t, cl)
	ver := cl.currentVersion()

	if _, err := cl.upload.suballocate(10, 1, ver); err != nil {
		t.Fatal(err)
	}
	a, err := cl.upload.suballocate(10, 64, ver)
	if err != nil {
		t.Fatal(err)
	}
	if a.offset != 64 {
		t.Errorf("aligned offset = %d, want 64", a.offset)
	}
	if a.address()%64 != 0 && a.buffer.DeviceAddress() != 0 {
		t.Errorf("address %#x is not 64-byte aligned", a.address())
	}

	for _, tt := range []struct {
		size, align uint64
	}{
		{0, 256},
		{16, 3},
	} {
		if _, err := cl.upload.suballocate(tt.size, tt.align, ver); !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("suballocate(%d, %d) = %v, want ErrInvalidDescriptor", tt.size, tt.align, err)
		}
	}
}

func TestUploadOverflowStartsNewChunk(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{}, WithUploadChunkSize(64<<10))
	cl := newTestList(t, dev, QueueGraphics)
	mustOpen(t, cl)
	defer mustClose(t, cl)
	m := cl.upload
	ver := cl.currentVersion()

	a, err := m.suballocate(60000, 256, ver)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.suballocate(10000, 256, ver)
	if err != nil {
		t.Fatal(err)
	}
	if b.buffer == a.buffer || b.offset != 0 {
		t.Errorf("overflow allocation reused the full chunk at offset %d", b.offset)
	}
	if len(m.pool) != 1 || m.pool[0].version != ver {
		t.Fatalf("retired chunks = %d, want 1 tagged with the recording", len(m.pool))
	}

	big, err := m.suballocate(100000, 256, ver)
	if err != nil {
		t.Fatal(err)
	}
	if got := big.buffer.Size(); got != 100000 {
		t.Errorf("oversized chunk = %d bytes, want 100000", got)
	}
}

func TestUploadChunkReusedAfterCompletion(t *testing.T) {
	dev, sw := newTestDevice(t, software.Options{}, WithUploadChunkSize(64<<10))
	cl := newTestList(t, dev, QueueGraphics)

	alloc := func() *Buffer {
		t.Helper()
		a, err := cl.upload.suballocate(60000, 256, cl.currentVersion())
		if err != nil {
			t.Fatal(err)
		}
		return a.buffer
	}

	mustOpen(t, cl)
	first := alloc()
	mustClose(t, cl)
	mustExecute(t, dev, QueueGraphics, cl)

	mustOpen(t, cl)
	if second := alloc(); second == first {
		t.Fatal("chunk reused while its submission is in flight")
	}
	mustClose(t, cl)
	mustExecute(t, dev, QueueGraphics, cl)

	sw.CompleteAll()
	mustOpen(t, cl)
	if third := alloc(); third != first {
		t.Error("completed chunk was not reused")
	}
	mustClose(t, cl)
	mustExecute(t, dev, QueueGraphics, cl)
}

func TestUploadDiscardFreesChunks(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{}, WithUploadChunkSize(4096))
	cl := newTestList(t, dev, QueueGraphics)

	mustOpen(t, cl)
	a, err := cl.upload.suballocate(4096, 256, cl.currentVersion())
	if err != nil {
		t.Fatal(err)
	}
	mustClose(t, cl)

	// Reopening without executing drops the recording.
	mustOpen(t, cl)
	b, err := cl.upload.suballocate(4096, 256, cl.currentVersion())
	if err != nil {
		t.Fatal(err)
	}
	if b.buffer != a.buffer {
		t.Error("discarded chunk was not reused")
	}
	mustClose(t, cl)
}

func TestScratchMemoryLimit(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{},
		WithScratchChunkSize(4096),
		WithScratchMemoryLimit(4096),
	)
	cl := newTestList(t, dev, QueueCompute)
	mustOpen(t, cl)
	defer mustClose(t, cl)
	ver := cl.currentVersion()

	a, err := cl.scratch.suballocate(4096, 256, ver)
	if err != nil {
		t.Fatal(err)
	}
	if a.bytes() != nil {
		t.Error("scratch memory is CPU visible")
	}
	if a.address() == 0 {
		t.Error("scratch memory has no device address")
	}
	if _, err := cl.scratch.suballocate(256, 256, ver); !errors.Is(err, ErrUploadLimitExceeded) {
		t.Errorf("suballocate past the limit = %v, want ErrUploadLimitExceeded", err)
	}
}

func TestCommandListParamsOverrideDefaults(t *testing.T) {
	dev, _ := newTestDevice(t, software.Options{})
	cl, err := dev.CreateCommandList(CommandListParams{
		Queue:            QueueCompute,
		UploadChunkSize:  1024,
		ScratchChunkSize: 2048,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Destroy()

	p := cl.Params()
	if p.UploadChunkSize != 1024 || p.ScratchChunkSize != 2048 {
		t.Errorf("Params() = %+v", p)
	}
	if p.ScratchMemoryLimit != DefaultScratchMemoryLimit {
		t.Errorf("ScratchMemoryLimit = %d, want the device default", p.ScratchMemoryLimit)
	}
}
