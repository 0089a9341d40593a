package rhi

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
)

// Chunk versions pack the queue, the ID and a submitted flag so that one
// comparison against the queue's completion counter tells whether a chunk
// may be reused. Version zero marks a chunk that is free right away.
const (
	versionIDMask     = (uint64(1) << 58) - 1
	versionQueueShift = 58
	versionQueueMask  = uint64(0x1f)
	versionSubmitted  = uint64(1) << 63
)

func makeVersion(id uint64, queue QueueKind, submitted bool) uint64 {
	v := id&versionIDMask | (uint64(queue)&versionQueueMask)<<versionQueueShift
	if submitted {
		v |= versionSubmitted
	}
	return v
}

func versionID(v uint64) uint64 { return v & versionIDMask }

func versionQueue(v uint64) QueueKind {
	return QueueKind((v >> versionQueueShift) & versionQueueMask)
}

func versionIsSubmitted(v uint64) bool { return v&versionSubmitted != 0 }

func alignUp(v, alignment uint64) uint64 { return (v + alignment - 1) / alignment * alignment }

func isPowerOfTwo(v uint64) bool { return v != 0 && v&(v-1) == 0 }

type bufferChunk struct {
	buffer    *Buffer
	size      uint64
	allocated uint64
	version   uint64
}

// uploadManager sub-allocates transient memory for one command list. Upload
// managers hand out host-visible memory for CPU writes; scratch managers
// hand out device memory for acceleration structure builds. Chunks used by
// a recording are reused only after the submission carrying it completes.
type uploadManager struct {
	device           *Device
	queue            QueueKind
	defaultChunkSize uint64
	memoryLimit      uint64
	scratch          bool

	current   *bufferChunk
	pool      []*bufferChunk
	allocated uint64
}

func newUploadManager(d *Device, queue QueueKind, chunkSize, limit uint64, scratch bool) *uploadManager {
	return &uploadManager{
		device:           d,
		queue:            queue,
		defaultChunkSize: chunkSize,
		memoryLimit:      limit,
		scratch:          scratch,
	}
}

// suballocation is one slice of a chunk.
type suballocation struct {
	buffer *Buffer
	offset uint64
	size   uint64
}

// address returns the device address of the slice.
func (s suballocation) address() uint64 { return s.buffer.DeviceAddress() + s.offset }

// bytes returns the CPU view of the slice, or nil for device memory.
func (s suballocation) bytes() []byte {
	m := s.buffer.Mapped()
	if m == nil {
		return nil
	}
	return m[s.offset : s.offset+s.size]
}

// suballocate returns size bytes aligned to alignment. currentVersion tags
// chunks retired during this recording.
func (m *uploadManager) suballocate(size, alignment, currentVersion uint64) (suballocation, error) {
	if size == 0 {
		return suballocation{}, invalidf("zero-sized %s allocation", m.kindName())
	}
	if alignment == 0 {
		alignment = 1
	}
	if !isPowerOfTwo(alignment) {
		return suballocation{}, invalidf("%s alignment %d is not a power of two", m.kindName(), alignment)
	}

	if c := m.current; c != nil {
		offset := alignUp(c.allocated, alignment)
		if end := offset + size; end <= c.size {
			c.allocated = end
			return suballocation{buffer: c.buffer, offset: offset, size: size}, nil
		}
		c.version = currentVersion
		m.pool = append(m.pool, c)
		m.current = nil
	}

	chunk := m.takeRetired(size)
	if chunk == nil {
		var err error
		chunk, err = m.createChunk(max(size, m.defaultChunkSize))
		if err != nil {
			return suballocation{}, err
		}
	}
	chunk.allocated = size
	chunk.version = currentVersion
	m.current = chunk
	return suballocation{buffer: chunk.buffer, offset: 0, size: size}, nil
}

// takeRetired removes and returns a pooled chunk that is large enough and
// no longer used by the GPU.
func (m *uploadManager) takeRetired(size uint64) *bufferChunk {
	polled := false
	for i, c := range m.pool {
		if c.size < size {
			continue
		}
		if !m.device.versionRetired(c.version, !polled) {
			polled = true
			continue
		}
		m.pool = append(m.pool[:i], m.pool[i+1:]...)
		c.allocated = 0
		return c
	}
	return nil
}

func (m *uploadManager) createChunk(size uint64) (*bufferChunk, error) {
	if m.memoryLimit > 0 && m.allocated+size > m.memoryLimit {
		return nil, errors.Wrapf(ErrUploadLimitExceeded,
			"rhi: %s chunk of %d bytes (held %d, limit %d)", m.kindName(), size, m.allocated, m.memoryLimit)
	}
	desc := BufferDesc{Size: size}
	if m.scratch {
		desc.Label = "scratch chunk"
		desc.Usage = gputypes.BufferUsageStorage
		desc.IsAccelStructBuildInput = true
		desc.InitialState = StateUnorderedAccess
	} else {
		desc.Label = "upload chunk"
		desc.Usage = gputypes.BufferUsageCopySrc
		desc.CPUAccess = CPUAccessWrite
		desc.IsAccelStructBuildInput = true
	}
	buf, err := m.device.CreateBuffer(desc)
	if err != nil {
		return nil, err
	}
	m.allocated += size
	m.device.logger().Debug("rhi: new chunk", "kind", m.kindName(), "size", size, "held", m.allocated)
	return &bufferChunk{buffer: buf, size: size}, nil
}

// submitChunks retags chunks used by the recording currentVersion with the
// version of the submission that carried it.
func (m *uploadManager) submitChunks(currentVersion, submittedVersion uint64) {
	m.retag(currentVersion, submittedVersion)
}

// discardChunks frees chunks of a recording that will never be submitted.
func (m *uploadManager) discardChunks(currentVersion uint64) {
	m.retag(currentVersion, 0)
}

func (m *uploadManager) retag(from, to uint64) {
	for _, c := range m.pool {
		if c.version == from {
			c.version = to
		}
	}
	if c := m.current; c != nil {
		c.version = to
		m.pool = append(m.pool, c)
		m.current = nil
	}
}

// release drops every chunk. Chunks still in use stay alive through the
// references held by their command buffers.
func (m *uploadManager) release() {
	if m.current != nil {
		m.pool = append(m.pool, m.current)
		m.current = nil
	}
	for i, c := range m.pool {
		c.buffer.Release()
		m.pool[i] = nil
	}
	m.pool = m.pool[:0]
	m.allocated = 0
}

func (m *uploadManager) kindName() string {
	if m.scratch {
		return "scratch"
	}
	return "upload"
}
