package rhi

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/gpucore"
)

// AccelStructKind distinguishes bottom-level and top-level structures.
type AccelStructKind = gpucore.AccelStructKind

// Acceleration structure kinds.
const (
	BottomLevel = gpucore.BottomLevel
	TopLevel    = gpucore.TopLevel
)

// BuildFlags control builds.
type BuildFlags = gpucore.BuildFlags

// Build flags.
const (
	BuildAllowUpdate     = gpucore.BuildAllowUpdate
	BuildAllowCompaction = gpucore.BuildAllowCompaction
	BuildPreferFastTrace = gpucore.BuildPreferFastTrace
	BuildPreferFastBuild = gpucore.BuildPreferFastBuild
	BuildMinimizeMemory  = gpucore.BuildMinimizeMemory
	BuildPerformUpdate   = gpucore.BuildPerformUpdate
)

// IndexFormat is the element type of an index buffer.
type IndexFormat uint8

// Index formats. IndexNone means the geometry is not indexed.
const (
	IndexNone IndexFormat = iota
	IndexUint16
	IndexUint32
)

func (f IndexFormat) size() uint32 {
	switch f {
	case IndexUint16:
		return 2
	case IndexUint32:
		return 4
	default:
		return 0
	}
}

// GeometryTriangles is an indexed or non-indexed triangle list.
type GeometryTriangles struct {
	VertexBuffer *Buffer
	VertexOffset uint64
	VertexCount  uint32
	VertexStride uint64
	VertexFormat gputypes.VertexFormat

	IndexBuffer *Buffer
	IndexOffset uint64
	IndexCount  uint32
	IndexFormat IndexFormat

	// TransformBuffer optionally holds a 3x4 float32 transform.
	TransformBuffer *Buffer
	TransformOffset uint64
}

// GeometryAABBs is a list of axis-aligned boxes.
type GeometryAABBs struct {
	Buffer *Buffer
	Offset uint64
	Count  uint32
	Stride uint64
}

// GeometryDesc is one geometry of a bottom-level structure.
type GeometryDesc struct {
	Kind      gpucore.GeometryKind
	Flags     gpucore.GeometryFlags
	Triangles GeometryTriangles
	AABBs     GeometryAABBs
}

func bufferAddress(b *Buffer, offset uint64) uint64 {
	if b == nil {
		return 0
	}
	return b.DeviceAddress() + offset
}

func (g *GeometryDesc) native() gpucore.GeometryDescriptor {
	out := gpucore.GeometryDescriptor{Kind: g.Kind, Flags: g.Flags}
	if g.Kind == gpucore.GeometryAABBs {
		out.AABBAddress = bufferAddress(g.AABBs.Buffer, g.AABBs.Offset)
		out.AABBStride = g.AABBs.Stride
		out.AABBCount = g.AABBs.Count
		return out
	}
	t := &g.Triangles
	out.VertexAddress = bufferAddress(t.VertexBuffer, t.VertexOffset)
	out.VertexStride = t.VertexStride
	out.VertexCount = t.VertexCount
	out.IndexAddress = bufferAddress(t.IndexBuffer, t.IndexOffset)
	out.IndexCount = t.IndexCount
	out.IndexSize = t.IndexFormat.size()
	out.TransformAddress = bufferAddress(t.TransformBuffer, t.TransformOffset)
	return out
}

func (g *GeometryDesc) inputBuffers() []*Buffer {
	if g.Kind == gpucore.GeometryAABBs {
		return []*Buffer{g.AABBs.Buffer}
	}
	return []*Buffer{g.Triangles.VertexBuffer, g.Triangles.IndexBuffer, g.Triangles.TransformBuffer}
}

// AccelStructDesc describes an acceleration structure. Bottom-level
// structures are sized from Geometries, top-level ones from MaxInstances.
type AccelStructDesc struct {
	Label        string
	Kind         AccelStructKind
	BuildFlags   BuildFlags
	Geometries   []GeometryDesc
	MaxInstances uint32
}

// CompactionState is the progress of a bottom-level structure through
// compaction.
type CompactionState uint8

// Compaction states.
const (
	CompactionNotRequested CompactionState = iota
	CompactionQueryIssued
	CompactionReady
	CompactionCompacted
	CompactionAbandoned
)

// String returns the state name.
func (s CompactionState) String() string {
	switch s {
	case CompactionNotRequested:
		return "not-requested"
	case CompactionQueryIssued:
		return "query-issued"
	case CompactionReady:
		return "ready"
	case CompactionCompacted:
		return "compacted"
	case CompactionAbandoned:
		return "abandoned"
	default:
		return "CompactionState(" + strconv.Itoa(int(s)) + ")"
	}
}

// accelStorage is the native structure and the buffer that backs it.
// Storage is swapped when a structure is compacted or outgrows its buffer;
// command lists that recorded the old storage keep it alive until their
// submission retires.
type accelStorage struct {
	refCounter

	buffer  *Buffer
	handle  gpucore.Handle
	address uint64
	size    uint64
}

func (s *accelStorage) NativeHandle() gpucore.Handle { return s.handle }
func (s *accelStorage) Kind() ResourceKind           { return KindAccelStorage }

// sizeQuery is a compacted-size query. The structure waiting on it holds
// one reference and the recording that writes it holds another, so the
// native query outlives the GPU write even if the structure lets go early.
type sizeQuery struct {
	refCounter
	handle gpucore.Handle
}

func (q *sizeQuery) NativeHandle() gpucore.Handle { return q.handle }
func (q *sizeQuery) Kind() ResourceKind           { return KindSizeQuery }

func (d *Device) createSizeQuery() (*sizeQuery, error) {
	h, err := d.native.CreateQuery(gpucore.QueryCompactedSize)
	if err != nil {
		return nil, d.noteNativeError(err)
	}
	q := &sizeQuery{handle: h}
	nd := d.native
	q.init(d.arena, q, func() { nd.DestroyQuery(h) })
	return q, nil
}

// AccelStruct is a reference-counted acceleration structure. Its native
// storage may change over its lifetime; the AccelStruct value itself is
// the stable identity.
type AccelStruct struct {
	refCounter

	desc    AccelStructDesc
	storage atomic.Pointer[accelStorage]

	mu         sync.Mutex
	built      bool
	compaction CompactionState
	query      *sizeQuery
	builtIn    recordingKey
}

var _ bufferLike = (*AccelStruct)(nil)

// Desc returns the descriptor.
func (as *AccelStruct) Desc() AccelStructDesc { return as.desc }

// NativeHandle returns the handle of the current native structure.
func (as *AccelStruct) NativeHandle() gpucore.Handle { return as.storage.Load().handle }

// Kind returns KindAccelStruct.
func (as *AccelStruct) Kind() ResourceKind { return KindAccelStruct }

// DeviceAddress returns the address of the current native structure. It
// changes after compaction.
func (as *AccelStruct) DeviceAddress() uint64 { return as.storage.Load().address }

// StorageSize returns the size of the backing buffer.
func (as *AccelStruct) StorageSize() uint64 { return as.storage.Load().size }

// IsCompacted reports whether the structure lives in compacted storage.
func (as *AccelStruct) IsCompacted() bool {
	return as.CompactionState() == CompactionCompacted
}

// CompactionState returns the compaction progress.
func (as *AccelStruct) CompactionState() CompactionState {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.compaction
}

// PermanentState is always StateUnknown; structures are tracked per list.
func (as *AccelStruct) PermanentState() ResourceStates { return StateUnknown }

func (as *AccelStruct) trackingDefaults() (ResourceStates, bool) { return StateUnknown, false }

func (as *AccelStruct) barrierHandle() gpucore.Handle {
	return as.storage.Load().buffer.handle
}

// sizingInputs describes the structure for a size query.
func (desc *AccelStructDesc) sizingInputs() gpucore.BuildInputs {
	in := gpucore.BuildInputs{Kind: desc.Kind, Flags: desc.BuildFlags}
	if desc.Kind == TopLevel {
		in.InstanceCount = desc.MaxInstances
		return in
	}
	in.Geometries = make([]gpucore.GeometryDescriptor, len(desc.Geometries))
	for i := range desc.Geometries {
		in.Geometries[i] = desc.Geometries[i].native()
	}
	return in
}

// buildSizeKey identifies a size query by kind, flags and counts.
func buildSizeKey(in *gpucore.BuildInputs) string {
	b := make([]byte, 0, 16+8*len(in.Geometries))
	b = strconv.AppendUint(b, uint64(in.Kind), 10)
	b = append(b, '/')
	b = strconv.AppendUint(b, uint64(in.Flags&^gpucore.BuildPerformUpdate), 16)
	b = append(b, '/')
	if in.Kind == TopLevel {
		return string(strconv.AppendUint(b, uint64(in.InstanceCount), 10))
	}
	for i := range in.Geometries {
		g := &in.Geometries[i]
		b = strconv.AppendUint(b, uint64(g.Kind), 10)
		b = append(b, ':')
		b = strconv.AppendUint(b, uint64(g.PrimitiveCount()), 10)
		b = append(b, ',')
	}
	return string(b)
}

// buildSizes returns the memory requirements for in, memoized per device.
func (d *Device) buildSizes(in *gpucore.BuildInputs) (gpucore.BuildSizes, error) {
	sizes, err := d.sizeCache.GetOrCreate(buildSizeKey(in), func() (gpucore.BuildSizes, error) {
		return d.native.AccelStructBuildSizes(in)
	})
	if err != nil {
		return sizes, errors.Wrapf(d.noteNativeError(err), "rhi: %s build sizes", in.Kind)
	}
	return sizes, nil
}

// createAccelStorage allocates a backing buffer and a native structure in
// it. Partial allocations are released on failure.
func (d *Device) createAccelStorage(kind AccelStructKind, size uint64, label string) (*accelStorage, error) {
	buf, err := d.CreateBuffer(BufferDesc{
		Label:                label,
		Size:                 size,
		Usage:                gputypes.BufferUsageStorage,
		IsAccelStructStorage: true,
		InitialState:         StateAccelStructRead,
	})
	if err != nil {
		return nil, err
	}
	h, addr, err := d.native.CreateAccelStruct(&gpucore.AccelStructDescriptor{
		Label:  label,
		Kind:   kind,
		Buffer: buf.handle,
		Size:   size,
	})
	if err != nil {
		buf.Release()
		d.logger().Warn("rhi: acceleration structure allocation failed", "label", label, "size", size, "err", err)
		return nil, d.wrapAllocation(err, "%s %q (%d bytes)", kind, label, size)
	}

	s := &accelStorage{buffer: buf, handle: h, address: addr, size: size}
	nd := d.native
	s.init(d.arena, s, func() {
		nd.DestroyAccelStruct(h)
		buf.Release()
	})
	return s, nil
}

// CreateAccelStruct allocates a structure sized for desc.
func (d *Device) CreateAccelStruct(desc AccelStructDesc) (*AccelStruct, error) {
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	if !d.caps.RayTracing {
		return nil, errors.Wrapf(ErrNotSupported, "rhi: %s %q: device has no ray tracing", desc.Kind, desc.Label)
	}
	if desc.Kind != BottomLevel && desc.Kind != TopLevel {
		return nil, invalidf("acceleration structure %q: unknown kind %d", desc.Label, desc.Kind)
	}

	in := desc.sizingInputs()
	sizes, err := d.buildSizes(&in)
	if err != nil {
		return nil, err
	}
	storage, err := d.createAccelStorage(desc.Kind, max(sizes.ResultSize, 1), desc.Label)
	if err != nil {
		return nil, err
	}

	as := &AccelStruct{desc: desc}
	as.storage.Store(storage)
	as.init(d.arena, as, func() {
		as.mu.Lock()
		as.dropQueryLocked()
		as.mu.Unlock()
		as.storage.Load().Release()
	})
	return as, nil
}
