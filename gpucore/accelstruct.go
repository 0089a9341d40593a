package gpucore

// AccelStructKind distinguishes bottom-level (geometry) from top-level
// (instance) acceleration structures.
type AccelStructKind uint8

// Acceleration structure kinds.
const (
	BottomLevel AccelStructKind = iota + 1
	TopLevel
)

// String returns the kind name.
func (k AccelStructKind) String() string {
	switch k {
	case BottomLevel:
		return "BLAS"
	case TopLevel:
		return "TLAS"
	default:
		return "AccelStructKind(?)"
	}
}

// BuildFlags control acceleration structure builds.
type BuildFlags uint32

// Build flags.
const (
	BuildAllowUpdate BuildFlags = 1 << iota
	BuildAllowCompaction
	BuildPreferFastTrace
	BuildPreferFastBuild
	BuildMinimizeMemory
	BuildPerformUpdate
)

// GeometryKind selects the primitive type of a geometry.
type GeometryKind uint8

// Geometry kinds.
const (
	GeometryTriangles GeometryKind = iota
	GeometryAABBs
)

// GeometryFlags are per-geometry build hints.
type GeometryFlags uint8

// Geometry flags.
const (
	GeometryOpaque GeometryFlags = 1 << iota
	GeometryNoDuplicateAnyHit
)

// GeometryDescriptor is one geometry of a bottom-level build. Addresses are
// device addresses of the input buffers; sizing queries may leave them zero.
type GeometryDescriptor struct {
	Kind  GeometryKind
	Flags GeometryFlags

	VertexAddress uint64
	VertexStride  uint64
	VertexCount   uint32

	IndexAddress uint64
	IndexCount   uint32
	IndexSize    uint32

	TransformAddress uint64

	AABBAddress uint64
	AABBStride  uint64
	AABBCount   uint32
}

// PrimitiveCount returns the number of triangles or boxes.
func (g *GeometryDescriptor) PrimitiveCount() uint32 {
	if g.Kind == GeometryAABBs {
		return g.AABBCount
	}
	if g.IndexSize != 0 {
		return g.IndexCount / 3
	}
	return g.VertexCount / 3
}

// BuildInputs describe the contents of a build.
type BuildInputs struct {
	Kind       AccelStructKind
	Flags      BuildFlags
	Geometries []GeometryDescriptor

	// InstanceCount and InstanceAddress are used by top-level builds. The
	// address points at InstanceCount packed instance records.
	InstanceCount   uint32
	InstanceAddress uint64
}

// BuildSizes are the memory requirements of a build.
type BuildSizes struct {
	ResultSize        uint64
	BuildScratchSize  uint64
	UpdateScratchSize uint64
}

// AccelStructDescriptor places an acceleration structure in a buffer.
type AccelStructDescriptor struct {
	Label  string
	Kind   AccelStructKind
	Buffer Handle
	Offset uint64
	Size   uint64
}

// BuildInfo is a recorded build.
type BuildInfo struct {
	Inputs BuildInputs
	Dst    Handle

	// Src is the structure being updated when Inputs.Flags has
	// BuildPerformUpdate, otherwise NullHandle.
	Src            Handle
	ScratchAddress uint64
}

// CopyMode selects how CopyAccelStruct transfers data.
type CopyMode uint8

// Copy modes.
const (
	CopyClone CopyMode = iota
	CopyCompact
)

// InstanceSize is the size in bytes of one packed top-level instance record:
// a row-major 3x4 float32 transform, instanceID(24)|mask(8),
// sbtOffset(24)|flags(8) and the 64-bit bottom-level device address.
const InstanceSize = 64
