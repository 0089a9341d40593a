package software

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
)

// Options configure a software device.
type Options struct {
	// Name is reported in capabilities. Defaults to "software".
	Name string

	// AutoComplete runs every runnable batch as soon as it is submitted.
	AutoComplete bool

	// DisableRayTracing hides acceleration structure support.
	DisableRayTracing bool

	// GraphicsOnly exposes only the graphics queue.
	GraphicsOnly bool

	// ScratchAlignment defaults to 256.
	ScratchAlignment uint64

	// TimestampPeriod is nanoseconds per tick. Defaults to 1.
	TimestampPeriod float64

	// TickPerTimestamp is how far the clock advances per timestamp write.
	// Defaults to 1000.
	TickPerTimestamp uint64
}

// Buffer addresses start at addressBase and are aligned like placed
// resources, with a guard gap so that overruns never alias a neighbor.
const (
	addressBase      = 0x1_0000_0000
	addressAlignment = 64 << 10
)

type buffer struct {
	desc    gpucore.BufferDescriptor
	data    []byte
	address uint64
}

type accel struct {
	desc       gpucore.AccelStructDescriptor
	address    uint64
	built      bool
	primitives uint64
}

type query struct {
	kind  gpucore.QueryKind
	value uint64
	ready bool
}

// Device is a software gpucore.Device.
type Device struct {
	opts   Options
	logger atomic.Pointer[slog.Logger]

	mu          sync.Mutex
	nextHandle  gpucore.Handle
	nextAddress uint64
	buffers     map[gpucore.Handle]*buffer
	textures    map[gpucore.Handle]*gpucore.TextureDescriptor
	accels      map[gpucore.Handle]*accel
	pipelines   map[gpucore.Handle]*gpucore.PipelineDescriptor
	queries     map[gpucore.Handle]*query
	timelines   map[gpucore.Handle]uint64
	cmdbufs     map[gpucore.Handle]*CommandBuffer
	destroyed   map[gpucore.Handle]int
	pending     [gpucore.QueueKindCount][]*batch
	changed     chan struct{}
	ticks       uint64
	lost        bool
	failSubmits []error
	allocHook   func(kind string, size uint64) error
	stats       Stats
}

var _ gpucore.Device = (*Device)(nil)

// Stats counts device activity.
type Stats struct {
	Submits          int
	BatchesCompleted int
	Barriers         int
	Copies           int
	Builds           int
	Compactions      int
	Faults           int

	LiveBuffers        int
	LiveTextures       int
	LiveAccelStructs   int
	LiveQueries        int
	LiveCommandBuffers int
	LivePipelines      int
}

// New creates a device.
func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = "software"
	}
	if opts.ScratchAlignment == 0 {
		opts.ScratchAlignment = 256
	}
	if opts.TimestampPeriod == 0 {
		opts.TimestampPeriod = 1
	}
	if opts.TickPerTimestamp == 0 {
		opts.TickPerTimestamp = 1000
	}
	d := &Device{
		opts:        opts,
		nextAddress: addressBase,
		buffers:     make(map[gpucore.Handle]*buffer),
		textures:    make(map[gpucore.Handle]*gpucore.TextureDescriptor),
		accels:      make(map[gpucore.Handle]*accel),
		pipelines:   make(map[gpucore.Handle]*gpucore.PipelineDescriptor),
		queries:     make(map[gpucore.Handle]*query),
		timelines:   make(map[gpucore.Handle]uint64),
		cmdbufs:     make(map[gpucore.Handle]*CommandBuffer),
		destroyed:   make(map[gpucore.Handle]int),
		changed:     make(chan struct{}),
	}
	d.logger.Store(slog.New(slog.DiscardHandler))
	return d
}

// SetLogger sets the logger used for fault reports.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	d.logger.Store(l)
}

// Capabilities implements gpucore.Device.
func (d *Device) Capabilities() gpucore.Capabilities {
	caps := gpucore.Capabilities{
		Name:             d.opts.Name,
		RayTracing:       !d.opts.DisableRayTracing,
		ScratchAlignment: d.opts.ScratchAlignment,
		TimestampPeriod:  d.opts.TimestampPeriod,
	}
	caps.Queues[gpucore.QueueGraphics] = true
	if !d.opts.GraphicsOnly {
		caps.Queues[gpucore.QueueCompute] = true
		caps.Queues[gpucore.QueueCopy] = true
	}
	return caps
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) / a * a }

// allocLocked checks loss and the allocation hook, then issues a handle.
func (d *Device) allocLocked(kind string, size uint64) (gpucore.Handle, error) {
	if d.lost {
		return 0, gpucore.ErrDeviceLost
	}
	if d.allocHook != nil {
		if err := d.allocHook(kind, size); err != nil {
			return 0, err
		}
	}
	d.nextHandle++
	return d.nextHandle, nil
}

func (d *Device) destroyLocked(h gpucore.Handle) {
	d.destroyed[h]++
	if d.destroyed[h] > 1 {
		d.faultLocked("handle destroyed twice", "handle", h)
	}
}

func (d *Device) faultLocked(msg string, args ...any) {
	d.stats.Faults++
	d.logger.Load().Warn("software: "+msg, args...)
}

// CreateBuffer implements gpucore.Device.
func (d *Device) CreateBuffer(desc *gpucore.BufferDescriptor) (gpucore.BufferAllocation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc.Size == 0 {
		return gpucore.BufferAllocation{}, errors.New("software: zero-sized buffer")
	}
	h, err := d.allocLocked("buffer", desc.Size)
	if err != nil {
		return gpucore.BufferAllocation{}, err
	}
	b := &buffer{desc: *desc, data: make([]byte, desc.Size)}
	if desc.DeviceAddress || desc.AccelStructStorage {
		b.address = d.nextAddress
		d.nextAddress += alignUp(desc.Size+256, addressAlignment)
	}
	d.buffers[h] = b

	alloc := gpucore.BufferAllocation{Handle: h, Address: b.address}
	if desc.HostVisible {
		alloc.Mapped = b.data
	}
	return alloc, nil
}

// DestroyBuffer implements gpucore.Device.
func (d *Device) DestroyBuffer(h gpucore.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, h)
	d.destroyLocked(h)
}

// CreateTexture implements gpucore.Device.
func (d *Device) CreateTexture(desc *gpucore.TextureDescriptor) (gpucore.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	size := uint64(desc.Size.Width) * uint64(desc.Size.Height) * uint64(max(desc.Size.DepthOrArrayLayers, 1)) * 4
	h, err := d.allocLocked("texture", size)
	if err != nil {
		return 0, err
	}
	cp := *desc
	d.textures[h] = &cp
	return h, nil
}

// DestroyTexture implements gpucore.Device.
func (d *Device) DestroyTexture(h gpucore.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.textures, h)
	d.destroyLocked(h)
}

// Sizes used by the simulated builder.
const (
	bytesPerPrimitive         = 64
	bytesPerInstance          = 128
	scratchPerPrimitive       = 32
	updateScratchPerPrimitive = 16
	structureOverhead         = 256
)

func resultSize(in *gpucore.BuildInputs) uint64 {
	return alignUp(structureOverhead+primitiveBytes(in), 256)
}

func primitiveBytes(in *gpucore.BuildInputs) uint64 {
	if in.Kind == gpucore.TopLevel {
		return uint64(in.InstanceCount) * bytesPerInstance
	}
	return primitiveCount(in) * bytesPerPrimitive
}

func primitiveCount(in *gpucore.BuildInputs) uint64 {
	if in.Kind == gpucore.TopLevel {
		return uint64(in.InstanceCount)
	}
	var n uint64
	for i := range in.Geometries {
		n += uint64(in.Geometries[i].PrimitiveCount())
	}
	return n
}

// CompactedSize is the size a structure holding primitives compacts to.
func CompactedSize(kind gpucore.AccelStructKind, primitives uint64) uint64 {
	per := uint64(bytesPerPrimitive)
	if kind == gpucore.TopLevel {
		per = bytesPerInstance
	}
	full := alignUp(structureOverhead+primitives*per, 256)
	return max(alignUp(full/2, 256), 256)
}

// AccelStructBuildSizes implements gpucore.Device.
func (d *Device) AccelStructBuildSizes(in *gpucore.BuildInputs) (gpucore.BuildSizes, error) {
	if d.opts.DisableRayTracing {
		return gpucore.BuildSizes{}, gpucore.ErrNotSupported
	}
	n := primitiveCount(in)
	return gpucore.BuildSizes{
		ResultSize:        resultSize(in),
		BuildScratchSize:  alignUp(128+n*scratchPerPrimitive, 256),
		UpdateScratchSize: alignUp(128+n*updateScratchPerPrimitive, 256),
	}, nil
}

// CreateAccelStruct implements gpucore.Device.
func (d *Device) CreateAccelStruct(desc *gpucore.AccelStructDescriptor) (gpucore.Handle, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opts.DisableRayTracing {
		return 0, 0, gpucore.ErrNotSupported
	}
	b, ok := d.buffers[desc.Buffer]
	if !ok {
		return 0, 0, errors.Wrapf(gpucore.ErrInvalidHandle, "software: storage buffer %d", desc.Buffer)
	}
	if desc.Offset+desc.Size > b.desc.Size {
		return 0, 0, errors.Newf("software: structure of %d bytes at %d overflows buffer of %d", desc.Size, desc.Offset, b.desc.Size)
	}
	h, err := d.allocLocked("accel", desc.Size)
	if err != nil {
		return 0, 0, err
	}
	a := &accel{desc: *desc, address: b.address + desc.Offset}
	d.accels[h] = a
	return h, a.address, nil
}

// DestroyAccelStruct implements gpucore.Device.
func (d *Device) DestroyAccelStruct(h gpucore.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.accels, h)
	d.destroyLocked(h)
}

// RegisterPipeline implements gpucore.Device.
func (d *Device) RegisterPipeline(desc *gpucore.PipelineDescriptor) (gpucore.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.allocLocked("pipeline", 0)
	if err != nil {
		return 0, err
	}
	cp := *desc
	d.pipelines[h] = &cp
	return h, nil
}

// DestroyPipeline implements gpucore.Device.
func (d *Device) DestroyPipeline(h gpucore.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelines, h)
	d.destroyLocked(h)
}

// CreateQuery implements gpucore.Device.
func (d *Device) CreateQuery(kind gpucore.QueryKind) (gpucore.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.allocLocked("query", 0)
	if err != nil {
		return 0, err
	}
	d.queries[h] = &query{kind: kind}
	return h, nil
}

// DestroyQuery implements gpucore.Device.
func (d *Device) DestroyQuery(h gpucore.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.queries, h)
	d.destroyLocked(h)
}

// QueryResult implements gpucore.Device.
func (d *Device) QueryResult(h gpucore.Handle) (uint64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return 0, false, gpucore.ErrDeviceLost
	}
	q, ok := d.queries[h]
	if !ok {
		return 0, false, errors.Wrapf(gpucore.ErrInvalidHandle, "software: query %d", h)
	}
	return q.value, q.ready, nil
}

// CreateCommandBuffer implements gpucore.Device.
func (d *Device) CreateCommandBuffer(queue gpucore.QueueKind) (gpucore.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if queue >= gpucore.QueueKindCount || !d.Capabilities().Queues[queue] {
		return nil, errors.Newf("software: no %s queue", queue)
	}
	h, err := d.allocLocked("command buffer", 0)
	if err != nil {
		return nil, err
	}
	cb := &CommandBuffer{dev: d, handle: h, queue: queue}
	d.cmdbufs[h] = cb
	return cb, nil
}

// DestroyCommandBuffer implements gpucore.Device.
func (d *Device) DestroyCommandBuffer(cb gpucore.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := cb.Handle()
	if c, ok := d.cmdbufs[h]; ok && c.state == cbPending {
		d.faultLocked("command buffer destroyed while pending", "handle", h)
	}
	delete(d.cmdbufs, h)
	d.destroyLocked(h)
}

// CreateTimeline implements gpucore.Device.
func (d *Device) CreateTimeline() (gpucore.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.allocLocked("timeline", 0)
	if err != nil {
		return 0, err
	}
	d.timelines[h] = 0
	return h, nil
}

// DestroyTimeline implements gpucore.Device.
func (d *Device) DestroyTimeline(h gpucore.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.timelines, h)
	d.destroyLocked(h)
}

// Destroy implements gpucore.Device. Objects still alive are reported as
// leaks at debug level.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.buffers) + len(d.accels) + len(d.textures); n > 0 {
		d.logger.Load().Debug("software: destroyed with live objects", "count", n)
	}
	d.lost = true
	d.broadcastLocked()
}

// Stats returns a snapshot of the counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.LiveBuffers = len(d.buffers)
	s.LiveTextures = len(d.textures)
	s.LiveAccelStructs = len(d.accels)
	s.LiveQueries = len(d.queries)
	s.LiveCommandBuffers = len(d.cmdbufs)
	s.LivePipelines = len(d.pipelines)
	return s
}

// DestroyCount returns how often h was destroyed.
func (d *Device) DestroyCount(h gpucore.Handle) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed[h]
}

// IsAlive reports whether h names a live object.
func (d *Device) IsAlive(h gpucore.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[h]; ok {
		return true
	}
	if _, ok := d.accels[h]; ok {
		return true
	}
	if _, ok := d.textures[h]; ok {
		return true
	}
	if _, ok := d.queries[h]; ok {
		return true
	}
	_, ok := d.pipelines[h]
	return ok
}

// BufferData returns a copy of a buffer's contents.
func (d *Device) BufferData(h gpucore.Handle) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[h]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b.data...), true
}

// AccelStructInfo describes a simulated acceleration structure.
type AccelStructInfo struct {
	Kind       gpucore.AccelStructKind
	Size       uint64
	Address    uint64
	Built      bool
	Primitives uint64
}

// AccelStruct returns the state of an acceleration structure.
func (d *Device) AccelStruct(h gpucore.Handle) (AccelStructInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[h]
	if !ok {
		return AccelStructInfo{}, false
	}
	return AccelStructInfo{
		Kind:       a.desc.Kind,
		Size:       a.desc.Size,
		Address:    a.address,
		Built:      a.built,
		Primitives: a.primitives,
	}, true
}

// FailNextSubmits makes the next len(errs) submits return the given errors
// without queuing work.
func (d *Device) FailNextSubmits(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSubmits = append(d.failSubmits, errs...)
}

// SetAllocationHook installs a hook consulted before every object
// creation. A non-nil error fails the creation. kind is one of "buffer",
// "texture", "accel", "pipeline", "query", "command buffer" or "timeline".
func (d *Device) SetAllocationHook(hook func(kind string, size uint64) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocHook = hook
}

// LoseDevice simulates device loss. Pending batches never complete.
func (d *Device) LoseDevice() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = true
	d.broadcastLocked()
}
