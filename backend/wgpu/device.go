package wgpu

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/gpucore"
)

// idleTimeout bounds WaitIdle and the final wait in Destroy.
const idleTimeout = 10 * time.Second

// ComputeProgram is what RegisterPipeline accepts as the native object of a
// compute pipeline: the HAL pipeline plus the bind groups set before every
// dispatch. A bare hal.ComputePipeline is accepted too.
type ComputeProgram struct {
	Pipeline   hal.ComputePipeline
	BindGroups []hal.BindGroup
}

type buffer struct {
	raw    hal.Buffer
	shadow []byte
}

// timeline is a HAL fence plus the values submitted to it that are not yet
// known to have completed, in ascending order.
type timeline struct {
	fence     hal.Fence
	completed uint64
	pending   []uint64
}

func (t *timeline) submitted() uint64 {
	if n := len(t.pending); n > 0 {
		return t.pending[n-1]
	}
	return t.completed
}

func (t *timeline) retire(value uint64) {
	t.completed = max(t.completed, value)
	i := 0
	for i < len(t.pending) && t.pending[i] <= t.completed {
		i++
	}
	t.pending = t.pending[i:]
}

// Device is a gpucore.Device backed by a HAL device and queue.
type Device struct {
	device   hal.Device
	queue    hal.Queue
	instance hal.Instance
	owned    bool
	name     string
	logger   atomic.Pointer[slog.Logger]

	nextHandle atomic.Uint64

	mu        sync.Mutex
	buffers   map[gpucore.Handle]*buffer
	textures  map[gpucore.Handle]hal.Texture
	pipelines map[gpucore.Handle]*ComputeProgram
	timelines map[gpucore.Handle]*timeline
	idle      gpucore.Handle
	idleValue uint64
	destroyed bool
}

var _ gpucore.Device = (*Device)(nil)

// New wraps a HAL device and queue. The caller keeps ownership of both.
func New(device hal.Device, queue hal.Queue) (*Device, error) {
	if device == nil || queue == nil {
		return nil, errors.New("wgpu: nil HAL device or queue")
	}
	return newDevice(device, queue, nil, false, "wgpu")
}

// NewFromProvider borrows the HAL device and queue of a provider such as a
// gogpu window. The provider must expose HalDevice and HalQueue.
func NewFromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, errors.Wrap(gpucore.ErrNotSupported, "wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, errors.New("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, errors.New("wgpu: provider HalQueue is not hal.Queue")
	}
	return newDevice(device, queue, nil, false, "wgpu (shared)")
}

// Open creates a Vulkan instance and opens the first discrete or integrated
// adapter, falling back to whatever adapter comes first.
func Open() (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, errors.Wrap(gpucore.ErrNotSupported, "wgpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, errors.Wrap(err, "wgpu: create instance")
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errors.Wrap(gpucore.ErrNotSupported, "wgpu: no GPU adapters found")
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	open, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, errors.Wrapf(err, "wgpu: open %s", selected.Info.Name)
	}
	d, err := newDevice(open.Device, open.Queue, instance, true, selected.Info.Name)
	if err != nil {
		open.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	return d, nil
}

func newDevice(device hal.Device, queue hal.Queue, instance hal.Instance, owned bool, name string) (*Device, error) {
	d := &Device{
		device:    device,
		queue:     queue,
		instance:  instance,
		owned:     owned,
		name:      name,
		buffers:   make(map[gpucore.Handle]*buffer),
		textures:  make(map[gpucore.Handle]hal.Texture),
		pipelines: make(map[gpucore.Handle]*ComputeProgram),
		timelines: make(map[gpucore.Handle]*timeline),
	}
	d.logger.Store(slog.New(slog.DiscardHandler))

	idle, err := d.CreateTimeline()
	if err != nil {
		return nil, err
	}
	d.idle = idle
	return d, nil
}

// SetLogger sets the logger for device events.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	d.logger.Store(l)
}

func (d *Device) newHandle() gpucore.Handle {
	return gpucore.Handle(d.nextHandle.Add(1))
}

// Capabilities implements gpucore.Device.
func (d *Device) Capabilities() gpucore.Capabilities {
	caps := gpucore.Capabilities{
		Name:             d.name,
		ScratchAlignment: 256,
		TimestampPeriod:  1,
	}
	caps.Queues[gpucore.QueueGraphics] = true
	return caps
}

// CreateBuffer implements gpucore.Device. Device addresses are not exposed
// by the HAL, so DeviceAddress requests yield a zero address.
func (d *Device) CreateBuffer(desc *gpucore.BufferDescriptor) (gpucore.BufferAllocation, error) {
	if desc.AccelStructStorage {
		return gpucore.BufferAllocation{}, errors.Wrap(gpucore.ErrNotSupported, "wgpu: acceleration structure storage")
	}
	usage := desc.Usage
	if desc.HostVisible {
		usage |= gputypes.BufferUsageCopyDst
	}
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		return gpucore.BufferAllocation{}, errors.Mark(errors.Wrapf(err, "wgpu: create buffer %q", desc.Label), gpucore.ErrOutOfMemory)
	}
	b := &buffer{raw: raw}
	if desc.HostVisible {
		b.shadow = make([]byte, desc.Size)
	}

	h := d.newHandle()
	d.mu.Lock()
	d.buffers[h] = b
	d.mu.Unlock()
	return gpucore.BufferAllocation{Handle: h, Mapped: b.shadow}, nil
}

// DestroyBuffer implements gpucore.Device.
func (d *Device) DestroyBuffer(h gpucore.Handle) {
	d.mu.Lock()
	b, ok := d.buffers[h]
	delete(d.buffers, h)
	d.mu.Unlock()
	if ok {
		d.device.DestroyBuffer(b.raw)
	}
}

// CreateTexture implements gpucore.Device.
func (d *Device) CreateTexture(desc *gpucore.TextureDescriptor) (gpucore.Handle, error) {
	raw, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          halExtent(desc.Size),
		MipLevelCount: max(desc.MipLevelCount, 1),
		SampleCount:   max(desc.SampleCount, 1),
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "wgpu: create texture %q", desc.Label), gpucore.ErrOutOfMemory)
	}
	h := d.newHandle()
	d.mu.Lock()
	d.textures[h] = raw
	d.mu.Unlock()
	return h, nil
}

// DestroyTexture implements gpucore.Device.
func (d *Device) DestroyTexture(h gpucore.Handle) {
	d.mu.Lock()
	t, ok := d.textures[h]
	delete(d.textures, h)
	d.mu.Unlock()
	if ok {
		d.device.DestroyTexture(t)
	}
}

// AccelStructBuildSizes implements gpucore.Device.
func (d *Device) AccelStructBuildSizes(*gpucore.BuildInputs) (gpucore.BuildSizes, error) {
	return gpucore.BuildSizes{}, gpucore.ErrNotSupported
}

// CreateAccelStruct implements gpucore.Device.
func (d *Device) CreateAccelStruct(*gpucore.AccelStructDescriptor) (gpucore.Handle, uint64, error) {
	return 0, 0, gpucore.ErrNotSupported
}

// DestroyAccelStruct implements gpucore.Device.
func (d *Device) DestroyAccelStruct(gpucore.Handle) {}

// RegisterPipeline implements gpucore.Device. Only compute pipelines are
// supported; the HAL objects stay owned by the caller.
func (d *Device) RegisterPipeline(desc *gpucore.PipelineDescriptor) (gpucore.Handle, error) {
	if desc.Kind != gpucore.PipelineCompute {
		return 0, errors.Wrapf(gpucore.ErrNotSupported, "wgpu: pipeline kind %d", desc.Kind)
	}
	prog, err := resolveProgram(desc.Native)
	if err != nil {
		return 0, errors.Wrapf(err, "wgpu: pipeline %q", desc.Label)
	}
	h := d.newHandle()
	d.mu.Lock()
	d.pipelines[h] = prog
	d.mu.Unlock()
	return h, nil
}

func resolveProgram(native any) (*ComputeProgram, error) {
	switch p := native.(type) {
	case *ComputeProgram:
		if p != nil && p.Pipeline != nil {
			return p, nil
		}
	case ComputeProgram:
		if p.Pipeline != nil {
			return &p, nil
		}
	case hal.ComputePipeline:
		if p != nil {
			return &ComputeProgram{Pipeline: p}, nil
		}
	}
	return nil, errors.Newf("native object %T is not a compute pipeline", native)
}

// DestroyPipeline implements gpucore.Device.
func (d *Device) DestroyPipeline(h gpucore.Handle) {
	d.mu.Lock()
	delete(d.pipelines, h)
	d.mu.Unlock()
}

// CreateQuery implements gpucore.Device.
func (d *Device) CreateQuery(gpucore.QueryKind) (gpucore.Handle, error) {
	return 0, errors.Wrap(gpucore.ErrNotSupported, "wgpu: queries")
}

// DestroyQuery implements gpucore.Device.
func (d *Device) DestroyQuery(gpucore.Handle) {}

// QueryResult implements gpucore.Device.
func (d *Device) QueryResult(h gpucore.Handle) (uint64, bool, error) {
	return 0, false, errors.Wrapf(gpucore.ErrInvalidHandle, "wgpu: query %d", h)
}

// CreateCommandBuffer implements gpucore.Device.
func (d *Device) CreateCommandBuffer(queue gpucore.QueueKind) (gpucore.CommandBuffer, error) {
	if queue != gpucore.QueueGraphics {
		return nil, errors.Wrapf(gpucore.ErrNotSupported, "wgpu: %s queue", queue)
	}
	return &commandBuffer{dev: d, handle: d.newHandle()}, nil
}

// DestroyCommandBuffer implements gpucore.Device.
func (d *Device) DestroyCommandBuffer(cb gpucore.CommandBuffer) {
	if c, ok := cb.(*commandBuffer); ok {
		c.release()
	}
}

// CreateTimeline implements gpucore.Device.
func (d *Device) CreateTimeline() (gpucore.Handle, error) {
	fence, err := d.device.CreateFence()
	if err != nil {
		return 0, errors.Wrap(err, "wgpu: create fence")
	}
	h := d.newHandle()
	d.mu.Lock()
	d.timelines[h] = &timeline{fence: fence}
	d.mu.Unlock()
	return h, nil
}

// DestroyTimeline implements gpucore.Device.
func (d *Device) DestroyTimeline(h gpucore.Handle) {
	d.mu.Lock()
	t, ok := d.timelines[h]
	delete(d.timelines, h)
	d.mu.Unlock()
	if ok {
		d.device.DestroyFence(t.fence)
	}
}

// TimelineValue implements gpucore.Device. The HAL only answers whether a
// fence reached a given value, so pending values are probed in order.
func (d *Device) TimelineValue(h gpucore.Handle) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.timelines[h]
	if !ok {
		return 0, errors.Wrapf(gpucore.ErrInvalidHandle, "wgpu: timeline %d", h)
	}
	for len(t.pending) > 0 {
		v := t.pending[0]
		done, err := d.device.Wait(t.fence, v, 0)
		if err != nil {
			return t.completed, errors.Mark(errors.Wrap(err, "wgpu: poll fence"), gpucore.ErrDeviceLost)
		}
		if !done {
			break
		}
		t.retire(v)
	}
	return t.completed, nil
}

// WaitTimeline implements gpucore.Device.
func (d *Device) WaitTimeline(h gpucore.Handle, value uint64, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	t, ok := d.timelines[h]
	if !ok {
		d.mu.Unlock()
		return false, errors.Wrapf(gpucore.ErrInvalidHandle, "wgpu: timeline %d", h)
	}
	if t.completed >= value {
		d.mu.Unlock()
		return true, nil
	}
	fence := t.fence
	d.mu.Unlock()

	done, err := d.device.Wait(fence, value, timeout)
	if err != nil {
		return false, errors.Mark(errors.Wrap(err, "wgpu: wait for fence"), gpucore.ErrDeviceLost)
	}
	if done {
		d.mu.Lock()
		t.retire(value)
		d.mu.Unlock()
	}
	return done, nil
}

// Submit implements gpucore.Device. There is a single HAL queue, so a wait
// is satisfied by submission order once its value has been submitted. The
// first signal rides on the submission itself; further signals are
// attached to empty submissions that follow it.
func (d *Device) Submit(queue gpucore.QueueKind, batch *gpucore.SubmitBatch) error {
	if queue != gpucore.QueueGraphics {
		return errors.Wrapf(gpucore.ErrNotSupported, "wgpu: %s queue", queue)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return gpucore.ErrDeviceLost
	}

	for _, w := range batch.Waits {
		t, ok := d.timelines[w.Timeline]
		if !ok {
			return errors.Wrapf(gpucore.ErrInvalidHandle, "wgpu: wait on timeline %d", w.Timeline)
		}
		if t.submitted() < w.Value {
			return errors.Newf("wgpu: wait on timeline %d for %d, which no submission signals", w.Timeline, w.Value)
		}
	}
	signals := batch.Signals
	for _, s := range signals {
		if _, ok := d.timelines[s.Timeline]; !ok {
			return errors.Wrapf(gpucore.ErrInvalidHandle, "wgpu: signal of timeline %d", s.Timeline)
		}
	}
	if len(signals) == 0 {
		d.idleValue++
		signals = []gpucore.TimelinePoint{{Timeline: d.idle, Value: d.idleValue}}
	}

	raw := make([]hal.CommandBuffer, 0, len(batch.CommandBuffers))
	for _, c := range batch.CommandBuffers {
		cb, ok := c.(*commandBuffer)
		if !ok || cb.dev != d {
			return errors.Newf("wgpu: foreign command buffer %T", c)
		}
		if cb.cmd == nil {
			return errors.Newf("wgpu: command buffer %d is not executable", cb.handle)
		}
		raw = append(raw, cb.cmd)
	}
	for _, c := range batch.CommandBuffers {
		d.flushShadowsLocked(c.(*commandBuffer))
	}

	first := d.timelines[signals[0].Timeline]
	if err := d.queue.Submit(raw, first.fence, signals[0].Value); err != nil {
		return errors.Wrap(err, "wgpu: submit")
	}
	first.pending = appendPending(first.pending, signals[0].Value)

	for _, s := range signals[1:] {
		t := d.timelines[s.Timeline]
		if err := d.queue.Submit(nil, t.fence, s.Value); err != nil {
			d.logger.Load().Error("wgpu: signal after submit failed", "timeline", s.Timeline, "err", err)
			return errors.Mark(errors.Wrap(err, "wgpu: signal"), gpucore.ErrDeviceLost)
		}
		t.pending = appendPending(t.pending, s.Value)
	}
	return nil
}

func appendPending(pending []uint64, v uint64) []uint64 {
	i, found := slices.BinarySearch(pending, v)
	if found {
		return pending
	}
	return slices.Insert(pending, i, v)
}

// flushShadowsLocked uploads the shadow copies of host-visible buffers the
// command buffer reads from.
func (d *Device) flushShadowsLocked(cb *commandBuffer) {
	for h := range cb.hostReads {
		b, ok := d.buffers[h]
		if !ok || b.shadow == nil {
			continue
		}
		d.queue.WriteBuffer(b.raw, 0, b.shadow)
	}
}

// WaitIdle implements gpucore.Device.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	type target struct {
		h     gpucore.Handle
		value uint64
	}
	targets := make([]target, 0, len(d.timelines))
	for h, t := range d.timelines {
		if v := t.submitted(); v > t.completed {
			targets = append(targets, target{h, v})
		}
	}
	d.mu.Unlock()

	for _, t := range targets {
		ok, err := d.WaitTimeline(t.h, t.value, idleTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Newf("wgpu: timeline %d did not reach %d within %v", t.h, t.value, idleTimeout)
		}
	}
	return nil
}

// Destroy implements gpucore.Device. Objects still alive are destroyed and
// reported at debug level.
func (d *Device) Destroy() {
	if err := d.WaitIdle(); err != nil {
		d.logger.Load().Warn("wgpu: destroy without idle", "err", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true

	if n := len(d.buffers) + len(d.textures); n > 0 {
		d.logger.Load().Debug("wgpu: destroyed with live objects", "count", n)
	}
	for h, b := range d.buffers {
		d.device.DestroyBuffer(b.raw)
		delete(d.buffers, h)
	}
	for h, t := range d.textures {
		d.device.DestroyTexture(t)
		delete(d.textures, h)
	}
	for h, t := range d.timelines {
		d.device.DestroyFence(t.fence)
		delete(d.timelines, h)
	}
	if d.owned {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
}
