package rhi

import "github.com/gogpu/rhi/gpucore"

// bufferLike is a resource whose state is tracked as a single value and
// whose barriers are buffer barriers. Buffers and acceleration structures
// both qualify.
type bufferLike interface {
	Resource
	trackingDefaults() (initial ResourceStates, keep bool)
	barrierHandle() gpucore.Handle
	PermanentState() ResourceStates
}

type bufferTracking struct {
	state ResourceStates
}

// textureTracking holds one state for the whole texture, or a state per
// subresource once a partial range diverged.
type textureTracking struct {
	whole ResourceStates
	subs  []ResourceStates
}

// stateTracker places barriers for one command list. It records the last
// known state of every resource the list touched and queues a barrier only
// when a required state differs from it. Queued barriers reach the native
// command buffer on commit.
type stateTracker struct {
	uavBarriers bool
	// uavOverrides holds per-resource exceptions to uavBarriers for the
	// current recording.
	uavOverrides map[Resource]bool

	buffers  map[bufferLike]*bufferTracking
	textures map[*Texture]*textureTracking

	// order preserves first-use order for the KeepInitialState restore.
	bufferOrder  []bufferLike
	textureOrder []*Texture

	pendingBuffers  []gpucore.BufferBarrier
	pendingTextures []gpucore.TextureBarrier
}

func newStateTracker(uavBarriers bool) *stateTracker {
	return &stateTracker{
		uavBarriers:  uavBarriers,
		uavOverrides: make(map[Resource]bool),
		buffers:      make(map[bufferLike]*bufferTracking),
		textures:     make(map[*Texture]*textureTracking),
	}
}

func (st *stateTracker) reset() {
	clear(st.uavOverrides)
	clear(st.buffers)
	clear(st.textures)
	st.bufferOrder = st.bufferOrder[:0]
	st.textureOrder = st.textureOrder[:0]
	st.pendingBuffers = st.pendingBuffers[:0]
	st.pendingTextures = st.pendingTextures[:0]
}

func (st *stateTracker) bufferEntry(b bufferLike) *bufferTracking {
	t, ok := st.buffers[b]
	if !ok {
		t = &bufferTracking{}
		if initial, keep := b.trackingDefaults(); keep {
			t.state = initial
		}
		st.buffers[b] = t
		st.bufferOrder = append(st.bufferOrder, b)
	}
	return t
}

func (st *stateTracker) textureEntry(tex *Texture) *textureTracking {
	t, ok := st.textures[tex]
	if !ok {
		t = &textureTracking{}
		if tex.desc.KeepInitialState {
			t.whole = tex.desc.InitialState
		}
		st.textures[tex] = t
		st.textureOrder = append(st.textureOrder, tex)
	}
	return t
}

func needsUAVBarrier(enabled bool, before, after ResourceStates) bool {
	return enabled && before&StateUnorderedAccess != 0 && after&StateUnorderedAccess != 0
}

// uavEnabled reports whether back-to-back unordered access on r is
// separated by a barrier.
func (st *stateTracker) uavEnabled(r Resource) bool {
	if on, ok := st.uavOverrides[r]; ok {
		return on
	}
	return st.uavBarriers
}

func (st *stateTracker) setUAVBarriers(r Resource, enabled bool) {
	if enabled == st.uavBarriers {
		delete(st.uavOverrides, r)
		return
	}
	st.uavOverrides[r] = enabled
}

// requireBuffer queues a transition of b into state if needed.
func (st *stateTracker) requireBuffer(b bufferLike, state ResourceStates) {
	if b.PermanentState() != StateUnknown {
		return
	}
	t := st.bufferEntry(b)
	if t.state == state {
		if needsUAVBarrier(st.uavEnabled(b), t.state, state) {
			st.pendingBuffers = append(st.pendingBuffers, gpucore.BufferBarrier{
				Buffer: b.barrierHandle(), Before: state, After: state,
			})
		}
		return
	}
	st.pendingBuffers = append(st.pendingBuffers, gpucore.BufferBarrier{
		Buffer: b.barrierHandle(), Before: t.state, After: state,
	})
	t.state = state
}

// assumeBuffer records state for b without a barrier.
func (st *stateTracker) assumeBuffer(b bufferLike, state ResourceStates) {
	st.bufferEntry(b).state = state
}

// bufferState returns the tracked state of b in this list.
func (st *stateTracker) bufferState(b bufferLike) ResourceStates {
	if ps := b.PermanentState(); ps != StateUnknown {
		return ps
	}
	if t, ok := st.buffers[b]; ok {
		return t.state
	}
	if initial, keep := b.trackingDefaults(); keep {
		return initial
	}
	return StateUnknown
}

// requireTexture queues transitions of the selected subresources of tex
// into state. A whole-texture request on a uniformly tracked texture emits
// one barrier; partial requests split tracking per subresource.
func (st *stateTracker) requireTexture(tex *Texture, sub TextureSubresourceSet, state ResourceStates) {
	if tex.PermanentState() != StateUnknown {
		return
	}
	set, entire := sub.resolve(&tex.desc)
	if set.NumMipLevels == 0 || set.NumArraySlices == 0 {
		return
	}
	t := st.textureEntry(tex)

	if entire && t.subs == nil {
		if t.whole == state {
			if needsUAVBarrier(st.uavEnabled(tex), state, state) {
				st.pendingTextures = append(st.pendingTextures, gpucore.TextureBarrier{
					Texture: tex.handle, EntireTexture: true, Before: state, After: state,
				})
			}
			return
		}
		st.pendingTextures = append(st.pendingTextures, gpucore.TextureBarrier{
			Texture: tex.handle, EntireTexture: true, Before: t.whole, After: state,
		})
		t.whole = state
		return
	}

	if t.subs == nil {
		t.subs = make([]ResourceStates, tex.subresourceCount())
		for i := range t.subs {
			t.subs[i] = t.whole
		}
	}
	for slice := set.BaseArraySlice; slice < set.BaseArraySlice+set.NumArraySlices; slice++ {
		for mip := set.BaseMipLevel; mip < set.BaseMipLevel+set.NumMipLevels; mip++ {
			idx := tex.subresourceIndex(mip, slice)
			before := t.subs[idx]
			if before == state && !needsUAVBarrier(st.uavEnabled(tex), before, state) {
				continue
			}
			st.pendingTextures = append(st.pendingTextures, gpucore.TextureBarrier{
				Texture: tex.handle, MipLevel: mip, ArraySlice: slice, Before: before, After: state,
			})
			t.subs[idx] = state
		}
	}
	if entire {
		t.whole = state
		t.subs = nil
	}
}

// textureState returns the tracked state of one subresource.
func (st *stateTracker) textureState(tex *Texture, mip, slice uint32) ResourceStates {
	if ps := tex.PermanentState(); ps != StateUnknown {
		return ps
	}
	t, ok := st.textures[tex]
	if !ok {
		if tex.desc.KeepInitialState {
			return tex.desc.InitialState
		}
		return StateUnknown
	}
	if t.subs == nil {
		return t.whole
	}
	return t.subs[tex.subresourceIndex(mip, slice)]
}

// restoreInitialStates transitions every KeepInitialState resource touched
// by the list back to its initial state.
func (st *stateTracker) restoreInitialStates() {
	for _, b := range st.bufferOrder {
		if initial, keep := b.trackingDefaults(); keep && initial != StateUnknown {
			if st.buffers[b].state != initial {
				st.requireBuffer(b, initial)
			}
		}
	}
	for _, tex := range st.textureOrder {
		if tex.desc.KeepInitialState && tex.desc.InitialState != StateUnknown {
			t := st.textures[tex]
			if t.subs != nil || t.whole != tex.desc.InitialState {
				st.requireTexture(tex, AllSubresources, tex.desc.InitialState)
			}
		}
	}
}

// forget drops tracking of b so that a later permanent state applies.
func (st *stateTracker) forgetBuffer(b bufferLike) {
	delete(st.buffers, b)
	for i, o := range st.bufferOrder {
		if o == b {
			st.bufferOrder = append(st.bufferOrder[:i], st.bufferOrder[i+1:]...)
			break
		}
	}
}

func (st *stateTracker) forgetTexture(tex *Texture) {
	delete(st.textures, tex)
	for i, o := range st.textureOrder {
		if o == tex {
			st.textureOrder = append(st.textureOrder[:i], st.textureOrder[i+1:]...)
			break
		}
	}
}

func (st *stateTracker) pending() int {
	return len(st.pendingBuffers) + len(st.pendingTextures)
}

// commit flushes queued barriers into cb and returns how many were sent.
func (st *stateTracker) commit(cb gpucore.CommandBuffer) int {
	n := st.pending()
	if n == 0 {
		return 0
	}
	cb.Barriers(st.pendingBuffers, st.pendingTextures)
	st.pendingBuffers = st.pendingBuffers[:0]
	st.pendingTextures = st.pendingTextures[:0]
	return n
}
