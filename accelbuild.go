package rhi

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
)

// ensureStorage makes sure as has room for a result of size bytes. A
// structure that outgrew its storage (for example a compacted structure
// being rebuilt) gets a fresh buffer under the same AccelStruct.
func (cl *CommandList) ensureStorage(as *AccelStruct, size uint64) error {
	old := as.storage.Load()
	if old.size >= size {
		return nil
	}
	storage, err := cl.device.createAccelStorage(as.desc.Kind, size, as.desc.Label)
	if err != nil {
		return err
	}
	cl.track(old)
	cl.tracker.forgetBuffer(as)
	as.storage.Store(storage)
	old.Release()
	cl.device.logger().Debug("rhi: acceleration structure storage grown",
		"label", as.desc.Label, "from", old.size, "to", size)
	return nil
}

// buildCommon records a build of as from inputs once the caller has placed
// barriers on the inputs.
func (cl *CommandList) buildCommon(as *AccelStruct, in *gpucore.BuildInputs) error {
	d := cl.device
	update := in.Flags&BuildPerformUpdate != 0
	if update {
		as.mu.Lock()
		built := as.built
		as.mu.Unlock()
		if !built || as.desc.BuildFlags&BuildAllowUpdate == 0 {
			return invalidf("%s %q: update requires a prior build with BuildAllowUpdate", as.desc.Kind, as.desc.Label)
		}
	}

	sizes, err := d.buildSizes(in)
	if err != nil {
		return err
	}
	if !update {
		if err := cl.ensureStorage(as, sizes.ResultSize); err != nil {
			return errors.Wrapf(err, "rhi: build %s %q", as.desc.Kind, as.desc.Label)
		}
	}

	scratchSize := sizes.BuildScratchSize
	if update {
		scratchSize = sizes.UpdateScratchSize
	}
	var scratchAddr uint64
	if scratchSize > 0 {
		scratch, err := cl.scratch.suballocate(scratchSize, max(d.caps.ScratchAlignment, 1), cl.currentVersion())
		if err != nil {
			return errors.Wrapf(err, "rhi: build %s %q: scratch of %d bytes", as.desc.Kind, as.desc.Label, scratchSize)
		}
		cl.tracker.requireBuffer(scratch.buffer, StateUnorderedAccess)
		cl.track(scratch.buffer)
		scratchAddr = scratch.address()
	}

	cl.tracker.requireBuffer(as, StateAccelStructWrite)
	cl.CommitBarriers()

	storage := as.storage.Load()
	info := gpucore.BuildInfo{
		Inputs:         *in,
		Dst:            storage.handle,
		ScratchAddress: scratchAddr,
	}
	if update {
		info.Src = storage.handle
	}
	cl.native().BuildAccelStruct(&info)
	cl.track(as)

	as.mu.Lock()
	as.built = true
	as.mu.Unlock()
	if as.desc.Kind == BottomLevel && !update {
		cl.restartCompaction(as, in.Flags&BuildAllowCompaction != 0)
	}
	return nil
}

// restartCompaction voids any compaction of the previous contents of as,
// whose compacted size no longer applies, and queues the new contents when
// compact is set. A size query already recorded stays alive through the
// recording that writes it.
func (cl *CommandList) restartCompaction(as *AccelStruct, compact bool) {
	as.mu.Lock()
	as.dropQueryLocked()
	as.compaction = CompactionNotRequested
	as.builtIn = recordingKey{}
	if compact {
		as.builtIn = cl.current.key()
	}
	as.mu.Unlock()

	if compact {
		cl.device.compactor.add(as)
	} else {
		cl.device.compactor.sweep()
	}
}

// BuildBottomLevelAccelStruct builds as from geometries. flags are combined
// with the flags the structure was created with. With BuildAllowCompaction
// the structure is compacted by a later command list once its compacted
// size is known.
func (cl *CommandList) BuildBottomLevelAccelStruct(as *AccelStruct, geometries []GeometryDesc, flags BuildFlags) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	if as.desc.Kind != BottomLevel {
		return errors.Wrapf(ErrAccelStructKind, "rhi: %q is a %s", as.desc.Label, as.desc.Kind)
	}

	in := gpucore.BuildInputs{
		Kind:       BottomLevel,
		Flags:      flags | as.desc.BuildFlags,
		Geometries: make([]gpucore.GeometryDescriptor, len(geometries)),
	}
	for i := range geometries {
		g := &geometries[i]
		in.Geometries[i] = g.native()
		for _, b := range g.inputBuffers() {
			if b == nil {
				continue
			}
			cl.tracker.requireBuffer(b, StateAccelStructBuildInput)
			cl.track(b)
		}
	}
	return cl.buildCommon(as, &in)
}

// BuildTopLevelAccelStruct packs instances into an upload chunk and builds
// as from them. Every referenced bottom-level structure is kept alive until
// the list's submission completes.
func (cl *CommandList) BuildTopLevelAccelStruct(as *AccelStruct, instances []InstanceDesc, flags BuildFlags) error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	if as.desc.Kind != TopLevel {
		return errors.Wrapf(ErrAccelStructKind, "rhi: %q is a %s", as.desc.Label, as.desc.Kind)
	}
	if as.desc.MaxInstances > 0 && uint32(len(instances)) > as.desc.MaxInstances {
		return invalidf("%q: %d instances exceed the maximum of %d", as.desc.Label, len(instances), as.desc.MaxInstances)
	}

	in := gpucore.BuildInputs{
		Kind:          TopLevel,
		Flags:         (flags | as.desc.BuildFlags) &^ BuildAllowCompaction,
		InstanceCount: uint32(len(instances)),
	}
	for i := range instances {
		blas := instances[i].BottomLevel
		if blas == nil {
			continue
		}
		if blas.desc.Kind != BottomLevel {
			return errors.Wrapf(ErrAccelStructKind, "rhi: instance %d of %q references %s %q",
				i, as.desc.Label, blas.desc.Kind, blas.desc.Label)
		}
		cl.tracker.requireBuffer(blas, StateAccelStructRead)
		cl.track(blas)
	}

	if len(instances) > 0 {
		size := uint64(len(instances)) * gpucore.InstanceSize
		alloc, err := cl.upload.suballocate(size, gpucore.InstanceSize, cl.currentVersion())
		if err != nil {
			return errors.Wrapf(err, "rhi: build TLAS %q: instance upload", as.desc.Label)
		}
		cl.device.convertInstances(alloc.bytes(), instances)
		cl.track(alloc.buffer)
		in.InstanceAddress = alloc.address()
	}
	return cl.buildCommon(as, &in)
}

// CompactBottomLevelAccelStructs records compaction for every structure
// whose compacted size is known, and size queries for structures built in
// this recording. Close calls it implicitly.
func (cl *CommandList) CompactBottomLevelAccelStructs() error {
	if err := cl.checkOpen(); err != nil {
		return err
	}
	cl.device.compactor.process(cl)
	return nil
}

// compactor holds bottom-level structures that were built with
// BuildAllowCompaction and have not been compacted or abandoned yet. Each
// pending structure carries one reference owned by the compactor. The
// compactor lock only guards the list; structures advance under their own
// lock.
type compactor struct {
	mu      sync.Mutex
	pending []*AccelStruct
}

func (c *compactor) add(as *AccelStruct) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.Contains(c.pending, as) {
		return
	}
	as.AddRef()
	c.pending = append(c.pending, as)
}

// len returns the number of pending structures.
func (c *compactor) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// process advances every pending structure using cl.
func (c *compactor) process(cl *CommandList) {
	c.mu.Lock()
	snapshot := slices.Clone(c.pending)
	for _, as := range snapshot {
		as.AddRef()
	}
	c.mu.Unlock()

	for _, as := range snapshot {
		cl.advanceCompaction(as)
	}
	c.sweep()
	for _, as := range snapshot {
		as.Release()
	}
}

// sweep removes structures that no longer wait for compaction.
func (c *compactor) sweep() {
	c.mu.Lock()
	var done []*AccelStruct
	keep := c.pending[:0]
	for _, as := range c.pending {
		as.mu.Lock()
		waiting := as.compactionPendingLocked()
		as.mu.Unlock()
		if waiting {
			keep = append(keep, as)
		} else {
			done = append(done, as)
		}
	}
	clear(c.pending[len(keep):])
	c.pending = keep
	c.mu.Unlock()

	for _, as := range done {
		as.Release()
	}
}

// forgetRecording abandons structures whose size query belongs to a
// recording that will never execute. Their queries were never written, so
// they are released right away.
func (c *compactor) forgetRecording(key recordingKey) {
	c.mu.Lock()
	for _, as := range c.pending {
		as.mu.Lock()
		if as.builtIn == key && as.compactionPendingLocked() {
			as.dropQueryLocked()
			as.compaction = CompactionAbandoned
		}
		as.mu.Unlock()
	}
	c.mu.Unlock()
	c.sweep()
}

// drain releases every pending structure.
func (c *compactor) drain() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, as := range pending {
		as.Release()
	}
}

// compactionPendingLocked reports whether as still waits for a size query
// or a compaction copy.
func (as *AccelStruct) compactionPendingLocked() bool {
	switch as.compaction {
	case CompactionNotRequested:
		return as.builtIn != recordingKey{}
	case CompactionQueryIssued, CompactionReady:
		return true
	}
	return false
}

// advanceCompaction moves as one step through compaction.
func (cl *CommandList) advanceCompaction(as *AccelStruct) {
	d := cl.device
	as.mu.Lock()
	defer as.mu.Unlock()

	switch as.compaction {
	case CompactionNotRequested:
		if as.builtIn != cl.current.key() {
			return
		}
		q, err := d.createSizeQuery()
		if err != nil {
			d.logger().Warn("rhi: compaction abandoned, no size query", "label", as.desc.Label, "err", err)
			as.compaction = CompactionAbandoned
			return
		}
		cl.tracker.requireBuffer(as, StateAccelStructRead)
		cl.CommitBarriers()
		cl.native().WriteCompactedSize(as.storage.Load().handle, q.handle)
		cl.track(q)
		as.query = q
		as.compaction = CompactionQueryIssued

	case CompactionQueryIssued:
		size, ready, err := d.native.QueryResult(as.query.handle)
		if err != nil {
			d.noteNativeError(err)
			d.logger().Warn("rhi: compaction abandoned, size query failed", "label", as.desc.Label, "err", err)
			as.dropQueryLocked()
			as.compaction = CompactionAbandoned
			return
		}
		if !ready {
			return
		}
		as.compaction = CompactionReady
		cl.compactLocked(as, size)
	}
}

// dropQueryLocked releases the structure's hold on its size query.
func (as *AccelStruct) dropQueryLocked() {
	if as.query != nil {
		as.query.Release()
		as.query = nil
	}
}

// compactLocked copies as into storage of the compacted size and swaps it
// in. The old storage stays referenced by cl until its submission retires.
func (cl *CommandList) compactLocked(as *AccelStruct, size uint64) {
	d := cl.device
	as.dropQueryLocked()
	old := as.storage.Load()
	if size == 0 || size >= old.size {
		d.logger().Debug("rhi: compaction skipped, no savings",
			"label", as.desc.Label, "size", old.size, "compacted", size)
		as.compaction = CompactionAbandoned
		return
	}

	storage, err := d.createAccelStorage(as.desc.Kind, size, as.desc.Label)
	if err != nil {
		d.logger().Warn("rhi: compaction abandoned", "label", as.desc.Label, "size", size, "err", err)
		as.compaction = CompactionAbandoned
		return
	}

	cl.tracker.requireBuffer(as, StateAccelStructRead)
	cl.CommitBarriers()
	cl.native().CopyAccelStruct(storage.handle, old.handle, gpucore.CopyCompact)
	cl.track(old)
	cl.track(as)

	as.storage.Store(storage)
	cl.tracker.forgetBuffer(as)
	cl.tracker.assumeBuffer(as, StateAccelStructWrite)
	old.Release()

	as.compaction = CompactionCompacted
	d.logger().Info("rhi: acceleration structure compacted",
		"label", as.desc.Label, "from", old.size, "to", size)
}
