package rhi

import (
	"sync/atomic"

	"github.com/gogpu/rhi/gpucore"
)

// ResourceKind classifies resource objects for arena accounting.
type ResourceKind uint8

// Resource kinds.
const (
	KindBuffer ResourceKind = iota
	KindTexture
	KindAccelStruct
	KindAccelStorage
	KindPipeline
	KindEventQuery
	KindTimerQuery
	KindSizeQuery

	resourceKindCount
)

var resourceKindNames = [resourceKindCount]string{
	"buffer", "texture", "accel-struct", "accel-storage", "pipeline", "event-query", "timer-query",
	"size-query",
}

// String returns the kind name.
func (k ResourceKind) String() string {
	if k < resourceKindCount {
		return resourceKindNames[k]
	}
	return "unknown"
}

// Resource is the capability set shared by all GPU objects. A resource is
// created with one reference owned by the caller. Command lists add a
// reference for every resource they record and drop it once the GPU has
// finished the submission, so a resource released by the caller mid-flight
// is destroyed only after the GPU is done with it.
type Resource interface {
	// AddRef adds a reference and returns the new count.
	AddRef() int32

	// Release drops a reference and returns the new count. The native
	// object is destroyed when the count reaches zero.
	Release() int32

	// RefCount returns the current count.
	RefCount() int32

	// NativeHandle returns the backend handle of the object.
	NativeHandle() gpucore.Handle

	// Kind returns the resource kind.
	Kind() ResourceKind
}

// refCounter implements the counting half of Resource. Embedders call init
// once, before publishing the object.
type refCounter struct {
	refs    atomic.Int32
	arena   Arena
	self    Resource
	destroy func()
}

func (r *refCounter) init(arena Arena, self Resource, destroy func()) {
	r.refs.Store(1)
	r.arena = arena
	r.self = self
	r.destroy = destroy
	arena.Adopt(self)
}

func (r *refCounter) AddRef() int32 {
	return r.refs.Add(1)
}

func (r *refCounter) Release() int32 {
	n := r.refs.Add(-1)
	switch {
	case n == 0:
		r.arena.Reclaim(r.self, r.destroy)
	case n < 0:
		panic("rhi: resource released more often than referenced")
	}
	return n
}

func (r *refCounter) RefCount() int32 {
	return r.refs.Load()
}
