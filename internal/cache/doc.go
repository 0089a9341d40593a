// Package cache provides a small generic LRU cache.
//
// The device uses it to memoize acceleration structure build sizes, which
// are pure functions of the primitive counts and build flags but cost a
// driver round trip to compute.
//
//	sizes := cache.New[string, gpucore.BuildSizes](128)
//	v, err := sizes.GetOrCreate(key, func() (gpucore.BuildSizes, error) {
//	    return native.AccelStructBuildSizes(&inputs)
//	})
//
// # Thread Safety
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
