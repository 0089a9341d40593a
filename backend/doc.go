// Package backend is the registry of native device implementations.
//
// Backend packages register a factory from init(), so importing a backend
// for side effects makes it selectable:
//
//	import _ "github.com/gogpu/rhi/backend/software"
//
// # Backend Selection
//
// Use Default to open the best available device, or Open to request one by
// name:
//
//	native, name, err := backend.Default()
//
//	native, err := backend.Open("software")
//
// Default tries the registered backends in priority order (wgpu, then
// software) and returns the first one whose factory succeeds.
package backend
