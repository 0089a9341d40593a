package backend

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/gpucore"
)

// Backend names.
const (
	// WGPU bridges to gogpu/wgpu's HAL.
	WGPU = "wgpu"

	// Software is the in-memory device.
	Software = "software"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not
	// registered or no backend could be opened.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Factory opens a native device.
type Factory func() (gpucore.Device, error)
