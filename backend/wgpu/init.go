//go:build !nogpu

package wgpu

import (
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/gpucore"
)

func init() {
	backend.Register(backend.WGPU, func() (gpucore.Device, error) {
		return Open()
	})
}
