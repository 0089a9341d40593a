package software

import (
	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/gpucore"
)

func init() {
	backend.Register(backend.Software, func() (gpucore.Device, error) {
		return New(Options{AutoComplete: true}), nil
	})
}
