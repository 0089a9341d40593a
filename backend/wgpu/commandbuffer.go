package wgpu

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/gpucore"
)

// commandBuffer records into a fresh HAL encoder on every Begin. Commands
// the HAL cannot express set a sticky error that End reports.
type commandBuffer struct {
	dev    *Device
	handle gpucore.Handle

	encoder   hal.CommandEncoder
	cmd       hal.CommandBuffer
	program   *ComputeProgram
	hostReads map[gpucore.Handle]struct{}
	err       error
}

var _ gpucore.CommandBuffer = (*commandBuffer)(nil)

func (cb *commandBuffer) Handle() gpucore.Handle { return cb.handle }

func (cb *commandBuffer) Begin() error {
	if cb.encoder != nil || cb.cmd != nil {
		return errors.Newf("wgpu: command buffer %d must be reset before Begin", cb.handle)
	}
	enc, err := cb.dev.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "rhi"})
	if err != nil {
		return errors.Wrap(err, "wgpu: create command encoder")
	}
	if err := enc.BeginEncoding("rhi"); err != nil {
		return errors.Wrap(err, "wgpu: begin encoding")
	}
	cb.encoder = enc
	cb.program = nil
	cb.err = nil
	clear(cb.hostReads)
	return nil
}

func (cb *commandBuffer) End() error {
	if cb.encoder == nil {
		return errors.Newf("wgpu: command buffer %d is not recording", cb.handle)
	}
	enc := cb.encoder
	cb.encoder = nil
	if cb.err != nil {
		enc.DiscardEncoding()
		return cb.err
	}
	cmd, err := enc.EndEncoding()
	if err != nil {
		return errors.Wrap(err, "wgpu: end encoding")
	}
	cb.cmd = cmd
	return nil
}

func (cb *commandBuffer) Reset() error {
	cb.release()
	return nil
}

func (cb *commandBuffer) release() {
	if cb.encoder != nil {
		cb.encoder.DiscardEncoding()
		cb.encoder = nil
	}
	if cb.cmd != nil {
		cb.dev.device.FreeCommandBuffer(cb.cmd)
		cb.cmd = nil
	}
}

func (cb *commandBuffer) fail(err error) {
	if cb.err == nil {
		cb.err = err
	}
}

func (cb *commandBuffer) Barriers(buffers []gpucore.BufferBarrier, textures []gpucore.TextureBarrier) {
	if cb.encoder == nil {
		return
	}
	dev := cb.dev
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if len(buffers) > 0 {
		hb := make([]hal.BufferBarrier, 0, len(buffers))
		for _, b := range buffers {
			raw, ok := dev.buffers[b.Buffer]
			if !ok {
				cb.fail(errors.Wrapf(gpucore.ErrInvalidHandle, "wgpu: barrier on buffer %d", b.Buffer))
				continue
			}
			hb = append(hb, hal.BufferBarrier{
				Buffer: raw.raw,
				Usage: hal.BufferUsageTransition{
					OldUsage: bufferUsage(b.Before),
					NewUsage: bufferUsage(b.After),
				},
			})
		}
		if len(hb) > 0 {
			cb.encoder.TransitionBuffers(hb)
		}
	}

	if len(textures) > 0 {
		merged := mergeTextureBarriers(textures)
		tb := make([]hal.TextureBarrier, 0, len(merged))
		for _, t := range merged {
			raw, ok := dev.textures[t.texture]
			if !ok {
				cb.fail(errors.Wrapf(gpucore.ErrInvalidHandle, "wgpu: barrier on texture %d", t.texture))
				continue
			}
			tb = append(tb, hal.TextureBarrier{
				Texture: raw,
				Usage:   hal.TextureUsageTransition{OldUsage: t.from, NewUsage: t.to},
			})
		}
		if len(tb) > 0 {
			cb.encoder.TransitionTextures(tb)
		}
	}
}

func (cb *commandBuffer) CopyBuffer(dst gpucore.Handle, dstOffset uint64, src gpucore.Handle, srcOffset uint64, size uint64) {
	if cb.encoder == nil {
		return
	}
	dev := cb.dev
	dev.mu.Lock()
	d, ok1 := dev.buffers[dst]
	s, ok2 := dev.buffers[src]
	dev.mu.Unlock()
	if !ok1 || !ok2 {
		cb.fail(errors.Wrapf(gpucore.ErrInvalidHandle, "wgpu: copy %d -> %d", src, dst))
		return
	}
	if s.shadow != nil {
		if cb.hostReads == nil {
			cb.hostReads = make(map[gpucore.Handle]struct{})
		}
		cb.hostReads[src] = struct{}{}
	}
	cb.encoder.CopyBufferToBuffer(s.raw, d.raw, []hal.BufferCopy{
		{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size},
	})
}

func (cb *commandBuffer) BindPipeline(p gpucore.Handle) {
	cb.dev.mu.Lock()
	prog, ok := cb.dev.pipelines[p]
	cb.dev.mu.Unlock()
	if !ok {
		cb.fail(errors.Wrapf(gpucore.ErrInvalidHandle, "wgpu: pipeline %d", p))
		return
	}
	cb.program = prog
}

func (cb *commandBuffer) Dispatch(x, y, z uint32) {
	if cb.encoder == nil {
		return
	}
	if cb.program == nil {
		cb.fail(errors.New("wgpu: dispatch without a bound pipeline"))
		return
	}
	pass := cb.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "rhi"})
	pass.SetPipeline(cb.program.Pipeline)
	for i, bg := range cb.program.BindGroups {
		pass.SetBindGroup(uint32(i), bg, nil)
	}
	pass.Dispatch(x, y, z)
	pass.End()
}

func (cb *commandBuffer) Draw(uint32, uint32, uint32, uint32) {
	cb.fail(errors.Wrap(gpucore.ErrNotSupported, "wgpu: draw outside a render pass"))
}

func (cb *commandBuffer) BuildAccelStruct(*gpucore.BuildInfo) {
	cb.fail(errors.Wrap(gpucore.ErrNotSupported, "wgpu: acceleration structure build"))
}

func (cb *commandBuffer) CopyAccelStruct(gpucore.Handle, gpucore.Handle, gpucore.CopyMode) {
	cb.fail(errors.Wrap(gpucore.ErrNotSupported, "wgpu: acceleration structure copy"))
}

func (cb *commandBuffer) WriteCompactedSize(gpucore.Handle, gpucore.Handle) {
	cb.fail(errors.Wrap(gpucore.ErrNotSupported, "wgpu: compacted size query"))
}

func (cb *commandBuffer) WriteTimestamp(gpucore.Handle) {
	cb.fail(errors.Wrap(gpucore.ErrNotSupported, "wgpu: timestamp"))
}
