package wgpu

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/gpucore"
)

var bufferUsageByState = [...]struct {
	state gpucore.ResourceStates
	usage gputypes.BufferUsage
}{
	{gpucore.StateConstantBuffer, gputypes.BufferUsageUniform},
	{gpucore.StateVertexBuffer, gputypes.BufferUsageVertex},
	{gpucore.StateIndexBuffer, gputypes.BufferUsageIndex},
	{gpucore.StateIndirectArgument, gputypes.BufferUsageIndirect},
	{gpucore.StateShaderResource, gputypes.BufferUsageStorage},
	{gpucore.StateUnorderedAccess, gputypes.BufferUsageStorage},
	{gpucore.StateCopyDest, gputypes.BufferUsageCopyDst},
	{gpucore.StateCopySource, gputypes.BufferUsageCopySrc},
}

var textureUsageByState = [...]struct {
	state gpucore.ResourceStates
	usage gputypes.TextureUsage
}{
	{gpucore.StateShaderResource, gputypes.TextureUsageTextureBinding},
	{gpucore.StateUnorderedAccess, gputypes.TextureUsageStorageBinding},
	{gpucore.StateRenderTarget, gputypes.TextureUsageRenderAttachment},
	{gpucore.StateDepthWrite, gputypes.TextureUsageRenderAttachment},
	{gpucore.StateDepthRead, gputypes.TextureUsageRenderAttachment},
	{gpucore.StateResolveDest, gputypes.TextureUsageRenderAttachment},
	{gpucore.StateResolveSource, gputypes.TextureUsageRenderAttachment},
	{gpucore.StatePresent, gputypes.TextureUsageRenderAttachment},
	{gpucore.StateCopyDest, gputypes.TextureUsageCopyDst},
	{gpucore.StateCopySource, gputypes.TextureUsageCopySrc},
}

// bufferUsage maps resource states onto WebGPU buffer usages. States
// without a WebGPU counterpart map to no usage.
func bufferUsage(s gpucore.ResourceStates) gputypes.BufferUsage {
	var u gputypes.BufferUsage
	for _, m := range bufferUsageByState {
		if s&m.state != 0 {
			u |= m.usage
		}
	}
	return u
}

func textureUsage(s gpucore.ResourceStates) gputypes.TextureUsage {
	var u gputypes.TextureUsage
	for _, m := range textureUsageByState {
		if s&m.state != 0 {
			u |= m.usage
		}
	}
	return u
}

// textureTransition is one merged whole-texture transition. HAL barriers
// cover the entire texture, so subresource transitions of the same texture
// in one batch collapse into a single barrier.
type textureTransition struct {
	texture  gpucore.Handle
	from, to gputypes.TextureUsage
}

func mergeTextureBarriers(barriers []gpucore.TextureBarrier) []textureTransition {
	out := make([]textureTransition, 0, len(barriers))
	index := make(map[gpucore.Handle]int, len(barriers))
	for _, b := range barriers {
		i, ok := index[b.Texture]
		if !ok {
			i = len(out)
			index[b.Texture] = i
			out = append(out, textureTransition{texture: b.Texture})
		}
		out[i].from |= textureUsage(b.Before)
		out[i].to |= textureUsage(b.After)
	}
	return out
}

func halExtent(e gputypes.Extent3D) hal.Extent3D {
	return hal.Extent3D{
		Width:              e.Width,
		Height:             e.Height,
		DepthOrArrayLayers: max(e.DepthOrArrayLayers, 1),
	}
}
