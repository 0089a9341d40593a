package rhi

import "github.com/gogpu/rhi/gpucore"

// ResourceStates describes how the GPU accesses a resource.
type ResourceStates = gpucore.ResourceStates

// Resource states.
const (
	StateUnknown               = gpucore.StateUnknown
	StateCommon                = gpucore.StateCommon
	StateConstantBuffer        = gpucore.StateConstantBuffer
	StateVertexBuffer          = gpucore.StateVertexBuffer
	StateIndexBuffer           = gpucore.StateIndexBuffer
	StateIndirectArgument      = gpucore.StateIndirectArgument
	StateShaderResource        = gpucore.StateShaderResource
	StateUnorderedAccess       = gpucore.StateUnorderedAccess
	StateRenderTarget          = gpucore.StateRenderTarget
	StateDepthWrite            = gpucore.StateDepthWrite
	StateDepthRead             = gpucore.StateDepthRead
	StateCopyDest              = gpucore.StateCopyDest
	StateCopySource            = gpucore.StateCopySource
	StateResolveDest           = gpucore.StateResolveDest
	StateResolveSource         = gpucore.StateResolveSource
	StatePresent               = gpucore.StatePresent
	StateAccelStructRead       = gpucore.StateAccelStructRead
	StateAccelStructWrite      = gpucore.StateAccelStructWrite
	StateAccelStructBuildInput = gpucore.StateAccelStructBuildInput
	StateAccelStructBuildBlas  = gpucore.StateAccelStructBuildBlas
)

// QueueKind selects a hardware queue.
type QueueKind = gpucore.QueueKind

// Queue kinds.
const (
	QueueGraphics = gpucore.QueueGraphics
	QueueCompute  = gpucore.QueueCompute
	QueueCopy     = gpucore.QueueCopy
)
