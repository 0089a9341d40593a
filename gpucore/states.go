package gpucore

import "strings"

// ResourceStates is a bit set describing how the GPU accesses a resource.
// StateUnknown means the previous use is not known and a transition out of
// it must synchronize against all prior access.
type ResourceStates uint32

// Resource states.
const (
	StateUnknown          ResourceStates = 0
	StateCommon           ResourceStates = 1 << 0
	StateConstantBuffer   ResourceStates = 1 << 1
	StateVertexBuffer     ResourceStates = 1 << 2
	StateIndexBuffer      ResourceStates = 1 << 3
	StateIndirectArgument ResourceStates = 1 << 4
	StateShaderResource   ResourceStates = 1 << 5
	StateUnorderedAccess  ResourceStates = 1 << 6
	StateRenderTarget     ResourceStates = 1 << 7
	StateDepthWrite       ResourceStates = 1 << 8
	StateDepthRead        ResourceStates = 1 << 9
	StateCopyDest         ResourceStates = 1 << 10
	StateCopySource       ResourceStates = 1 << 11
	StateResolveDest      ResourceStates = 1 << 12
	StateResolveSource    ResourceStates = 1 << 13
	StatePresent          ResourceStates = 1 << 14

	StateAccelStructRead       ResourceStates = 1 << 15
	StateAccelStructWrite      ResourceStates = 1 << 16
	StateAccelStructBuildInput ResourceStates = 1 << 17
	StateAccelStructBuildBlas  ResourceStates = 1 << 18
)

var stateNames = [...]string{
	"Common",
	"ConstantBuffer",
	"VertexBuffer",
	"IndexBuffer",
	"IndirectArgument",
	"ShaderResource",
	"UnorderedAccess",
	"RenderTarget",
	"DepthWrite",
	"DepthRead",
	"CopyDest",
	"CopySource",
	"ResolveDest",
	"ResolveSource",
	"Present",
	"AccelStructRead",
	"AccelStructWrite",
	"AccelStructBuildInput",
	"AccelStructBuildBlas",
}

// Has reports whether every bit of other is set in s.
func (s ResourceStates) Has(other ResourceStates) bool {
	return other != 0 && s&other == other
}

// String formats the set as names joined by '|'.
func (s ResourceStates) String() string {
	if s == StateUnknown {
		return "Unknown"
	}
	var b strings.Builder
	for i, name := range stateNames {
		if s&(1<<i) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
	}
	if b.Len() == 0 {
		return "Invalid"
	}
	return b.String()
}

// BufferBarrier transitions a whole buffer. Before equal to After with the
// UnorderedAccess bit set is a UAV barrier.
type BufferBarrier struct {
	Buffer Handle
	Before ResourceStates
	After  ResourceStates
}

// TextureBarrier transitions a texture. When EntireTexture is set the
// MipLevel and ArraySlice fields are ignored.
type TextureBarrier struct {
	Texture       Handle
	EntireTexture bool
	MipLevel      uint32
	ArraySlice    uint32
	Before        ResourceStates
	After         ResourceStates
}
