package rhi

import (
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/gpucore"
)

// TextureDesc describes a texture. ArraySize is the number of array slices
// of 1D and 2D textures; Depth is used by 3D textures.
type TextureDesc struct {
	Label       string
	Width       uint32
	Height      uint32
	Depth       uint32
	ArraySize   uint32
	MipLevels   uint32
	SampleCount uint32
	Dimension   gputypes.TextureDimension
	Format      gputypes.TextureFormat
	Usage       gputypes.TextureUsage

	InitialState     ResourceStates
	KeepInitialState bool
}

func (d *TextureDesc) normalize() {
	if d.Depth == 0 {
		d.Depth = 1
	}
	if d.ArraySize == 0 {
		d.ArraySize = 1
	}
	if d.MipLevels == 0 {
		d.MipLevels = 1
	}
	if d.SampleCount == 0 {
		d.SampleCount = 1
	}
}

// AllSubresources selects every mip level and array slice.
var AllSubresources = TextureSubresourceSet{NumMipLevels: ^uint32(0), NumArraySlices: ^uint32(0)}

// TextureSubresourceSet selects a range of mip levels and array slices.
// Counts that run past the end of the texture are clamped.
type TextureSubresourceSet struct {
	BaseMipLevel   uint32
	NumMipLevels   uint32
	BaseArraySlice uint32
	NumArraySlices uint32
}

// resolve clamps s to the texture and reports whether it covers all of it.
func (s TextureSubresourceSet) resolve(desc *TextureDesc) (TextureSubresourceSet, bool) {
	out := s
	if out.BaseMipLevel >= desc.MipLevels || out.BaseArraySlice >= desc.ArraySize {
		return TextureSubresourceSet{}, false
	}
	if rem := desc.MipLevels - out.BaseMipLevel; out.NumMipLevels > rem {
		out.NumMipLevels = rem
	}
	if rem := desc.ArraySize - out.BaseArraySlice; out.NumArraySlices > rem {
		out.NumArraySlices = rem
	}
	entire := out.BaseMipLevel == 0 && out.BaseArraySlice == 0 &&
		out.NumMipLevels == desc.MipLevels && out.NumArraySlices == desc.ArraySize
	return out, entire
}

// Texture is a reference-counted GPU texture.
type Texture struct {
	refCounter

	desc      TextureDesc
	handle    gpucore.Handle
	permanent atomic.Uint32
}

var _ Resource = (*Texture)(nil)

// Desc returns the normalized descriptor.
func (t *Texture) Desc() TextureDesc { return t.desc }

// NativeHandle returns the backend handle.
func (t *Texture) NativeHandle() gpucore.Handle { return t.handle }

// Kind returns KindTexture.
func (t *Texture) Kind() ResourceKind { return KindTexture }

// PermanentState returns the permanent state, or StateUnknown.
func (t *Texture) PermanentState() ResourceStates {
	return ResourceStates(t.permanent.Load())
}

func (t *Texture) subresourceCount() int {
	return int(t.desc.MipLevels * t.desc.ArraySize)
}

func (t *Texture) subresourceIndex(mip, slice uint32) int {
	return int(slice*t.desc.MipLevels + mip)
}

// CreateTexture allocates a texture.
func (d *Device) CreateTexture(desc TextureDesc) (*Texture, error) {
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	desc.normalize()
	if desc.Width == 0 || desc.Height == 0 {
		return nil, invalidf("texture %q: zero extent %dx%d", desc.Label, desc.Width, desc.Height)
	}

	layers := desc.ArraySize
	if desc.Dimension == gputypes.TextureDimension3D {
		layers = desc.Depth
		desc.ArraySize = 1
	}
	h, err := d.native.CreateTexture(&gpucore.TextureDescriptor{
		Label:         desc.Label,
		Size:          gputypes.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: layers},
		MipLevelCount: desc.MipLevels,
		SampleCount:   desc.SampleCount,
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		d.logger().Warn("rhi: texture allocation failed", "label", desc.Label, "err", err)
		return nil, d.wrapAllocation(err, "texture %q", desc.Label)
	}

	t := &Texture{desc: desc, handle: h}
	nd := d.native
	t.init(d.arena, t, func() { nd.DestroyTexture(h) })
	return t, nil
}
