package rhi

import "github.com/gogpu/rhi/gpucore"

// PipelineDesc registers a backend pipeline object with the device.
type PipelineDesc struct {
	Label  string
	Kind   gpucore.PipelineKind
	Native any
}

// Pipeline is a reference-counted pipeline state object.
type Pipeline struct {
	refCounter

	desc   PipelineDesc
	handle gpucore.Handle
}

// Desc returns the registration descriptor.
func (p *Pipeline) Desc() PipelineDesc { return p.desc }

// NativeHandle returns the backend handle.
func (p *Pipeline) NativeHandle() gpucore.Handle { return p.handle }

// Kind returns KindPipeline.
func (p *Pipeline) Kind() ResourceKind { return KindPipeline }

// CreatePipeline registers a pipeline.
func (d *Device) CreatePipeline(desc PipelineDesc) (*Pipeline, error) {
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	h, err := d.native.RegisterPipeline(&gpucore.PipelineDescriptor{
		Label:  desc.Label,
		Kind:   desc.Kind,
		Native: desc.Native,
	})
	if err != nil {
		return nil, d.wrapAllocation(err, "pipeline %q", desc.Label)
	}
	p := &Pipeline{desc: desc, handle: h}
	nd := d.native
	p.init(d.arena, p, func() { nd.DestroyPipeline(h) })
	return p, nil
}
