package main

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/gpucore"
)

// sceneState owns a row of bottom-level structures over one shared vertex
// buffer and a top-level structure rebuilt every frame.
type sceneState struct {
	vertices  *rhi.Buffer
	blas      []*rhi.AccelStruct
	tlas      *rhi.AccelStruct
	instances []rhi.InstanceDesc
}

const trianglesPerMesh = 128

func newScene(dev *rhi.Device, meshes, instances int) (*sceneState, error) {
	s := &sceneState{}
	vb, err := dev.CreateBuffer(rhi.BufferDesc{
		Label:                   "scene-vertices",
		Size:                    trianglesPerMesh * 3 * 12,
		Usage:                   gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
		IsAccelStructBuildInput: true,
		InitialState:            rhi.StateAccelStructBuildInput,
		KeepInitialState:        true,
	})
	if err != nil {
		return nil, err
	}
	s.vertices = vb

	geo := rhi.GeometryDesc{
		Kind:  gpucore.GeometryTriangles,
		Flags: gpucore.GeometryOpaque,
		Triangles: rhi.GeometryTriangles{
			VertexBuffer: vb,
			VertexCount:  trianglesPerMesh * 3,
			VertexStride: 12,
			VertexFormat: gputypes.VertexFormatFloat32x3,
		},
	}
	for range meshes {
		as, err := dev.CreateAccelStruct(rhi.AccelStructDesc{
			Label:      "mesh",
			Kind:       rhi.BottomLevel,
			BuildFlags: rhi.BuildAllowCompaction | rhi.BuildPreferFastTrace,
			Geometries: []rhi.GeometryDesc{geo},
		})
		if err != nil {
			s.release()
			return nil, err
		}
		s.blas = append(s.blas, as)
	}

	s.tlas, err = dev.CreateAccelStruct(rhi.AccelStructDesc{
		Label:        "scene",
		Kind:         rhi.TopLevel,
		BuildFlags:   rhi.BuildPreferFastBuild,
		MaxInstances: uint32(instances),
	})
	if err != nil {
		s.release()
		return nil, err
	}

	s.instances = make([]rhi.InstanceDesc, instances)
	for i := range s.instances {
		s.instances[i] = rhi.InstanceDesc{
			Transform:   rhi.IdentityTransform,
			InstanceID:  uint32(i),
			Mask:        0xff,
			BottomLevel: s.blas[i%len(s.blas)],
		}
	}
	return s, nil
}

// record builds the meshes on the first frame, requests compaction from
// then on, and rebuilds the top level with instances shifted per frame.
func (s *sceneState) record(cl *rhi.CommandList, frame int) error {
	if frame == 0 {
		for _, as := range s.blas {
			if err := cl.BuildBottomLevelAccelStruct(as, as.Desc().Geometries, as.Desc().BuildFlags); err != nil {
				return err
			}
		}
	} else if err := cl.CompactBottomLevelAccelStructs(); err != nil {
		return err
	}

	for i := range s.instances {
		s.instances[i].Transform[3] = float32(i*2 + frame)
	}
	return cl.BuildTopLevelAccelStruct(s.tlas, s.instances, s.tlas.Desc().BuildFlags)
}

func (s *sceneState) release() {
	if s.tlas != nil {
		s.tlas.Release()
	}
	for _, as := range s.blas {
		as.Release()
	}
	if s.vertices != nil {
		s.vertices.Release()
	}
}
