package rhi

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/rhi/gpucore"
)

// InstanceFlags modify how rays interact with an instance.
type InstanceFlags uint8

// Instance flags.
const (
	InstanceTriangleCullDisable InstanceFlags = 1 << iota
	InstanceTriangleFrontCounterClockwise
	InstanceForceOpaque
	InstanceForceNonOpaque
)

// IdentityTransform is the row-major 3x4 identity matrix.
var IdentityTransform = [12]float32{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
}

// InstanceDesc places a bottom-level structure in a top-level one.
// InstanceID and SBTOffset are truncated to 24 bits.
type InstanceDesc struct {
	Transform   [12]float32
	InstanceID  uint32
	Mask        uint8
	SBTOffset   uint32
	Flags       InstanceFlags
	BottomLevel *AccelStruct
}

const instanceField24 = 1<<24 - 1

// encodeInstance writes the packed record for inst into dst, which must be
// at least gpucore.InstanceSize bytes long.
func encodeInstance(dst []byte, inst *InstanceDesc) {
	for i, f := range inst.Transform {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(dst[48:], inst.InstanceID&instanceField24|uint32(inst.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], inst.SBTOffset&instanceField24|uint32(inst.Flags)<<24)
	var addr uint64
	if inst.BottomLevel != nil {
		addr = inst.BottomLevel.DeviceAddress()
	}
	binary.LittleEndian.PutUint64(dst[56:], addr)
}

func encodeInstances(dst []byte, instances []InstanceDesc, lo, hi int) {
	for i := lo; i < hi; i++ {
		encodeInstance(dst[i*gpucore.InstanceSize:], &instances[i])
	}
}

// convertInstances packs instances into dst. Batches at or above the
// parallel threshold are split across the worker pool.
func (d *Device) convertInstances(dst []byte, instances []InstanceDesc) {
	n := len(instances)
	threshold := d.opts.parallelThreshold
	if d.pool == nil || n < threshold {
		encodeInstances(dst, instances, 0, n)
		return
	}
	work := make([]func(), 0, (n+threshold-1)/threshold)
	for lo := 0; lo < n; lo += threshold {
		hi := min(lo+threshold, n)
		work = append(work, func() { encodeInstances(dst, instances, lo, hi) })
	}
	d.pool.ExecuteAll(work)
}
