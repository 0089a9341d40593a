// Package rhi is a rendering hardware interface layered over a native GPU
// device.
//
// rhi turns the raw command buffers, timelines and allocations exposed by a
// [gpucore.Device] into an API where resources are reference counted and
// destroyed only after the GPU is done with them, barriers are placed
// automatically from declared resource states, transient upload and scratch
// memory is sub-allocated from reusable chunks, and bottom-level ray
// tracing structures are compacted in the background.
//
// # Quick Start
//
//	native := software.New(software.Options{AutoComplete: true})
//	dev, err := rhi.NewDevice(native)
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	buf, _ := dev.CreateBuffer(rhi.BufferDesc{Size: 4096, Usage: gputypes.BufferUsageStorage})
//	defer buf.Release()
//
//	cl, _ := dev.CreateCommandList(rhi.CommandListParams{Queue: rhi.QueueGraphics})
//	_ = cl.Open()
//	_ = cl.WriteBuffer(buf, data, 0)
//	_ = cl.Close()
//	id, _ := dev.ExecuteCommandLists(rhi.QueueGraphics, cl)
//	_, _ = dev.Queue(rhi.QueueGraphics).WaitCommandList(id, time.Second)
//
// # Submission Tracking
//
// Every queue keeps a monotonic counter. A successful submit is assigned the
// next ID and signals the queue timeline with it; a submission has finished
// once the timeline reaches its ID. Command buffers and the resources they
// reference are recycled by [Device.RunGarbageCollection] only after that
// point.
//
// # Resource States
//
// Command lists track the state of each resource they touch and emit a
// barrier only when a required state differs from the tracked one.
// Resources created with KeepInitialState are returned to their initial
// state when a list closes. Permanent states stop tracking altogether.
//
// # Logging
//
// rhi logs through log/slog and is silent by default. See [SetLogger] and
// [WithLogger].
package rhi
