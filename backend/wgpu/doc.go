// Package wgpu implements gpucore.Device on top of gogpu/wgpu's HAL.
//
// The bridge exposes a single graphics queue. Timelines map onto HAL fences,
// command buffers onto HAL command encoders, and resource state transitions
// onto HAL usage transitions. Ray tracing and timestamp queries are not
// available through the HAL and report [gpucore.ErrNotSupported].
//
// A device is obtained in one of three ways:
//
//   - [New] wraps a hal.Device and hal.Queue owned by the caller.
//   - [NewFromProvider] borrows the HAL objects of a gpucontext.DeviceProvider,
//     typically a gogpu window.
//   - [Open] creates its own Vulkan instance and picks the first hardware
//     adapter. Importing this package registers Open as the "wgpu" backend.
//
// Host-visible buffers are shadowed in system memory. Their contents are
// uploaded with hal.Queue.WriteBuffer when a submission that copies from
// them is executed.
package wgpu
