// Package gpucore defines the native device contract that rhi drives.
//
// A backend implements [Device] and [CommandBuffer] on top of a real graphics
// API or a simulation. Everything above this package (reference counting,
// submission tracking, barrier placement, upload sub-allocation and
// acceleration-structure compaction) lives in the rhi package and only talks
// to the GPU through these interfaces.
//
// # Architecture
//
//	               +-----------------+
//	               |       rhi       |
//	               | (queues, lists) |
//	               +--------+--------+
//	                        |
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	|    software     |          |   wgpu bridge   |
//	|  (simulation)   |          |  (hal.Device)   |
//	+-----------------+          +--------+--------+
//	                                      |
//	                             +--------v--------+
//	                             |   gogpu/wgpu    |
//	                             +-----------------+
//
// # Handles
//
// Native objects are identified by opaque [Handle] values. Zero is never a
// valid handle. Handles are only meaningful to the device that issued them.
//
// # Timelines
//
// Every queue signals a monotonic timeline after each batch. A [SubmitBatch]
// carries the timeline points the device must wait on before running the
// batch and the points it must signal once the batch completes. Devices
// report completion through [Device.TimelineValue] and [Device.WaitTimeline].
package gpucore
