// Package software is an in-memory gpucore device.
//
// It executes copies, acceleration structure builds and queries on the CPU
// and models timelines, per-queue batch ordering and cross-queue waits.
// Completion is explicit: batches run when Step, CompleteAll or WaitIdle is
// called, or on Submit when Options.AutoComplete is set. This makes it
// suitable both as a headless fallback and as a deterministic test double.
//
// The device checks what the GPU would otherwise silently get wrong:
// command buffers reset while still pending, commands that reference
// destroyed objects, builds into undersized storage and misaligned scratch.
// Such faults are counted in Stats and logged at warn level.
//
// Importing the package registers it with the backend registry under
// [backend.Software].
package software
