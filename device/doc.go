// Package device is the checked GPU resource layer used by the scale-space
// octaves.
//
// The layer has three parts:
//
//   - [Backend]: the raw device interface. Every operation reports failure
//     through an error: linear memory, layered image arrays with exact
//     (surface) and filtered (texture) views, streams, events and kernel
//     launches.
//   - [CPU]: a reference backend. Each stream is a goroutine draining a FIFO
//     of operations; a kernel launch runs its grid of blocks on a shared
//     worker pool and completes before the next operation on its stream.
//   - [Checked]: the fail-fast wrapper. It tags every failure with the
//     caller's source location and hands it to exactly one fatal handler,
//     which by default prints the diagnostic and terminates the process.
//
// [Tracker] decorates any Backend with per-kind resource accounting and
// failure injection, for leak and teardown tests.
//
// Handles are opaque 64-bit identifiers. The zero value [InvalidID] never
// names a live resource. Views never expose storage addresses: kernels read
// and write samples through [SurfaceView] and [TextureView] values resolved
// from their handles.
package device
