// Package gauss implements the blur kernels that fill the data stack of a
// scale-space octave.
//
// Each level is computed by a separable Gaussian sampled from one fixed
// reference plane: Horiz writes a horizontally blurred copy of the
// reference to a scratch plane, and Vert (VertBase for level 0) blurs that
// vertically into the level. VertAllBase does both passes for a range of
// levels in one dispatch with identical results. DoG fills the difference
// stack.
//
// Filters are absolute: the filter of level l takes the reference straight
// to the scale of level l, see [Table].
package gauss
