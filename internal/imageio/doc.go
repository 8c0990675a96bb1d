// Package imageio reads and writes single-channel planes without loss.
//
// Float planes use the little-endian greyscale Portable Float Map (PFM)
// format, which stores every float32 bit for bit. 8-bit planes use
// Deflate-compressed greyscale TIFF.
package imageio
