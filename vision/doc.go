// Package vision provides the default capabilities of the pipeline stages:
// frame decoders for the source, a frame-differencing motion analyzer and a
// renderer that pixelates and outlines detected regions.
//
// Frames are uint8 payloads shaped [height, width] or [height, width,
// channels]. Multi-channel frames are reduced to luma for analysis.
package vision
