// Package webcam captures from V4L2 devices through the blackjack/webcam
// library. Unlike the v4l2 driver it keeps its own kernel buffers and copies
// each frame into the stream's buffer, which works with devices whose
// buffers cannot back a stream pool directly.
//
// Registered as "webcam:<device>".
package webcam
