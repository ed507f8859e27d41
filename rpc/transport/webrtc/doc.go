/*
Package webrtc adapts pion data channels to the transport.IChannel interface.

NewChannel wraps an ordered data channel of an existing peer connection. For
benchmarks and tests NewLoopbackPair negotiates two peer connections inside one
process, exchanging the SDP directly instead of through a signaling service.
*/
package webrtc
