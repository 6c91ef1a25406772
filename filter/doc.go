// Package filter decides, per received frame, whether a TCP port match means
// the frame is dropped.
//
// The decision procedure is the same one the in-kernel XDP program in package
// bpf runs: a single length check covering the Ethernet, IPv4 and TCP headers,
// a protocol check, and a comparison of both TCP ports against the match port.
// Every case that can't be classified resolves to Pass.
//
// The port to match comes from a PortSource: either a StaticPort fixed at
// construction, or a StorePort reading a single-slot Store on every frame.
package filter
