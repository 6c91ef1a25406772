// Package bpf provides an interface for interacting with the kernelspace
// components of portdrop.
//
// The XDP program is assembled in Go (see Instructions) in one of two modes:
// Static, where the port to drop is an immediate in the program, and Dynamic,
// where the port is read from a single-entry hash map (the port map) on every
// frame. LoadProgram loads it and Program.Start attaches it to an interface,
// blocking until its context is canceled.
//
// This package is intended as an interface to kernelspace, without containing
// specific business logic.
package bpf
