// Package transport abstracts the page-fault delivery and memory-protection
// primitives the VMM binds to. The "kernel" variant (uffd_linux.go) drives
// the Linux userfaultfd(2) facility; Fake (fake.go) simulates the same
// contract in pure Go for tests and non-Linux development.
package transport

import "fmt"

// FaultEvent mirrors spec.md's {address, is_wp, is_write} descriptor.
type FaultEvent struct {
	Address uint64
	IsWP    bool
	IsWrite bool
}

// Deliver is invoked by a transport, once per observed fault, from whatever
// goroutine the transport uses to poll its fault source. Implementations
// must not block for long inside Deliver.
type Deliver func(FaultEvent)

// Transport is the fault source / memory-protection collaborator the VMM
// binds to one instance per region (SPEC_FULL §6, Design Notes "Polymorphism
// over fault sources").
type Transport interface {
	// Reserve maps capacity bytes starting at addr (kernel-chosen if addr
	// is 0), fixed if addr is non-zero, with read-only or read-write
	// protection. Returns the actual base address.
	Reserve(addr uintptr, capacity uint64, fixed, readOnly bool) (uintptr, error)

	// Bind registers the fault source over [base, base+capacity) and starts
	// delivering FaultEvents to deliver until Close.
	Bind(base uintptr, capacity uint64, deliver Deliver) error

	// PopulateWP atomically copies src into [dst, dst+len(src)) and arms
	// write-protection on that range in one operation, without waking any
	// faulter stalled on it (spec.md §4.3, "do not split").
	PopulateWP(dst uintptr, src []byte) error

	// WriteProtect toggles write-protection on [addr, addr+length).
	WriteProtect(addr uintptr, length uint64, protect bool) error

	// Wake releases any faulting threads stalled on [addr, addr+length).
	Wake(addr uintptr, length uint64) error

	// Unmap is the eviction primitive: it atomically discards the physical
	// backing of [addr, addr+length) and re-arms the fault source so a
	// future access faults again as missing.
	Unmap(addr uintptr, length uint64) error

	// Bytes returns the raw backing slice for the reserved region.
	Bytes() []byte

	// Touch ensures [addr, addr+length) is resident (and, if write is
	// true, writable) before the caller indexes into Bytes(). On the real
	// transport this is a no-op: touching Bytes() directly is what raises
	// the kernel fault. On Fake it performs the simulated wait.
	Touch(addr uintptr, length uint64, write bool) error

	// Close releases transport resources.
	Close() error
}

// ErrUnsupported is returned by transports that cannot operate on the
// current platform.
var ErrUnsupported = fmt.Errorf("transport: unsupported on this platform")
