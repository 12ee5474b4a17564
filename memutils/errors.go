package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfMemory is returned (wrapped) by allocators when a request cannot be satisfied. Allocation failure
	// never corrupts the allocation that was being grown: it remains valid at its old address.
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrUnknownAllocation is returned when an allocator receives a pointer it did not hand out, or one
	// that has already been freed
	ErrUnknownAllocation error = errors.New("pointer does not belong to a live allocation")
	// ErrNotRelocatable is returned when an element type cannot be moved by a plain byte copy. In practice
	// this means the type carries Go pointers somewhere in its layout, or has zero size.
	ErrNotRelocatable error = errors.New("element type is not trivially relocatable")
	// ErrUnalignedElement is returned when an element type's alignment does not divide the block header size
	ErrUnalignedElement error = errors.New("element alignment is incompatible with the block header")
	// ErrInvalidLength is returned when a block is asked to hold fewer than one element slot
	ErrInvalidLength error = errors.New("block capacity must be at least one element")
	// ErrDestroyed is returned when a vector is used after Destroy
	ErrDestroyed error = errors.New("vector has already been destroyed")
	// ErrInvalidImage is returned when a raw block image fails validation during adoption
	ErrInvalidImage error = errors.New("invalid block image")
	// ErrUnsupported is returned by allocators that cannot operate on the current platform
	ErrUnsupported error = errors.New("unsupported on this platform")
)
