package vector

import (
	"fmt"
	"iter"
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/remotevec/memutils"
	"github.com/vkngwrapper/remotevec/memutils/alloc"
)

type header struct {
	begin uintptr
	end   uintptr
	limit uintptr
}

// HeaderSize is the number of bytes at the start of every block occupied by its begin, end and limit
// markers. Element storage starts immediately after it.
const HeaderSize = int(unsafe.Sizeof(header{}))

// Block is a growable sequence of T whose markers and elements share a single allocation:
//
//	[begin][end][limit][slot 0][slot 1]...[slot capacity-1]
//
// A *Block[T] is the address of that allocation. Any method that may grow the block returns the block
// to use from then on, which may live at a different address; the receiver must not be touched again
// unless the method returned an error, in which case it is unchanged. Pointers, slices and iterators
// obtained from a block are invalidated by any growing call.
//
// Blocks never run any cleanup for the elements they drop.
type Block[T any] struct {
	header
}

func elementSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// MaxCapacity returns the largest capacity a block of T can have without its allocation size
// overflowing an int
func MaxCapacity[T any]() int {
	return (math.MaxInt - HeaderSize - memutils.DebugMargin) / elementSize[T]()
}

func checkCapacity[T any](capacity int) error {
	if capacity < 1 {
		return cerrors.Wrapf(memutils.ErrInvalidLength, "requested capacity %d", capacity)
	}
	if capacity > MaxCapacity[T]() {
		return cerrors.Wrapf(memutils.ErrOutOfMemory, "requested capacity %d exceeds the maximum of %d", capacity, MaxCapacity[T]())
	}
	return nil
}

func allocationSize[T any](capacity int) int {
	return HeaderSize + capacity*elementSize[T]() + memutils.DebugMargin
}

// NewBlock allocates an empty block with room for capacity elements. The caller owns the block and
// releases the most recent one with allocator.Free(block.Base()). Vector does that bookkeeping itself.
func NewBlock[T any](allocator alloc.Allocator, capacity int) (*Block[T], error) {
	err := checkElementType[T]()
	if err != nil {
		return nil, err
	}

	return newBlock[T](allocator, capacity)
}

func newBlock[T any](allocator alloc.Allocator, capacity int) (*Block[T], error) {
	err := checkCapacity[T](capacity)
	if err != nil {
		return nil, err
	}

	ptr, err := allocator.Allocate(allocationSize[T](capacity))
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to allocate a block of %d elements", capacity)
	}

	b := (*Block[T])(ptr)
	b.rebase(0, capacity)
	return b, nil
}

// rebase derives the markers from the block's current address
func (b *Block[T]) rebase(size, capacity int) {
	es := uintptr(elementSize[T]())
	b.begin = uintptr(unsafe.Pointer(b)) + uintptr(HeaderSize)
	b.end = b.begin + uintptr(size)*es
	b.limit = b.begin + uintptr(capacity)*es

	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(unsafe.Pointer(b), HeaderSize+capacity*int(es))
	}
}

func (b *Block[T]) slot(i int) *T {
	return (*T)(unsafe.Add(unsafe.Pointer(b), HeaderSize+i*elementSize[T]()))
}

func (b *Block[T]) reallocate(allocator alloc.Allocator, capacity int) (*Block[T], error) {
	err := checkCapacity[T](capacity)
	if err != nil {
		return nil, err
	}

	size := min(b.Size(), capacity)

	ptr, err := allocator.Reallocate(unsafe.Pointer(b), allocationSize[T](capacity))
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to reallocate a block of %d elements to %d elements", b.Capacity(), capacity)
	}

	grown := (*Block[T])(ptr)
	grown.rebase(size, capacity)
	return grown, nil
}

// truncate drops elements past the first n without reallocating
func (b *Block[T]) truncate(n int) {
	if n < b.Size() {
		b.end = b.begin + uintptr(n*elementSize[T]())
	}
}

// Resize reallocates the block to hold exactly n elements and makes all of them live. Existing elements
// up to n are kept, elements past n are dropped, and any new slots are set to T's zero value. Afterward
// Size() and Capacity() both equal n.
func (b *Block[T]) Resize(allocator alloc.Allocator, n int) (*Block[T], error) {
	if n < 1 {
		return nil, cerrors.Wrapf(memutils.ErrInvalidLength, "cannot resize to %d elements", n)
	}

	oldSize := b.Size()
	grown, err := b.reallocate(allocator, n)
	if err != nil {
		return nil, err
	}

	var zero T
	for i := min(oldSize, n); i < n; i++ {
		*grown.slot(i) = zero
	}
	grown.end = grown.limit

	return grown, nil
}

// Reserve guarantees room for at least n elements. When the block already has that capacity it is
// returned unchanged. Otherwise it is reallocated to exactly n slots; the size is unchanged and the new
// slots are left as the allocator provided them.
func (b *Block[T]) Reserve(allocator alloc.Allocator, n int) (*Block[T], error) {
	if n <= b.Capacity() {
		return b, nil
	}

	return b.reallocate(allocator, n)
}

// EmplaceBack appends a new element, set to T's zero value and then passed to construct, which may be
// nil. When the block is full its capacity is doubled first.
func (b *Block[T]) EmplaceBack(allocator alloc.Allocator, construct func(*T)) (*Block[T], error) {
	if b.end < b.limit {
		slot := b.slot(b.Size())
		var zero T
		*slot = zero
		if construct != nil {
			construct(slot)
		}

		b.end += uintptr(elementSize[T]())
		return b, nil
	}

	capacity := b.Capacity()
	if capacity >= MaxCapacity[T]() {
		return nil, cerrors.Wrapf(memutils.ErrOutOfMemory, "block is already at its maximum capacity of %d", capacity)
	}

	grown, err := b.Reserve(allocator, min(capacity, MaxCapacity[T]()-capacity)+capacity)
	if err != nil {
		return nil, err
	}

	return grown.EmplaceBack(allocator, construct)
}

// PushBack appends value. It follows the same path as EmplaceBack, so the slot is always initialized
// before the value is stored.
func (b *Block[T]) PushBack(allocator alloc.Allocator, value T) (*Block[T], error) {
	return b.EmplaceBack(allocator, func(slot *T) {
		*slot = value
	})
}

// Erase drops every element. Capacity is unchanged.
func (b *Block[T]) Erase() {
	b.end = b.begin
}

// PopBack drops the last element. It panics if the block is empty.
func (b *Block[T]) PopBack() {
	if b.end == b.begin {
		panic("PopBack called on an empty block")
	}

	b.end -= uintptr(elementSize[T]())
}

func (b *Block[T]) Size() int {
	return int(b.end-b.begin) / elementSize[T]()
}

func (b *Block[T]) Capacity() int {
	return int(b.limit-b.begin) / elementSize[T]()
}

func (b *Block[T]) Empty() bool {
	return b.end == b.begin
}

// At returns a pointer to the element at index i. It panics if i is out of range.
func (b *Block[T]) At(i int) *T {
	size := b.Size()
	if i < 0 || i >= size {
		panic(fmt.Sprintf("index out of range [%d] with length %d", i, size))
	}

	return b.slot(i)
}

// Front returns a pointer to the first element. It panics if the block is empty.
func (b *Block[T]) Front() *T {
	if b.Empty() {
		panic("Front called on an empty block")
	}

	return b.slot(0)
}

// Back returns a pointer to the last element. It panics if the block is empty.
func (b *Block[T]) Back() *T {
	if b.Empty() {
		panic("Back called on an empty block")
	}

	return b.slot(b.Size() - 1)
}

// Slice returns the live elements as a slice backed by the block's storage
func (b *Block[T]) Slice() []T {
	return unsafe.Slice(b.slot(0), b.Size())
}

// All iterates over the live elements in order
func (b *Block[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		size := b.Size()
		for i := 0; i < size; i++ {
			if !yield(i, *b.slot(i)) {
				return
			}
		}
	}
}

// Bytes returns the block's header and element storage as one byte range. This is the image Adopt
// accepts.
func (b *Block[T]) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b)), HeaderSize+b.Capacity()*elementSize[T]())
}

// Base returns the address of the block's allocation
func (b *Block[T]) Base() unsafe.Pointer {
	return unsafe.Pointer(b)
}

func (b *Block[T]) Validate() error {
	es := uintptr(elementSize[T]())
	expectedBegin := uintptr(unsafe.Pointer(b)) + uintptr(HeaderSize)

	if b.begin != expectedBegin {
		return errors.Errorf("block begin %#x does not follow its header at %#x", b.begin, expectedBegin)
	}
	if b.end < b.begin {
		return errors.Errorf("block end %#x is before its begin %#x", b.end, b.begin)
	}
	if b.limit < b.end {
		return errors.Errorf("block limit %#x is before its end %#x", b.limit, b.end)
	}
	if (b.end-b.begin)%es != 0 {
		return errors.Errorf("block holds %d bytes of elements, which is not a multiple of the element size %d", b.end-b.begin, es)
	}
	if (b.limit-b.begin)%es != 0 {
		return errors.Errorf("block has %d bytes of storage, which is not a multiple of the element size %d", b.limit-b.begin, es)
	}
	if b.limit == b.begin {
		return errors.New("block has no storage")
	}

	return nil
}

// CheckCorruption verifies the debug margin following the block's storage. Outside of debug_mem_utils
// builds there is no margin and this always returns nil.
func (b *Block[T]) CheckCorruption() error {
	if !memutils.ValidateMagicValue(unsafe.Pointer(b), HeaderSize+b.Capacity()*elementSize[T]()) {
		return errors.New("memory corruption detected after the end of block storage")
	}

	return nil
}
