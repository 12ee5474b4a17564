package vector

import (
	"iter"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/remotevec/memutils"
	"github.com/vkngwrapper/remotevec/memutils/alloc"
	"golang.org/x/exp/slog"
)

// Vector owns a single Block and the allocator it lives in. Every call that can move the block stores the
// block it gets back, so callers never have to track relocation themselves; only pointers and slices
// taken from the vector go stale.
//
// Vector is not safe for concurrent use.
type Vector[T any] struct {
	logger    *slog.Logger
	flags     CreateFlags
	allocator alloc.Allocator
	release   func(*T)

	block *Block[T]
}

func (v *Vector[T]) checkLive() error {
	if v.block == nil {
		return memutils.ErrDestroyed
	}
	return nil
}

func (v *Vector[T]) validateMutation() error {
	if v.flags&CreateValidateMutations == 0 {
		return nil
	}

	err := v.block.Validate()
	if err != nil {
		return cerrors.Wrap(err, "vector failed validation after mutation")
	}

	return v.block.CheckCorruption()
}

func (v *Vector[T]) reanchor(operation string, block *Block[T]) error {
	if block != v.block {
		v.logger.Debug(operation+" relocated block",
			slog.Int("Size", block.Size()),
			slog.Int("Capacity", block.Capacity()),
		)
	}

	v.block = block
	return v.validateMutation()
}

func (v *Vector[T]) releaseFrom(n int) {
	if v.release == nil {
		return
	}

	for i := n; i < v.block.Size(); i++ {
		v.release(v.block.slot(i))
	}
}

// Resize sets the vector's size and capacity to exactly n, which must be at least 1. Kept elements are
// preserved, dropped elements are released, and new elements are T's zero value.
//
// If reallocation fails the vector keeps its capacity, but elements past n have already been released
// and dropped.
func (v *Vector[T]) Resize(n int) error {
	err := v.checkLive()
	if err != nil {
		return err
	}
	if n < 1 {
		return cerrors.Wrapf(memutils.ErrInvalidLength, "cannot resize to %d elements", n)
	}

	v.releaseFrom(n)
	v.block.truncate(n)

	block, err := v.block.Resize(v.allocator, n)
	if err != nil {
		return err
	}

	return v.reanchor("Vector::Resize", block)
}

// Reserve guarantees room for at least n elements without changing the size
func (v *Vector[T]) Reserve(n int) error {
	err := v.checkLive()
	if err != nil {
		return err
	}

	block, err := v.block.Reserve(v.allocator, n)
	if err != nil {
		return err
	}

	return v.reanchor("Vector::Reserve", block)
}

// EmplaceBack appends an element set to T's zero value and then passed to construct, which may be nil
func (v *Vector[T]) EmplaceBack(construct func(*T)) error {
	err := v.checkLive()
	if err != nil {
		return err
	}

	block, err := v.block.EmplaceBack(v.allocator, construct)
	if err != nil {
		return err
	}

	return v.reanchor("Vector::EmplaceBack", block)
}

func (v *Vector[T]) PushBack(value T) error {
	err := v.checkLive()
	if err != nil {
		return err
	}

	block, err := v.block.PushBack(v.allocator, value)
	if err != nil {
		return err
	}

	return v.reanchor("Vector::PushBack", block)
}

// Erase releases and drops every element. Capacity is unchanged.
func (v *Vector[T]) Erase() error {
	err := v.checkLive()
	if err != nil {
		return err
	}

	v.releaseFrom(0)
	v.block.Erase()
	return v.validateMutation()
}

// PopBack releases and drops the last element. It panics if the vector is empty.
func (v *Vector[T]) PopBack() error {
	err := v.checkLive()
	if err != nil {
		return err
	}

	if v.release != nil && !v.block.Empty() {
		v.release(v.block.Back())
	}
	v.block.PopBack()
	return v.validateMutation()
}

// Size returns the number of live elements, or 0 once the vector is destroyed
func (v *Vector[T]) Size() int {
	if v.block == nil {
		return 0
	}
	return v.block.Size()
}

// Capacity returns the number of element slots in the current block, or 0 once the vector is destroyed
func (v *Vector[T]) Capacity() int {
	if v.block == nil {
		return 0
	}
	return v.block.Capacity()
}

func (v *Vector[T]) Empty() bool {
	return v.Size() == 0
}

func (v *Vector[T]) mustBlock() *Block[T] {
	if v.block == nil {
		panic(memutils.ErrDestroyed)
	}
	return v.block
}

// At returns a pointer to the element at index i, valid until the next call that can move the block. It
// panics if i is out of range.
func (v *Vector[T]) At(i int) *T {
	return v.mustBlock().At(i)
}

func (v *Vector[T]) Front() *T {
	return v.mustBlock().Front()
}

func (v *Vector[T]) Back() *T {
	return v.mustBlock().Back()
}

// Slice returns the live elements as a slice over the block's storage, valid until the next call that
// can move the block
func (v *Vector[T]) Slice() []T {
	if v.block == nil {
		return nil
	}
	return v.block.Slice()
}

func (v *Vector[T]) All() iter.Seq2[int, T] {
	if v.block == nil {
		return func(yield func(int, T) bool) {}
	}
	return v.block.All()
}

// Bytes returns the raw image of the current block, which can be handed to Adopt
func (v *Vector[T]) Bytes() []byte {
	if v.block == nil {
		return nil
	}
	return v.block.Bytes()
}

// Block returns the vector's current block, or nil once the vector is destroyed
func (v *Vector[T]) Block() *Block[T] {
	return v.block
}

// Allocator returns the allocator the vector's block lives in
func (v *Vector[T]) Allocator() alloc.Allocator {
	return v.allocator
}

// Swap exchanges the contents of two vectors, along with their allocators and release hooks
func (v *Vector[T]) Swap(other *Vector[T]) {
	v.block, other.block = other.block, v.block
	v.allocator, other.allocator = other.allocator, v.allocator
	v.release, other.release = other.release, v.release
}

// Destroy releases every live element and frees the vector's block. Destroying a vector twice returns
// memutils.ErrDestroyed.
//
// If freeing the block fails the vector stays live and keeps its capacity, but its elements have already
// been released and dropped.
func (v *Vector[T]) Destroy() error {
	err := v.checkLive()
	if err != nil {
		return err
	}

	v.releaseFrom(0)
	v.block.Erase()

	capacity := v.block.Capacity()
	err = v.allocator.Free(v.block.Base())
	if err != nil {
		return cerrors.Wrap(err, "failed to free vector block")
	}

	v.block = nil
	v.logger.Debug("Vector::Destroy", slog.Int("Capacity", capacity))
	return nil
}

func (v *Vector[T]) Validate() error {
	err := v.checkLive()
	if err != nil {
		return err
	}

	return v.block.Validate()
}

func (v *Vector[T]) CheckCorruption() error {
	err := v.checkLive()
	if err != nil {
		return err
	}

	return v.block.CheckCorruption()
}

// BuildStatsString writes the vector's size, capacity and byte usage, along with the statistics of its
// allocator, as a json object
func (v *Vector[T]) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Destroyed").Bool(v.block == nil)
	obj.Name("Size").Int(v.Size())
	obj.Name("Capacity").Int(v.Capacity())
	obj.Name("ElementSize").Int(elementSize[T]())
	obj.Maybe("BlockBytes", v.block != nil).Int(len(v.Bytes()))

	allocatorObj := obj.Name("Allocator").Object()
	alloc.WriteJson(&allocatorObj, v.allocator)
	allocatorObj.End()
}
