package vector

import (
	"strings"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/remotevec/memutils/alloc"
	"golang.org/x/exp/slog"
)

// CreateFlags exposes options for vector behavior that can be applied at creation time
type CreateFlags int32

const (
	// CreateValidateMutations instructs the vector to validate its block after every call that changes
	// it, returning the validation error from that call. This is expensive and intended for tests and
	// debugging.
	CreateValidateMutations CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateValidateMutations: "CreateValidateMutations",
}

func (f CreateFlags) String() string {
	var names []string
	for flag := CreateFlags(1); flag != 0 && flag <= f; flag <<= 1 {
		if f&flag == 0 {
			continue
		}

		name, ok := createFlagsMapping[flag]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	if len(names) == 0 {
		return "None"
	}

	return strings.Join(names, "|")
}

// CreateOptions contains optional settings when creating a Vector
type CreateOptions[T any] struct {
	// Flags is a bitmask of CreateFlags that control vector behavior
	Flags CreateFlags
	// Allocator is the backend the vector's block is allocated and grown through. If nil, the vector
	// creates a private alloc.HeapAllocator.
	Allocator alloc.Allocator
	// Release, if not nil, is called with every element the vector drops: elements truncated by Resize,
	// Erase and PopBack, and every element still live at Destroy. Without it, dropped elements are simply
	// forgotten.
	Release func(element *T)
}

// New creates an empty Vector with room for one element. T must be trivially relocatable: it may not
// contain Go pointers of any kind, and it must have a non-zero size. Other types are rejected with
// memutils.ErrNotRelocatable. A nil logger logs through slog.Default().
func New[T any](logger *slog.Logger, options CreateOptions[T]) (*Vector[T], error) {
	v, err := newVector(logger, options)
	if err != nil {
		return nil, err
	}

	block, err := newBlock[T](v.allocator, 1)
	if err != nil {
		return nil, cerrors.Wrap(err, "failed to create vector")
	}

	v.block = block
	return v, v.validateMutation()
}

func newVector[T any](logger *slog.Logger, options CreateOptions[T]) (*Vector[T], error) {
	err := checkElementType[T]()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	allocator := options.Allocator
	if allocator == nil {
		allocator = alloc.NewHeapAllocator(logger, alloc.HeapCreateOptions{})
	}

	return &Vector[T]{
		logger:    logger,
		flags:     options.Flags,
		allocator: allocator,
		release:   options.Release,
	}, nil
}
