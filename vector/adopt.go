package vector

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/remotevec/memutils"
	"golang.org/x/exp/slog"
)

// readHeader copies the markers out of a raw image, which may not be aligned
func readHeader(raw []byte) header {
	var h header
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&h)), HeaderSize), raw)
	return h
}

func imageLayout[T any](raw []byte) (size int, capacity int, err error) {
	if len(raw) < HeaderSize+elementSize[T]() {
		return 0, 0, cerrors.Wrapf(memutils.ErrInvalidImage, "image of %d bytes cannot hold a header and one element", len(raw))
	}

	h := readHeader(raw)
	es := uintptr(elementSize[T]())

	switch {
	case h.begin < uintptr(HeaderSize):
		return 0, 0, cerrors.Wrapf(memutils.ErrInvalidImage, "begin marker %#x cannot follow a header", h.begin)
	case h.end < h.begin || h.limit < h.end:
		return 0, 0, cerrors.Wrapf(memutils.ErrInvalidImage, "markers %#x, %#x, %#x are out of order", h.begin, h.end, h.limit)
	case h.limit == h.begin:
		return 0, 0, cerrors.Wrap(memutils.ErrInvalidImage, "image has no storage")
	case (h.end-h.begin)%es != 0 || (h.limit-h.begin)%es != 0:
		return 0, 0, cerrors.Wrapf(memutils.ErrInvalidImage, "markers are not a whole number of %d-byte elements apart", es)
	}

	size = int((h.end - h.begin) / es)
	capacity = int((h.limit - h.begin) / es)
	if len(raw) < HeaderSize+capacity*int(es) {
		return 0, 0, cerrors.Wrapf(memutils.ErrInvalidImage, "image of %d bytes is too short for %d elements", len(raw), capacity)
	}

	return size, capacity, nil
}

// Adopt creates a Vector from the raw image of a block, as returned by Block.Bytes or Vector.Bytes. The
// image may have been produced at any address, including in another process: its markers are validated
// against each other and then re-derived for the new allocation. Trailing bytes past the block's storage
// are ignored. Adopt does not translate between architectures; the image must come from a build with the
// same pointer size, endianness and element layout.
func Adopt[T any](logger *slog.Logger, raw []byte, options CreateOptions[T]) (*Vector[T], error) {
	v, err := newVector(logger, options)
	if err != nil {
		return nil, err
	}

	size, capacity, err := imageLayout[T](raw)
	if err != nil {
		return nil, err
	}

	block, err := newBlock[T](v.allocator, capacity)
	if err != nil {
		return nil, cerrors.Wrap(err, "failed to adopt block image")
	}

	storageBytes := capacity * elementSize[T]()
	storage := unsafe.Slice((*byte)(unsafe.Add(block.Base(), HeaderSize)), storageBytes)
	copy(storage, raw[HeaderSize:HeaderSize+storageBytes])
	block.rebase(size, capacity)

	v.block = block
	v.logger.Debug("Vector::Adopt", slog.Int("Size", size), slog.Int("Capacity", capacity))
	return v, v.validateMutation()
}
