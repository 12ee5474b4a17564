package metadata

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/remotevec/memutils"
	"golang.org/x/exp/slog"
)

const (
	SmallBufferSize        = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 65 - MemoryClassShift

	// AllocationAlignment is the granularity of every offset and size handed out by TLSFBlockMetadata
	AllocationAlignment uint = 8
)

var blockAllocator = sync.Pool{
	New: func() any {
		return &tlsfBlock{}
	},
}

type tlsfBlock struct {
	offset       int
	size         int
	prevPhysical *tlsfBlock
	nextPhysical *tlsfBlock

	prevFree *tlsfBlock
	nextFree *tlsfBlock

	userData    any
	blockHandle BlockAllocationHandle
}

// A taken block points prevFree at itself, which a listed free block never does
func (b *tlsfBlock) MarkFree() {
	b.prevFree = nil
}

func (b *tlsfBlock) MarkTaken() {
	b.prevFree = b
}

func (b *tlsfBlock) IsFree() bool {
	return b.prevFree != b
}

// TLSFBlockMetadata is a BlockMetadata implementation using the two-level segregated fit algorithm.
// Free ranges are bucketed by size class (the most significant bit of their size) and by a second-level
// subdivision of each class, with bitmaps recording which buckets are populated. The range at the end of
// the region (the null block) is free but never bucketed, so the region can be consumed from its tail
// without touching the free lists.
type TLSFBlockMetadata struct {
	BlockMetadataBase

	allocCount        int
	blocksFreeCount   int
	blocksFreeSize    int
	isFreeBitmap      uint64
	memoryClasses     int
	innerIsFreeBitmap [MaxMemoryClasses]uint32

	nextAllocationHandle BlockAllocationHandle
	handleKey            *swiss.Map[BlockAllocationHandle, *tlsfBlock]
	freeList             []*tlsfBlock
	nullBlock            *tlsfBlock
	tailBlock            *tlsfBlock
}

var _ BlockMetadata = &TLSFBlockMetadata{}

func NewTLSFBlockMetadata() *TLSFBlockMetadata {
	return &TLSFBlockMetadata{}
}

func (m *TLSFBlockMetadata) allocateBlock() *tlsfBlock {
	b := blockAllocator.Get().(*tlsfBlock)
	b.offset = 0
	b.size = 0
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.nextFree = nil
	b.prevFree = nil
	b.userData = nil
	m.nextAllocationHandle++
	b.blockHandle = m.nextAllocationHandle
	m.handleKey.Put(b.blockHandle, b)
	return b
}

func (m *TLSFBlockMetadata) freeBlock(b *tlsfBlock) {
	m.handleKey.Delete(b.blockHandle)
	blockAllocator.Put(b)
}

func (m *TLSFBlockMetadata) getBlock(handle BlockAllocationHandle) (*tlsfBlock, error) {
	block, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this metadata")
	}
	return block, nil
}

// Init prepares the metadata to manage size bytes. The size is rounded down to AllocationAlignment.
func (m *TLSFBlockMetadata) Init(size int) {
	memutils.DebugCheckPow2(AllocationAlignment, "AllocationAlignment")
	size = memutils.AlignDown(size, AllocationAlignment)
	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *tlsfBlock](42)
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}

	m.nullBlock = m.allocateBlock()
	m.nullBlock.size = size
	m.nullBlock.MarkFree()
	m.tailBlock = m.nullBlock
	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << SecondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	listSize += 4

	m.memoryClasses = int(memoryClass + 2)
	m.freeList = make([]*tlsfBlock, listSize)
}

func (m *TLSFBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	calculatedSize := m.nullBlock.size
	calculatedFreeSize := m.nullBlock.size
	var allocCount, freeCount, freeListCount int

	// Check integrity of free lists
	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		block := m.freeList[listIndex]
		if block == nil {
			continue
		}

		if block.prevFree != nil {
			return errors.Errorf("block at offset %d is the head of a free list but has a previous block", block.offset)
		}

		for ; block != nil; block = block.nextFree {
			if !block.IsFree() {
				return errors.Errorf("block at offset %d is in the free list but is not free", block.offset)
			}
			if m.getListIndexFromSize(block.size) != listIndex {
				return errors.Errorf("block at offset %d with size %d is in free list %d, which does not match its size", block.offset, block.size, listIndex)
			}
			if block.nextFree != nil && block.nextFree.prevFree != block {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, block.nextFree.offset)
			}

			freeListCount++
		}
	}

	if m.nullBlock.nextPhysical != nil {
		return errors.New("null block must be the tail of its physical block chain")
	}

	if m.nullBlock.prevPhysical != nil && m.nullBlock.prevPhysical.nextPhysical != m.nullBlock {
		return errors.New("null block has a physical block before it in its chain, but the reverse reference is broken")
	}

	nextOffset := m.nullBlock.offset
	first := m.nullBlock

	for prev := m.nullBlock.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.size <= 0 {
			return errors.Errorf("physical block at offset %d has no size", prev.offset)
		}

		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical block at offset %d does not end at the next block's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size
		first = prev

		if prev.IsFree() {
			freeCount++
			calculatedFreeSize += prev.size
		} else {
			allocCount++
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("block at offset %d has a previous physical block, but the reverse reference is broken", prev.offset)
		}
	}

	if first != m.tailBlock {
		return errors.Errorf("the first physical block is at offset %d, but the tail block is at offset %d", first.offset, m.tailBlock.offset)
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free blocks in the physical list and the number of blocks in the free list do not match! free list size: %d, physical list free blocks: %d", freeListCount, freeCount)
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical block should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the blocks only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free blocks only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken blocks only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the free block count of the metadata is %d, but there were only %d free blocks", m.blocksFreeCount, freeCount)
	}

	return nil
}

func (m *TLSFBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	if m.nullBlock.size > 0 {
		stats.AddUnusedRange(m.nullBlock.size)
	}

	for block := m.nullBlock.prevPhysical; block != nil; block = block.prevPhysical {
		if block.IsFree() {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

func (m *TLSFBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

func (m *TLSFBlockMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.getListIndex(memoryClass, secondIndex)
}

func (m *TLSFBlockMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<SecondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

func (m *TLSFBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *TLSFBlockMetadata) SumFreeSize() int {
	return m.blocksFreeSize + m.nullBlock.size
}

func (m *TLSFBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *TLSFBlockMetadata) sizeToMemoryClass(size int) uint8 {
	if size > SmallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - MemoryClassShift
	}

	return 0
}

func (m *TLSFBlockMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << SecondLevelIndex
		indexVal := uint(size) >> (memoryClass + MemoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	if size < 1 {
		return 0
	}
	return uint16((size - 1) / 64)
}

// CreateAllocationRequest finds a free range able to hold allocSize bytes, rounded up to AllocationAlignment.
func (m *TLSFBlockMetadata) CreateAllocationRequest(allocSize int, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	memutils.DebugValidate(m)

	// Is the region big enough?
	if allocSize > m.Size() {
		return false, allocRequest, nil
	}

	allocSize = memutils.AlignUp(allocSize, AllocationAlignment)

	if allocSize > m.SumFreeSize() {
		return false, allocRequest, nil
	}

	// Any free blocks in the region?
	if m.blocksFreeCount == 0 {
		success := m.checkBlock(m.nullBlock, allocSize, &allocRequest)
		return success, allocRequest, nil
	}

	if strategy&AllocationStrategyMinTime != 0 {
		// Round up to the next list, where any block will do
		sizeForNextList := allocSize

		smallSizeStep := SmallBufferSize / 4
		if allocSize > SmallBufferSize {
			mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
			sizeForNextList += int(uint(1) << (mostSignificantBit - int(SecondLevelIndex)))
		} else if allocSize > SmallBufferSize-smallSizeStep {
			sizeForNextList = SmallBufferSize + 1
		} else {
			sizeForNextList += smallSizeStep
		}

		nextListBlock, _ := m.findFreeBlock(sizeForNextList)
		if nextListBlock != nil && m.checkBlock(nextListBlock, allocSize, &allocRequest) {
			return true, allocRequest, nil
		}

		if m.checkBlock(m.nullBlock, allocSize, &allocRequest) {
			return true, allocRequest, nil
		}
	}

	// Best fit: the allocation's own list first, then every larger one
	for listIndex := m.getListIndexFromSize(allocSize); listIndex < len(m.freeList); listIndex++ {
		for block := m.freeList[listIndex]; block != nil; block = block.nextFree {
			if m.checkBlock(block, allocSize, &allocRequest) {
				return true, allocRequest, nil
			}
		}
	}

	success := m.checkBlock(m.nullBlock, allocSize, &allocRequest)
	return success, allocRequest, nil
}

func (m *TLSFBlockMetadata) checkBlock(
	block *tlsfBlock,
	allocSize int,
	allocRequest *AllocationRequest,
) bool {
	if !block.IsFree() {
		panic(fmt.Sprintf("block at offset %d is already taken", block.offset))
	}

	if block.size < allocSize {
		return false
	}

	allocRequest.BlockAllocationHandle = block.blockHandle
	allocRequest.Size = allocSize
	allocRequest.Offset = block.offset

	return true
}

func (m *TLSFBlockMetadata) findFreeBlock(size int) (*tlsfBlock, int) {
	memoryClass := m.sizeToMemoryClass(size)
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available blocks
		freeMap := m.isFreeBitmap & (math.MaxUint64 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		// Find lowest free region
		memoryClass = uint8(bits.TrailingZeros64(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	// Find lowest free subregion
	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free blocks, but no blocks were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

func (m *TLSFBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.writeJsonData(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
}

func (m *TLSFBlockMetadata) Alloc(req AllocationRequest, userData any) error {
	currentBlock, err := m.getBlock(req.BlockAllocationHandle)
	if err != nil {
		return err
	}

	if !currentBlock.IsFree() {
		return errors.New("allocation request refers to a block that is already taken")
	}
	if currentBlock.offset != req.Offset {
		return errors.New("allocation request had a block allocation header that was incompatible with the requested offset")
	}

	size := req.Size
	if size < 1 || size%int(AllocationAlignment) != 0 {
		return errors.Errorf("allocation request has an invalid size: %d", size)
	}
	if currentBlock.size < size {
		return errors.New("allocation request had a block allocation header too small for the request")
	}

	if currentBlock != m.nullBlock {
		m.removeFreeBlock(currentBlock)
	}

	if currentBlock.size == size {
		if currentBlock == m.nullBlock {
			// Setup a new null block
			m.nullBlock = m.allocateBlock()
			m.nullBlock.size = 0
			m.nullBlock.offset = currentBlock.offset + size
			m.nullBlock.prevPhysical = currentBlock
			m.nullBlock.MarkFree()
			currentBlock.nextPhysical = m.nullBlock
		}
	} else {
		// Create a new free block from the remainder
		newBlock := m.allocateBlock()
		newBlock.size = currentBlock.size - size
		newBlock.offset = currentBlock.offset + size
		newBlock.prevPhysical = currentBlock
		newBlock.nextPhysical = currentBlock.nextPhysical
		currentBlock.nextPhysical = newBlock
		currentBlock.size = size

		if currentBlock == m.nullBlock {
			m.nullBlock = newBlock
			m.nullBlock.MarkFree()
		} else {
			newBlock.nextPhysical.prevPhysical = newBlock
			m.insertFreeBlock(newBlock)
		}
	}

	currentBlock.MarkTaken()
	currentBlock.userData = userData
	m.allocCount++

	return nil
}

func (m *TLSFBlockMetadata) TryResize(allocHandle BlockAllocationHandle, newSize int) (bool, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return false, err
	}
	if block.IsFree() {
		return false, errors.New("cannot resize a free block")
	}
	if newSize < 1 {
		return false, errors.Errorf("invalid size: %d", newSize)
	}

	if newSize > m.Size() {
		return false, nil
	}

	newSize = memutils.AlignUp(newSize, AllocationAlignment)
	if newSize == block.size {
		return true, nil
	}

	next := block.nextPhysical

	if newSize < block.size {
		// Hand the tail back to whatever follows
		diff := block.size - newSize
		if next == m.nullBlock {
			m.nullBlock.offset -= diff
			m.nullBlock.size += diff
		} else if next.IsFree() {
			m.removeFreeBlock(next)
			next.offset -= diff
			next.size += diff
			m.insertFreeBlock(next)
		} else {
			newBlock := m.allocateBlock()
			newBlock.offset = block.offset + newSize
			newBlock.size = diff
			newBlock.prevPhysical = block
			newBlock.nextPhysical = next
			next.prevPhysical = newBlock
			block.nextPhysical = newBlock
			m.insertFreeBlock(newBlock)
		}

		block.size = newSize
		return true, nil
	}

	diff := newSize - block.size
	if !next.IsFree() || next.size < diff {
		return false, nil
	}

	if next == m.nullBlock {
		m.nullBlock.offset += diff
		m.nullBlock.size -= diff
	} else {
		m.removeFreeBlock(next)
		if next.size == diff {
			block.nextPhysical = next.nextPhysical
			next.nextPhysical.prevPhysical = block
			m.freeBlock(next)
		} else {
			next.offset += diff
			next.size -= diff
			m.insertFreeBlock(next)
		}
	}

	block.size = newSize
	return true, nil
}

func (m *TLSFBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return err
	}
	if block.IsFree() {
		return errors.New("block is already free")
	}

	m.allocCount--
	block.userData = nil

	// Try merging
	prev := block.prevPhysical
	if prev != nil && prev.IsFree() {
		m.removeFreeBlock(prev)
		m.mergeBlock(block, prev)
	}

	next := block.nextPhysical
	if next == m.nullBlock {
		m.mergeBlock(m.nullBlock, block)
	} else if next.IsFree() {
		m.removeFreeBlock(next)
		m.mergeBlock(next, block)
		m.insertFreeBlock(next)
	} else {
		m.insertFreeBlock(block)
	}

	return nil
}

func (m *TLSFBlockMetadata) removeFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot remove the null block")
	}
	if !block.IsFree() {
		panic("provided block is not free")
	}

	// Remove from free list chain
	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		memClass := m.sizeToMemoryClass(block.size)
		secondIndex := m.sizeToSecondIndex(block.size, memClass)
		index := m.getListIndex(memClass, secondIndex)

		if m.freeList[index] != block {
			panic("block was not in the free list at the expected location")
		}
		m.freeList[index] = block.nextFree
		if block.nextFree == nil {
			m.innerIsFreeBitmap[memClass] &^= 1 << secondIndex
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &^= 1 << memClass
			}
		}
	}

	// Set up block for use
	block.nextFree = nil
	block.MarkTaken()
	block.userData = nil
	m.blocksFreeCount--
	m.blocksFreeSize -= block.size
}

func (m *TLSFBlockMetadata) insertFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot insert the null block")
	}

	memClass := m.sizeToMemoryClass(block.size)
	secondIndex := m.sizeToSecondIndex(block.size, memClass)
	index := m.getListIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for block")
	}

	block.prevFree = nil
	block.nextFree = m.freeList[index]
	m.freeList[index] = block
	if block.nextFree != nil {
		block.nextFree.prevFree = block
	} else {
		m.innerIsFreeBitmap[memClass] |= 1 << secondIndex
		m.isFreeBitmap |= 1 << memClass
	}
	m.blocksFreeCount++
	m.blocksFreeSize += block.size
}

func (m *TLSFBlockMetadata) mergeBlock(block *tlsfBlock, prev *tlsfBlock) {
	if block.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}

	block.offset = prev.offset
	block.size += prev.size
	block.prevPhysical = prev.prevPhysical
	if block.prevPhysical != nil {
		block.prevPhysical.nextPhysical = block
	} else {
		m.tailBlock = block
	}

	m.freeBlock(prev)
}

func (m *TLSFBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for block := m.tailBlock; block != nil; block = block.nextPhysical {
		if block == m.nullBlock && block.size == 0 {
			continue
		}

		err := handleBlock(block.blockHandle, block.offset, block.size, block.userData, block.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *TLSFBlockMetadata) Clear() {
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0
	m.nullBlock.offset = 0
	m.nullBlock.size = m.size
	block := m.nullBlock.prevPhysical
	m.nullBlock.prevPhysical = nil
	m.tailBlock = m.nullBlock

	for block != nil {
		prev := block.prevPhysical
		m.freeBlock(block)
		block = prev
	}

	m.freeList = make([]*tlsfBlock, len(m.freeList))
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
}

// DebugLogAllAllocations calls logFunc once for every live allocation, in offset order
func (m *TLSFBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	for block := m.tailBlock; block != nil; block = block.nextPhysical {
		if !block.IsFree() {
			logFunc(logger, block.offset, block.size, block.userData)
		}
	}
}

func (m *TLSFBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	if block.IsFree() {
		return 0, errors.New("size cannot be retrieved for a free block")
	}

	return block.size, nil
}
