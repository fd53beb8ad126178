// Package swap implements the swap store: a fixed number of page-sized
// slots on a block device, tracked by a free-slot bitmap. Grounded on
// original_source/proj3/src/vm/swap.c.
package swap

import (
	"vmkern/kerrors"
	"vmkern/kmath"
	"vmkern/memcore"
)

// SectorSize is the block device's sector size in bytes.
const SectorSize = 512

// FrameSectors is the number of sectors that make up one page-sized slot.
const FrameSectors = memcore.PGSIZE / SectorSize

// NoSlot is the sentinel swap slot index meaning "not in swap".
const NoSlot = -1

// BlockDevice abstracts the swap partition's block driver (out of scope
// per spec §1): sector-addressed, synchronous reads and writes.
type BlockDevice interface {
	// NumSectors reports the device's total sector count.
	NumSectors() int
	// ReadSector reads exactly SectorSize bytes from sector n into dst.
	ReadSector(n int, dst []byte)
	// WriteSector writes exactly SectorSize bytes from src to sector n.
	WriteSector(n int, src []byte)
}

// Store is the swap store: one BlockDevice and the bitmap of free/used
// slots. The bitmap's scan-and-flip is the store's sole atomic operation;
// no separate lock is required beyond what Bitset.ScanAndFlip already
// provides per spec §5 ("Swap bitmap operations are atomic per call").
type Store struct {
	dev   BlockDevice
	slots *kmath.Bitset
}

// Init binds the swap store to a block device, sizing the free-slot
// bitmap at device_sectors / FrameSectors. It fails the assertion from
// spec §4.1 if the sector/page ratio does not hold.
func Init(dev BlockDevice) *Store {
	n := dev.NumSectors()
	kerrors.Assertf(n%FrameSectors == 0, "swap: device sector count %d not a multiple of %d", n, FrameSectors)
	return &Store{
		dev:   dev,
		slots: kmath.NewBitset(n / FrameSectors),
	}
}

// SwapOut atomically claims a free slot and writes the page pointed to by
// page (exactly memcore.PGSIZE bytes) to it, one sector at a time in
// order. It returns the slot index. Running out of swap is a configured
// exhaustion, not a recoverable error, and panics per spec §4.1/§7.
func (s *Store) SwapOut(page []byte) int {
	kerrors.Assertf(len(page) == memcore.PGSIZE, "swap: SwapOut page must be PGSIZE bytes, got %d", len(page))

	slot, ok := s.slots.ScanAndFlip()
	if !ok {
		kerrors.Fatalf("swap: exhausted, no free slot remains")
	}

	base := slot * FrameSectors
	for i := 0; i < FrameSectors; i++ {
		off := i * SectorSize
		s.dev.WriteSector(base+i, page[off:off+SectorSize])
	}
	return slot
}

// SwapIn reads the FrameSectors sectors belonging to slot, in order, into
// page (exactly memcore.PGSIZE bytes), then frees the slot. The slot is
// no longer valid for the caller after this returns.
func (s *Store) SwapIn(page []byte, slot int) {
	kerrors.Assertf(len(page) == memcore.PGSIZE, "swap: SwapIn page must be PGSIZE bytes, got %d", len(page))
	kerrors.Assertf(s.slots.Test(slot), "swap: SwapIn of unused slot %d", slot)

	base := slot * FrameSectors
	for i := 0; i < FrameSectors; i++ {
		off := i * SectorSize
		s.dev.ReadSector(base+i, page[off:off+SectorSize])
	}
	s.slots.Clear(slot)
}

// FreeSlot marks slot free without reading it back. Used when destroying
// a process whose pages are swapped out.
func (s *Store) FreeSlot(slot int) {
	s.slots.Clear(slot)
}

// Test reports whether slot is currently in use. Used only for
// assertions and tests.
func (s *Store) Test(slot int) bool {
	return s.slots.Test(slot)
}

// NumSlots reports the total number of swap slots.
func (s *Store) NumSlots() int {
	return s.slots.Len()
}
