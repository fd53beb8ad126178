package swap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkern/memcore"
	"vmkern/swap"
	"vmkern/vmtest"
)

func TestSwapOutInRoundTrip(t *testing.T) {
	dev := vmtest.NewBlockDevice(swap.FrameSectors*4, swap.SectorSize)
	store := swap.Init(dev)

	page := make([]byte, memcore.PGSIZE)
	for i := range page {
		page[i] = byte(i)
	}

	slot := store.SwapOut(page)
	require.True(t, store.Test(slot))

	readBack := make([]byte, memcore.PGSIZE)
	store.SwapIn(readBack, slot)
	require.Equal(t, page, readBack)
	require.False(t, store.Test(slot), "SwapIn must free the slot it consumed")
}

func TestSwapExhaustionPanics(t *testing.T) {
	dev := vmtest.NewBlockDevice(swap.FrameSectors, swap.SectorSize)
	store := swap.Init(dev)
	page := make([]byte, memcore.PGSIZE)

	store.SwapOut(page)
	require.Panics(t, func() { store.SwapOut(page) })
}

func TestFreeSlotWithoutReading(t *testing.T) {
	dev := vmtest.NewBlockDevice(swap.FrameSectors*2, swap.SectorSize)
	store := swap.Init(dev)
	page := make([]byte, memcore.PGSIZE)

	slot := store.SwapOut(page)
	store.FreeSlot(slot)
	require.False(t, store.Test(slot))
}

func TestInitRejectsMisalignedDevice(t *testing.T) {
	dev := vmtest.NewBlockDevice(swap.FrameSectors+1, swap.SectorSize)
	require.Panics(t, func() { swap.Init(dev) })
}
