package kmath

import "testing"

import "github.com/stretchr/testify/require"

func TestRounddownRoundup(t *testing.T) {
	require.EqualValues(t, 0x1000, Rounddown(0x1fff, 0x1000))
	require.EqualValues(t, 0x1000, Rounddown(0x1000, 0x1000))
	require.EqualValues(t, 0x2000, Roundup(0x1001, 0x1000))
	require.EqualValues(t, 0x1000, Roundup(0x1000, 0x1000))
}

func TestMin(t *testing.T) {
	require.Equal(t, 3, Min(3, 7))
	require.Equal(t, 3, Min(7, 3))
}

func TestBitsetScanAndFlip(t *testing.T) {
	b := NewBitset(4)
	for i := 0; i < 4; i++ {
		idx, ok := b.ScanAndFlip()
		require.True(t, ok)
		require.Equal(t, i, idx)
	}
	_, ok := b.ScanAndFlip()
	require.False(t, ok, "bitset should report exhaustion once every bit is set")
}

func TestBitsetClearFreesSlot(t *testing.T) {
	b := NewBitset(2)
	first, _ := b.ScanAndFlip()
	second, _ := b.ScanAndFlip()
	require.NotEqual(t, first, second)

	b.Clear(first)
	require.False(t, b.Test(first))

	reused, ok := b.ScanAndFlip()
	require.True(t, ok)
	require.Equal(t, first, reused, "scan should reuse the lowest cleared bit")
}

func TestBitsetOutOfRangePanics(t *testing.T) {
	b := NewBitset(2)
	require.Panics(t, func() { b.Set(2) })
	require.Panics(t, func() { b.Test(-1) })
}
