package frame_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkern/filebackend"
	"vmkern/frame"
	"vmkern/memcore"
	"vmkern/swap"
	"vmkern/vmtest"
)

// fakeOwner is a minimal frame.PageOwner for tests, standing in for an
// spt.Entry without importing spt (which would create the cycle the
// frame/spt split exists to avoid).
type fakeOwner struct {
	addr     memcore.UVaddr
	dir      memcore.PageDirectory
	kind     memcore.PageKind
	writable bool
	file     filebackend.File
	offset   int64

	swappedTo int
	discarded bool
	freed     bool
}

func (o *fakeOwner) Addr() memcore.UVaddr             { return o.addr }
func (o *fakeOwner) Directory() memcore.PageDirectory { return o.dir }
func (o *fakeOwner) Kind() memcore.PageKind           { return o.kind }
func (o *fakeOwner) Writable() bool                   { return o.writable }
func (o *fakeOwner) WritebackTarget() (filebackend.File, int64, bool) {
	if o.kind == memcore.KindZero {
		return nil, 0, false
	}
	return o.file, o.offset, true
}
func (o *fakeOwner) OnEvictSwap(slot int) { o.swappedTo = slot }
func (o *fakeOwner) OnEvictDiscard()      { o.discarded = true }
func (o *fakeOwner) OnFree()              { o.freed = true }

func newTable(t *testing.T, capacity int) (*frame.Table, *vmtest.PhysAllocator, *swap.Store) {
	t.Helper()
	alloc := vmtest.NewPhysAllocator(capacity)
	dev := vmtest.NewBlockDevice(swap.FrameSectors*8, swap.SectorSize)
	sw := swap.Init(dev)
	return frame.New(alloc, sw), alloc, sw
}

func TestAllocPinsAndInstalls(t *testing.T) {
	ft, alloc, _ := newTable(t, 4)
	dir := vmtest.NewPageDirectory()
	owner := &fakeOwner{addr: 0x08049000, dir: dir, kind: memcore.KindZero, writable: true}

	id, buf := ft.Alloc(owner, true, true)
	require.Len(t, buf, memcore.PGSIZE)
	require.True(t, dir.Mapped(owner.addr))
	require.Equal(t, 1, alloc.Live())
	require.Equal(t, 1, ft.Len())

	ft.Free(id)
	require.False(t, dir.Mapped(owner.addr))
	require.Equal(t, 0, alloc.Live())
	require.True(t, owner.freed)
}

func TestFreeWritesBackDirtyFilePage(t *testing.T) {
	ft, _, _ := newTable(t, 4)
	dir := vmtest.NewPageDirectory()
	backing := vmtest.NewFile(make([]byte, memcore.PGSIZE))
	owner := &fakeOwner{addr: 0x08049000, dir: dir, kind: memcore.KindFile, writable: true, file: backing, offset: 0}

	id, buf := ft.Alloc(owner, false, true)
	for i := range buf {
		buf[i] = 0x42
	}
	dir.Touch(owner.addr, true)

	ft.Free(id)

	snap := backing.Snapshot()
	for _, b := range snap {
		require.Equal(t, byte(0x42), b)
	}
}

func TestEvictSkipsPinnedFrames(t *testing.T) {
	ft, _, _ := newTable(t, 2)
	dirPinned := vmtest.NewPageDirectory()
	pinned := &fakeOwner{addr: 0x08049000, dir: dirPinned, kind: memcore.KindZero, writable: true}
	ft.Alloc(pinned, true, true) // stays pinned: caller never unpins

	dirIdle := vmtest.NewPageDirectory()
	idle := &fakeOwner{addr: 0x0804a000, dir: dirIdle, kind: memcore.KindZero, writable: true, swappedTo: swap.NoSlot}
	ft.Alloc(idle, true, true)
	ft.Unpin(idle)

	dirNew := vmtest.NewPageDirectory()
	fresh := &fakeOwner{addr: 0x0804b000, dir: dirNew, kind: memcore.KindZero, writable: true}
	ft.Alloc(fresh, true, true) // capacity 2 is full: this forces exactly one eviction

	require.True(t, dirPinned.Mapped(pinned.addr), "pinned frame must never be evicted")
	require.False(t, dirIdle.Mapped(idle.addr), "idle unpinned frame is the only eviction candidate")
	require.True(t, idle.discarded || idle.swappedTo != swap.NoSlot)
}

func TestEvictZeroPageGoesToSwap(t *testing.T) {
	ft, _, sw := newTable(t, 1)
	dirA := vmtest.NewPageDirectory()
	a := &fakeOwner{addr: 0x08049000, dir: dirA, kind: memcore.KindZero, writable: true}
	_, _ = ft.Alloc(a, true, true)
	ft.Unpin(a)

	dirB := vmtest.NewPageDirectory()
	b := &fakeOwner{addr: 0x0804a000, dir: dirB, kind: memcore.KindZero, writable: true}
	_, _ = ft.Alloc(b, true, true)

	require.False(t, a.discarded)
	require.True(t, sw.Test(a.swappedTo))
	require.False(t, dirA.Mapped(a.addr))
}

func TestEvictMmapNeverUsesSwap(t *testing.T) {
	ft, _, sw := newTable(t, 1)
	backing := vmtest.NewFile(make([]byte, memcore.PGSIZE))
	dirA := vmtest.NewPageDirectory()
	a := &fakeOwner{addr: 0x10000000, dir: dirA, kind: memcore.KindMmap, writable: true, file: backing}
	_, buf := ft.Alloc(a, false, true)
	for i := range buf {
		buf[i] = 0x7
	}
	dirA.Touch(a.addr, true)
	ft.Unpin(a)

	dirB := vmtest.NewPageDirectory()
	b := &fakeOwner{addr: 0x10001000, dir: dirB, kind: memcore.KindZero, writable: true}
	_, _ = ft.Alloc(b, true, true)

	require.True(t, a.discarded, "mmap eviction must discard, never swap")
	for slot := 0; slot < sw.NumSlots(); slot++ {
		require.False(t, sw.Test(slot), "mmap eviction must never allocate a swap slot")
	}
	snap := backing.Snapshot()
	for _, bb := range snap {
		require.Equal(t, byte(0x7), bb)
	}
}

func TestEvictCleanReadonlyFileDiscardedWithoutWrite(t *testing.T) {
	ft, _, _ := newTable(t, 1)
	backing := vmtest.NewFile([]byte("untouched"))
	dirA := vmtest.NewPageDirectory()
	a := &fakeOwner{addr: 0x08049000, dir: dirA, kind: memcore.KindFile, writable: false, file: backing}
	_, _ = ft.Alloc(a, false, false)
	ft.Unpin(a)
	// not dirtied, not accessed: first clock pass should pick it immediately

	dirB := vmtest.NewPageDirectory()
	b := &fakeOwner{addr: 0x0804a000, dir: dirB, kind: memcore.KindZero, writable: true}
	_, _ = ft.Alloc(b, true, true)

	require.True(t, a.discarded)
	require.Equal(t, "untouched", string(backing.Snapshot()))
}

func TestEvictCleanWritableFilePageDiscardedWithoutSwap(t *testing.T) {
	ft, _, sw := newTable(t, 1)
	backing := vmtest.NewFile([]byte("untouched"))
	dirA := vmtest.NewPageDirectory()
	a := &fakeOwner{addr: 0x08049000, dir: dirA, kind: memcore.KindFile, writable: true, file: backing, swappedTo: swap.NoSlot}
	_, _ = ft.Alloc(a, false, true)
	ft.Unpin(a)
	// writable but never written: clean, so it must be discarded rather
	// than burning a swap slot (spec: clean FILE pages are re-read from
	// file on the next fault, regardless of writability)

	dirB := vmtest.NewPageDirectory()
	b := &fakeOwner{addr: 0x0804a000, dir: dirB, kind: memcore.KindZero, writable: true}
	_, _ = ft.Alloc(b, true, true)

	require.True(t, a.discarded, "clean writable FILE page must be discarded, not swapped")
	require.Equal(t, swap.NoSlot, a.swappedTo)
	for slot := 0; slot < sw.NumSlots(); slot++ {
		require.False(t, sw.Test(slot), "clean writable FILE eviction must never allocate a swap slot")
	}
}

func TestEvictDirtyWritableFilePageGoesToSwap(t *testing.T) {
	ft, _, sw := newTable(t, 1)
	backing := vmtest.NewFile([]byte("untouched"))
	dirA := vmtest.NewPageDirectory()
	a := &fakeOwner{addr: 0x08049000, dir: dirA, kind: memcore.KindFile, writable: true, file: backing}
	_, _ = ft.Alloc(a, false, true)
	dirA.Touch(a.addr, true) // dirtied, then accessed bit cleared: eligible immediately
	dirA.SetAccessed(a.addr, false)
	ft.Unpin(a)

	dirB := vmtest.NewPageDirectory()
	b := &fakeOwner{addr: 0x0804a000, dir: dirB, kind: memcore.KindZero, writable: true}
	_, _ = ft.Alloc(b, true, true)

	require.False(t, a.discarded, "dirty writable FILE page must survive in swap")
	require.True(t, sw.Test(a.swappedTo))
}

func TestBytesReturnsInstalledContent(t *testing.T) {
	ft, _, _ := newTable(t, 4)
	dir := vmtest.NewPageDirectory()
	owner := &fakeOwner{addr: 0x08049000, dir: dir, kind: memcore.KindZero, writable: true}

	_, buf := ft.Alloc(owner, true, true)
	buf[0] = 0x9

	got, ok := ft.Bytes(owner)
	require.True(t, ok)
	require.Equal(t, byte(0x9), got[0], "Bytes must expose the same backing slice Alloc populated")
}

func TestBytesReportsFalseForUnresidentOwner(t *testing.T) {
	ft, _, _ := newTable(t, 4)
	owner := &fakeOwner{addr: 0x08049000, dir: vmtest.NewPageDirectory(), kind: memcore.KindZero, writable: true}

	_, ok := ft.Bytes(owner)
	require.False(t, ok)
}

func TestEvictionPanicsWhenEveryFrameStaysPinned(t *testing.T) {
	ft, _, _ := newTable(t, 1)
	dir := vmtest.NewPageDirectory()
	owner := &fakeOwner{addr: 0x08049000, dir: dir, kind: memcore.KindZero, writable: true}
	_, _ = ft.Alloc(owner, true, true)
	// owner stays pinned (Alloc returns pinned, never unpinned)

	other := &fakeOwner{addr: 0x0804a000, dir: vmtest.NewPageDirectory(), kind: memcore.KindZero, writable: true}
	require.Panics(t, func() { ft.Alloc(other, true, true) })
}
