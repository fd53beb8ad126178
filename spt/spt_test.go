package spt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkern/filebackend"
	"vmkern/frame"
	"vmkern/memcore"
	"vmkern/spt"
	"vmkern/swap"
	"vmkern/vmtest"
)

func newFixture(t *testing.T, capacity int) (*spt.Table, *frame.Table, *swap.Store, *vmtest.PageDirectory) {
	t.Helper()
	alloc := vmtest.NewPhysAllocator(capacity)
	dev := vmtest.NewBlockDevice(swap.FrameSectors*8, swap.SectorSize)
	sw := swap.Init(dev)
	ft := frame.New(alloc, sw)
	dir := vmtest.NewPageDirectory()
	return spt.New(dir, ft, sw), ft, sw, dir
}

func TestAddZeroLoadsImmediately(t *testing.T) {
	tbl, _, _, dir := newFixture(t, 4)
	require.True(t, tbl.AddZero(0x08049000))
	require.True(t, dir.Mapped(memcore.UVaddr(0x08049000)))
}

func TestAddZeroLazilyDoesNotLoad(t *testing.T) {
	tbl, _, _, dir := newFixture(t, 4)
	require.True(t, tbl.AddZeroLazily(0x08049000))
	require.False(t, dir.Mapped(memcore.UVaddr(0x08049000)))

	e, ok := tbl.Get(0x08049000)
	require.True(t, ok)
	require.Equal(t, memcore.KindZero, e.Kind())
}

func TestAddZeroLazilyRejectsDuplicate(t *testing.T) {
	tbl, _, _, _ := newFixture(t, 4)
	require.True(t, tbl.AddZeroLazily(0x08049000))
	require.False(t, tbl.AddZeroLazily(0x08049000))
}

func TestLoadWithNoEntryReportsFalse(t *testing.T) {
	tbl, _, _, _ := newFixture(t, 4)
	require.False(t, tbl.Load(0x08049000))
}

func TestLoadFileReadsContentAndZeroFillsTail(t *testing.T) {
	tbl, ft, _, dir := newFixture(t, 4)
	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i + 1)
	}
	f := vmtest.NewFile(content)
	require.True(t, tbl.AddFileLazily(0x08049000, f, len(content), 0, true))
	require.True(t, tbl.Load(0x08049000))
	require.True(t, dir.Mapped(memcore.UVaddr(0x08049000)))

	e, ok := tbl.Get(0x08049000)
	require.True(t, ok)
	require.True(t, e.Writable())

	page, ok := ft.Bytes(e)
	require.True(t, ok)
	require.Equal(t, content, page[:len(content)])
	require.Equal(t, make([]byte, memcore.PGSIZE-len(content)), page[len(content):])
}

func TestMmapEvictionDiscardsWithoutSwap(t *testing.T) {
	tbl, ft, sw, dir := newFixture(t, 1)
	content := make([]byte, memcore.PGSIZE)
	for i := range content {
		content[i] = 0x55
	}
	f := vmtest.NewFile(content)
	mapid, ok := tbl.AddMmapLazily(memcore.UVaddr(0x10000000), f, int64(len(content)))
	require.True(t, ok)

	require.True(t, tbl.Load(0x10000000))

	// loadMmap already unpinned its frame; a second alloc at capacity 1
	// forces it to be evicted
	_, _ = ft.Alloc(fakeOwnerFor(0x10001000), true, true)

	require.False(t, dir.Mapped(memcore.UVaddr(0x10000000)))

	tbl.Munmap(mapid)
	require.False(t, sw.Test(0))
}

// fakeOwnerFor builds a minimal owner for forcing frame-table pressure
// from spt's own tests without pulling in frame_test's unexported type.
type fakeOwner struct {
	addr memcore.UVaddr
	dir  memcore.PageDirectory
}

func (o *fakeOwner) Addr() memcore.UVaddr             { return o.addr }
func (o *fakeOwner) Directory() memcore.PageDirectory { return o.dir }
func (o *fakeOwner) Kind() memcore.PageKind           { return memcore.KindZero }
func (o *fakeOwner) Writable() bool                   { return true }
func (o *fakeOwner) WritebackTarget() (filebackend.File, int64, bool) {
	return nil, 0, false
}
func (o *fakeOwner) OnEvictSwap(int) {}
func (o *fakeOwner) OnEvictDiscard() {}
func (o *fakeOwner) OnFree()         {}

func fakeOwnerFor(addr uintptr) *fakeOwner {
	return &fakeOwner{addr: memcore.UVaddr(addr), dir: vmtest.NewPageDirectory()}
}

func TestDestroyEntryFreesResidentFrame(t *testing.T) {
	tbl, ft, _, _ := newFixture(t, 4)
	require.True(t, tbl.AddZero(0x08049000))
	tbl.DestroyEntry(memcore.UVaddr(0x08049000))
	require.Equal(t, 0, ft.Len())

	_, ok := tbl.Get(0x08049000)
	require.False(t, ok)
}

func TestDestroyFreesEveryRegionAndEntry(t *testing.T) {
	tbl, ft, _, _ := newFixture(t, 8)
	require.True(t, tbl.AddZero(0x08049000))
	content := make([]byte, memcore.PGSIZE)
	f := vmtest.NewFile(content)
	_, ok := tbl.AddMmapLazily(memcore.UVaddr(0x10000000), f, int64(len(content)))
	require.True(t, ok)
	require.True(t, tbl.Load(0x10000000))

	tbl.Destroy()
	require.Equal(t, 0, ft.Len())
}
