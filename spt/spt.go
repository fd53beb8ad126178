// Package spt implements the per-process supplemental page table: the
// map from user virtual page to a descriptor of what that page should
// contain, lazy loading on first fault, and mmap region bookkeeping.
// Grounded on original_source/proj3/src/vm/page.c.
package spt

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"vmkern/filebackend"
	"vmkern/fslock"
	"vmkern/frame"
	"vmkern/kerrors"
	"vmkern/kmath"
	"vmkern/memcore"
	"vmkern/swap"
)

// FileSource is the FILE-kind payload: a region of a file loaded once,
// with the remainder of the final page zero-filled.
type FileSource struct {
	File      filebackend.File
	Offset    int64
	ReadBytes int
	Writable  bool
}

// MmapSource is the MMAP-kind payload: one page of a memory-mapped file
// region, reopened independently of the fd it was created from.
type MmapSource struct {
	File      filebackend.File
	Offset    int64
	ReadBytes int
	Mapid     int
}

// Region is one mmap registration: a contiguous run of MMAP pages
// sharing one reopened file handle, torn down together by Munmap.
type Region struct {
	Mapid int
	File  filebackend.File
	Pages []memcore.UVaddr
}

// Entry is one page descriptor. Exactly one of {resident, swapped,
// neither} holds at any time — the frame and swap-slot fields are
// mutually exclusive, guarded by the owning Table's lock.
type Entry struct {
	tbl  *Table
	addr memcore.UVaddr
	kind memcore.PageKind

	frameID  frame.FrameID
	resident bool
	swapSlot int

	file *FileSource // non-nil only for KindFile
	mmap *MmapSource // non-nil only for KindMmap
}

// Addr implements frame.PageOwner.
func (e *Entry) Addr() memcore.UVaddr { return e.addr }

// Directory implements frame.PageOwner.
func (e *Entry) Directory() memcore.PageDirectory { return e.tbl.dir }

// Kind implements frame.PageOwner.
func (e *Entry) Kind() memcore.PageKind { return e.kind }

// Writable implements frame.PageOwner: ZERO and MMAP pages are always
// writable; FILE pages carry their own flag.
func (e *Entry) Writable() bool {
	switch e.kind {
	case memcore.KindFile:
		return e.file.Writable
	default:
		return true
	}
}

// WritebackTarget implements frame.PageOwner.
func (e *Entry) WritebackTarget() (filebackend.File, int64, bool) {
	switch e.kind {
	case memcore.KindFile:
		return e.file.File, e.file.Offset, true
	case memcore.KindMmap:
		return e.mmap.File, e.mmap.Offset, true
	default:
		return nil, 0, false
	}
}

// OnEvictSwap implements frame.PageOwner.
func (e *Entry) OnEvictSwap(slot int) {
	e.tbl.mu.Lock()
	defer e.tbl.mu.Unlock()
	e.resident = false
	e.swapSlot = slot
}

// OnEvictDiscard implements frame.PageOwner.
func (e *Entry) OnEvictDiscard() {
	e.tbl.mu.Lock()
	defer e.tbl.mu.Unlock()
	e.resident = false
	e.swapSlot = swap.NoSlot
}

// OnFree implements frame.PageOwner.
func (e *Entry) OnFree() {
	e.tbl.mu.Lock()
	defer e.tbl.mu.Unlock()
	e.resident = false
}

// Table is one process's supplemental page table.
type Table struct {
	mu      sync.Mutex
	dir     memcore.PageDirectory
	frames  *frame.Table
	sw      *swap.Store
	entries map[memcore.UVaddr]*Entry
	regions map[int]*Region
	nextMap int
}

// New creates an empty SPT bound to dir (this process's page directory),
// the system-wide frame table, and the shared swap store.
func New(dir memcore.PageDirectory, frames *frame.Table, sw *swap.Store) *Table {
	return &Table{
		dir:     dir,
		frames:  frames,
		sw:      sw,
		entries: make(map[memcore.UVaddr]*Entry),
		regions: make(map[int]*Region),
	}
}

// Get returns the entry registered at uaddr's containing page, if any.
func (t *Table) Get(uaddr uintptr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[memcore.PageDown(uaddr)]
	return e, ok
}

func (t *Table) register(addr memcore.UVaddr, kind memcore.PageKind) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[addr]; exists {
		return nil, false
	}
	e := &Entry{tbl: t, addr: addr, kind: kind, swapSlot: swap.NoSlot}
	t.entries[addr] = e
	return e, true
}

// AddZeroLazily registers a ZERO page without loading it. Fails if the
// address is already registered.
func (t *Table) AddZeroLazily(uaddr uintptr) bool {
	kerrors.Assertf(memcore.IsUserAddr(uaddr), "spt: AddZeroLazily of non-user address")
	_, ok := t.register(memcore.PageDown(uaddr), memcore.KindZero)
	return ok
}

// AddZero registers and immediately loads a ZERO page (used for the
// initial stack page, which must be resident before the first
// instruction runs).
func (t *Table) AddZero(uaddr uintptr) bool {
	if !t.AddZeroLazily(uaddr) {
		return false
	}
	return t.Load(uaddr)
}

// AddFileLazily registers a FILE page. offset must be page-aligned;
// spec.md §9 notes the original's 16-bit page-count/byte-count encoding
// bounded representable files to ~256MB and explicitly permits widening
// that field, so offset and readBytes are plain int64/int here with no
// compressed representation.
func (t *Table) AddFileLazily(uaddr uintptr, file filebackend.File, readBytes int, offset int64, writable bool) bool {
	kerrors.Assertf(memcore.IsUserAddr(uaddr), "spt: AddFileLazily of non-user address")
	memcore.RequirePageAligned(int(offset), "AddFileLazily offset")
	e, ok := t.register(memcore.PageDown(uaddr), memcore.KindFile)
	if !ok {
		return false
	}
	e.file = &FileSource{File: file, Offset: offset, ReadBytes: readBytes, Writable: writable}
	return true
}

// AddMmapLazily registers one Region spanning length bytes of file
// starting at base, creating one MMAP entry per page. The final page's
// ReadBytes is length mod PAGE_SIZE when non-zero, else PAGE_SIZE. Any
// mid-way conflict with an existing entry undoes the whole region via
// Munmap and returns ok=false.
func (t *Table) AddMmapLazily(base memcore.UVaddr, file filebackend.File, length int64) (mapid int, ok bool) {
	kerrors.Assertf(memcore.IsUserAddr(uintptr(base)), "spt: AddMmapLazily of non-user address")
	kerrors.Assertf(uintptr(base)&memcore.PGOFFSET == 0, "spt: AddMmapLazily base must be page-aligned")

	t.mu.Lock()
	id := t.nextMap
	t.nextMap++
	region := &Region{Mapid: id, File: file}
	t.regions[id] = region
	t.mu.Unlock()

	for off := int64(0); off < length; off += memcore.PGSIZE {
		addr := memcore.UVaddr(uintptr(base) + uintptr(off))
		remaining := length - off
		readBytes := int(kmath.Min(remaining, int64(memcore.PGSIZE)))
		e, added := t.register(addr, memcore.KindMmap)
		if !added {
			t.Munmap(id)
			return 0, false
		}
		e.mmap = &MmapSource{File: file, Offset: off, ReadBytes: readBytes, Mapid: id}

		t.mu.Lock()
		region.Pages = append(region.Pages, addr)
		t.mu.Unlock()
	}
	return id, true
}

// Load resolves the page covering uaddr: if no entry exists, returns
// false so the caller (the fault handler) can decide whether to try
// stack growth. Otherwise ensures a frame is resident, loading from
// swap or from the configured source as needed, and returns true.
func (t *Table) Load(uaddr uintptr) bool {
	addr := memcore.PageDown(uaddr)
	t.mu.Lock()
	e, ok := t.entries[addr]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if e.resident {
		t.mu.Unlock()
		return true
	}
	slot := e.swapSlot
	t.mu.Unlock()

	if slot != swap.NoSlot {
		t.loadFromSwap(e, slot)
		return true
	}

	switch e.kind {
	case memcore.KindZero:
		t.loadZero(e)
	case memcore.KindFile:
		t.loadFile(e)
	case memcore.KindMmap:
		t.loadMmap(e)
	default:
		kerrors.Fatalf("spt: unknown page kind %v", e.kind)
	}
	return true
}

func (t *Table) markResident(e *Entry, id frame.FrameID) {
	t.mu.Lock()
	e.frameID = id
	e.resident = true
	e.swapSlot = swap.NoSlot
	t.mu.Unlock()
}

func (t *Table) loadZero(e *Entry) {
	id, _ := t.frames.Alloc(e, true, true)
	t.markResident(e, id)
	t.frames.Unpin(e)
}

func (t *Table) loadFile(e *Entry) {
	id, buf := t.frames.Alloc(e, false, e.file.Writable)
	var n int
	fslock.With(func() {
		n = e.file.File.ReadAt(buf[:e.file.ReadBytes], e.file.Offset)
	})
	kerrors.Assertf(n == e.file.ReadBytes, "spt: short read loading FILE page at %v", e.addr)
	for i := e.file.ReadBytes; i < len(buf); i++ {
		buf[i] = 0
	}
	t.markResident(e, id)
	t.frames.Unpin(e)
}

func (t *Table) loadMmap(e *Entry) {
	id, buf := t.frames.Alloc(e, false, true)
	var n int
	fslock.With(func() {
		n = e.mmap.File.ReadAt(buf[:e.mmap.ReadBytes], e.mmap.Offset)
	})
	kerrors.Assertf(n == e.mmap.ReadBytes, "spt: short read loading MMAP page at %v", e.addr)
	for i := e.mmap.ReadBytes; i < len(buf); i++ {
		buf[i] = 0
	}
	t.markResident(e, id)
	t.frames.Unpin(e)
}

func (t *Table) loadFromSwap(e *Entry, slot int) {
	writable := true
	if e.kind == memcore.KindFile {
		writable = e.file.Writable
	}
	id, buf := t.frames.Alloc(e, false, writable)
	t.sw.SwapIn(buf, slot)
	t.markResident(e, id)
	t.frames.Unpin(e)
}

// DestroyEntry frees the frame if resident, or releases the swap slot
// if swapped, and removes the descriptor. Used by per-entry teardown
// paths (munmap, process exit) that do not want to rely on map
// iteration order, per spec §6.
func (t *Table) DestroyEntry(addr memcore.UVaddr) {
	t.mu.Lock()
	e, ok := t.entries[addr]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.entries, addr)
	resident := e.resident
	id := e.frameID
	slot := e.swapSlot
	t.mu.Unlock()

	if resident {
		t.frames.Free(id)
	} else if slot != swap.NoSlot {
		t.sw.FreeSlot(slot)
	}
}

// Munmap tears down the mmap region identified by mapid: frees every
// page it covers (writing back dirty pages through the frame table's
// normal Free path) and closes the reopened file handle. It is a no-op
// for an unknown mapid.
func (t *Table) Munmap(mapid int) {
	t.mu.Lock()
	region, ok := t.regions[mapid]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.regions, mapid)
	pages := region.Pages
	t.mu.Unlock()

	for _, addr := range pages {
		t.DestroyEntry(addr)
	}
	region.File.Close()
}

// Destroy tears down every entry and region in the table, for process
// exit. Order does not matter: DestroyEntry and Munmap are each
// self-contained per page/region (guarded internally by t.mu), so both
// passes run concurrently rather than one page at a time.
func (t *Table) Destroy() {
	t.mu.Lock()
	addrs := make([]memcore.UVaddr, 0, len(t.entries))
	for addr := range t.entries {
		addrs = append(addrs, addr)
	}
	mapids := make([]int, 0, len(t.regions))
	for id := range t.regions {
		mapids = append(mapids, id)
	}
	t.mu.Unlock()

	var g errgroup.Group
	for _, id := range mapids {
		id := id
		g.Go(func() error {
			t.Munmap(id)
			return nil
		})
	}
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			t.DestroyEntry(addr)
			return nil
		})
	}
	_ = g.Wait()
}
