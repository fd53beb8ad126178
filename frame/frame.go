// Package frame implements the system-wide frame table: allocation,
// second-chance (clock) eviction, pinning, and writeback. Grounded on
// original_source/proj3/src/vm/frame.c, restructured per spec.md §9 from
// an intrusive list-threaded struct into arena-held entries linked into a
// container/list ring (a semantic container with O(1) push-back and
// O(1) removal given the element handle, rather than a struct-embedded
// list_elem).
package frame

import (
	"container/list"
	"sync"

	"vmkern/filebackend"
	"vmkern/fslock"
	"vmkern/kerrors"
	"vmkern/memcore"
	"vmkern/pressure"
	"vmkern/swap"
)

// FrameID is an arena handle for a live frame table entry. It is opaque
// outside this package.
type FrameID int

// PageOwner is implemented by a supplemental page table entry. It is the
// seam through which the frame table reaches back into the SPT for
// eviction/writeback decisions and for unlinking on free, without the
// frame package importing spt (which itself depends on frame for
// allocation — see DESIGN.md for the dependency direction).
type PageOwner interface {
	// Addr returns the user virtual address this entry describes.
	Addr() memcore.UVaddr
	// Directory returns the page directory of the address space this
	// entry belongs to.
	Directory() memcore.PageDirectory
	// Kind reports what the page is backed by.
	Kind() memcore.PageKind
	// Writable reports the FILE write permission (always true for ZERO
	// and MMAP, per spec §4.3).
	Writable() bool
	// WritebackTarget returns the file and offset dirty content should
	// be written to, and whether the kind has one at all (false for
	// KindZero).
	WritebackTarget() (f filebackend.File, offset int64, ok bool)
	// OnEvictSwap is called when this page was evicted and its content
	// written to swap slot. The owner must record the slot and forget
	// its frame.
	OnEvictSwap(slot int)
	// OnEvictDiscard is called when this page was evicted without
	// using swap (MMAP, whose dirty content goes to file, or a FILE
	// page that is read-only or clean). The owner must forget its frame
	// without recording a slot.
	OnEvictDiscard()
	// OnFree is called by an explicit Table.Free (not eviction). The
	// owner must forget its frame.
	OnFree()
}

type frameEntry struct {
	id     FrameID
	ref    memcore.FrameRef
	owner  PageOwner
	pinned bool
	elem   *list.Element // this entry's node in Table.ring, nil if not linked
}

// Table is the system-wide frame table: one PhysAllocator-backed pool of
// frames, one clock ring of resident frames, and the lock ("ft_lock")
// serializing both.
type Table struct {
	mu    sync.Mutex
	alloc memcore.PhysAllocator
	sw    *swap.Store

	entries map[FrameID]*frameEntry
	byRef   map[memcore.FrameRef]*frameEntry
	ring    *list.List
	nextID  FrameID

	// maxRotations bounds, as a multiple of the resident count, how
	// many times evict may examine an entry before panicking (spec
	// §4.2's livelock guard). A single entry can be legitimately
	// re-examined twice before becoming victim-eligible — once to
	// clear its dirty bit, once more to clear accessed — so this must
	// exceed 2 or a lone dirty-and-accessed frame trips the guard.
	maxRotations int
}

// New creates an empty frame table backed by alloc (the physical frame
// allocator) and sw (the swap store used by evicted ZERO/anonymous and
// writable-FILE pages).
func New(alloc memcore.PhysAllocator, sw *swap.Store) *Table {
	return &Table{
		alloc:        alloc,
		sw:           sw,
		entries:      make(map[FrameID]*frameEntry),
		byRef:        make(map[memcore.FrameRef]*frameEntry),
		ring:         list.New(),
		nextID:       1,
		maxRotations: 3,
	}
}

// Len reports the number of frames currently resident in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Alloc obtains a frame for owner, retrying after eviction until one is
// free, installs the page-directory mapping with the requested
// writability, and returns the frame's content buffer so the caller (a
// page loader) can populate it. The frame is pinned on return — the
// caller must unpin it once loading I/O is complete. The entry is
// pinned before the page directory mapping is installed, so the clock
// never picks a frame that is still being populated; the mapping itself
// is in place before Alloc returns, while the SPT entry records the
// frame only when the page loader marks it resident after populating it
// (spec §9, third open-ordering note).
func (t *Table) Alloc(owner PageOwner, zeroFill, writable bool) (FrameID, []byte) {
	kerrors.Assertf(memcore.IsUserAddr(uintptr(owner.Addr())), "frame: Alloc for non-user address")

	for {
		var ref memcore.FrameRef
		var ok bool
		if zeroFill {
			ref, ok = t.alloc.AllocZeroed()
		} else {
			ref, ok = t.alloc.AllocDirty()
		}
		if ok {
			return t.install(owner, ref, writable)
		}
		t.notifyPressure(owner)
		t.evict()
	}
}

func (t *Table) install(owner PageOwner, ref memcore.FrameRef, writable bool) (FrameID, []byte) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	fe := &frameEntry{id: id, ref: ref, owner: owner, pinned: true}
	fe.elem = t.ring.PushBack(fe)
	t.entries[id] = fe
	t.byRef[ref] = fe
	t.mu.Unlock()

	perm := memcore.PermRead
	if writable {
		perm |= memcore.PermWrite
	}
	if !owner.Directory().Install(owner.Addr(), ref, perm) {
		t.mu.Lock()
		t.unlinkLocked(fe)
		t.mu.Unlock()
		t.alloc.Free(ref)
		kerrors.Fatalf("frame: page directory could not be extended for %v", owner.Addr())
	}
	return id, physBytes(t.alloc, ref)
}

// physBytes exposes a frame's content for the loader to populate. The
// real kernel uses the direct map (mem.Physmem.Dmap); PhysAllocator
// implementations used by tests expose the same bytes they allocated.
func physBytes(alloc memcore.PhysAllocator, ref memcore.FrameRef) []byte {
	type byter interface {
		Bytes(memcore.FrameRef) []byte
	}
	b, ok := alloc.(byter)
	kerrors.Assertf(ok, "frame: PhysAllocator %T does not expose frame bytes", alloc)
	return b.Bytes(ref)
}

// Free removes a frame from the table, writing it back first if it is
// dirty and backed by FILE or MMAP (never ZERO, and never via swap —
// that asymmetry with eviction is deliberate, see spec §9 open question
// 2 and DESIGN.md), clears the page-directory mapping, releases the
// physical frame, and notifies the owner to forget it.
func (t *Table) Free(id FrameID) {
	t.mu.Lock()
	fe, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.unlinkLocked(fe)
	t.mu.Unlock()

	dir := fe.owner.Directory()
	addr := fe.owner.Addr()
	if dir.Dirty(addr) {
		t.writeBackIfFileBacked(fe.owner)
	}
	dir.Clear(addr)
	t.alloc.Free(fe.ref)
	fe.owner.OnFree()
}

func (t *Table) unlinkLocked(fe *frameEntry) {
	if fe.elem != nil {
		t.ring.Remove(fe.elem)
		fe.elem = nil
	}
	delete(t.entries, fe.id)
	delete(t.byRef, fe.ref)
}

func (t *Table) writeBackIfFileBacked(owner PageOwner) {
	switch owner.Kind() {
	case memcore.KindFile, memcore.KindMmap:
		f, off, ok := owner.WritebackTarget()
		if !ok {
			return
		}
		ref, ok := owner.Directory().Lookup(owner.Addr())
		kerrors.Assertf(ok, "frame: writeback of non-resident page %v", owner.Addr())
		content := physBytes(t.alloc, ref)
		fslock.With(func() {
			f.WriteAt(content, off)
		})
	}
}

// evict runs one second-chance scan of the clock ring and frees exactly
// one victim frame, per spec §4.2 / original_source/proj3/src/vm/frame.c.
// A pinned entry is pushed to the back and skipped. The first unpinned,
// unaccessed entry found is the victim, evicted without a further push
// to the back. An unpinned, accessed-and-dirty entry along the way is
// written back and has its dirty bit cleared but keeps its accessed bit;
// an unpinned, accessed, clean entry has its accessed bit cleared. Both
// go to the back and only become victim candidates on a later rotation,
// once accessed has been cleared — this mirrors the C loop exactly.
func (t *Table) evict() {
	t.mu.Lock()
	resident := t.ring.Len()
	kerrors.Assertf(resident > 0, "frame: evict with no resident frames")
	examineLimit := resident * t.maxRotations
	var victim *frameEntry
	for examined := 0; victim == nil; examined++ {
		kerrors.Assertf(examined < examineLimit, "frame: clock scanned %d entries, every frame pinned", examined)

		elem := t.ring.Front()
		fe := t.ring.Remove(elem).(*frameEntry)
		fe.elem = nil

		dir := fe.owner.Directory()
		addr := fe.owner.Addr()

		if fe.pinned {
			fe.elem = t.ring.PushBack(fe)
			continue
		}

		if !dir.Accessed(addr) {
			victim = fe
			break
		}

		if dir.Dirty(addr) {
			t.mu.Unlock()
			t.writeBackIfFileBacked(fe.owner)
			t.mu.Lock()
			dir.SetDirty(addr, false)
		} else {
			dir.SetAccessed(addr, false)
		}
		fe.elem = t.ring.PushBack(fe)
	}
	delete(t.entries, victim.id)
	delete(t.byRef, victim.ref)
	t.mu.Unlock()

	t.evictVictim(victim)
}

// evictVictim performs the final kind-dispatched disposal of a chosen
// victim: ZERO and anonymous pages always go to swap; an MMAP page that
// is still dirty is written back to its file here, and MMAP pages never
// use swap; a
// writable FILE page swaps out only if dirty (clean, it is identical to
// what's already on file); clean or non-writable FILE pages are simply
// discarded, to be re-read from file on the next fault.
func (t *Table) evictVictim(fe *frameEntry) {
	owner := fe.owner
	dir := owner.Directory()
	addr := owner.Addr()

	switch owner.Kind() {
	case memcore.KindMmap:
		if dir.Dirty(addr) {
			t.writeBackIfFileBacked(owner)
		}
		owner.OnEvictDiscard()
	case memcore.KindFile:
		if owner.Writable() && dir.Dirty(addr) {
			slot := t.sw.SwapOut(physBytes(t.alloc, fe.ref))
			owner.OnEvictSwap(slot)
		} else {
			owner.OnEvictDiscard()
		}
	default: // KindZero
		slot := t.sw.SwapOut(physBytes(t.alloc, fe.ref))
		owner.OnEvictSwap(slot)
	}

	dir.Clear(addr)
	t.alloc.Free(fe.ref)
}

func (t *Table) notifyPressure(owner PageOwner) {
	select {
	case pressure.Ch <- pressure.Event{Addr: uintptr(owner.Addr()), Live: len(t.entries)}:
	default:
	}
}

// Pin marks owner's currently resident frame pinned, forbidding its
// eviction, and reports whether owner has a resident frame at all.
// Callers that need "load if absent, then pin" (spec §4.2's pin_addr)
// compose this with their page loader, since loading is the SPT's
// responsibility and frame must not import spt — see procspace, which
// has both.
func (t *Table) Pin(owner PageOwner) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := owner.Directory().Lookup(owner.Addr())
	if !ok {
		return false
	}
	fe, ok := t.byRef[ref]
	if !ok {
		return false
	}
	fe.pinned = true
	return true
}

// Bytes returns the content of owner's currently resident frame, and
// whether owner has one at all. The caller must have the frame pinned
// (or otherwise guaranteed resident) before relying on the slice not
// being evicted out from under it — this is the same direct-map-style
// access Free and writeBackIfFileBacked already use internally,
// exported for callers outside this package (the syscall bridge's
// read/write, which must copy into and out of the user buffer's real
// frame rather than a throwaway one).
func (t *Table) Bytes(owner PageOwner) ([]byte, bool) {
	ref, ok := owner.Directory().Lookup(owner.Addr())
	if !ok {
		return nil, false
	}
	return physBytes(t.alloc, ref), true
}

// Unpin clears the pin flag on owner's currently resident frame. It is a
// no-op if owner has no resident frame.
func (t *Table) Unpin(owner PageOwner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := owner.Directory().Lookup(owner.Addr())
	if !ok {
		return
	}
	if fe, ok := t.byRef[ref]; ok {
		fe.pinned = false
	}
}
