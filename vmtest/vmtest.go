// Package vmtest provides in-memory fakes for the hardware-facing
// collaborator interfaces (memcore.PhysAllocator, memcore.PageDirectory,
// swap.BlockDevice, filebackend.File) so the rest of the module can be
// exercised without palloc, an MMU, a disk, or a filesystem — all of
// which are out of scope per spec §1. Used by the tests of every
// package that consumes these interfaces.
package vmtest

import (
	"sync"

	"vmkern/filebackend"
	"vmkern/memcore"
)

// PhysAllocator is a fake memcore.PhysAllocator backed by a Go map of
// byte-slice "frames". FrameRef values are opaque monotonically
// increasing handles.
type PhysAllocator struct {
	mu     sync.Mutex
	next   memcore.FrameRef
	frames map[memcore.FrameRef][]byte
	cap    int // 0 means unbounded
}

// NewPhysAllocator creates a fake allocator. capacity bounds the number
// of live frames it will hand out; 0 means unbounded.
func NewPhysAllocator(capacity int) *PhysAllocator {
	return &PhysAllocator{
		next:   1,
		frames: make(map[memcore.FrameRef][]byte),
		cap:    capacity,
	}
}

func (a *PhysAllocator) alloc(zero bool) (memcore.FrameRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cap != 0 && len(a.frames) >= a.cap {
		return 0, false
	}
	ref := a.next
	a.next++
	buf := make([]byte, memcore.PGSIZE)
	if !zero {
		for i := range buf {
			buf[i] = 0xCC
		}
	}
	a.frames[ref] = buf
	return ref, true
}

// AllocZeroed implements memcore.PhysAllocator.
func (a *PhysAllocator) AllocZeroed() (memcore.FrameRef, bool) { return a.alloc(true) }

// AllocDirty implements memcore.PhysAllocator.
func (a *PhysAllocator) AllocDirty() (memcore.FrameRef, bool) { return a.alloc(false) }

// Free implements memcore.PhysAllocator.
func (a *PhysAllocator) Free(ref memcore.FrameRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.frames, ref)
}

// Bytes returns the backing byte slice for a live frame, for tests to
// inspect or mutate directly (standing in for a kernel direct-map
// access).
func (a *PhysAllocator) Bytes(ref memcore.FrameRef) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.frames[ref]
	if !ok {
		panic("vmtest: Bytes of freed or unknown frame")
	}
	return b
}

// Live reports how many frames are currently allocated.
func (a *PhysAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}

type mapping struct {
	frame    memcore.FrameRef
	perm     memcore.Perm
	accessed bool
	dirty    bool
}

// PageDirectory is a fake memcore.PageDirectory: a plain map from
// page-aligned address to mapping plus software accessed/dirty bits.
type PageDirectory struct {
	mu   sync.Mutex
	pte  map[memcore.UVaddr]*mapping
	tabs int // number of Install calls that extended the table, for tests
}

// NewPageDirectory creates an empty fake page directory.
func NewPageDirectory() *PageDirectory {
	return &PageDirectory{pte: make(map[memcore.UVaddr]*mapping)}
}

// Install implements memcore.PageDirectory.
func (p *PageDirectory) Install(uaddr memcore.UVaddr, frame memcore.FrameRef, perm memcore.Perm) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pte[uaddr] = &mapping{frame: frame, perm: perm}
	p.tabs++
	return true
}

// Clear implements memcore.PageDirectory.
func (p *PageDirectory) Clear(uaddr memcore.UVaddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pte, uaddr)
}

// Accessed implements memcore.PageDirectory.
func (p *PageDirectory) Accessed(uaddr memcore.UVaddr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.pte[uaddr]
	return ok && m.accessed
}

// SetAccessed implements memcore.PageDirectory.
func (p *PageDirectory) SetAccessed(uaddr memcore.UVaddr, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.pte[uaddr]; ok {
		m.accessed = v
	}
}

// Dirty implements memcore.PageDirectory.
func (p *PageDirectory) Dirty(uaddr memcore.UVaddr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.pte[uaddr]
	return ok && m.dirty
}

// SetDirty implements memcore.PageDirectory.
func (p *PageDirectory) SetDirty(uaddr memcore.UVaddr, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.pte[uaddr]; ok {
		m.dirty = v
	}
}

// Lookup implements memcore.PageDirectory.
func (p *PageDirectory) Lookup(uaddr memcore.UVaddr) (memcore.FrameRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.pte[uaddr]
	if !ok {
		return 0, false
	}
	return m.frame, true
}

// Touch marks uaddr accessed, simulating a CPU memory reference. Tests
// use this to drive the clock algorithm's second-chance behavior.
func (p *PageDirectory) Touch(uaddr memcore.UVaddr, write bool) {
	p.SetAccessed(uaddr, true)
	if write {
		p.SetDirty(uaddr, true)
	}
}

// Mapped reports whether uaddr currently has an installed mapping.
func (p *PageDirectory) Mapped(uaddr memcore.UVaddr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pte[uaddr]
	return ok
}

// BlockDevice is a fake swap.BlockDevice backed by a flat in-memory byte
// array sized in sectors.
type BlockDevice struct {
	mu       sync.Mutex
	sectors  [][]byte
	sectSize int
}

// NewBlockDevice creates a fake block device with the given sector count
// and SectorSize-sized sectors.
func NewBlockDevice(numSectors, sectorSize int) *BlockDevice {
	d := &BlockDevice{sectors: make([][]byte, numSectors), sectSize: sectorSize}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, sectorSize)
	}
	return d
}

// NumSectors implements swap.BlockDevice.
func (d *BlockDevice) NumSectors() int { return len(d.sectors) }

// ReadSector implements swap.BlockDevice.
func (d *BlockDevice) ReadSector(n int, dst []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(dst, d.sectors[n])
}

// WriteSector implements swap.BlockDevice.
func (d *BlockDevice) WriteSector(n int, src []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.sectors[n], src)
}

// File is a fake filebackend.File backed by an in-memory byte slice,
// standing in for filesys_*/file_* (out of scope per spec §1).
type File struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	reopen int
}

// NewFile creates a fake file with the given initial contents.
func NewFile(data []byte) *File {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &File{data: cp}
}

// ReadAt implements filebackend.File.
func (f *File) ReadAt(dst []byte, off int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		panic("vmtest: ReadAt of closed file")
	}
	if off >= int64(len(f.data)) {
		return 0
	}
	n := copy(dst, f.data[off:])
	return n
}

// WriteAt implements filebackend.File.
func (f *File) WriteAt(src []byte, off int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		panic("vmtest: WriteAt of closed file")
	}
	end := off + int64(len(src))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:end], src)
	return len(src)
}

// Len implements filebackend.File.
func (f *File) Len() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

// Reopen implements filebackend.File by returning f itself: the
// "reopened" handle is the same handle, so closing either one closes
// both.
func (f *File) Reopen() (filebackend.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopen++
	return f, nil
}

// Close implements filebackend.File.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Snapshot returns a copy of the file's current contents, for test
// assertions.
func (f *File) Snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(f.data))
	copy(cp, f.data)
	return cp
}
