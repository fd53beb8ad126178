// Package procspace aggregates one process's memory-subsystem state —
// its supplemental page table, file descriptors, and page directory —
// and implements the composite pin/unpin operations the syscall bridge
// needs (load a page if it is not yet resident, then pin it against
// eviction). Grounded on the teacher's vm.Vm_t, which is the same kind
// of per-process aggregate wrapping an address space plus its locking
// discipline.
package procspace

import (
	"golang.org/x/sync/errgroup"

	"vmkern/fdtable"
	"vmkern/frame"
	"vmkern/memcore"
	"vmkern/spt"
	"vmkern/swap"
)

// Space is one process's address-space-adjacent state.
type Space struct {
	Dir    memcore.PageDirectory
	SPT    *spt.Table
	FDs    *fdtable.Table
	frames *frame.Table
}

// New creates a process space bound to dir (this process's page
// directory) and the shared, system-wide frame table and swap store.
func New(dir memcore.PageDirectory, frames *frame.Table, sw *swap.Store) *Space {
	return &Space{
		Dir:    dir,
		SPT:    spt.New(dir, frames, sw),
		FDs:    fdtable.New(),
		frames: frames,
	}
}

// PinAddr ensures the page covering uaddr is resident — loading it via
// the SPT if necessary — then pins its frame. It reports false if
// uaddr has no SPT entry at all (the caller should kill_on_bad_uaddr).
// This composes frame.Table.Pin (which only pins an already-resident
// owner) with spt.Table.Load, because frame must not import spt — see
// DESIGN.md.
func (s *Space) PinAddr(uaddr uintptr) bool {
	entry, ok := s.SPT.Get(uaddr)
	if !ok {
		return false
	}
	if !s.frames.Pin(entry) {
		if !s.SPT.Load(uaddr) {
			return false
		}
		s.frames.Pin(entry)
	}
	return true
}

// UnpinAddr clears the pin on uaddr's frame. No-op if uaddr has no SPT
// entry or is not resident.
func (s *Space) UnpinAddr(uaddr uintptr) {
	entry, ok := s.SPT.Get(uaddr)
	if !ok {
		return
	}
	s.frames.Unpin(entry)
}

// PinBuffer pins every page spanned by [buffer, buffer+size), faulting
// each in first if needed. It reports false, having unpinned the pages
// it already pinned, if any page in the range has no SPT entry.
func (s *Space) PinBuffer(buffer uintptr, size uintptr) bool {
	start := uintptr(memcore.PageDown(buffer))
	end := buffer + size
	for addr := start; addr < end; addr += memcore.PGSIZE {
		if !s.PinAddr(addr) {
			s.UnpinBuffer(start, addr-start)
			return false
		}
	}
	return true
}

// UnpinBuffer unpins every page spanned by [buffer, buffer+size).
func (s *Space) UnpinBuffer(buffer uintptr, size uintptr) {
	start := uintptr(memcore.PageDown(buffer))
	end := buffer + size
	for addr := start; addr < end; addr += memcore.PGSIZE {
		s.UnpinAddr(addr)
	}
}

// PinString pins every page spanned by a NUL-terminated string starting
// at addr, reading byte-by-byte through the (already pinned-as-it-goes)
// user mapping to find the terminator up to maxLen bytes. It reports
// false, having unwound any pins it took, if the terminator is not
// found within maxLen or any page lacks an SPT entry.
func (s *Space) PinString(addr uintptr, maxLen int, byteAt func(uintptr) (byte, bool)) bool {
	pinned := make([]uintptr, 0, 4)
	page := uintptr(memcore.PageDown(addr))
	for i := 0; i < maxLen; {
		if len(pinned) == 0 || pinned[len(pinned)-1] != page {
			if !s.PinAddr(page) {
				s.unwind(pinned)
				return false
			}
			pinned = append(pinned, page)
		}
		b, ok := byteAt(addr + uintptr(i))
		if !ok {
			s.unwind(pinned)
			return false
		}
		if b == 0 {
			return true
		}
		i++
		if addr+uintptr(i) >= page+memcore.PGSIZE {
			page += memcore.PGSIZE
		}
	}
	s.unwind(pinned)
	return false
}

// UnpinString unpins the same page range PinString would have pinned
// for a string of byteLen bytes (including the terminator) starting at
// addr.
func (s *Space) UnpinString(addr uintptr, byteLen int) {
	s.UnpinBuffer(addr, uintptr(byteLen))
}

// BytesAt returns the content of the resident frame backing the page
// containing uaddr, and whether uaddr has an SPT entry with a resident
// frame at all. The caller must already hold the page pinned (PinAddr
// or PinBuffer) — this does not itself guard against the page being
// evicted out from under the returned slice.
func (s *Space) BytesAt(uaddr uintptr) ([]byte, bool) {
	entry, ok := s.SPT.Get(uaddr)
	if !ok {
		return nil, false
	}
	return s.frames.Bytes(entry)
}

// CopyToUser writes src into the user buffer starting at buf, crossing
// page boundaries as needed. Every page in [buf, buf+len(src)) must
// already be pinned (PinBuffer) by the caller. It returns the number of
// bytes actually written, short of len(src) only if a page turns out
// not to be resident despite being pinned — a caller bug, since pinning
// guarantees residency.
func (s *Space) CopyToUser(buf uintptr, src []byte) int {
	written := 0
	for written < len(src) {
		addr := buf + uintptr(written)
		page, ok := s.BytesAt(addr)
		if !ok {
			return written
		}
		n := copy(page[memcore.PageOffset(addr):], src[written:])
		written += n
	}
	return written
}

// CopyFromUser reads from the user buffer starting at buf into dst,
// crossing page boundaries as needed. Every page in [buf, buf+len(dst))
// must already be pinned (PinBuffer) by the caller. It returns the
// number of bytes actually read, short of len(dst) only if a page turns
// out not to be resident despite being pinned.
func (s *Space) CopyFromUser(buf uintptr, dst []byte) int {
	read := 0
	for read < len(dst) {
		addr := buf + uintptr(read)
		page, ok := s.BytesAt(addr)
		if !ok {
			return read
		}
		n := copy(dst[read:], page[memcore.PageOffset(addr):])
		read += n
	}
	return read
}

func (s *Space) unwind(pages []uintptr) {
	for _, p := range pages {
		s.UnpinAddr(p)
	}
}

// Teardown frees every resource this process owns: every resident
// frame (writing back dirty FILE/MMAP pages), every swap slot, every
// mmap region and its reopened file handle, and every open file
// descriptor. Per spec §4.5 this must not assume any iteration order —
// the SPT teardown and the fd drain touch disjoint state, so they run
// concurrently.
func (s *Space) Teardown() {
	var g errgroup.Group
	g.Go(func() error {
		s.SPT.Destroy()
		return nil
	})
	g.Go(func() error {
		s.FDs.Drain()
		return nil
	})
	_ = g.Wait()
}
