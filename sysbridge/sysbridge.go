// Package sysbridge implements the memory-relevant contract of the
// syscall layer: validating user pointers against the SPT, pinning the
// underlying frames around filesystem I/O, and the console/mmap/fd
// operations that exercise the memory subsystem. Grounded on spec.md
// §4.4 and the dispatch shape of
// original_source/proj3/src/userprog/syscall.c. Argument decoding off
// the raw user stack, process scheduling, and the real filesystem are
// out of scope (spec.md §1) — FileSystem, ProcessLauncher, and Console
// below are the narrow interfaces this package consumes instead,
// following the teacher's Fdops_i/Page_i interface-seam pattern.
package sysbridge

import (
	"fmt"

	"vmkern/filebackend"
	"vmkern/fslock"
	"vmkern/memcore"
	"vmkern/procspace"
)

// FileSystem abstracts filesys_*/file_* (out of scope per spec §1).
type FileSystem interface {
	Open(path string) (filebackend.File, bool)
	Create(path string, size int64) bool
	Remove(path string) bool
}

// ProcessLauncher abstracts the scheduler/process-tree (out of scope).
type ProcessLauncher interface {
	Exec(cmdline string) (pid int, ok bool)
	Wait(pid int) int
	Halt()
}

// Console is the fd=1 write target.
type Console interface {
	Write(p []byte) int
}

// Result is a syscall's outcome: either a return value, or a verdict
// that the calling process must be killed with exit status -1 (a bad
// pointer or permission violation, per spec §7).
type Result struct {
	Value int64
	Kill  bool
}

func ok(v int64) Result  { return Result{Value: v} }
func kill() Result       { return Result{Kill: true} }
func boolResult(b bool) Result {
	if b {
		return ok(1)
	}
	return ok(0)
}

// Bridge dispatches the memory-relevant syscalls for one process.
type Bridge struct {
	Space   *procspace.Space
	FS      FileSystem
	Proc    ProcessLauncher
	Console Console
}

// killOnBadUaddr reports whether every page of [addr, addr+size) lies
// in the user range and already has an SPT entry — "unmapped but
// potentially faultable is still invalid" per spec §4.4: the SPT must
// already describe it.
func (b *Bridge) killOnBadUaddr(addr uintptr, size uintptr) bool {
	if size == 0 {
		size = 1
	}
	end := addr + size
	for p := uintptr(memcore.PageDown(addr)); p < end; p += memcore.PGSIZE {
		if !memcore.IsUserAddr(p) {
			return false
		}
		if _, found := b.Space.SPT.Get(p); !found {
			return false
		}
	}
	return true
}

// Halt implements HALT.
func (b *Bridge) Halt() {
	b.Proc.Halt()
}

// Exit implements EXIT: formats the kernel's exit banner. Process
// teardown itself is procspace.Space.Teardown, invoked by the caller
// once every syscall in flight has unwound.
func (b *Bridge) Exit(name string, status int) string {
	return fmt.Sprintf("%s: exit(%d)\n", name, status)
}

// Exec implements EXEC. cmdline must already be validated and pinned
// by the caller per spec §4.4's buffer-pin-around-fs_lock pattern;
// Exec itself only dispatches to the launcher.
func (b *Bridge) Exec(cmdline string) Result {
	pid, launched := b.Proc.Exec(cmdline)
	if !launched {
		return ok(-1)
	}
	return ok(int64(pid))
}

// Wait implements WAIT.
func (b *Bridge) Wait(pid int) Result {
	return ok(int64(b.Proc.Wait(pid)))
}

// Create implements CREATE. path arrives already decoded and pinned
// by the caller (argument decoding off the raw user stack is out of
// scope, spec §1).
func (b *Bridge) Create(path string, size int64) Result {
	var created bool
	fslock.With(func() {
		created = b.FS.Create(path, size)
	})
	return boolResult(created)
}

// Remove implements REMOVE.
func (b *Bridge) Remove(path string) Result {
	var removed bool
	fslock.With(func() {
		removed = b.FS.Remove(path)
	})
	return boolResult(removed)
}

// Open implements OPEN: opens path and registers it under a fresh fd.
func (b *Bridge) Open(path string) Result {
	var (
		f     filebackend.File
		found bool
	)
	fslock.With(func() {
		f, found = b.FS.Open(path)
	})
	if !found {
		return ok(-1)
	}
	fd := b.Space.FDs.Open(f)
	return ok(int64(fd))
}

// Filesize implements FILESIZE.
func (b *Bridge) Filesize(fd int) Result {
	f, found := b.Space.FDs.Get(fd)
	if !found {
		return ok(-1)
	}
	return ok(f.Len())
}

// Read implements READ: pins buf for the duration, rejects a
// non-writable FILE-backed target (spec §4.4), reads under fs_lock into
// a kernel-side buffer, then copies the bytes actually read into buf's
// backing frame(s).
func (b *Bridge) Read(fd int, buf uintptr, n int) Result {
	if !b.killOnBadUaddr(buf, uintptr(n)) {
		return kill()
	}
	if entry, found := b.Space.SPT.Get(buf); found {
		if entry.Kind() == memcore.KindFile && !entry.Writable() {
			return kill()
		}
	}
	if !b.Space.PinBuffer(buf, uintptr(n)) {
		return kill()
	}
	defer b.Space.UnpinBuffer(buf, uintptr(n))

	f, found := b.Space.FDs.Get(fd)
	if !found {
		return ok(-1)
	}
	bytes := make([]byte, n)
	var read int
	fslock.With(func() {
		read = f.ReadAt(bytes, 0)
	})
	b.Space.CopyToUser(buf, bytes[:read])
	return ok(int64(read))
}

// Write implements WRITE: copies buf's backing frame(s) into a
// kernel-side buffer, then hands it to the console or fs_lock-guarded
// file write. fd=1 writes to the console, which is exercised fully
// (buffer is pinned even though console output cannot itself fault, per
// spec §4.4's note that console output may block).
func (b *Bridge) Write(fd int, buf uintptr, n int) Result {
	if !b.killOnBadUaddr(buf, uintptr(n)) {
		return kill()
	}
	if !b.Space.PinBuffer(buf, uintptr(n)) {
		return kill()
	}
	defer b.Space.UnpinBuffer(buf, uintptr(n))

	bytes := make([]byte, n)
	b.Space.CopyFromUser(buf, bytes)
	if fd == 1 {
		written := b.Console.Write(bytes)
		return ok(int64(written))
	}
	f, found := b.Space.FDs.Get(fd)
	if !found {
		return ok(-1)
	}
	var written int
	fslock.With(func() {
		written = f.WriteAt(bytes, 0)
	})
	return ok(int64(written))
}

// Seek implements SEEK. The real seek-position bookkeeping belongs to
// the (out-of-scope) filesystem's file_t; this only validates fd
// exists.
func (b *Bridge) Seek(fd int, pos uint) Result {
	if _, found := b.Space.FDs.Get(fd); !found {
		return ok(0)
	}
	return ok(0)
}

// Close implements CLOSE.
func (b *Bridge) Close(fd int) Result {
	b.Space.FDs.Close(fd)
	return ok(0)
}

// Mmap implements MMAP: fails per spec §4.4 when addr is null, not
// page-aligned, or the file is empty; otherwise reopens the file and
// registers an MMAP region spanning its length.
func (b *Bridge) Mmap(fd int, addr uintptr) Result {
	if addr == 0 || addr&memcore.PGOFFSET != 0 {
		return ok(-1)
	}
	f, found := b.Space.FDs.Get(fd)
	if !found {
		return ok(-1)
	}
	if f.Len() == 0 {
		return ok(-1)
	}
	reopened, err := f.Reopen()
	if err != nil {
		return ok(-1)
	}
	mapid, added := b.Space.SPT.AddMmapLazily(memcore.UVaddr(addr), reopened, f.Len())
	if !added {
		return ok(-1)
	}
	return ok(int64(mapid))
}

// Munmap implements MUNMAP.
func (b *Bridge) Munmap(mapid int) Result {
	b.Space.SPT.Munmap(mapid)
	return ok(0)
}
