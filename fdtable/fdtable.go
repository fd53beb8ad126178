// Package fdtable implements a per-process open-file-descriptor table.
// fd 0 and 1 are reserved for the console (stdin/stdout); every opened
// file gets fd >= 2, monotonically increasing, never reused within the
// process's lifetime — adapted from the teacher's fd package, whose
// Fdops_i narrow-interface pattern this carries over (filebackend.File
// stands in for Fdops_i here since the real filesystem is out of
// scope).
package fdtable

import (
	"sync"

	"vmkern/filebackend"
)

// FirstFD is the first fd number handed out by Open.
const FirstFD = 2

// Table is one process's open file descriptors.
type Table struct {
	mu    sync.Mutex
	next  int
	files map[int]filebackend.File
}

// New creates an empty fd table.
func New() *Table {
	return &Table{next: FirstFD, files: make(map[int]filebackend.File)}
}

// Open registers file under a freshly minted fd and returns it.
func (t *Table) Open(file filebackend.File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.files[fd] = file
	return fd
}

// Get returns the file registered under fd, if any.
func (t *Table) Get(fd int) (filebackend.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	return f, ok
}

// Close closes and removes fd. Reports false if fd was not open, per
// spec's "resource absent" edge case (caller translates that to -1,
// not an error).
func (t *Table) Close(fd int) bool {
	t.mu.Lock()
	f, ok := t.files[fd]
	if ok {
		delete(t.files, fd)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	f.Close()
	return true
}

// Drain closes every open fd, for process exit. Order is unspecified.
func (t *Table) Drain() {
	t.mu.Lock()
	fds := make([]int, 0, len(t.files))
	for fd := range t.files {
		fds = append(fds, fd)
	}
	t.mu.Unlock()
	for _, fd := range fds {
		t.Close(fd)
	}
}
