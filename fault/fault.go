// Package fault implements the page-fault handler: SPT-backed demand
// loading and stack-growth policy. Grounded on spec.md §4.3 and the
// shape of the teacher's vm.Sys_pgfault (address-space-level fault
// resolution returning a kerrors.Err_t-style verdict rather than
// directly killing the faulting thread).
package fault

import (
	"vmkern/kerrors"
	"vmkern/memcore"
	"vmkern/spt"
)

// Info describes one page fault: the address that faulted, the
// faulting thread's current user stack pointer (for stack-growth
// slack), and whether the access was a write.
type Info struct {
	Addr         uintptr
	StackPointer uintptr
	Write        bool
	FromKernel   bool
}

// Verdict is the outcome of resolving a fault.
type Verdict int

const (
	// Resolved means the faulting instruction may be retried.
	Resolved Verdict = iota
	// Kill means the process must be terminated with exit status -1.
	Kill
)

// Handle resolves one page fault against table, per spec §4.3:
//  1. a fault reached from kernel context on a non-user pointer is a
//     kernel bug, not a user error — it panics rather than killing a
//     process, mirroring the teacher's "kernel page fault" panic.
//  2. an existing SPT entry is loaded.
//  3. otherwise, stack growth is attempted within the reserved
//     8 MiB region below PhysBase, allowing the classic 32-byte PUSHA
//     slack below the stack pointer.
//  4. otherwise, the process is killed.
func Handle(table *spt.Table, info Info) Verdict {
	if info.FromKernel && !memcore.IsUserAddr(info.Addr) {
		kerrors.Fatalf("fault: kernel page fault at %#x", info.Addr)
	}

	if _, ok := table.Get(info.Addr); ok {
		if table.Load(info.Addr) {
			return Resolved
		}
		return Kill
	}

	if isStackGrowth(info) {
		addr := uintptr(memcore.PageDown(info.Addr))
		if table.AddZero(addr) {
			return Resolved
		}
	}

	return Kill
}

// isStackGrowth reports whether a fault at info.Addr, with no existing
// SPT entry, qualifies as legitimate stack growth: within the reserved
// stack region, and no more than MaxPushaSlack bytes below the current
// stack pointer (a PUSHA instruction can fault that far below esp).
func isStackGrowth(info Info) bool {
	if info.Addr < memcore.StackBoundary || info.Addr >= memcore.PhysBase {
		return false
	}
	if info.Addr+memcore.MaxPushaSlack < info.StackPointer {
		return false
	}
	return true
}
