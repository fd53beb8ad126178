// Package kerrors defines the kernel-visible error taxonomy used across
// the memory subsystem: negative error codes returned to callers (never
// raised), plus Fatalf/Assertf for the invariant-violation class that
// spec'd behavior says must panic.
package kerrors

import "fmt"

// Err_t is a kernel error code. Zero means success; negative values name
// a specific failure. User-visible errors are always returned as a value
// and never cause a panic.
type Err_t int

const (
	// OK indicates success.
	OK Err_t = 0

	// EFAULT: bad user pointer, or a page fault outside any known
	// supplemental page table entry.
	EFAULT Err_t = -1

	// EINVAL: malformed argument (e.g. misaligned mmap offset).
	EINVAL Err_t = -2

	// ENOMEM: frame or swap slot could not be obtained, though not via
	// the fatal exhaustion path (e.g. caller-visible allocation failure
	// during a non-critical path).
	ENOMEM Err_t = -3

	// ENAMETOOLONG: a user string exceeded the caller's declared max.
	ENAMETOOLONG Err_t = -4

	// ENOENT: no such file descriptor or mapid.
	ENOENT Err_t = -5

	// EPERM: permission violation, e.g. write to a non-writable FILE
	// page, or an unknown syscall number.
	EPERM Err_t = -6

	// ENOHEAP: a bounded kernel-side copy ran out of its resource
	// budget while walking a user buffer.
	ENOHEAP Err_t = -7
)

func (e Err_t) Error() string {
	switch e {
	case OK:
		return "ok"
	case EFAULT:
		return "bad user pointer"
	case EINVAL:
		return "invalid argument"
	case ENOMEM:
		return "out of memory"
	case ENAMETOOLONG:
		return "name too long"
	case ENOENT:
		return "no such entry"
	case EPERM:
		return "permission violation"
	case ENOHEAP:
		return "kernel resource budget exhausted"
	default:
		return fmt.Sprintf("err_t(%d)", int(e))
	}
}

// Fatalf reports an unrecoverable kernel invariant violation (swap
// exhaustion, eviction livelock) and panics. It logs through L first, at
// error level, so the condition is visible in any attached collector
// before the panic unwinds — deliberately not zap's own Fatal, which
// calls os.Exit and would make the panic untestable by callers that
// recover() at a process-teardown boundary.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	L.Error(msg)
	panic(msg)
}

// Assertf panics with msg if cond is false. Used for lock-ordering and
// data-structure invariants that must never be violated by correct
// callers — these are programmer errors, not user-triggerable failures.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		msg := fmt.Sprintf(format, args...)
		L.Error(msg)
		panic(msg)
	}
}
