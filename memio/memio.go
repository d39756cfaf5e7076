// Package memio reads and writes the memory of another process in bulk
// through the kernel's cross-process vectored I/O, without word-at-a-time
// ptrace peek/poke loops.
package memio

import (
	"bytes"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/dyninst/pp/region"
)

var (
	ErrShortRead     = errors.Base("short cross-process read")
	ErrShortWrite    = errors.Base("short cross-process write")
	ErrWriteTooLarge = errors.Base("write larger than region")
)

// Read returns the full contents of the region from the target process.
// Either all bytes are returned or the call fails; there is no partial
// success.
func Read(pid int, r region.Region) ([]byte, errors.E) {
	return ReadN(pid, r, int(r.Size()))
}

// ReadN returns the first length bytes of the region.
func ReadN(pid int, r region.Region, length int) ([]byte, errors.E) {
	data := make([]byte, length)
	localIov := unix.Iovec{Base: &data[0], Len: uint64(length)}
	remoteIov := unix.RemoteIovec{Base: r.Begin, Len: length}
	n, err := unix.ProcessVMReadv(pid, []unix.Iovec{localIov}, []unix.RemoteIovec{remoteIov}, 0)
	if err != nil {
		errE := errors.WithMessage(err, "process vm readv")
		errors.Details(errE)["pid"] = pid
		errors.Details(errE)["addr"] = r.Begin
		return nil, errE
	}
	if n != length {
		return nil, errors.WithDetails(
			ErrShortRead,
			"pid", pid,
			"addr", r.Begin,
			"expected", length,
			"read", n,
		)
	}
	return data, nil
}

// Write copies data to the beginning of the region in the target process.
// len(data) must not exceed the region size. Atomicity is the same as
// Read: full count or failure.
func Write(pid int, r region.Region, data []byte) errors.E {
	if uintptr(len(data)) > r.Size() {
		return errors.WithDetails(
			ErrWriteTooLarge,
			"pid", pid,
			"addr", r.Begin,
			"size", r.Size(),
			"data", len(data),
		)
	}
	localIov := unix.Iovec{Base: &data[0], Len: uint64(len(data))}
	remoteIov := unix.RemoteIovec{Base: r.Begin, Len: len(data)}
	n, err := unix.ProcessVMWritev(pid, []unix.Iovec{localIov}, []unix.RemoteIovec{remoteIov}, 0)
	if err != nil {
		errE := errors.WithMessage(err, "process vm writev")
		errors.Details(errE)["pid"] = pid
		errors.Details(errE)["addr"] = r.Begin
		return errE
	}
	if n != len(data) {
		return errors.WithDetails(
			ErrShortWrite,
			"pid", pid,
			"addr", r.Begin,
			"expected", len(data),
			"written", n,
		)
	}
	return nil
}

// Replace searches the region for find, overwrites each match in place
// with replace, and writes the region back. The search restarts from the
// beginning of the region after every rewrite, so overlapping matches are
// not considered. occurrences bounds the number of rewrites; zero or
// negative means unbounded. If replace is shorter than find, the tail of
// the match is left untouched; callers pad explicitly.
//
// Returns the number of rewrites performed.
func Replace(pid int, r region.Region, find, replace []byte, occurrences int) (int, errors.E) {
	if len(find) == 0 {
		return 0, nil
	}
	mem, errE := Read(pid, r)
	if errE != nil {
		return 0, errE
	}

	remaining := occurrences
	if remaining <= 0 {
		remaining = -1
	}
	replaced := 0
	last := -1
	for remaining != 0 {
		i := bytes.Index(mem, find)
		if i < 0 {
			break
		}
		// A match recurring at the same offset means the rewrite cannot
		// eliminate it (replace begins with find); stop instead of looping.
		if i == last {
			break
		}
		last = i
		copy(mem[i:], replace)
		errE = Write(pid, r, mem)
		if errE != nil {
			return replaced, errE
		}
		replaced++
		if remaining > 0 {
			remaining--
		}
	}
	return replaced, nil
}
