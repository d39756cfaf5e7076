// Package procfs enumerates processes, threads and memory regions through
// the proc filesystem, and resolves function symbols from a process's
// executable.
package procfs

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/dyninst/pp/region"
)

var ErrNotFound = errors.Base("not found")

// Thread identifies one thread of a process.
type Thread struct {
	Pid int
	Tid int
}

// ListPids returns the pids of every process currently visible in /proc,
// in ascending order.
func ListPids() ([]int, errors.E) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, errors.WithMessage(err, "read /proc")
	}
	pids := []int{}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// Name returns the short name of the process from /proc/<pid>/comm.
func Name(pid int) (string, errors.E) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		errE := errors.WithMessage(err, "read comm")
		errors.Details(errE)["pid"] = pid
		return "", errE
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}

// Find returns every pid whose short name matches name exactly. It fails
// with ErrNotFound when no process matches.
func Find(name string) ([]int, errors.E) {
	pids, errE := ListPids()
	if errE != nil {
		return nil, errE
	}
	matches := []int{}
	for _, pid := range pids {
		procName, errE := Name(pid)
		if errE != nil {
			// The process may have exited between enumeration and read.
			continue
		}
		if procName == name {
			matches = append(matches, pid)
		}
	}
	if len(matches) == 0 {
		return nil, errors.WithDetails(ErrNotFound, "name", name)
	}
	return matches, nil
}

// Regions returns the memory regions of the process as currently mapped.
// The result is a snapshot: it is not stable across calls.
func Regions(pid int) ([]region.Region, errors.E) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	file, err := os.Open(path)
	if err != nil {
		errE := errors.WithMessage(err, "open maps")
		errors.Details(errE)["pid"] = pid
		return nil, errE
	}
	defer file.Close()

	regions := []region.Region{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		r, errE := region.ParseLine(scanner.Text())
		if errE != nil {
			errors.Details(errE)["pid"] = pid
			return nil, errE
		}
		regions = append(regions, r)
	}
	if err := scanner.Err(); err != nil {
		errE := errors.WithMessage(err, "read maps")
		errors.Details(errE)["pid"] = pid
		return nil, errE
	}
	return regions, nil
}

// RegionFor returns the region containing addr. It fails with ErrNotFound
// if the address is not mapped.
func RegionFor(pid int, addr uintptr) (region.Region, errors.E) {
	regions, errE := Regions(pid)
	if errE != nil {
		return region.Region{}, errE
	}
	for _, r := range regions {
		if r.Contains(addr) {
			return r, nil
		}
	}
	return region.Region{}, errors.WithDetails(ErrNotFound, "pid", pid, "addr", fmt.Sprintf("0x%x", addr))
}

// Threads enumerates the threads of the process from /proc/<pid>/task.
func Threads(pid int) ([]Thread, errors.E) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		errE := errors.WithMessage(err, "read task dir")
		errors.Details(errE)["pid"] = pid
		return nil, errE
	}
	threads := []Thread{}
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		threads = append(threads, Thread{Pid: pid, Tid: tid})
	}
	return threads, nil
}

// ThreadName returns the name of one thread from /proc/<pid>/task/<tid>/comm.
func ThreadName(t Thread) (string, errors.E) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/comm", t.Pid, t.Tid))
	if err != nil {
		errE := errors.WithMessage(err, "read thread comm")
		errors.Details(errE)["pid"] = t.Pid
		errors.Details(errE)["tid"] = t.Tid
		return "", errE
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}

// BaseAddress returns the lowest mapped address of the process, used as
// the load base for symbol address arithmetic.
func BaseAddress(pid int) (uintptr, errors.E) {
	regions, errE := Regions(pid)
	if errE != nil {
		return 0, errE
	}
	if len(regions) == 0 {
		return 0, errors.WithDetails(ErrNotFound, "pid", pid)
	}
	base := regions[0].Begin
	for _, r := range regions[1:] {
		if r.Begin < base {
			base = r.Begin
		}
	}
	return base, nil
}

// ExePath returns the path of the executable backing the process.
func ExePath(pid int) (string, errors.E) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		errE := errors.WithMessage(err, "readlink exe")
		errors.Details(errE)["pid"] = pid
		return "", errE
	}
	return path, nil
}

// MemUsage returns the total program size of the process in bytes, from
// the first field of /proc/<pid>/statm.
func MemUsage(pid int) (uint64, errors.E) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		errE := errors.WithMessage(err, "read statm")
		errors.Details(errE)["pid"] = pid
		return 0, errE
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, errors.WithDetails(errors.Base("empty statm"), "pid", pid)
	}
	pages, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		errE := errors.WithMessage(err, "parse statm")
		errors.Details(errE)["pid"] = pid
		return 0, errE
	}
	return pages * uint64(unix.Getpagesize()), nil
}
