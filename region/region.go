// Package region models memory regions of a process as parsed from the
// proc maps file, together with a small permission bit-set algebra.
package region

import (
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

var ErrMalformedLine = errors.Base("malformed maps line")

// Permission is a bit set over read/write/execute. The values match the
// kernel's PROT_READ/PROT_WRITE/PROT_EXEC constants so a set converts to
// the native mprotect encoding by a plain cast.
type Permission uint8

const (
	NoPermission Permission = 0
	Read         Permission = 1
	Write        Permission = 2
	Execute      Permission = 4
)

// Has returns true if every bit of perm is set in p.
func (p Permission) Has(perm Permission) bool {
	return p&perm == perm
}

// Native returns the mprotect encoding of the permission set.
func (p Permission) Native() int64 {
	return int64(p)
}

func (p Permission) String() string {
	if p == NoPermission {
		return "NO_PERMISSION"
	}
	parts := []string{}
	if p.Has(Read) {
		parts = append(parts, "READ")
	}
	if p.Has(Write) {
		parts = append(parts, "WRITE")
	}
	if p.Has(Execute) {
		parts = append(parts, "EXECUTE")
	}
	return strings.Join(parts, " | ")
}

// ParsePermission builds a permission set from the letters present in a
// maps-file permission field (e.g. "r-xp") or a CLI argument (e.g. "rw").
func ParsePermission(s string) Permission {
	perm := NoPermission
	if strings.ContainsRune(s, 'r') {
		perm |= Read
	}
	if strings.ContainsRune(s, 'w') {
		perm |= Write
	}
	if strings.ContainsRune(s, 'x') {
		perm |= Execute
	}
	return perm
}

// Region is a half-open address range [Begin, End) of a process's address
// space. Name is the backing path from the maps file, or empty for
// anonymous mappings.
type Region struct {
	Begin uintptr
	End   uintptr
	Perm  Permission
	Name  string
}

func (r Region) Size() uintptr {
	return r.End - r.Begin
}

// Contains returns true if addr falls inside the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Begin && addr < r.End
}

func (r Region) String() string {
	name := r.Name
	if name == "" {
		name = "[anonymous]"
	}
	return fmt.Sprintf("0x%012x-0x%012x %s %s", r.Begin, r.End, r.Perm, name)
}

// ParseLine parses one line of a proc maps file:
//
//	7f5cca60f000-7f5cca633000 r--p 00000000 fe:01 1576211 /usr/lib/libc.so.6
//
// The backing name is optional; everything after the inode field is taken
// verbatim, so names with spaces survive.
func ParseLine(line string) (Region, errors.E) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, errors.WithDetails(ErrMalformedLine, "line", line)
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Region{}, errors.WithDetails(ErrMalformedLine, "line", line)
	}
	begin, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Region{}, errors.WithDetails(ErrMalformedLine, "line", line)
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Region{}, errors.WithDetails(ErrMalformedLine, "line", line)
	}
	if end <= begin {
		return Region{}, errors.WithDetails(ErrMalformedLine, "line", line)
	}

	// The name is everything after the fifth field. Skip five tokens
	// positionally so an inode that also appears in an earlier field does
	// not confuse the split.
	rest := line
	for range 5 {
		rest = strings.TrimLeft(rest, " \t")
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			rest = rest[i:]
		} else {
			rest = ""
		}
	}
	name := strings.TrimSpace(rest)

	return Region{
		Begin: uintptr(begin),
		End:   uintptr(end),
		Perm:  ParsePermission(fields[1]),
		Name:  name,
	}, nil
}
