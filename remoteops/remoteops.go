// Package remoteops composes the controller's borrow-a-thread primitive
// into whole operations against a stopped target: memory allocation,
// permission changes, shared-library loading and function hooking.
package remoteops

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/dyninst/pp/control"
	"github.com/dyninst/pp/hookcompiler"
	"github.com/dyninst/pp/memio"
	"github.com/dyninst/pp/procfs"
	"github.com/dyninst/pp/region"
)

var (
	ErrNoLibc       = errors.Base("no libc region in target")
	ErrNoDlopen     = errors.Base("dlopen not found in libc")
	ErrNoRoom       = errors.Base("target region too small for trampoline")
	ErrMmapFailed   = errors.Base("remote mmap returned MAP_FAILED")
	ErrRegionAbsent = errors.Base("no region contains target address")
)

const pageSize = 4096

// dlopen mode: resolve all undefined symbols immediately.
const rtldNow = 0x2

// RemoteMmap allocates size bytes of fresh anonymous RWX memory inside
// the target by running the mmap syscall on its main thread.
func RemoteMmap(ctrl *control.Controller, size uint64) (region.Region, errors.E) {
	fd := -1
	args := [6]uint64{
		0,    // addr, kernel chooses.
		size, // length.
		unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC, // prot.
		unix.MAP_PRIVATE | unix.MAP_ANONYMOUS,             // flags.
		uint64(fd),                                        //nolint:gosec // fd.
		0,                                                 // offset.
	}
	addr, errE := ctrl.RunSyscall(unix.SYS_MMAP, args)
	if errE != nil {
		return region.Region{}, errE
	}
	if addr == ^uint64(0) {
		return region.Region{}, errors.WithDetails(ErrMmapFailed, "pid", ctrl.Pid(), "size", size)
	}
	return region.Region{
		Begin: uintptr(addr),
		End:   uintptr(addr) + uintptr(size),
		Perm:  region.Read | region.Write | region.Execute,
	}, nil
}

// RemoteMprotect changes the permissions of a region inside the target
// by running the mprotect syscall on its main thread.
func RemoteMprotect(ctrl *control.Controller, r region.Region, perm region.Permission) errors.E {
	args := [6]uint64{
		uint64(r.Begin),       //nolint:gosec // addr.
		uint64(r.Size()),      //nolint:gosec // length.
		uint64(perm.Native()), //nolint:gosec // prot.
	}
	_, errE := ctrl.RunSyscall(unix.SYS_MPROTECT, args)
	return errE
}

// dlopenAddress locates the in-target address of dlopen: the dynamic
// symbol's value in the libc file on disk plus the base of the libc
// mapping in the target.
func dlopenAddress(ctrl *control.Controller) (uint64, errors.E) {
	regions, errE := procfs.Regions(ctrl.Pid())
	if errE != nil {
		return 0, errE
	}
	var libc *region.Region
	for i := range regions {
		if strings.Contains(regions[i].Name, "libc.so") {
			libc = &regions[i]
			break
		}
	}
	if libc == nil {
		return 0, errors.WithDetails(ErrNoLibc, "pid", ctrl.Pid())
	}

	file, err := elf.Open(libc.Name)
	if err != nil {
		errE := errors.WithMessage(err, "open libc elf")
		errors.Details(errE)["path"] = libc.Name
		return 0, errE
	}
	defer file.Close()

	symbols, err := file.DynamicSymbols()
	if err != nil {
		errE := errors.WithMessage(err, "read libc dynsym")
		errors.Details(errE)["path"] = libc.Name
		return 0, errE
	}
	for _, sym := range symbols {
		if sym.Name == "dlopen" {
			return uint64(libc.Begin) + sym.Value, nil //nolint:gosec
		}
	}
	return 0, errors.WithDetails(ErrNoDlopen, "path", libc.Name)
}

// RemoteDlopen makes the target load the shared object at path by
// calling its own dlopen. The path string and a private stack are staged
// into freshly allocated target memory first.
//
// The return value of dlopen is deliberately not checked: with the
// call-through-register sequence the target traps right after the call
// either way, and a null result still leaves the target intact.
func RemoteDlopen(ctrl *control.Controller, path string) errors.E {
	dlopen, errE := dlopenAddress(ctrl)
	if errE != nil {
		return errE
	}

	pathBuf, errE := RemoteMmap(ctrl, pageSize)
	if errE != nil {
		return errE
	}
	errE = memio.Write(ctrl.Pid(), pathBuf, append([]byte(path), 0))
	if errE != nil {
		return errE
	}

	stack, errE := RemoteMmap(ctrl, pageSize)
	if errE != nil {
		return errE
	}

	_, errE = ctrl.RunCall(dlopen, uint64(pathBuf.Begin), rtldNow, uint64(stack.End)) //nolint:gosec
	if errE != nil {
		return errors.WithDetails(errE, "path", path)
	}
	return nil
}

// Trampoline builds the redirect written at a hooked function's entry:
//
//	mov rax, destination
//	jmp rax
//	ret
//
// The trailing ret is unreachable; it stops disassemblers from running
// past the end of the sequence.
func Trampoline(destination uint64) []byte {
	instr := make([]byte, 0, 13)
	instr = append(instr, 0x48, 0xB8)
	instr = binary.LittleEndian.AppendUint64(instr, destination)
	instr = append(instr, 0xFF, 0xE0, 0xC3)
	return instr
}

// InstallTrampoline compiles sourcePath, writes the resulting code into
// freshly allocated target memory, and redirects target's entry point to
// the compiled hook_main by splicing a trampoline over it. The redirect
// is permanent; there is no uninstall.
func InstallTrampoline(ctx context.Context, ctrl *control.Controller, target procfs.Function, sourcePath, outputPath string) errors.E {
	payload, errE := hookcompiler.Compile(ctx, sourcePath, outputPath)
	if errE != nil {
		return errE
	}

	allocated, errE := RemoteMmap(ctrl, pageSize)
	if errE != nil {
		return errE
	}
	errE = memio.Write(ctrl.Pid(), allocated, payload.Bytes)
	if errE != nil {
		return errE
	}

	destination := uint64(allocated.Begin) + payload.HookMainOffset //nolint:gosec

	targetRegion, errE := procfs.RegionFor(ctrl.Pid(), target.Address)
	if errE != nil {
		if errors.Is(errE, procfs.ErrNotFound) {
			return errors.WithDetails(ErrRegionAbsent, "fn", target.Name, "addr", uint64(target.Address)) //nolint:gosec
		}
		return errE
	}
	errE = RemoteMprotect(ctrl, targetRegion, region.Read|region.Write|region.Execute)
	if errE != nil {
		return errE
	}

	instr := Trampoline(destination)
	offset := target.Address - targetRegion.Begin
	if offset+uintptr(len(instr)) > targetRegion.Size() {
		return errors.WithDetails(
			ErrNoRoom,
			"fn", target.Name,
			"offset", uint64(offset), //nolint:gosec
			"trampoline", len(instr),
			"region", uint64(targetRegion.Size()), //nolint:gosec
		)
	}

	mem, errE := memio.Read(ctrl.Pid(), targetRegion)
	if errE != nil {
		return errE
	}
	copy(mem[offset:], instr)
	return memio.Write(ctrl.Pid(), targetRegion, mem)
}
