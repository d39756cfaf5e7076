//go:build linux && amd64
// +build linux,amd64

package control

import (
	"unsafe"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/dyninst/pp/procfs"
)

// Registers is the full general-purpose x86-64 register file of a thread.
// It is a plain value type: assignment copies it bit-exact, so a snapshot
// round-trips through GetRegs/SetRegs unchanged.
type Registers = unix.PtraceRegs

// FPRegs is the legacy FXSAVE floating-point register bank
// (user_fpregs_struct). It is read best-effort for display; no remote
// operation depends on it.
type FPRegs struct {
	Cwd      uint16
	Swd      uint16
	Ftw      uint16
	Fop      uint16
	Rip      uint64
	Rdp      uint64
	Mxcsr    uint32
	MxcrMask uint32
	StSpace  [32]uint32
	XmmSpace [64]uint32
	Padding  [24]uint32
}

func setPC(regs *Registers, pc uint64) {
	regs.SetPC(pc)
}

// newSyscallRegs loads the Linux x86-64 syscall calling convention:
// number in rax, arguments in rdi, rsi, rdx, r10, r8, r9.
func newSyscallRegs(regs *Registers, call int, args [6]uint64) {
	regs.Rax = uint64(call) //nolint:gosec
	regs.Rdi = args[0]
	regs.Rsi = args[1]
	regs.Rdx = args[2]
	regs.R10 = args[3]
	regs.R8 = args[4]
	regs.R9 = args[5]
}

// newCallRegs loads the call-through-register convention of the call
// scratch sequence: callee in rbx, the first two System V argument
// registers, and a private stack.
func newCallRegs(regs *Registers, fn, arg0, arg1, stackTop uint64) {
	regs.Rbx = fn
	regs.Rdi = arg0
	regs.Rsi = arg1
	regs.Rsp = stackTop
	regs.Rbp = stackTop
}

func resultReg(regs *Registers) uint64 {
	return regs.Rax
}

// ntPRFPREG is the Linux NT_PRFPREG note type (linux/elfcore.h), used to
// select the floating-point register set in PTRACE_GETREGSET. golang.org/x/sys/unix
// does not export this constant.
const ntPRFPREG = 2

// GetFPRegs reads the floating-point register bank of a stopped thread
// through PTRACE_GETREGSET with the NT_PRFPREG register set.
func (c *Controller) GetFPRegs(t procfs.Thread) (FPRegs, errors.E) {
	var fpRegs FPRegs
	iov := unix.Iovec{
		Base: (*byte)(unsafe.Pointer(&fpRegs)),
		Len:  uint64(unsafe.Sizeof(fpRegs)),
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_PTRACE,
		unix.PTRACE_GETREGSET,
		uintptr(t.Tid),
		uintptr(ntPRFPREG),
		uintptr(unsafe.Pointer(&iov)),
		0, 0,
	)
	if errno != 0 {
		errE := errors.WithMessage(errno, "ptrace getregset")
		errors.Details(errE)["tid"] = t.Tid
		return FPRegs{}, errE
	}
	return fpRegs, nil
}
