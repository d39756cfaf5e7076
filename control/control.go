// Package control attaches to every thread of a running process, holds
// them stopped, and lets callers borrow a stopped thread to execute short
// injected instruction sequences on the target's behalf.
//
// It works on Linux and internally uses ptrace.
package control

import (
	"context"
	"runtime"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/dyninst/pp/internal/pplog"
	"github.com/dyninst/pp/procfs"
	"github.com/dyninst/pp/region"
)

var (
	ErrAttachFailed        = errors.Base("ptrace attach failed")
	ErrAttachTimeout       = errors.Base("timeout while waiting for threads to stop")
	ErrPartialAttach       = errors.Base("failed to attach to all threads")
	ErrNoThread            = errors.Base("controller has no threads")
	ErrNoExecRegion        = errors.Base("no executable memory region")
	ErrRemoteSyscallFailed = errors.Base("remote execution failed")
	ErrUnexpectedRead      = errors.Base("unexpected bytes read")
	ErrUnexpectedWrite     = errors.Base("unexpected bytes written")
)

// Errors are returned as negative numbers from syscalls but we compare them as uint64.
const maxErrno = uint64(0xfffffffffffff001)

const (
	// These errno values are not really meant for user space programs (so they are not defined
	// in unix package) but we need them as we operate on a lower level and handle them in RunSyscall.
	_ERESTARTSYS           = unix.Errno(512) //nolint: revive,stylecheck
	_ERESTARTNOINTR        = unix.Errno(513) //nolint: revive,stylecheck
	_ERESTARTNOHAND        = unix.Errno(514) //nolint: revive,stylecheck
	_ERESTART_RESTARTBLOCK = unix.Errno(516) //nolint: revive,stylecheck
)

// A Controller holds ptrace attachment to every thread of a target
// process. While a controller exists its target is fully stopped; only
// signal processing happens in the target.
//
// Construction attaches and stops every thread; Close detaches every one
// of them and must run on every exit path, so callers defer it
// immediately after a successful Attach.
type Controller struct {
	pid     int
	threads []procfs.Thread
	closed  bool
}

// Attach attaches to every thread of pid and waits for each to stop. The
// deadline of ctx bounds the whole construction as wall-clock elapsed
// time, not per thread.
//
// Threads spawned by the target during attachment are raced against by
// re-enumerating once after the first pass; a thread that still slips
// through fails construction with ErrPartialAttach. On any construction
// failure the partially attached set is detached before the error is
// returned.
func Attach(ctx context.Context, pid int) (*Controller, errors.E) {
	runtime.LockOSThread()

	c := &Controller{pid: pid}
	attached := map[int]bool{}

	attachAll := func(threads []procfs.Thread) errors.E {
		for _, t := range threads {
			if attached[t.Tid] {
				continue
			}
			errE := attachThread(ctx, t)
			if errE != nil {
				return errE
			}
			attached[t.Tid] = true
			c.threads = append(c.threads, t)
		}
		return nil
	}

	fail := func(errE errors.E) (*Controller, errors.E) {
		c.detachAll()
		runtime.UnlockOSThread()
		return nil, errors.WithDetails(errE, "pid", pid)
	}

	threads, errE := procfs.Threads(pid)
	if errE != nil {
		runtime.UnlockOSThread()
		return nil, errE
	}
	if errE = attachAll(threads); errE != nil {
		return fail(errE)
	}

	// The target may have spawned threads between enumeration and the
	// attach pass. Re-enumerate once and pick up any newcomers instead of
	// treating the first enumeration as authoritative.
	threads, errE = procfs.Threads(pid)
	if errE != nil {
		return fail(errE)
	}
	if errE = attachAll(threads); errE != nil {
		return fail(errE)
	}

	if len(c.threads) != len(threads) {
		return fail(errors.WithDetails(
			ErrPartialAttach,
			"attached", len(c.threads),
			"threads", len(threads),
		))
	}

	return c, nil
}

// Attach one thread and wait until it is observed stopped. The kernel may
// deliver unrelated signals first; those are re-injected with a continue
// and the wait is retried.
func attachThread(ctx context.Context, t procfs.Thread) errors.E {
	err := unix.PtraceAttach(t.Tid)
	if err != nil {
		errE := errors.WithMessage(err, "ptrace attach")
		errors.Details(errE)["tid"] = t.Tid
		return errors.Join(errE, ErrAttachFailed)
	}

	for {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(t.Tid, &status, unix.WALL|unix.WNOHANG, nil)
		if err != nil && !errors.Is(err, unix.EINTR) {
			errE := errors.WithMessage(err, "wait4")
			errors.Details(errE)["tid"] = t.Tid
			return errE
		}
		if err != nil || wpid == 0 {
			// Not stopped yet. Poll instead of blocking so the deadline holds.
			if ctx.Err() != nil {
				return errors.WithDetails(ErrAttachTimeout, "tid", t.Tid)
			}
			_ = unix.Nanosleep(&unix.Timespec{Nsec: 1_000_000}, nil)
			continue
		}
		if status.Stopped() {
			return nil
		}
		if status.Exited() || status.Signaled() {
			return errors.WithDetails(
				ErrAttachFailed,
				"tid", t.Tid,
				"exitStatus", status.ExitStatus(),
				"signal", int(status.Signal()),
			)
		}
		err = unix.PtraceCont(t.Tid, int(status.StopSignal()))
		if err != nil {
			errE := errors.WithMessage(err, "ptrace cont")
			errors.Details(errE)["tid"] = t.Tid
			return errE
		}
		if ctx.Err() != nil {
			return errors.WithDetails(ErrAttachTimeout, "tid", t.Tid)
		}
	}
}

func wait(tid int, status *unix.WaitStatus) errors.E {
	for {
		_, err := unix.Wait4(tid, status, unix.WALL, nil)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EINTR) {
			return errors.WithMessage(err, "wait4")
		}
	}
}

// Close detaches every recorded thread, releasing the target to run
// normally. It is safe to call more than once. Detach failures cannot be
// propagated from here; every detach is still attempted and failures are
// drained to the log.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.detachAll()
	runtime.UnlockOSThread()
}

func (c *Controller) detachAll() {
	for _, t := range c.threads {
		err := unix.PtraceDetach(t.Tid)
		if err != nil {
			pplog.Logger.Printf("ptrace detach failed for tid %d: %v", t.Tid, err)
		}
	}
	c.threads = nil
}

// Pid returns the pid of the controlled process.
func (c *Controller) Pid() int {
	return c.pid
}

// Threads returns the attached threads, in attach order.
func (c *Controller) Threads() []procfs.Thread {
	threads := make([]procfs.Thread, len(c.threads))
	copy(threads, c.threads)
	return threads
}

// MainThread returns the first attached thread, the one all remote
// operations act through.
func (c *Controller) MainThread() (procfs.Thread, errors.E) {
	if len(c.threads) == 0 {
		return procfs.Thread{}, errors.WithDetails(ErrNoThread, "pid", c.pid)
	}
	return c.threads[0], nil
}

// GetRegs reads the general-purpose register file of a stopped thread.
func (c *Controller) GetRegs(t procfs.Thread) (Registers, errors.E) {
	var regs Registers
	err := unix.PtraceGetRegs(t.Tid, &regs)
	if err != nil {
		errE := errors.WithMessage(err, "ptrace getregs")
		errors.Details(errE)["tid"] = t.Tid
		return Registers{}, errE
	}
	return regs, nil
}

// SetRegs replaces the general-purpose register file of a stopped thread
// bit-exact.
func (c *Controller) SetRegs(t procfs.Thread, regs *Registers) errors.E {
	err := unix.PtraceSetRegs(t.Tid, regs)
	if err != nil {
		errE := errors.WithMessage(err, "ptrace setregs")
		errors.Details(errE)["tid"] = t.Tid
		return errE
	}
	return nil
}

// The two canonical scratch sequences. Both are exactly 8 bytes so that
// staging and restoring is a single ptrace word each.
var (
	// syscall; int3; nop x5
	syscallSequence = [scratchLen]byte{0x0F, 0x05, 0xCC, 0x90, 0x90, 0x90, 0x90, 0x90}
	// nop; nop; call rbx; int3; nop x3
	callSequence = [scratchLen]byte{0x90, 0x90, 0xFF, 0xD3, 0xCC, 0x90, 0x90, 0x90}
)

const scratchLen = 8

// callEntryOffset skips the two leading nops of callSequence.
const callEntryOffset = 2

// RunSyscall executes one syscall on the main thread of the target using
// the syscall scratch sequence and the Linux x86-64 syscall ABI. The
// result register is returned; an errno-range result fails with
// ErrRemoteSyscallFailed.
//
// Syscalls can be interrupted by signal handling and might abort, so
// results in the kernel's restart range are retried automatically. EAGAIN
// is not handled here on purpose, to not block in a loop.
func (c *Controller) RunSyscall(call int, args [6]uint64) (uint64, errors.E) {
	for {
		res, errE := c.runSyscall(call, args)
		if errE != nil {
			if errors.Is(errE, _ERESTARTSYS) ||
				errors.Is(errE, _ERESTARTNOINTR) ||
				errors.Is(errE, _ERESTARTNOHAND) ||
				errors.Is(errE, _ERESTART_RESTARTBLOCK) ||
				errors.Is(errE, unix.EINTR) {
				continue
			}
		}
		return res, errE
	}
}

func (c *Controller) runSyscall(call int, args [6]uint64) (uint64, errors.E) {
	regs, errE := c.borrowThread(syscallSequence, 0, func(regs *Registers) {
		newSyscallRegs(regs, call, args)
	})
	if errE != nil {
		return 0, errors.WithDetails(errE, "call", call)
	}
	res := resultReg(&regs)
	if res > maxErrno {
		errE := errors.WithDetails(unix.Errno(-res), "call", call)
		return 0, errors.Join(errE, ErrRemoteSyscallFailed)
	}
	return res, nil
}

// RunCall executes fn(arg0, arg1) on the main thread through the
// call-through-register scratch sequence, on a caller-provided stack. The
// result register is returned without interpretation; callers that have a
// failure sentinel check it themselves.
func (c *Controller) RunCall(fn, arg0, arg1, stackTop uint64) (uint64, errors.E) {
	regs, errE := c.borrowThread(callSequence, callEntryOffset, func(regs *Registers) {
		newCallRegs(regs, fn, arg0, arg1, stackTop)
	})
	if errE != nil {
		return 0, errors.WithDetails(errE, "fn", fn)
	}
	return resultReg(&regs), nil
}

// borrowThread is the four-phase primitive behind every remote operation:
// pick an executable scratch region, save its first word and the main
// thread's registers, stage a sequence and edited registers, run to the
// int3 trap, and restore the scratch word and then the registers. The restoration runs on every
// exit path, including a panic unwinding through the stage or wait.
func (c *Controller) borrowThread(seq [scratchLen]byte, entryOffset uint64, edit func(*Registers)) (resultRegs Registers, errE errors.E) { //nolint:nonamedreturns
	t, errE := c.MainThread()
	if errE != nil {
		return Registers{}, errE
	}

	regions, errE := procfs.Regions(c.pid)
	if errE != nil {
		return Registers{}, errE
	}
	var scratch region.Region
	found := false
	for _, r := range regions {
		if r.Perm.Has(region.Execute) {
			scratch = r
			found = true
			break
		}
	}
	if !found {
		return Registers{}, errors.WithDetails(ErrNoExecRegion, "pid", c.pid)
	}

	// Save.
	saved, errE := c.peekText(t, scratch.Begin, scratchLen)
	if errE != nil {
		return Registers{}, errE
	}
	savedRegs, errE := c.GetRegs(t)
	if errE != nil {
		return Registers{}, errE
	}

	// Restore puts the scratch bytes back first and the registers second
	// (defers run last-registered first). Registered as defers so that failures and panics
	// between here and the trap still restore both.
	defer func() {
		errE2 := c.SetRegs(t, &savedRegs)
		errE = errors.Join(errE, errE2)
	}()
	defer func() {
		errE2 := c.pokeText(t, scratch.Begin, saved)
		errE = errors.Join(errE, errE2)
	}()

	// Stage.
	errE = c.pokeText(t, scratch.Begin, seq[:])
	if errE != nil {
		return Registers{}, errE
	}
	newRegs := savedRegs
	setPC(&newRegs, uint64(scratch.Begin)+entryOffset)
	edit(&newRegs)
	errE = c.SetRegs(t, &newRegs)
	if errE != nil {
		return Registers{}, errE
	}

	// Run and wait. The only acceptable outcome is a stop caused by the
	// int3 breakpoint; any other signal means the injected sequence went
	// somewhere unplanned.
	err := unix.PtraceCont(t.Tid, 0)
	if err != nil {
		errE = errors.WithMessage(err, "ptrace cont")
		errors.Details(errE)["tid"] = t.Tid
		return Registers{}, errE
	}
	var status unix.WaitStatus
	errE = wait(t.Tid, &status)
	if errE != nil {
		errors.Details(errE)["tid"] = t.Tid
		return Registers{}, errE
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		return Registers{}, errors.WithDetails(
			ErrRemoteSyscallFailed,
			"tid", t.Tid,
			"stopSignal", int(status.StopSignal()),
			"exitStatus", status.ExitStatus(),
		)
	}

	resultRegs, errE = c.GetRegs(t)
	return resultRegs, errE
}

func (c *Controller) peekText(t procfs.Thread, addr uintptr, length int) ([]byte, errors.E) {
	data := make([]byte, length)
	n, err := unix.PtracePeekText(t.Tid, addr, data)
	if err != nil {
		errE := errors.WithMessage(err, "ptrace peektext")
		errors.Details(errE)["tid"] = t.Tid
		return nil, errE
	}
	if n != length {
		return nil, errors.WithDetails(
			ErrUnexpectedRead,
			"tid", t.Tid,
			"expected", length,
			"read", n,
		)
	}
	return data, nil
}

func (c *Controller) pokeText(t procfs.Thread, addr uintptr, data []byte) errors.E {
	n, err := unix.PtracePokeText(t.Tid, addr, data)
	if err != nil {
		errE := errors.WithMessage(err, "ptrace poketext")
		errors.Details(errE)["tid"] = t.Tid
		return errE
	}
	if n != len(data) {
		return errors.WithDetails(
			ErrUnexpectedWrite,
			"tid", t.Tid,
			"expected", len(data),
			"written", n,
		)
	}
	return nil
}
