package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/tozd/go/errors"

	"github.com/dyninst/pp/control"
	"github.com/dyninst/pp/region"
)

// attachTimeoutEnv overrides the default attach timeout (milliseconds)
// for commands that do not take an explicit timeout argument.
const attachTimeoutEnv = "PP_ATTACH_TIMEOUT"

func parsePid(s string) (int, errors.E) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, errors.WithDetails(ErrInvalidArgument, "pid", s)
	}
	return pid, nil
}

func parseAddr(s string) (uintptr, errors.E) {
	addr, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, errors.WithDetails(ErrInvalidArgument, "addr", s)
	}
	return uintptr(addr), nil
}

func parseSize(s string) (uint64, errors.E) {
	size, err := strconv.ParseUint(s, 10, 64)
	if err != nil || size == 0 {
		return 0, errors.WithDetails(ErrInvalidArgument, "size", s)
	}
	return size, nil
}

func parseHexBytes(s string) ([]byte, errors.E) {
	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(data) == 0 {
		return nil, errors.WithDetails(ErrInvalidArgument, "pattern", s)
	}
	return data, nil
}

// attachTarget attaches with the command's explicit timeout (ms), the
// PP_ATTACH_TIMEOUT override, or no deadline at all, in that order.
func attachTarget(pid int, timeoutMs uint64) (*control.Controller, context.CancelFunc, errors.E) {
	if timeoutMs == 0 {
		if env := os.Getenv(attachTimeoutEnv); env != "" {
			ms, err := strconv.ParseUint(env, 10, 64)
			if err != nil {
				return nil, nil, errors.WithDetails(ErrInvalidArgument, attachTimeoutEnv, env)
			}
			timeoutMs = ms
		}
	}

	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if timeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond) //nolint:gosec
	}
	ctrl, errE := control.Attach(ctx, pid)
	if errE != nil {
		cancel()
		return nil, nil, errE
	}
	return ctrl, cancel, nil
}

func newTable(w io.Writer) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoFormatHeaders(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

func humanSize(size uintptr) string {
	switch {
	case size >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(size)/float64(1<<30))
	case size >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(size)/float64(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(size)/float64(1<<10))
	default:
		return fmt.Sprintf("%dB", size)
	}
}

func regionName(r region.Region) string {
	if r.Name == "" {
		return "[anonymous]"
	}
	return r.Name
}

// hexDump prints memory in the usual hex+ASCII layout, 16 bytes per line.
func hexDump(w io.Writer, addr uintptr, data []byte) {
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[i:end]

		fmt.Fprintf(w, "0x%016x  ", uint64(addr)+uint64(i)) //nolint:gosec
		for _, b := range line {
			fmt.Fprintf(w, "%02x ", b)
		}
		for j := len(line); j < 16; j++ {
			fmt.Fprint(w, "   ")
		}
		fmt.Fprint(w, " |")
		for _, b := range line {
			if b >= 0x20 && b < 0x7f {
				fmt.Fprintf(w, "%c", b)
			} else {
				fmt.Fprint(w, ".")
			}
		}
		fmt.Fprintln(w, "|")
	}
}

func printRegisters(w io.Writer, regs *control.Registers) {
	fmt.Fprintf(w, "r15: %x\n", regs.R15)
	fmt.Fprintf(w, "r14: %x\n", regs.R14)
	fmt.Fprintf(w, "r13: %x\n", regs.R13)
	fmt.Fprintf(w, "r12: %x\n", regs.R12)
	fmt.Fprintf(w, "rbp: %x\n", regs.Rbp)
	fmt.Fprintf(w, "rbx: %x\n", regs.Rbx)
	fmt.Fprintf(w, "r11: %x\n", regs.R11)
	fmt.Fprintf(w, "r10: %x\n", regs.R10)
	fmt.Fprintf(w, "r9:  %x\n", regs.R9)
	fmt.Fprintf(w, "r8:  %x\n", regs.R8)
	fmt.Fprintf(w, "rax: %x\n", regs.Rax)
	fmt.Fprintf(w, "rcx: %x\n", regs.Rcx)
	fmt.Fprintf(w, "rdx: %x\n", regs.Rdx)
	fmt.Fprintf(w, "rsi: %x\n", regs.Rsi)
	fmt.Fprintf(w, "rdi: %x\n", regs.Rdi)
	fmt.Fprintf(w, "orig_rax: %x\n", regs.Orig_rax)
	fmt.Fprintf(w, "rip: %x\n", regs.Rip)
	fmt.Fprintf(w, "cs: %x\n", regs.Cs)
	fmt.Fprintf(w, "eflags: %x\n", regs.Eflags)
	fmt.Fprintf(w, "rsp: %x\n", regs.Rsp)
	fmt.Fprintf(w, "ss: %x\n", regs.Ss)
	fmt.Fprintf(w, "fs_base: %x\n", regs.Fs_base)
	fmt.Fprintf(w, "gs_base: %x\n", regs.Gs_base)
	fmt.Fprintf(w, "ds: %x\n", regs.Ds)
	fmt.Fprintf(w, "es: %x\n", regs.Es)
	fmt.Fprintf(w, "fs: %x\n", regs.Fs)
	fmt.Fprintf(w, "gs: %x\n", regs.Gs)
}
