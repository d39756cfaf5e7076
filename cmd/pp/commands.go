package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/dyninst/pp/disasm"
	"github.com/dyninst/pp/hookcompiler"
	"github.com/dyninst/pp/internal/pplog"
	"github.com/dyninst/pp/memio"
	"github.com/dyninst/pp/procfs"
	"github.com/dyninst/pp/region"
	"github.com/dyninst/pp/remoteops"
)

func cmdPidof(args []string) errors.E {
	pids, errE := procfs.Find(args[0])
	if errE != nil {
		return errE
	}
	for _, pid := range pids {
		fmt.Println(pid)
	}
	return nil
}

func cmdPs(_ []string) errors.E {
	pids, errE := procfs.ListPids()
	if errE != nil {
		return errE
	}
	table := newTable(os.Stdout)
	table.SetHeader([]string{"PID", "NAME"})
	for _, pid := range pids {
		name, errE := procfs.Name(pid)
		if errE != nil {
			// The process may have exited mid-listing.
			continue
		}
		table.Append([]string{strconv.Itoa(pid), name})
	}
	table.Render()
	return nil
}

func cmdName(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	name, errE := procfs.Name(pid)
	if errE != nil {
		return errE
	}
	fmt.Println(name)
	return nil
}

func cmdInfo(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	name, errE := procfs.Name(pid)
	if errE != nil {
		return errE
	}
	base, errE := procfs.BaseAddress(pid)
	if errE != nil {
		return errE
	}
	usage, errE := procfs.MemUsage(pid)
	if errE != nil {
		return errE
	}
	exe, errE := procfs.ExePath(pid)
	if errE != nil {
		return errE
	}
	threads, errE := procfs.Threads(pid)
	if errE != nil {
		return errE
	}

	table := newTable(os.Stdout)
	table.Append([]string{"PID", strconv.Itoa(pid)})
	table.Append([]string{"Name", name})
	table.Append([]string{"Base address", fmt.Sprintf("0x%x", base)})
	table.Append([]string{"Memory usage", fmt.Sprintf("%d bytes", usage)})
	table.Append([]string{"Executable", exe})
	table.Append([]string{"Threads", strconv.Itoa(len(threads))})
	table.Render()
	return nil
}

func printRegionTable(regions []region.Region) {
	table := newTable(os.Stdout)
	table.SetHeader([]string{"ADDRESS RANGE", "SIZE", "PERMISSIONS", "NAME"})
	for _, r := range regions {
		table.Append([]string{
			fmt.Sprintf("0x%012x-0x%012x", r.Begin, r.End),
			humanSize(r.Size()),
			r.Perm.String(),
			regionName(r),
		})
	}
	table.Render()
}

func cmdMaps(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	regions, errE := procfs.Regions(pid)
	if errE != nil {
		return errE
	}
	printRegionTable(regions)
	return nil
}

func cmdExec(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	regions, errE := procfs.Regions(pid)
	if errE != nil {
		return errE
	}
	executable := []region.Region{}
	for _, r := range regions {
		if r.Perm.Has(region.Execute) {
			executable = append(executable, r)
		}
	}
	printRegionTable(executable)
	return nil
}

func cmdMemstat(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	regions, errE := procfs.Regions(pid)
	if errE != nil {
		return errE
	}

	var total, executable, writable, anonymous uintptr
	for _, r := range regions {
		total += r.Size()
		if r.Perm.Has(region.Execute) {
			executable += r.Size()
		}
		if r.Perm.Has(region.Write) {
			writable += r.Size()
		}
		if r.Name == "" {
			anonymous += r.Size()
		}
	}

	table := newTable(os.Stdout)
	table.SetHeader([]string{"KIND", "BYTES"})
	table.Append([]string{"total", strconv.FormatUint(uint64(total), 10)})
	table.Append([]string{"executable", strconv.FormatUint(uint64(executable), 10)})
	table.Append([]string{"writable", strconv.FormatUint(uint64(writable), 10)})
	table.Append([]string{"anonymous", strconv.FormatUint(uint64(anonymous), 10)})
	table.Render()
	return nil
}

func cmdRegion(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	addr, errE := parseAddr(args[1])
	if errE != nil {
		return errE
	}
	r, errE := procfs.RegionFor(pid, addr)
	if errE != nil {
		return errE
	}
	fmt.Println(r)
	return nil
}

func cmdCheckAccess(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	addr, errE := parseAddr(args[1])
	if errE != nil {
		return errE
	}
	perm := region.NoPermission
	r, errE := procfs.RegionFor(pid, addr)
	if errE == nil {
		perm = r.Perm
	} else if !errors.Is(errE, procfs.ErrNotFound) {
		return errE
	}
	fmt.Printf("read: %t\n", perm.Has(region.Read))
	fmt.Printf("write: %t\n", perm.Has(region.Write))
	fmt.Printf("execute: %t\n", perm.Has(region.Execute))
	return nil
}

func cmdRead(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	addr, errE := parseAddr(args[1])
	if errE != nil {
		return errE
	}
	size, errE := parseSize(args[2])
	if errE != nil {
		return errE
	}
	r := region.Region{Begin: addr, End: addr + uintptr(size), Perm: region.Read}
	data, errE := memio.Read(pid, r)
	if errE != nil {
		return errE
	}
	hexDump(os.Stdout, addr, data)
	return nil
}

func cmdWrite(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	addr, errE := parseAddr(args[1])
	if errE != nil {
		return errE
	}
	data := make([]byte, 0, len(args)-2)
	for _, arg := range args[2:] {
		b, err := strconv.ParseUint(arg, 16, 8)
		if err != nil {
			return errors.WithDetails(ErrInvalidArgument, "byte", arg)
		}
		data = append(data, byte(b))
	}
	r := region.Region{Begin: addr, End: addr + uintptr(len(data)), Perm: region.Read | region.Write}
	errE = memio.Write(pid, r, data)
	if errE != nil {
		return errE
	}
	fmt.Printf("wrote %d bytes to 0x%x\n", len(data), addr)
	return nil
}

func cmdSearch(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	pattern, errE := parseHexBytes(args[1])
	if errE != nil {
		return errE
	}
	regions, errE := procfs.Regions(pid)
	if errE != nil {
		return errE
	}
	for _, r := range regions {
		if !r.Perm.Has(region.Read) {
			continue
		}
		mem, errE := memio.Read(pid, r)
		if errE != nil {
			// Some readable-looking regions still refuse cross-process
			// reads; one bad region must not abort the scan.
			pplog.Logger.Printf("skipping region 0x%x: %v", r.Begin, errE)
			continue
		}
		offset := 0
		for {
			i := bytes.Index(mem[offset:], pattern)
			if i < 0 {
				break
			}
			fmt.Printf("0x%x\n", r.Begin+uintptr(offset+i))
			offset += i + 1
		}
	}
	return nil
}

func cmdReplace(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}

	toBytes := func(s string) ([]byte, errors.E) {
		if opts.Hex {
			return parseHexBytes(s)
		}
		return []byte(s), nil
	}
	find, errE := toBytes(args[1])
	if errE != nil {
		return errE
	}
	replace, errE := toBytes(args[2])
	if errE != nil {
		return errE
	}
	// A shorter replacement is padded with spaces so the whole match is
	// overwritten, matching what callers almost always want for strings.
	for len(replace) < len(find) {
		replace = append(replace, ' ')
	}

	occurrences := 0
	if len(args) > 3 {
		n, err := strconv.Atoi(args[3])
		if err != nil || n <= 0 {
			return errors.WithDetails(ErrInvalidArgument, "occurrences", args[3])
		}
		occurrences = n
	}

	regions, errE := procfs.Regions(pid)
	if errE != nil {
		return errE
	}
	total := 0
	for _, r := range regions {
		if !r.Perm.Has(region.Read | region.Write) {
			continue
		}
		n, errE := memio.Replace(pid, r, find, replace, occurrences)
		if errE != nil {
			pplog.Logger.Printf("skipping region 0x%x: %v", r.Begin, errE)
			continue
		}
		total += n
	}
	fmt.Printf("replacements made: %d\n", total)
	return nil
}

func cmdLoad(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	addr, errE := parseAddr(args[1])
	if errE != nil {
		return errE
	}
	data, err := os.ReadFile(args[2])
	if err != nil {
		return errors.WithMessage(err, "read file")
	}
	r := region.Region{Begin: addr, End: addr + uintptr(len(data)), Perm: region.Read | region.Write}
	errE = memio.Write(pid, r, data)
	if errE != nil {
		return errE
	}
	fmt.Printf("loaded %d bytes from %s to 0x%x\n", len(data), args[2], addr)
	return nil
}

func printFunctionTable(functions []procfs.Function) {
	table := newTable(os.Stdout)
	table.SetHeader([]string{"ADDRESS", "NAME"})
	for _, fn := range functions {
		name := fn.Name
		if opts.Demangle {
			name = procfs.Demangle(name)
		}
		table.Append([]string{fmt.Sprintf("0x%x", fn.Address), name})
	}
	table.Render()
}

func cmdFunctions(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	functions, errE := procfs.Functions(pid)
	if errE != nil {
		return errE
	}
	printFunctionTable(functions)
	return nil
}

func cmdFindFn(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	functions, errE := procfs.Functions(pid)
	if errE != nil {
		return errE
	}
	matches := []procfs.Function{}
	for _, fn := range functions {
		if strings.Contains(fn.Name, args[1]) {
			matches = append(matches, fn)
		}
	}
	printFunctionTable(matches)
	return nil
}

func cmdFindFunc(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	fn, errE := procfs.Resolve(pid, args[1])
	if errE != nil {
		return errE
	}
	if fn == nil {
		return errors.WithDetails(procfs.ErrNotFound, "name", args[1])
	}
	fmt.Printf("%s: 0x%x\n", fn.Name, fn.Address)
	return nil
}

func cmdAnalyzeFunc(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	fn, errE := procfs.Resolve(pid, args[1])
	if errE != nil {
		return errE
	}
	if fn == nil {
		return errors.WithDetails(procfs.ErrNotFound, "name", args[1])
	}

	r, errE := procfs.RegionFor(pid, fn.Address)
	if errE != nil {
		return errE
	}

	length := 32
	if remaining := int(r.End - fn.Address); remaining < length {
		length = remaining
	}
	code, errE := memio.ReadN(pid, region.Region{Begin: fn.Address, End: fn.Address + uintptr(length)}, length)
	if errE != nil {
		return errE
	}

	fmt.Printf("function: %s\n", fn.Name)
	fmt.Printf("address: 0x%x\n", fn.Address)
	fmt.Printf("region: %s\n", r)
	fmt.Println()
	hexDump(os.Stdout, fn.Address, code)

	instructions, errE := disasm.Decode(code, uint64(fn.Address)) //nolint:gosec
	if errE != nil {
		// Undecodable entry bytes are informational here, not fatal.
		pplog.Logger.Printf("disassembly failed: %v", errE)
		return nil
	}
	fmt.Println()
	for _, inst := range instructions {
		fmt.Printf("0x%016x  %s\n", inst.Address, inst.Text)
	}
	return nil
}

func cmdAttach(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	var timeoutMs uint64
	if len(args) > 1 {
		timeoutMs, errE = parseSize(args[1])
		if errE != nil {
			return errE
		}
	}

	ctrl, cancel, errE := attachTarget(pid, timeoutMs)
	if errE != nil {
		return errE
	}
	defer cancel()
	defer ctrl.Close()

	main, errE := ctrl.MainThread()
	if errE != nil {
		return errE
	}
	regs, errE := ctrl.GetRegs(main)
	if errE != nil {
		return errE
	}
	fmt.Printf("attached to process %d, main thread %d\n\n", pid, main.Tid)
	printRegisters(os.Stdout, &regs)
	return nil
}

func cmdThreads(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	ctrl, cancel, errE := attachTarget(pid, 0)
	if errE != nil {
		return errE
	}
	defer cancel()
	defer ctrl.Close()

	for _, t := range ctrl.Threads() {
		name, errE := procfs.ThreadName(t)
		if errE != nil {
			name = "?"
		}
		regs, errE := ctrl.GetRegs(t)
		if errE != nil {
			return errE
		}
		fmt.Printf("thread %d (%s):\n", t.Tid, name)
		printRegisters(os.Stdout, &regs)
		fmt.Println()
	}
	return nil
}

func cmdThreadInfo(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	tid, errE := parsePid(args[1])
	if errE != nil {
		return errE
	}
	ctrl, cancel, errE := attachTarget(pid, 0)
	if errE != nil {
		return errE
	}
	defer cancel()
	defer ctrl.Close()

	for _, t := range ctrl.Threads() {
		if t.Tid != tid {
			continue
		}
		regs, errE := ctrl.GetRegs(t)
		if errE != nil {
			return errE
		}
		fmt.Printf("thread %d:\n", t.Tid)
		printRegisters(os.Stdout, &regs)
		return nil
	}
	return errors.WithDetails(procfs.ErrNotFound, "pid", pid, "tid", tid)
}

func cmdAllocate(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	size, errE := parseSize(args[1])
	if errE != nil {
		return errE
	}
	ctrl, cancel, errE := attachTarget(pid, 0)
	if errE != nil {
		return errE
	}
	defer cancel()
	defer ctrl.Close()

	allocated, errE := remoteops.RemoteMmap(ctrl, size)
	if errE != nil {
		return errE
	}
	fmt.Println("allocated memory:")
	fmt.Printf("  address: 0x%x\n", allocated.Begin)
	fmt.Printf("  size: %d\n", allocated.Size())
	fmt.Printf("  permissions: %s\n", allocated.Perm)
	return nil
}

func cmdChmod(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	addr, errE := parseAddr(args[1])
	if errE != nil {
		return errE
	}
	size, errE := parseSize(args[2])
	if errE != nil {
		return errE
	}
	perm := region.ParsePermission(args[3])

	ctrl, cancel, errE := attachTarget(pid, 0)
	if errE != nil {
		return errE
	}
	defer cancel()
	defer ctrl.Close()

	r := region.Region{Begin: addr, End: addr + uintptr(size), Perm: perm}
	errE = remoteops.RemoteMprotect(ctrl, r, perm)
	if errE != nil {
		return errE
	}
	fmt.Printf("changed permissions of 0x%x-0x%x to %s\n", r.Begin, r.End, perm)
	return nil
}

func cmdInject(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	path := args[1]

	ctrl, cancel, errE := attachTarget(pid, 0)
	if errE != nil {
		return errE
	}
	defer cancel()
	defer ctrl.Close()

	errE = remoteops.RemoteDlopen(ctrl, path)
	if errE != nil {
		return errE
	}
	fmt.Printf("injected %s into process %d\n", path, pid)
	return nil
}

func cmdHook(args []string) errors.E {
	pid, errE := parsePid(args[0])
	if errE != nil {
		return errE
	}
	fnName := args[1]
	source := args[2]

	fn, errE := procfs.Resolve(pid, fnName)
	if errE != nil {
		return errE
	}
	if fn == nil {
		return errors.WithDetails(procfs.ErrNotFound, "name", fnName)
	}

	if opts.DryRun {
		payload, errE := hookcompiler.Compile(context.Background(), source, opts.Output)
		if errE != nil {
			return errE
		}
		// The real destination is only known after allocation; show the
		// trampoline against the hook_main offset inside the payload.
		instr := remoteops.Trampoline(payload.HookMainOffset)
		fmt.Printf("compiled %d bytes, hook_main at offset 0x%x\n", len(payload.Bytes), payload.HookMainOffset)
		fmt.Printf("trampoline for %s at 0x%x (destination = allocation base + 0x%x):\n\n", fn.Name, fn.Address, payload.HookMainOffset)
		hexDump(os.Stdout, fn.Address, instr)
		instructions, errE := disasm.Decode(instr, uint64(fn.Address)) //nolint:gosec
		if errE != nil {
			return errE
		}
		fmt.Println()
		for _, inst := range instructions {
			fmt.Printf("0x%016x  %s\n", inst.Address, inst.Text)
		}
		return nil
	}

	ctrl, cancel, errE := attachTarget(pid, 0)
	if errE != nil {
		return errE
	}
	defer cancel()
	defer ctrl.Close()

	errE = remoteops.InstallTrampoline(context.Background(), ctrl, *fn, source, opts.Output)
	if errE != nil {
		return errE
	}
	fmt.Printf("hooked %s at 0x%x in process %d\n", fn.Name, fn.Address, pid)
	return nil
}
