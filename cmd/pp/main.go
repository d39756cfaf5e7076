package main

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"

	"github.com/jessevdk/go-flags"
	"gitlab.com/tozd/go/errors"

	"github.com/dyninst/pp/internal/pplog"
)

var opts struct {
	Output   string `short:"o" long:"output" description:"Output path for the compiled hook object (default: a scratch path under /tmp)"`
	Demangle bool   `long:"demangle" description:"Demangle C++ symbol names in listings"`
	DryRun   bool   `long:"dry-run" description:"For hook: compile and show the trampoline without installing it"`
	Hex      bool   `long:"hex" description:"For replace: interpret patterns as hex bytes"`
	Verbose  bool   `short:"v" long:"verbose" description:"Show verbose debug information"`
	Help     bool   `short:"h" long:"help" description:"Show this help message"`
}

var ErrInvalidArgument = errors.Base("invalid argument")

type command struct {
	description string
	usage       string
	minArgs     int
	run         func(args []string) errors.E
}

var commands = map[string]command{
	"pidof":        {"print pids of processes with the given name", "<name>", 1, cmdPidof},
	"ps":           {"list all processes", "", 0, cmdPs},
	"name":         {"print process name", "<pid>", 1, cmdName},
	"info":         {"show detailed process information", "<pid>", 1, cmdInfo},
	"maps":         {"show process memory map", "<pid>", 1, cmdMaps},
	"exec":         {"list executable memory regions", "<pid>", 1, cmdExec},
	"memstat":      {"show memory statistics", "<pid>", 1, cmdMemstat},
	"region":       {"print the region containing an address", "<pid> <hex-addr>", 2, cmdRegion},
	"check-access": {"print access booleans for an address", "<pid> <hex-addr>", 2, cmdCheckAccess},
	"read":         {"read and dump target memory", "<pid> <hex-addr> <size>", 3, cmdRead},
	"write":        {"write bytes to target memory", "<pid> <hex-addr> <byte-hex>...", 3, cmdWrite},
	"search":       {"search readable regions for a hex pattern", "<pid> <hex-pattern>", 2, cmdSearch},
	"replace":      {"find and replace across writable regions", "<pid> <find> <repl> [occurrences] [--hex]", 3, cmdReplace},
	"load":         {"write file contents to target memory", "<pid> <hex-addr> <file>", 3, cmdLoad},
	"functions":    {"list resolved functions", "<pid> [--demangle]", 1, cmdFunctions},
	"find-fn":      {"filter functions by substring", "<pid> <substr> [--demangle]", 2, cmdFindFn},
	"find-func":    {"resolve one function by substring match", "<pid> <name>", 2, cmdFindFunc},
	"analyze-func": {"show a function's address, region and first bytes", "<pid> <name>", 2, cmdAnalyzeFunc},
	"attach":       {"attach and print main-thread registers", "<pid> [timeout-ms]", 1, cmdAttach},
	"threads":      {"attach and print registers of every thread", "<pid>", 1, cmdThreads},
	"thread-info":  {"attach and print one thread's registers", "<pid> <tid>", 2, cmdThreadInfo},
	"allocate":     {"allocate memory in the target", "<pid> <size>", 2, cmdAllocate},
	"chmod":        {"change a region's permissions in the target", "<pid> <hex-addr> <size> <perms>", 4, cmdChmod},
	"inject":       {"load a shared library into the target", "<pid> <lib-path>", 2, cmdInject},
	"hook":         {"redirect a target function to compiled hook_main", "<pid> <fn-name> <src-file>", 3, cmdHook},
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "usage: pp [OPTIONS] <command> [args...]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "available commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(w, "  %-15s %s\n", name, cmd.description)
		if cmd.usage != "" {
			fmt.Fprintf(w, "    arguments: %s\n", cmd.usage)
		}
	}
}

func main() {
	runtime.LockOSThread()

	flagparser := flags.NewParser(&opts, flags.PassDoubleDash)
	flagparser.Usage = "[OPTIONS] COMMAND [ARGS]"
	args, err := flagparser.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if opts.Help {
		printUsage(os.Stdout)
		os.Exit(0)
	}
	if len(args) == 0 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if opts.Verbose {
		pplog.SetLogger(log.New(os.Stderr, "INFO: ", 0))
	}

	name := args[0]
	args = args[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n\n", name)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if len(args) < cmd.minArgs {
		fmt.Fprintf(os.Stderr, "Error: usage: pp %s %s\n", name, cmd.usage)
		os.Exit(1)
	}

	errE := cmd.run(args)
	if errE != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", errE.Error())
		if opts.Verbose {
			fmt.Fprintf(os.Stderr, "% -+#.1v", errE)
		}
		os.Exit(1)
	}
}
