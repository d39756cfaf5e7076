package procfs

import (
	"debug/elf"
	"fmt"
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"
	"gitlab.com/tozd/go/errors"
)

// Function is a function symbol of a process's executable, with its
// mangled name and absolute runtime address.
type Function struct {
	Name    string
	Address uintptr
}

// Resolved functions are memoized per (pid, query). The cache is explicit
// and mutex-guarded so concurrent callers sharing the package see a
// consistent view.
var symbolCache = struct {
	sync.Mutex
	funcs map[string]Function
}{funcs: map[string]Function{}}

func cacheKey(pid int, name string) string {
	return fmt.Sprintf("%d:%s", pid, name)
}

// Functions returns every symbol of type FUNC in the .symtab or .dynsym
// of the process's executable, with addresses resolved against the first
// PT_LOAD segment and the process's base address. Empty-named symbols are
// skipped.
func Functions(pid int) ([]Function, errors.E) {
	path, errE := ExePath(pid)
	if errE != nil {
		return nil, errE
	}
	base, errE := BaseAddress(pid)
	if errE != nil {
		return nil, errE
	}

	file, err := elf.Open(path)
	if err != nil {
		errE := errors.WithMessage(err, "open elf")
		errors.Details(errE)["pid"] = pid
		errors.Details(errE)["path"] = path
		return nil, errE
	}
	defer file.Close()

	var loadAddr uint64
	for _, prog := range file.Progs {
		if prog.Type == elf.PT_LOAD {
			loadAddr = prog.Vaddr
			break
		}
	}

	functions := []Function{}
	appendFuncs := func(symbols []elf.Symbol) {
		for _, sym := range symbols {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Name == "" {
				continue
			}
			functions = append(functions, Function{
				Name:    sym.Name,
				Address: base + uintptr(sym.Value-loadAddr),
			})
		}
	}

	// Either table may be absent; only both missing is an error.
	symtab, symErr := file.Symbols()
	if symErr == nil {
		appendFuncs(symtab)
	}
	dynsym, dynErr := file.DynamicSymbols()
	if dynErr == nil {
		appendFuncs(dynsym)
	}
	if symErr != nil && dynErr != nil {
		errE := errors.WithMessage(symErr, "read symbols")
		errors.Details(errE)["pid"] = pid
		errors.Details(errE)["path"] = path
		return nil, errE
	}

	return functions, nil
}

// Resolve returns the first function whose mangled name contains name as
// a substring, or nil if no function matches. The substring match is
// intentional: it lets callers name C++ functions without spelling out the
// full mangling. Use ResolveExact for a strict match.
func Resolve(pid int, name string) (*Function, errors.E) {
	symbolCache.Lock()
	if fn, ok := symbolCache.funcs[cacheKey(pid, name)]; ok {
		symbolCache.Unlock()
		return &fn, nil
	}
	symbolCache.Unlock()

	functions, errE := Functions(pid)
	if errE != nil {
		return nil, errE
	}
	for _, fn := range functions {
		if strings.Contains(fn.Name, name) {
			symbolCache.Lock()
			symbolCache.funcs[cacheKey(pid, name)] = fn
			symbolCache.Unlock()
			found := fn
			return &found, nil
		}
	}
	return nil, nil
}

// ResolveExact returns the function whose mangled name equals name, or
// nil if absent.
func ResolveExact(pid int, name string) (*Function, errors.E) {
	functions, errE := Functions(pid)
	if errE != nil {
		return nil, errE
	}
	for _, fn := range functions {
		if fn.Name == name {
			found := fn
			return &found, nil
		}
	}
	return nil, nil
}

// Demangle turns a mangled C++ symbol name into its human-readable form.
// It is advisory only: on any failure the input is returned unchanged,
// and symbol resolution never consults it.
func Demangle(name string) string {
	demangled, err := demangle.ToString(name)
	if err != nil {
		return name
	}
	return demangled
}
