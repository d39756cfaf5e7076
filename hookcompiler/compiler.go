// Package hookcompiler drives an external C++ compiler to turn a source
// file into position-independent machine code and extracts the entry
// point for injection.
//
// User-supplied source must define an externally visible function named
// exactly hook_main; that name is the contract between the source author
// and the injection engine.
package hookcompiler

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

var (
	ErrCompile       = errors.Base("compilation failed")
	ErrMissingSymbol = errors.Base("hook_main not found in compiled output")
	ErrNoTextSection = errors.Base("no .text section in compiled output")
)

// HookSymbol is the distinguished entry symbol user source must define.
const HookSymbol = "hook_main"

// Payload is the compiled position-independent code together with the
// byte offset of hook_main inside it.
type Payload struct {
	Bytes          []byte
	HookMainOffset uint64
}

// compilerCommand returns the C++ compiler to invoke: $CXX if set,
// otherwise g++ from PATH.
func compilerCommand() string {
	if cxx := os.Getenv("CXX"); cxx != "" {
		return cxx
	}
	return "g++"
}

// Compile builds sourcePath into a shared object at outputPath and
// returns the whole .text section plus the offset of hook_main within
// it. When outputPath is empty a collision-free scratch path under /tmp
// is generated, so concurrent invocations do not race on one file.
func Compile(ctx context.Context, sourcePath, outputPath string) (Payload, errors.E) {
	if outputPath == "" {
		u, err := uuid.NewRandom()
		if err != nil {
			return Payload{}, errors.WithMessage(err, "uuid new")
		}
		outputPath = fmt.Sprintf("/tmp/hook-%s.so", u.String())
	}

	cmd := exec.CommandContext(ctx, compilerCommand(), sourcePath, "-o", outputPath, "-O1", "-fPIC", "-shared")
	output, err := cmd.CombinedOutput()
	if err != nil {
		errE := errors.WithMessage(err, "compile")
		errors.Details(errE)["source"] = sourcePath
		errors.Details(errE)["compiler"] = compilerCommand()
		errors.Details(errE)["output"] = string(output)
		return Payload{}, errors.Join(errE, ErrCompile)
	}

	return extract(outputPath)
}

// extract parses the compiled ELF, returning the .text payload and the
// hook_main offset relative to the start of .text.
func extract(path string) (Payload, errors.E) {
	file, err := elf.Open(path)
	if err != nil {
		errE := errors.WithMessage(err, "open elf")
		errors.Details(errE)["path"] = path
		return Payload{}, errE
	}
	defer file.Close()

	text := file.Section(".text")
	if text == nil {
		return Payload{}, errors.WithDetails(ErrNoTextSection, "path", path)
	}
	code, err := text.Data()
	if err != nil {
		errE := errors.WithMessage(err, "read .text")
		errors.Details(errE)["path"] = path
		return Payload{}, errE
	}

	sym, errE := findHookMain(file)
	if errE != nil {
		errors.Details(errE)["path"] = path
		return Payload{}, errE
	}

	return Payload{
		Bytes:          code,
		HookMainOffset: sym.Value - text.Addr,
	}, nil
}

func findHookMain(file *elf.File) (elf.Symbol, errors.E) {
	lookup := func(symbols []elf.Symbol, err error) *elf.Symbol {
		if err != nil {
			return nil
		}
		for _, sym := range symbols {
			if sym.Name == HookSymbol && elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
				found := sym
				return &found
			}
		}
		return nil
	}

	if sym := lookup(file.Symbols()); sym != nil {
		return *sym, nil
	}
	if sym := lookup(file.DynamicSymbols()); sym != nil {
		return *sym, nil
	}
	return elf.Symbol{}, errors.WithStack(ErrMissingSymbol)
}
