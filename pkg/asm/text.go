package asm

import (
	"golang.org/x/arch/x86/x86asm"
)

// AssemblyFlavour is the syntax used to print instructions.
type AssemblyFlavour int

const (
	IntelFlavour AssemblyFlavour = iota
	GNUFlavour
	GoFlavour
)

// ParseFlavour converts a configuration value into an AssemblyFlavour,
// unknown values select the Intel syntax.
func ParseFlavour(s string) AssemblyFlavour {
	switch s {
	case "gnu":
		return GNUFlavour
	case "go":
		return GoFlavour
	}
	return IntelFlavour
}

// SymbolLookup resolves an address to a symbol name and its start address.
type SymbolLookup func(addr uint64) (name string, base uint64)

// Text returns the instruction in human readable format according to
// flavour. PC relative arguments are printed as absolute addresses.
func (inst *Instruction) Text(flavour AssemblyFlavour, symLookup SymbolLookup) string {
	if inst == nil {
		return "?"
	}
	x := inst.Inst
	patchPCRel(inst.PC, &x)

	lookup := func(addr uint64) (string, uint64) {
		if symLookup == nil {
			return "", 0
		}
		return symLookup(addr)
	}

	var text string

	switch flavour {
	case GNUFlavour:
		text = x86asm.GNUSyntax(x, inst.PC, lookup)
	case GoFlavour:
		text = x86asm.GoSyntax(x, inst.PC, lookup)
	case IntelFlavour:
		fallthrough
	default:
		text = x86asm.IntelSyntax(x, inst.PC, lookup)
	}

	return text
}

// converts PC relative arguments to absolute addresses
func patchPCRel(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}
