// Package asm decodes amd64 instructions into operands tagged with their
// data flow: which operands an instruction reads and which it writes.
package asm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstructionLength is the longest encoding of an amd64 instruction.
const MaxInstructionLength = 15

// OperandKind is the kind of an operand.
type OperandKind uint8

const (
	OperandRegister OperandKind = iota + 1
	OperandMemory
	OperandImmediate
	OperandRelative
)

// Access describes how an instruction uses an operand.
type Access uint8

const (
	Read Access = 1 << iota
	Write

	ReadWrite = Read | Write
)

func (a Access) String() string {
	switch a {
	case Read:
		return "r"
	case Write:
		return "w"
	case ReadWrite:
		return "rw"
	}
	return "-"
}

// Memory is a memory reference: Segment:[Base + Index*Scale + Disp].
type Memory struct {
	Segment Register
	Base    Register
	Index   Register
	Scale   uint8
	Disp    int64
}

// Operand is an explicit or implicit operand of an instruction.
type Operand struct {
	Kind     OperandKind
	Access   Access
	Implicit bool
	Reg      Register
	Mem      Memory
	Imm      int64
	// Size in bytes of the value read or written.
	Size int
}

// Reads returns true if the instruction reads the operand.
func (op *Operand) Reads() bool { return op.Access&Read != 0 }

// Writes returns true if the instruction writes the operand.
func (op *Operand) Writes() bool { return op.Access&Write != 0 }

func (op *Operand) String() string {
	switch op.Kind {
	case OperandRegister:
		return op.Reg.String()
	case OperandMemory:
		var b strings.Builder
		if op.Mem.Segment != NoRegister {
			b.WriteString(op.Mem.Segment.String())
			b.WriteByte(':')
		}
		b.WriteByte('[')
		sep := ""
		if op.Mem.Base != NoRegister {
			b.WriteString(op.Mem.Base.String())
			sep = "+"
		}
		if op.Mem.Index != NoRegister {
			fmt.Fprintf(&b, "%s%s*%d", sep, op.Mem.Index, op.Mem.Scale)
			sep = "+"
		}
		if op.Mem.Disp != 0 || sep == "" {
			if op.Mem.Disp < 0 {
				fmt.Fprintf(&b, "-%#x", -op.Mem.Disp)
			} else {
				fmt.Fprintf(&b, "%s%#x", sep, op.Mem.Disp)
			}
		}
		b.WriteByte(']')
		return b.String()
	case OperandImmediate, OperandRelative:
		return fmt.Sprintf("%#x", op.Imm)
	}
	return "?"
}

// Class groups instructions by the shape of their data flow.
type Class uint8

const (
	ClassOther Class = iota
	// ClassSyscall transfers control to the kernel.
	ClassSyscall
	// ClassAddressCalc computes an address without accessing memory (lea).
	ClassAddressCalc
	// ClassCopy copies its source operand into its destination.
	ClassCopy
	// ClassPush stores its operand on the stack.
	ClassPush
	// ClassPop loads its destination from the stack.
	ClassPop
	// ClassArith combines its source operand with the previous value of
	// its destination.
	ClassArith
	// ClassExchange swaps its operands.
	ClassExchange
	// ClassCall pushes a return address.
	ClassCall
)

var classNames = [...]string{"other", "syscall", "address", "copy", "push", "pop", "arith", "exchange", "call"}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

// Instruction is a decoded instruction with its operands.
type Instruction struct {
	Inst     x86asm.Inst
	PC       uint64
	Class    Class
	Operands []Operand
}

// DecodeError is returned when the bytes at an address are not a valid
// instruction.
type DecodeError struct {
	PC    uint64
	Bytes []byte
	Err   error
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("could not decode instruction at %#x (% x): %v", err.PC, err.Bytes, err.Err)
}

func (err *DecodeError) Unwrap() error {
	return err.Err
}

// Decode decodes the 64bit instruction at the start of mem, located at pc.
func Decode(mem []byte, pc uint64) (*Instruction, error) {
	inst, err := x86asm.Decode(mem, 64)
	if err != nil {
		n := len(mem)
		if n > MaxInstructionLength {
			n = MaxInstructionLength
		}
		return nil, &DecodeError{PC: pc, Bytes: append([]byte(nil), mem[:n]...), Err: err}
	}
	r := &Instruction{Inst: inst, PC: pc}
	r.Class, r.Operands = operands(&inst)
	return r, nil
}

// Len returns the length of the encoding.
func (inst *Instruction) Len() int {
	return inst.Inst.Len
}

// Mnemonic returns the lower case name of the operation.
func (inst *Instruction) Mnemonic() string {
	return strings.ToLower(inst.Inst.Op.String())
}

// Explicit returns the operands encoded in the instruction.
func (inst *Instruction) Explicit() []Operand {
	r := make([]Operand, 0, len(inst.Operands))
	for _, op := range inst.Operands {
		if !op.Implicit {
			r = append(r, op)
		}
	}
	return r
}

// Dest returns the first explicit operand written by the instruction.
func (inst *Instruction) Dest() (Operand, bool) {
	for _, op := range inst.Operands {
		if !op.Implicit && op.Writes() {
			return op, true
		}
	}
	return Operand{}, false
}

// Source returns the first explicit operand read and not written by the
// instruction.
func (inst *Instruction) Source() (Operand, bool) {
	for _, op := range inst.Operands {
		if !op.Implicit && op.Reads() && !op.Writes() {
			return op, true
		}
	}
	return Operand{}, false
}

// IsZeroingIdiom returns true for instructions clearing a register by
// combining it with itself, such as xor eax, eax.
func (inst *Instruction) IsZeroingIdiom() bool {
	switch inst.Inst.Op {
	case x86asm.XOR, x86asm.SUB, x86asm.PXOR, x86asm.XORPS, x86asm.XORPD,
		x86asm.PSUBB, x86asm.PSUBW, x86asm.PSUBD, x86asm.PSUBQ:
	default:
		return false
	}
	a, ok1 := inst.Inst.Args[0].(x86asm.Reg)
	b, ok2 := inst.Inst.Args[1].(x86asm.Reg)
	return ok1 && ok2 && a == b
}

// Address computes the effective address of m as used by inst. reg
// returns the value of a register truncated to its width.
func (inst *Instruction) Address(m Memory, reg func(Register) (uint64, error)) (uint64, error) {
	var addr uint64
	switch m.Base {
	case NoRegister:
	case RIP, Register(x86asm.EIP):
		addr = inst.PC + uint64(inst.Len())
	default:
		v, err := reg(m.Base)
		if err != nil {
			return 0, err
		}
		addr = v
	}
	if m.Index != NoRegister && m.Scale != 0 {
		v, err := reg(m.Index)
		if err != nil {
			return 0, err
		}
		addr += v * uint64(m.Scale)
	}
	addr += uint64(m.Disp)
	switch m.Segment {
	case Register(x86asm.FS), Register(x86asm.GS):
		base := FSBase
		if m.Segment == Register(x86asm.GS) {
			base = GSBase
		}
		v, err := reg(base)
		if err != nil {
			return 0, err
		}
		addr += v
	}
	if inst.Inst.AddrSize == 32 {
		addr &= 0xffffffff
	}
	return addr, nil
}
