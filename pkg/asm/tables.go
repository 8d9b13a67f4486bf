package asm

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var copyOps = map[x86asm.Op]bool{
	x86asm.MOV:       true,
	x86asm.MOVZX:     true,
	x86asm.MOVSX:     true,
	x86asm.MOVSXD:    true,
	x86asm.MOVBE:     true,
	x86asm.MOVNTI:    true,
	x86asm.MOVAPS:    true,
	x86asm.MOVUPS:    true,
	x86asm.MOVAPD:    true,
	x86asm.MOVUPD:    true,
	x86asm.MOVDQA:    true,
	x86asm.MOVDQU:    true,
	x86asm.MOVD:      true,
	x86asm.MOVQ:      true,
	x86asm.MOVSS:     true,
	x86asm.MOVSD_XMM: true,
	x86asm.MOVSB:     true,
	x86asm.MOVSW:     true,
	x86asm.MOVSD:     true,
	x86asm.MOVSQ:     true,
	x86asm.STOSB:     true,
	x86asm.STOSW:     true,
	x86asm.STOSD:     true,
	x86asm.STOSQ:     true,
}

var arithOps = map[x86asm.Op]bool{
	x86asm.ADD:   true,
	x86asm.ADC:   true,
	x86asm.SUB:   true,
	x86asm.SBB:   true,
	x86asm.AND:   true,
	x86asm.OR:    true,
	x86asm.XOR:   true,
	x86asm.IMUL:  true,
	x86asm.SHL:   true,
	x86asm.SHR:   true,
	x86asm.SAR:   true,
	x86asm.ROL:   true,
	x86asm.ROR:   true,
	x86asm.RCL:   true,
	x86asm.RCR:   true,
	x86asm.XADD:  true,
	x86asm.PXOR:  true,
	x86asm.PAND:  true,
	x86asm.POR:   true,
	x86asm.XORPS: true,
	x86asm.XORPD: true,
	x86asm.ANDPS: true,
	x86asm.ORPS:  true,
	x86asm.PADDB: true,
	x86asm.PADDW: true,
	x86asm.PADDD: true,
	x86asm.PADDQ: true,
	x86asm.PSUBB: true,
	x86asm.PSUBW: true,
	x86asm.PSUBD: true,
	x86asm.PSUBQ: true,
	x86asm.ADDSD: true,
	x86asm.ADDSS: true,
	x86asm.SUBSD: true,
	x86asm.SUBSS: true,
	x86asm.MULSD: true,
	x86asm.MULSS: true,
	x86asm.DIVSD: true,
	x86asm.DIVSS: true,
}

// ops setting the integer flags
var flagWriters = map[x86asm.Op]bool{
	x86asm.ADD: true, x86asm.ADC: true, x86asm.SUB: true, x86asm.SBB: true,
	x86asm.AND: true, x86asm.OR: true, x86asm.XOR: true, x86asm.IMUL: true,
	x86asm.SHL: true, x86asm.SHR: true, x86asm.SAR: true, x86asm.ROL: true,
	x86asm.ROR: true, x86asm.RCL: true, x86asm.RCR: true, x86asm.XADD: true,
	x86asm.INC: true, x86asm.DEC: true, x86asm.NEG: true, x86asm.CMP: true,
	x86asm.TEST: true, x86asm.BT: true, x86asm.MUL: true, x86asm.DIV: true,
	x86asm.IDIV: true,
}

// ops reading the integer flags
var flagReaders = map[x86asm.Op]bool{
	x86asm.ADC: true, x86asm.SBB: true, x86asm.RCL: true, x86asm.RCR: true,
	x86asm.PUSHF: true, x86asm.PUSHFQ: true,
}

// ops that only read their explicit operands
var readOnlyOps = map[x86asm.Op]bool{
	x86asm.CMP:     true,
	x86asm.TEST:    true,
	x86asm.BT:      true,
	x86asm.UCOMISS: true,
	x86asm.UCOMISD: true,
	x86asm.COMISS:  true,
	x86asm.COMISD:  true,
	x86asm.JMP:     true,
}

func isCondMove(op x86asm.Op) bool {
	return strings.HasPrefix(op.String(), "CMOV")
}

func isSetCC(op x86asm.Op) bool {
	return strings.HasPrefix(op.String(), "SET")
}

// accumulator returns the rax sub-register of the given size in bytes.
func accumulator(size int) Register {
	switch size {
	case 1:
		return Register(x86asm.AL)
	case 2:
		return Register(x86asm.AX)
	case 4:
		return Register(x86asm.EAX)
	}
	return RAX
}

func explicitOperand(inst *x86asm.Inst, arg x86asm.Arg) Operand {
	switch a := arg.(type) {
	case x86asm.Reg:
		r := Register(a)
		return Operand{Kind: OperandRegister, Reg: r, Size: r.Width()}
	case x86asm.Mem:
		size := inst.MemBytes
		if size == 0 {
			size = inst.DataSize / 8
		}
		return Operand{
			Kind: OperandMemory,
			Mem: Memory{
				Segment: Register(a.Segment),
				Base:    Register(a.Base),
				Index:   Register(a.Index),
				Scale:   a.Scale,
				Disp:    a.Disp,
			},
			Size: size,
		}
	case x86asm.Imm:
		return Operand{Kind: OperandImmediate, Imm: int64(a), Size: inst.DataSize / 8}
	case x86asm.Rel:
		return Operand{Kind: OperandRelative, Imm: int64(a), Size: inst.DataSize / 8}
	}
	return Operand{}
}

func stackSlot(size int, disp int64, access Access) Operand {
	return Operand{
		Kind:     OperandMemory,
		Access:   access,
		Implicit: true,
		Mem:      Memory{Base: RSP, Disp: disp},
		Size:     size,
	}
}

func implicitReg(r Register, access Access) Operand {
	return Operand{Kind: OperandRegister, Access: access, Implicit: true, Reg: r, Size: r.Width()}
}

// operands classifies inst and tags its operands with their access.
func operands(inst *x86asm.Inst) (Class, []Operand) {
	var ops []Operand
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		ops = append(ops, explicitOperand(inst, arg))
	}
	n := len(ops)
	set := func(i int, a Access) {
		if i < n {
			ops[i].Access = a
		}
	}
	class := ClassOther

	op := inst.Op
	switch {
	case op == x86asm.SYSCALL || op == x86asm.SYSENTER || op == x86asm.INT:
		class = ClassSyscall
		for i := range ops {
			set(i, Read)
		}

	case op == x86asm.LEA:
		class = ClassAddressCalc
		set(0, Write)
		// the memory operand is only an address, it is not accessed

	case copyOps[op] || isCondMove(op):
		class = ClassCopy
		set(0, Write)
		set(1, Read)
		if isCondMove(op) {
			ops = append(ops, implicitReg(RFLAGS, Read))
		}

	case op == x86asm.PUSH:
		class = ClassPush
		set(0, Read)
		size := inst.DataSize / 8
		if n > 0 && ops[0].Kind != OperandImmediate {
			size = ops[0].Size
		}
		ops = append(ops, implicitReg(RSP, ReadWrite), stackSlot(size, -int64(size), Write))

	case op == x86asm.POP:
		class = ClassPop
		set(0, Write)
		size := 8
		if n > 0 {
			size = ops[0].Size
		}
		ops = append(ops, implicitReg(RSP, ReadWrite), stackSlot(size, 0, Read))

	case op == x86asm.CALL || op == x86asm.LCALL:
		class = ClassCall
		set(0, Read)
		ops = append(ops, implicitReg(RSP, ReadWrite), stackSlot(8, -8, Write))

	case op == x86asm.XCHG:
		class = ClassExchange
		set(0, ReadWrite)
		set(1, ReadWrite)

	case arithOps[op] && n == 2:
		class = ClassArith
		set(0, ReadWrite)
		set(1, Read)
		if op == x86asm.XADD {
			set(1, ReadWrite)
		}

	case (op == x86asm.MUL || op == x86asm.IMUL || op == x86asm.DIV || op == x86asm.IDIV) && n == 1:
		// rdx:rax forms, the dividend of div and idiv includes rdx
		set(0, Read)
		div := op == x86asm.DIV || op == x86asm.IDIV
		switch {
		case ops[0].Size == 1 && div:
			ops = append(ops, implicitReg(Register(x86asm.AX), ReadWrite))
		case ops[0].Size == 1:
			ops = append(ops, implicitReg(Register(x86asm.AL), Read), implicitReg(Register(x86asm.AX), Write))
		default:
			acc := accumulator(ops[0].Size)
			hi := Write
			if div {
				hi = ReadWrite
			}
			// dx, edx or rdx
			ops = append(ops, implicitReg(acc, ReadWrite), implicitReg(acc+2, hi))
		}

	case isSetCC(op):
		set(0, Write)
		ops = append(ops, implicitReg(RFLAGS, Read))

	case readOnlyOps[op]:
		for i := range ops {
			set(i, Read)
		}

	default:
		// three operand forms (imul r, r/m, imm) write their first operand
		// without reading it
		if n == 3 {
			set(0, Write)
		} else {
			set(0, ReadWrite)
		}
		for i := 1; i < n; i++ {
			set(i, Read)
		}
	}

	if flagReaders[op] {
		ops = append(ops, implicitReg(RFLAGS, Read))
	}
	if flagWriters[op] {
		ops = append(ops, implicitReg(RFLAGS, Write))
	}
	return class, ops
}
