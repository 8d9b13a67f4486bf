package provenance

import (
	"fmt"
	"strings"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/replay"
)

// Classification is the outcome of classifying a located write.
type Classification struct {
	Description string
	Terminal    bool
	// Children are the locations whose values flowed into the write,
	// their searches start at the position of the writing instruction.
	Children []WorkItem
}

// Classifier decides which operands of a writing instruction to follow.
type Classifier struct {
	// DecomposeAddressCalc follows the base and index registers of lea
	// instructions instead of stopping at them.
	DecomposeAddressCalc bool
}

// Classify classifies inst, located at found while searching for item.
// regs is the register state at found, used to compute the addresses of
// memory operands.
func (c *Classifier) Classify(inst *asm.Instruction, item WorkItem, found replay.Position, regs replay.RegisterSet) Classification {
	cc := classifyContext{inst: inst, item: item, found: found, reg: registerReader(regs)}
	mnem := inst.Mnemonic()

	if inst.Class == asm.ClassSyscall {
		return terminal(descSyscall)
	}

	if item.Kind == KindRegister && !cc.explicitlyWritten() {
		if cls, ok := cc.implicitWrite(); ok {
			return cls
		}
	}

	switch {
	case inst.Class == asm.ClassAddressCalc:
		if !c.DecomposeAddressCalc {
			return terminal("address computation")
		}
		ops := inst.Explicit()
		if len(ops) < 2 {
			return terminal("address computation")
		}
		m := ops[1].Mem
		for _, r := range []asm.Register{m.Base, m.Index} {
			if r != asm.NoRegister && r != asm.RIP {
				cc.addRegister(r)
			}
		}
		if len(cc.children) == 0 {
			return terminal("address computation of a constant")
		}
		return cc.result("address computation from %s", cc.childNames())

	case inst.IsZeroingIdiom():
		return terminal(descZeroing)

	case inst.Class == asm.ClassCopy:
		src, ok := inst.Source()
		if !ok {
			return terminal(descUnhandled)
		}
		if isConstant(src) {
			return terminal(fmt.Sprintf("constant %#x", src.Imm))
		}
		cc.addOperand(src)
		return cc.result("copy from %s", src.String())

	case inst.Class == asm.ClassPush:
		ops := inst.Explicit()
		if len(ops) == 0 {
			return terminal(descUnhandled)
		}
		if isConstant(ops[0]) {
			return terminal(fmt.Sprintf("constant %#x pushed", ops[0].Imm))
		}
		cc.addOperand(ops[0])
		return cc.result("push of %s", ops[0].String())

	case inst.Class == asm.ClassPop:
		dst, ok := inst.Dest()
		if !ok {
			return terminal(descUnhandled)
		}
		sp, err := cc.reg(asm.RSP)
		if err != nil {
			return terminal(fmt.Sprintf("pop into %s: %v", dst.String(), err))
		}
		cc.children = append(cc.children, cc.child(MemoryItem(sp, uint64(dst.Size), found)))
		return cc.result("pop into %s from stack [%#x]", dst.String(), sp)

	case inst.Class == asm.ClassCall:
		return terminal(descCall)

	case inst.Class == asm.ClassExchange:
		ops := inst.Explicit()
		if len(ops) != 2 {
			return terminal(descUnhandled)
		}
		other := ops[1]
		if item.Kind == KindRegister && ops[1].Kind == asm.OperandRegister && item.sameRegister(ops[1].Reg) {
			other = ops[0]
		} else if item.Kind == KindMemory && ops[1].Kind == asm.OperandMemory {
			other = ops[0]
		}
		cc.addOperand(other)
		return cc.result("exchange with %s", other.String())

	case inst.Class == asm.ClassArith:
		ops := inst.Explicit()
		dst, src := ops[0], ops[1]
		if !isConstant(src) {
			cc.addOperand(src)
		}
		cc.addOperand(dst)
		if isConstant(src) {
			return cc.result("%s of previous %s with %#x", mnem, dst.String(), src.Imm)
		}
		return cc.result("%s of previous %s with %s", mnem, dst.String(), src.String())
	}

	return cc.fallback()
}

func terminal(desc string) Classification {
	return Classification{Description: desc, Terminal: true}
}

func isConstant(op asm.Operand) bool {
	return op.Kind == asm.OperandImmediate || op.Kind == asm.OperandRelative
}

type classifyContext struct {
	inst     *asm.Instruction
	item     WorkItem
	found    replay.Position
	reg      func(asm.Register) (uint64, error)
	children []WorkItem
	failures []string
}

func (cc *classifyContext) child(w WorkItem) WorkItem {
	w.ParentID = cc.item.ID
	w.Depth = cc.item.Depth + 1
	return w
}

func (cc *classifyContext) addRegister(r asm.Register) {
	cc.children = append(cc.children, cc.child(RegisterItem(r, cc.found)))
}

// addOperand adds a child tracking the value of op as read by the
// instruction.
func (cc *classifyContext) addOperand(op asm.Operand) {
	switch op.Kind {
	case asm.OperandRegister:
		cc.addRegister(op.Reg)
	case asm.OperandMemory:
		addr, err := cc.inst.Address(op.Mem, cc.reg)
		if err != nil {
			cc.failures = append(cc.failures, fmt.Sprintf("address of %s unavailable: %v", op.String(), err))
			return
		}
		size := op.Size
		if size <= 0 {
			size = 8
		}
		cc.children = append(cc.children, cc.child(MemoryItem(addr, uint64(size), cc.found)))
	}
}

func (cc *classifyContext) result(format string, args ...interface{}) Classification {
	desc := fmt.Sprintf(format, args...)
	if len(cc.failures) > 0 {
		desc += "; " + strings.Join(cc.failures, "; ")
	}
	return Classification{Description: desc, Terminal: len(cc.children) == 0, Children: cc.children}
}

func (cc *classifyContext) childNames() string {
	names := make([]string, len(cc.children))
	for i, ch := range cc.children {
		names[i] = ch.Location()
	}
	return strings.Join(names, ", ")
}

// explicitlyWritten reports whether an explicit operand of the instruction
// writes the tracked register.
func (cc *classifyContext) explicitlyWritten() bool {
	for _, op := range cc.inst.Operands {
		if !op.Implicit && op.Writes() && op.Kind == asm.OperandRegister && cc.item.sameRegister(op.Reg) {
			return true
		}
	}
	return false
}

// implicitWrite handles instructions changing the tracked register as a
// side effect, for example push and pop adjusting rsp. Instructions whose
// explicit operands feed the implicit result, like mul and div, are left
// to the fallback.
func (cc *classifyContext) implicitWrite() (Classification, bool) {
	switch cc.inst.Class {
	case asm.ClassPush, asm.ClassPop, asm.ClassCall:
	default:
		for _, op := range cc.inst.Operands {
			if !op.Implicit && op.Reads() && !isConstant(op) {
				return Classification{}, false
			}
		}
	}
	for _, op := range cc.inst.Operands {
		if !op.Implicit || !op.Writes() || op.Kind != asm.OperandRegister || !cc.item.sameRegister(op.Reg) {
			continue
		}
		if !op.Reads() {
			return Classification{}, false
		}
		cc.addRegister(op.Reg)
		return cc.result("%s adjusts %s", cc.inst.Mnemonic(), op.Reg), true
	}
	return Classification{}, false
}

// fallback follows every operand read by the instruction except the flags.
func (cc *classifyContext) fallback() Classification {
	var names []string
	for _, op := range cc.inst.Operands {
		if !op.Reads() || isConstant(op) {
			continue
		}
		if op.Kind == asm.OperandRegister && op.Reg.IsFlags() {
			continue
		}
		n := len(cc.children)
		cc.addOperand(op)
		if len(cc.children) > n {
			names = append(names, op.String())
		}
	}
	if len(cc.children) == 0 {
		cls := terminal(descUnhandled)
		if len(cc.failures) > 0 {
			cls.Description += "; " + strings.Join(cc.failures, "; ")
		}
		return cls
	}
	return cc.result("%s reads %s", cc.inst.Mnemonic(), strings.Join(names, ", "))
}
