package provenance

import (
	"encoding/binary"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/replay"
)

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decode(t *testing.T, code ...byte) *asm.Instruction {
	t.Helper()
	inst, err := asm.Decode(code, 0x401000)
	if err != nil {
		t.Fatalf("decode % x: %v", code, err)
	}
	return inst
}

func rootItem(w WorkItem) WorkItem {
	w.ID = 1
	return w
}

func checkChildren(t *testing.T, cls Classification, want ...WorkItem) {
	t.Helper()
	if len(cls.Children) != len(want) {
		t.Fatalf("%q: got %d children %v, want %v", cls.Description, len(cls.Children), cls.Children, want)
	}
	for i := range want {
		want[i].ParentID = 1
		want[i].Depth = 1
		if cls.Children[i] != want[i] {
			t.Errorf("child %d: got %v want %v", i, cls.Children[i], want[i])
		}
	}
	if cls.Terminal != (len(want) == 0) {
		t.Errorf("terminal %v with %d children", cls.Terminal, len(want))
	}
}

var (
	found = replay.Position{Seq: 3, Step: 7}
	after = replay.Position{Seq: 3, Step: 8}
)

func TestClassifyCopy(t *testing.T) {
	var c Classifier
	regs := replay.RegisterMap{"rbp": le64(0x7ffe0010)}

	// mov rax, rbx
	cls := c.Classify(decode(t, 0x48, 0x89, 0xd8), rootItem(RegisterItem(asm.RAX, after)), found, regs)
	checkChildren(t, cls, RegisterItem(asm.RBX, found))

	// mov rax, [rbp-8]
	cls = c.Classify(decode(t, 0x48, 0x8b, 0x45, 0xf8), rootItem(RegisterItem(asm.RAX, after)), found, regs)
	checkChildren(t, cls, MemoryItem(0x7ffe0008, 8, found))

	// mov eax, 0x2a
	cls = c.Classify(decode(t, 0xb8, 0x2a, 0x00, 0x00, 0x00), rootItem(RegisterItem(asm.RAX, after)), found, regs)
	checkChildren(t, cls)
	if cls.Description != "constant 0x2a" {
		t.Errorf("description %q", cls.Description)
	}
}

func TestClassifyArith(t *testing.T) {
	var c Classifier
	// add rax, rcx
	cls := c.Classify(decode(t, 0x48, 0x01, 0xc8), rootItem(RegisterItem(asm.RAX, after)), found, nil)
	checkChildren(t, cls, RegisterItem(asm.RCX, found), RegisterItem(asm.RAX, found))

	// add rax, 0x10
	cls = c.Classify(decode(t, 0x48, 0x83, 0xc0, 0x10), rootItem(RegisterItem(asm.RAX, after)), found, nil)
	checkChildren(t, cls, RegisterItem(asm.RAX, found))
}

func TestClassifyMulDiv(t *testing.T) {
	var c Classifier
	mul := decode(t, 0x48, 0xf7, 0xe3)  // mul rbx
	idiv := decode(t, 0x48, 0xf7, 0xfb) // idiv rbx

	cls := c.Classify(mul, rootItem(RegisterItem(asm.RAX, after)), found, nil)
	checkChildren(t, cls, RegisterItem(asm.RBX, found), RegisterItem(asm.RAX, found))

	// the high half of the product depends on the same inputs
	cls = c.Classify(mul, rootItem(RegisterItem(asm.RDX, after)), found, nil)
	checkChildren(t, cls, RegisterItem(asm.RBX, found), RegisterItem(asm.RAX, found))

	cls = c.Classify(idiv, rootItem(RegisterItem(asm.RAX, after)), found, nil)
	checkChildren(t, cls, RegisterItem(asm.RBX, found), RegisterItem(asm.RAX, found), RegisterItem(asm.RDX, found))

	cls = c.Classify(idiv, rootItem(RegisterItem(asm.RDX, after)), found, nil)
	checkChildren(t, cls, RegisterItem(asm.RBX, found), RegisterItem(asm.RAX, found), RegisterItem(asm.RDX, found))
}

func TestClassifyZeroingIdiom(t *testing.T) {
	var c Classifier
	// xor eax, eax
	cls := c.Classify(decode(t, 0x31, 0xc0), rootItem(RegisterItem(asm.RAX, after)), found, nil)
	checkChildren(t, cls)
	if cls.Description != "zeroing idiom" {
		t.Errorf("description %q", cls.Description)
	}

	// psubd xmm0, xmm0
	cls = c.Classify(decode(t, 0x66, 0x0f, 0xfa, 0xc0), rootItem(RegisterItem(asm.Register(x86asm.X0), after)), found, nil)
	checkChildren(t, cls)
	if cls.Description != "zeroing idiom" {
		t.Errorf("description %q", cls.Description)
	}
}

func TestClassifyStack(t *testing.T) {
	var c Classifier
	regs := replay.RegisterMap{"rsp": le64(0x7ffe00f8)}

	// push rbx, tracked as the stack slot it writes
	cls := c.Classify(decode(t, 0x53), rootItem(MemoryItem(0x7ffe00f0, 8, after)), found, regs)
	checkChildren(t, cls, RegisterItem(asm.RBX, found))

	// pop rax
	cls = c.Classify(decode(t, 0x58), rootItem(RegisterItem(asm.RAX, after)), found, regs)
	checkChildren(t, cls, MemoryItem(0x7ffe00f8, 8, found))

	// pop rax, tracking the stack pointer it adjusts
	cls = c.Classify(decode(t, 0x58), rootItem(RegisterItem(asm.RSP, after)), found, regs)
	checkChildren(t, cls, RegisterItem(asm.RSP, found))

	// call rel32
	cls = c.Classify(decode(t, 0xe8, 0x00, 0x00, 0x00, 0x00), rootItem(MemoryItem(0x7ffe00f0, 8, after)), found, regs)
	checkChildren(t, cls)
	if cls.Description != "return address pushed by call" {
		t.Errorf("description %q", cls.Description)
	}
}

func TestClassifyAddressCalc(t *testing.T) {
	// lea rax, [rbx+rcx*4+0x10]
	code := []byte{0x48, 0x8d, 0x44, 0x8b, 0x10}

	var c Classifier
	cls := c.Classify(decode(t, code...), rootItem(RegisterItem(asm.RAX, after)), found, nil)
	checkChildren(t, cls)
	if cls.Description != "address computation" {
		t.Errorf("description %q", cls.Description)
	}

	c.DecomposeAddressCalc = true
	cls = c.Classify(decode(t, code...), rootItem(RegisterItem(asm.RAX, after)), found, nil)
	checkChildren(t, cls, RegisterItem(asm.RBX, found), RegisterItem(asm.RCX, found))

	// lea rax, [rip+0x100] has nothing to follow
	cls = c.Classify(decode(t, 0x48, 0x8d, 0x05, 0x00, 0x01, 0x00, 0x00), rootItem(RegisterItem(asm.RAX, after)), found, nil)
	checkChildren(t, cls)
}

func TestClassifySyscall(t *testing.T) {
	var c Classifier
	cls := c.Classify(decode(t, 0x0f, 0x05), rootItem(RegisterItem(asm.RAX, after)), found, nil)
	checkChildren(t, cls)
	if cls.Description != "origin is a system call" {
		t.Errorf("description %q", cls.Description)
	}
}

func TestClassifyUnreadableAddress(t *testing.T) {
	var c Classifier
	// mov rax, [rbp-8] without rbp
	cls := c.Classify(decode(t, 0x48, 0x8b, 0x45, 0xf8), rootItem(RegisterItem(asm.RAX, after)), found, replay.RegisterMap{})
	checkChildren(t, cls)
}
