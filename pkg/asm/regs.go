package asm

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Register identifies an amd64 register. Values below 0x100 are the
// corresponding x86asm.Reg, pseudo registers not modelled by the decoder
// follow.
type Register uint16

// NoRegister is the zero value of Register.
const NoRegister Register = 0

// Pseudo registers.
const (
	RFLAGS Register = 0x100 + iota
	FSBase
	GSBase
)

// Some frequently used registers.
const (
	RAX = Register(x86asm.RAX)
	RBX = Register(x86asm.RBX)
	RCX = Register(x86asm.RCX)
	RDX = Register(x86asm.RDX)
	RSP = Register(x86asm.RSP)
	RBP = Register(x86asm.RBP)
	RIP = Register(x86asm.RIP)
)

var gp64 = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

var segNames = [...]string{"es", "cs", "ss", "ds", "fs", "gs"}

func inRange(r, lo, hi x86asm.Reg) bool {
	return r >= lo && r <= hi
}

// Reg returns the decoder register corresponding to r, zero for pseudo
// registers.
func (r Register) Reg() x86asm.Reg {
	if r >= 0x100 {
		return 0
	}
	return x86asm.Reg(r)
}

// Width returns the size of r in bytes.
func (r Register) Width() int {
	switch r {
	case RFLAGS, FSBase, GSBase:
		return 8
	}
	x := r.Reg()
	switch {
	case inRange(x, x86asm.AL, x86asm.R15B):
		return 1
	case inRange(x, x86asm.AX, x86asm.R15W), x == x86asm.IP:
		return 2
	case inRange(x, x86asm.EAX, x86asm.R15L), x == x86asm.EIP:
		return 4
	case inRange(x, x86asm.RAX, x86asm.R15), x == x86asm.RIP:
		return 8
	case inRange(x, x86asm.F0, x86asm.F7):
		return 10
	case inRange(x, x86asm.M0, x86asm.M7):
		return 8
	case inRange(x, x86asm.X0, x86asm.X15):
		return 16
	case inRange(x, x86asm.ES, x86asm.GS):
		return 2
	}
	return 8
}

// Container returns the name of the full width register holding r, as
// found in a register set.
func (r Register) Container() string {
	switch r {
	case RFLAGS:
		return "rflags"
	case FSBase:
		return "fs_base"
	case GSBase:
		return "gs_base"
	}
	x := r.Reg()
	switch {
	case inRange(x, x86asm.AL, x86asm.BL):
		return gp64[x-x86asm.AL]
	case inRange(x, x86asm.AH, x86asm.BH):
		return gp64[x-x86asm.AH]
	case inRange(x, x86asm.SPB, x86asm.DIB):
		return gp64[4+x-x86asm.SPB]
	case inRange(x, x86asm.R8B, x86asm.R15B):
		return gp64[8+x-x86asm.R8B]
	case inRange(x, x86asm.AX, x86asm.R15W):
		return gp64[x-x86asm.AX]
	case inRange(x, x86asm.EAX, x86asm.R15L):
		return gp64[x-x86asm.EAX]
	case inRange(x, x86asm.RAX, x86asm.R15):
		return gp64[x-x86asm.RAX]
	case inRange(x, x86asm.IP, x86asm.RIP):
		return "rip"
	case inRange(x, x86asm.F0, x86asm.F7):
		return fmt.Sprintf("st%d", x-x86asm.F0)
	case inRange(x, x86asm.M0, x86asm.M7):
		return fmt.Sprintf("st%d", x-x86asm.M0)
	case inRange(x, x86asm.X0, x86asm.X15):
		return fmt.Sprintf("xmm%d", x-x86asm.X0)
	case inRange(x, x86asm.ES, x86asm.GS):
		return segNames[x-x86asm.ES]
	}
	return strings.ToLower(x.String())
}

// Offset returns the byte offset of r inside its container.
func (r Register) Offset() int {
	if inRange(r.Reg(), x86asm.AH, x86asm.BH) {
		return 1
	}
	return 0
}

// IsFlags returns true for the flags register.
func (r Register) IsFlags() bool {
	return r == RFLAGS
}

// String returns the conventional lower case name of r.
func (r Register) String() string {
	switch r {
	case NoRegister:
		return ""
	case RFLAGS, FSBase, GSBase:
		return r.Container()
	}
	x := r.Reg()
	switch {
	case inRange(x, x86asm.SPB, x86asm.DIB):
		return [...]string{"spl", "bpl", "sil", "dil"}[x-x86asm.SPB]
	case inRange(x, x86asm.R8L, x86asm.R15L):
		return gp64[8+x-x86asm.R8L] + "d"
	case inRange(x, x86asm.M0, x86asm.M7):
		return fmt.Sprintf("mm%d", x-x86asm.M0)
	case inRange(x, x86asm.F0, x86asm.F7), inRange(x, x86asm.X0, x86asm.X15):
		return r.Container()
	}
	return strings.ToLower(x.String())
}

// Extract returns the bytes of r out of the value of its container.
func (r Register) Extract(container []byte) ([]byte, bool) {
	off, w := r.Offset(), r.Width()
	if len(container) < off+w {
		if off == 0 && len(container) > 0 && w > len(container) {
			// registers sets may hold narrower values (eflags, st0)
			b := make([]byte, w)
			copy(b, container)
			return b, true
		}
		return nil, false
	}
	return append([]byte(nil), container[off:off+w]...), true
}

// Value converts up to 8 little endian bytes into an integer.
func Value(b []byte) uint64 {
	if len(b) > 8 {
		b = b[:8]
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

var registersByName map[string]Register

func init() {
	registersByName = map[string]Register{
		"rflags":  RFLAGS,
		"eflags":  RFLAGS,
		"flags":   RFLAGS,
		"fs_base": FSBase,
		"gs_base": GSBase,
	}
	for x := x86asm.AL; x <= x86asm.GS; x++ {
		r := Register(x)
		if _, dup := registersByName[r.String()]; !dup {
			registersByName[r.String()] = r
		}
		name := strings.ToLower(x.String())
		if _, dup := registersByName[name]; !dup {
			registersByName[name] = r
		}
	}
}

// RegisterByName looks up a register, case insensitively. Both the
// decoder's names (r8l, x0) and the conventional ones (r8d, xmm0) are
// accepted.
func RegisterByName(name string) (Register, bool) {
	r, ok := registersByName[strings.ToLower(strings.TrimSpace(name))]
	return r, ok
}

// RegisterNames returns the conventional names of all general purpose,
// vector and pseudo registers, sorted.
func RegisterNames() []string {
	seen := make(map[string]bool)
	var r []string
	for _, reg := range registersByName {
		name := reg.String()
		if !seen[name] {
			seen[name] = true
			r = append(r, name)
		}
	}
	sort.Strings(r)
	return r
}
