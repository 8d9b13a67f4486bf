package tape

import (
	"github.com/ttdtools/timetrack/pkg/replay"
)

// Builder assembles a Recording one instruction at a time.
//
//	b := tape.NewBuilder()
//	b.SetReg("rbx", 5)
//	b.Exec([]byte{0x48, 0x89, 0xd8}, tape.Reg("rax", 5)) // mov rax, rbx
//	eng, err := b.Engine()
type Builder struct {
	rec    Recording
	thread int
	pc     uint64
}

// DefaultEntry is the address of the first instruction of a Builder.
const DefaultEntry = 0x401000

// NewBuilder returns a builder for a single threaded recording (thread 1)
// starting at DefaultEntry with sequence 1.
func NewBuilder() *Builder {
	return &Builder{
		rec: Recording{
			FirstSeq: 1,
			Threads:  map[int]replay.RegisterMap{},
		},
		thread: 1,
		pc:     DefaultEntry,
	}
}

// Effect is a side effect of an executed instruction.
type Effect func(s *Step)

// Reg sets a 64bit register.
func Reg(name string, v uint64) Effect {
	return RegBytes(name, le64(v))
}

// RegBytes sets a register to a little endian value of arbitrary width.
func RegBytes(name string, v []byte) Effect {
	return func(s *Step) {
		if s.Regs == nil {
			s.Regs = make(map[string][]byte)
		}
		s.Regs[name] = append([]byte(nil), v...)
	}
}

// Mem writes data at addr.
func Mem(addr uint64, data []byte) Effect {
	return func(s *Step) {
		s.Mem = append(s.Mem, MemWrite{Addr: addr, Data: append([]byte(nil), data...)})
	}
}

// Mem64 writes a 64bit little endian value at addr.
func Mem64(addr uint64, v uint64) Effect {
	return Mem(addr, le64(v))
}

// Thread switches the thread executing subsequent instructions.
func (b *Builder) Thread(tid int) *Builder {
	b.thread = tid
	return b
}

// At moves the address of the next instruction.
func (b *Builder) At(pc uint64) *Builder {
	b.pc = pc
	return b
}

func (b *Builder) threadRegs() replay.RegisterMap {
	regs := b.rec.Threads[b.thread]
	if regs == nil {
		regs = replay.RegisterMap{}
		b.rec.Threads[b.thread] = regs
	}
	return regs
}

// SetReg sets the initial value of a register of the current thread.
func (b *Builder) SetReg(name string, v uint64) *Builder {
	b.threadRegs()[name] = le64(v)
	return b
}

// SetRegBytes sets the initial value of a register of the current thread.
func (b *Builder) SetRegBytes(name string, v []byte) *Builder {
	b.threadRegs()[name] = append([]byte(nil), v...)
	return b
}

// Map sets the initial content of memory at addr.
func (b *Builder) Map(addr uint64, data []byte) *Builder {
	b.rec.Memory = append(b.rec.Memory, MemWrite{Addr: addr, Data: append([]byte(nil), data...)})
	return b
}

// Symbol adds an entry to the symbol table.
func (b *Builder) Symbol(name string, addr, size uint64) *Builder {
	b.rec.Symbols = append(b.rec.Symbols, Symbol{Name: name, Addr: addr, Size: size})
	return b
}

// Exec appends an instruction executed by the current thread at the
// current address. The address then moves past the instruction.
func (b *Builder) Exec(code []byte, effects ...Effect) *Builder {
	s := Step{Thread: b.thread, PC: b.pc, Code: append([]byte(nil), code...)}
	for _, eff := range effects {
		eff(&s)
	}
	b.rec.Steps = append(b.rec.Steps, s)
	b.pc += uint64(len(code))
	return b
}

// Sync ends the current sequence after the last instruction.
func (b *Builder) Sync() *Builder {
	if n := len(b.rec.Steps); n > 0 {
		b.rec.Steps[n-1].Sync = true
	}
	return b
}

// Len returns the number of instructions appended so far.
func (b *Builder) Len() int {
	return len(b.rec.Steps)
}

// Recording returns the assembled recording.
func (b *Builder) Recording() *Recording {
	return &b.rec
}

// Engine returns an engine replaying the assembled recording.
func (b *Builder) Engine() (*Engine, error) {
	return New(&b.rec)
}
