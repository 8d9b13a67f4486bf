// Package tape implements an in-memory replay engine over a fully
// described recording.
//
// A tape is a list of executed instructions, each carrying the register
// and memory effects it had. Nothing is emulated: the effects are taken at
// face value, which makes tapes suitable for deterministic fixtures and for
// exporting short windows of a real recording.
package tape

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ttdtools/timetrack/pkg/logflags"
	"github.com/ttdtools/timetrack/pkg/replay"
)

// MemWrite is a block of bytes stored at Addr.
type MemWrite struct {
	Addr uint64
	Data []byte
}

// Step is one executed instruction.
type Step struct {
	Thread int
	PC     uint64
	Code   []byte
	// Regs maps full width register names to their value after the
	// instruction executed.
	Regs map[string][]byte
	// Mem lists the memory written by the instruction.
	Mem []MemWrite
	// Sync ends the current sequence after this instruction.
	Sync bool
}

// Symbol is a named address range of the recorded program.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// Recording is the complete description of a tape.
type Recording struct {
	FirstSeq uint64
	// Threads holds the initial register file of every thread.
	Threads map[int]replay.RegisterMap
	// Memory is the initial content of guest memory.
	Memory  []MemWrite
	Steps   []Step
	Symbols []Symbol
}

type regUndo struct {
	name string
	old  []byte // nil if the register did not exist
}

type undoRecord struct {
	regs []regUndo
	mem  []MemWrite
}

// Engine replays a Recording.
type Engine struct {
	rec       *Recording
	positions []replay.Position
	undo      []undoRecord
	initMem   *memory
	initRegs  map[int]replay.RegisterMap
	current   int
	log       logflags.Logger
}

var errEmptyRecording = errors.New("recording has no instructions")

// New prepares rec for replay. The engine starts positioned at the end of
// the recording.
func New(rec *Recording) (*Engine, error) {
	if len(rec.Steps) == 0 {
		return nil, errEmptyRecording
	}
	eng := &Engine{rec: rec, log: logflags.ReplayLogger().WithField("kind", "tape")}
	eng.assignPositions()
	eng.simulate()
	eng.current = len(rec.Steps)
	return eng, nil
}

func (eng *Engine) assignPositions() {
	eng.positions = make([]replay.Position, len(eng.rec.Steps)+1)
	pos := replay.Position{Seq: eng.rec.FirstSeq}
	for i := range eng.rec.Steps {
		eng.positions[i] = pos
		if eng.rec.Steps[i].Sync {
			pos = replay.Position{Seq: pos.Seq + 1}
		} else {
			pos.Step++
		}
	}
	eng.positions[len(eng.rec.Steps)] = pos
}

// simulate executes the tape forward once, filling in the instruction
// pointer of every thread and computing the undo records.
func (eng *Engine) simulate() {
	steps := eng.rec.Steps

	eng.initMem = newMemory()
	for _, w := range eng.rec.Memory {
		eng.initMem.write(w.Addr, w.Data)
	}
	for _, s := range steps {
		if len(s.Code) > 0 {
			eng.initMem.write(s.PC, s.Code)
		}
	}

	eng.initRegs = make(map[int]replay.RegisterMap)
	for tid, regs := range eng.rec.Threads {
		eng.initRegs[tid] = regs.Copy()
	}
	for _, s := range steps {
		if _, ok := eng.initRegs[s.Thread]; !ok {
			eng.initRegs[s.Thread] = replay.RegisterMap{}
		}
	}
	seen := make(map[int]bool)
	for _, s := range steps {
		if !seen[s.Thread] {
			seen[s.Thread] = true
			eng.initRegs[s.Thread]["rip"] = le64(s.PC)
		}
	}

	// next instruction of the same thread, for rip updates
	nextPC := make([]uint64, len(steps))
	last := make(map[int]int)
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if j, ok := last[s.Thread]; ok {
			nextPC[i] = steps[j].PC
		} else {
			nextPC[i] = s.PC + uint64(len(s.Code))
		}
		last[s.Thread] = i
	}

	mem := eng.initMem.clone()
	regs := make(map[int]replay.RegisterMap)
	for tid, r := range eng.initRegs {
		regs[tid] = r.Copy()
	}
	eng.undo = make([]undoRecord, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.Regs == nil {
			s.Regs = make(map[string][]byte)
		}
		if _, ok := s.Regs["rip"]; !ok {
			s.Regs["rip"] = le64(nextPC[i])
		}
		u := &eng.undo[i]
		tregs := regs[s.Thread]
		for name, v := range s.Regs {
			u.regs = append(u.regs, regUndo{name: name, old: tregs[name]})
			tregs[name] = append([]byte(nil), v...)
		}
		for _, w := range s.Mem {
			u.mem = append(u.mem, MemWrite{Addr: w.Addr, Data: mem.read(w.Addr, len(w.Data))})
			mem.write(w.Addr, w.Data)
		}
	}
}

// Len returns the number of recorded instructions.
func (eng *Engine) Len() int {
	return len(eng.rec.Steps)
}

// PositionAt returns the position of the i-th instruction. PositionAt(Len())
// is the end of the recording.
func (eng *Engine) PositionAt(i int) replay.Position {
	return eng.positions[i]
}

// Symbols returns the symbol table stored in the recording.
func (eng *Engine) Symbols() []Symbol {
	return eng.rec.Symbols
}

// index returns the index of the last recorded position not after pos.
func (eng *Engine) index(pos replay.Position) (int, error) {
	i := sort.Search(len(eng.positions), func(i int) bool {
		return pos.Less(eng.positions[i])
	})
	if i == 0 {
		return 0, fmt.Errorf("position %v: %w", pos, replay.ErrRecordingStart)
	}
	return i - 1, nil
}

// Current implements replay.Engine.
func (eng *Engine) Current() replay.Position {
	return eng.positions[eng.current]
}

// SetCurrent implements replay.Engine.
func (eng *Engine) SetCurrent(pos replay.Position) error {
	i, err := eng.index(pos)
	if err != nil {
		return err
	}
	eng.current = i
	return nil
}

// NewCursor implements replay.Engine.
func (eng *Engine) NewCursor() (replay.Cursor, error) {
	c := &Cursor{
		eng:       eng,
		mem:       eng.initMem.clone(),
		regs:      make(map[int]replay.RegisterMap),
		writeStop: -1,
	}
	for tid, r := range eng.initRegs {
		c.regs[tid] = r.Copy()
	}
	c.moveTo(eng.current)
	return c, nil
}

// Close implements replay.Engine.
func (eng *Engine) Close() error {
	return nil
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
