// Package replay defines the contract between the provenance tracer and a
// deterministic record/replay engine.
//
// An Engine hands out independent Cursors over the same recording. A
// Cursor is a single-owner handle: it is positioned, replayed backward
// with watchpoints armed, and queried for machine state. Two cursors never
// share watchpoint state, repositioning one does not disturb the other.
package replay

import (
	"errors"
	"fmt"
)

// AccessKind is the kind of access a watchpoint triggers on.
type AccessKind uint8

const (
	AccessRead AccessKind = 1 << iota
	AccessWrite
	AccessExecute
)

func (k AccessKind) String() string {
	s := ""
	if k&AccessRead != 0 {
		s += "r"
	}
	if k&AccessWrite != 0 {
		s += "w"
	}
	if k&AccessExecute != 0 {
		s += "x"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Watchpoint describes a range of guest memory, [Addr, Addr+Size).
// A watchpoint with Size 0 covers the whole address space above Addr.
type Watchpoint struct {
	Addr uint64
	Size uint64
	Kind AccessKind
}

// Covers returns true if the watchpoint range overlaps [addr, addr+size).
func (wp Watchpoint) Covers(addr, size uint64) bool {
	if size == 0 {
		size = 1
	}
	if wp.Size == 0 {
		return addr+size > wp.Addr
	}
	return addr < wp.Addr+wp.Size && wp.Addr < addr+size
}

func (wp Watchpoint) String() string {
	if wp.Size == 0 {
		return fmt.Sprintf("%s@%#x+", wp.Kind, wp.Addr)
	}
	return fmt.Sprintf("%s@%#x,%d", wp.Kind, wp.Addr, wp.Size)
}

// StopReason describes why a replay operation returned.
type StopReason uint8

const (
	// StopStepCount means the requested number of steps was replayed.
	StopStepCount StopReason = iota
	// StopWatchpoint means a watchpoint fired (and its callback, if any,
	// asked to stop).
	StopWatchpoint
	// StopRecordingStart means the beginning of the recording was reached.
	StopRecordingStart
	// StopRecordingEnd means the end of the recording was reached.
	StopRecordingEnd
)

func (r StopReason) String() string {
	switch r {
	case StopStepCount:
		return "step count"
	case StopWatchpoint:
		return "watchpoint"
	case StopRecordingStart:
		return "recording start"
	case StopRecordingEnd:
		return "recording end"
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

// RegisterSet is a snapshot of a thread's register file. Registers are
// looked up by their lower case full-width name (rax, rip, rflags, xmm0,
// fs_base...), values are little endian.
type RegisterSet interface {
	Get(name string) ([]byte, bool)
}

// RegisterMap is a RegisterSet backed by a map.
type RegisterMap map[string][]byte

// Get implements RegisterSet.
func (m RegisterMap) Get(name string) ([]byte, bool) {
	v, ok := m[name]
	return v, ok
}

// Copy returns a deep copy of m.
func (m RegisterMap) Copy() RegisterMap {
	r := make(RegisterMap, len(m))
	for k, v := range m {
		r[k] = append([]byte(nil), v...)
	}
	return r
}

// Hit describes a watchpoint trigger observed during replay.
type Hit struct {
	Position   Position
	Watchpoint Watchpoint
	ThreadID   int
	PC         uint64
	// Registers is the register state of the thread at Position.
	Registers RegisterSet
}

// WatchpointFunc is called for every watchpoint hit during replay. It
// returns true to stop the replay at the hit. State it needs must be
// captured by the closure; cursors hold no other callback context.
type WatchpointFunc func(hit Hit) (stop bool)

// Cursor is a sequential handle over a recording.
type Cursor interface {
	// SetPosition moves the cursor. Positions that do not correspond to a
	// recorded step are clamped to the closest earlier recorded step.
	SetPosition(pos Position) error
	// Position returns the current position.
	Position() Position
	// ReplayBackward replays the recording backward. If steps is zero
	// replay continues until a watchpoint stops it or the recording start
	// is reached, otherwise at most steps instructions are replayed.
	ReplayBackward(steps uint64) (StopReason, error)

	// AddWatchpoint arms a watchpoint for subsequent replays.
	AddWatchpoint(wp Watchpoint) error
	// SetWatchpointCallback installs fn as the hit filter, nil removes it.
	// Without a callback every hit stops the replay.
	SetWatchpointCallback(fn WatchpointFunc)
	// ClearWatchpoints removes all watchpoints and the callback.
	ClearWatchpoints() error

	// ThreadID returns the thread followed by the cursor.
	ThreadID() int
	// Registers returns the register state at the current position.
	Registers() (RegisterSet, error)
	// ReadMemory reads guest memory at the current position.
	ReadMemory(buf []byte, addr uint64) (int, error)
	// PC returns the program counter at the current position.
	PC() (uint64, error)
	// SP returns the stack pointer at the current position.
	SP() (uint64, error)

	Close() error
}

// Engine hands out cursors over a recording.
type Engine interface {
	// NewCursor returns a new cursor positioned at the engine's current
	// position.
	NewCursor() (Cursor, error)
	// Current returns the position the user is looking at.
	Current() Position
	// SetCurrent changes the position the user is looking at.
	SetCurrent(pos Position) error
	// Close releases the recording.
	Close() error
}

// ErrRecordingStart is returned by operations that would move before the
// first position of the recording.
var ErrRecordingStart = errors.New("beginning of recording reached")

// ErrCursorClosed is returned by operations on a closed cursor.
var ErrCursorClosed = errors.New("cursor closed")

// ErrUnknownRegister is returned when a register is not part of the
// machine state exposed by the engine.
type ErrUnknownRegister struct {
	Name string
}

func (err ErrUnknownRegister) Error() string {
	return fmt.Sprintf("unknown register %q", err.Name)
}

// ReadUint64 reads a little endian integer of size bytes (at most 8) from
// the cursor's memory at addr.
func ReadUint64(c Cursor, addr uint64, size int) (uint64, error) {
	if size <= 0 || size > 8 {
		size = 8
	}
	var buf [8]byte
	n, err := c.ReadMemory(buf[:size], addr)
	if err != nil {
		return 0, err
	}
	if n != size {
		return 0, fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, size)
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}
