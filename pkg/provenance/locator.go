package provenance

import (
	"bytes"
	"fmt"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/config"
	"github.com/ttdtools/timetrack/pkg/logflags"
	"github.com/ttdtools/timetrack/pkg/replay"
)

// Locator finds the most recent write to a register or a memory range.
// It owns its cursor for the duration of a search, watchpoints are always
// cleared before returning.
type Locator struct {
	cursor  replay.Cursor
	ceiling int
	log     logflags.Logger
}

// NewLocator returns a Locator searching with cursor. Register searches
// give up after ceiling backward steps.
func NewLocator(cursor replay.Cursor, ceiling int) *Locator {
	if ceiling <= 0 {
		ceiling = config.DefaultSearchCeiling
	}
	return &Locator{cursor: cursor, ceiling: ceiling, log: logflags.LocatorLogger()}
}

// readRegister returns the value of r, truncated to its width.
func readRegister(rs replay.RegisterSet, r asm.Register) ([]byte, bool) {
	if rs == nil {
		return nil, false
	}
	v, ok := rs.Get(r.Container())
	if !ok {
		return nil, false
	}
	return r.Extract(v)
}

// registerReader adapts a register set to the callback used for address
// computations.
func registerReader(rs replay.RegisterSet) func(asm.Register) (uint64, error) {
	return func(r asm.Register) (uint64, error) {
		v, ok := readRegister(rs, r)
		if !ok {
			return 0, &UnreadableRegisterError{Reg: r}
		}
		return asm.Value(v), nil
	}
}

// FindRegisterWrite returns the position of the instruction that last
// changed the value of reg before from. Only instructions executed by the
// thread current at from are considered. On failure the returned position
// is where the search stopped.
func (l *Locator) FindRegisterWrite(reg asm.Register, from replay.Position) (replay.Position, error) {
	c := l.cursor
	if err := c.SetPosition(from); err != nil {
		return from, err
	}
	tid := c.ThreadID()
	regs, err := c.Registers()
	if err != nil {
		return from, err
	}
	want, ok := readRegister(regs, reg)
	if !ok {
		return from, &UnreadableRegisterError{Reg: reg}
	}
	if logflags.Locator() {
		l.log.Debugf("searching write to %s (value % x) from %v thread %d", reg, want, from, tid)
	}

	c.ClearWatchpoints()
	defer c.ClearWatchpoints()

	var (
		found      bool
		foundPos   replay.Position
		steps      int
		exhausted  bool
		unreadable bool
	)
	c.SetWatchpointCallback(func(hit replay.Hit) bool {
		steps++
		if hit.ThreadID == tid {
			v, ok := readRegister(hit.Registers, reg)
			if !ok {
				unreadable = true
				return true
			}
			if !bytes.Equal(v, want) {
				found, foundPos = true, hit.Position
				return true
			}
		}
		if steps >= l.ceiling {
			exhausted = true
			return true
		}
		return false
	})
	if err := c.AddWatchpoint(replay.Watchpoint{Kind: replay.AccessExecute}); err != nil {
		return from, err
	}
	reason, err := c.ReplayBackward(0)
	if err != nil {
		return c.Position(), err
	}

	switch {
	case found:
		if logflags.Locator() {
			l.log.Debugf("write to %s found at %v after %d steps", reg, foundPos, steps)
		}
		return foundPos, nil
	case unreadable:
		return c.Position(), &UnreadableRegisterError{Reg: reg}
	case exhausted:
		if logflags.Locator() {
			l.log.Debugf("write to %s not found within %d steps", reg, l.ceiling)
		}
		return c.Position(), fmt.Errorf("%s: %w after %d steps", reg, ErrSearchExhausted, steps)
	}
	if logflags.Locator() {
		l.log.Debugf("write to %s not found: %v", reg, reason)
	}
	return c.Position(), fmt.Errorf("%s: %w (%v)", reg, ErrSearchExhausted, reason)
}

// FindMemoryWrite returns the position of the instruction that last wrote
// to [addr, addr+size) before from. On failure the returned position is
// where the search stopped.
func (l *Locator) FindMemoryWrite(addr, size uint64, from replay.Position) (replay.Position, error) {
	c := l.cursor
	if err := c.SetPosition(from); err != nil {
		return from, err
	}
	if logflags.Locator() {
		l.log.Debugf("searching write to [%#x, %#x) from %v", addr, addr+size, from)
	}

	c.ClearWatchpoints()
	defer c.ClearWatchpoints()

	if err := c.AddWatchpoint(replay.Watchpoint{Addr: addr, Size: size, Kind: replay.AccessWrite}); err != nil {
		return from, err
	}
	reason, err := c.ReplayBackward(0)
	if err != nil {
		return c.Position(), err
	}
	if reason != replay.StopWatchpoint {
		if logflags.Locator() {
			l.log.Debugf("write to %#x not found: %v", addr, reason)
		}
		return c.Position(), fmt.Errorf("%#x: %w (%v)", addr, ErrSearchExhausted, reason)
	}

	// The replay stops after the write took effect, the writer is the
	// instruction immediately before.
	stop := c.Position()
	if _, err := c.ReplayBackward(1); err != nil {
		return stop, err
	}
	pos := c.Position()
	if logflags.Locator() {
		l.log.Debugf("write to %#x found at %v (stopped at %v)", addr, pos, stop)
	}
	return pos, nil
}

// Find dispatches item to the appropriate search.
func (l *Locator) Find(item WorkItem) (replay.Position, error) {
	if item.Kind == KindRegister {
		return l.FindRegisterWrite(item.Reg, item.Start)
	}
	return l.FindMemoryWrite(item.Addr, item.Size, item.Start)
}
