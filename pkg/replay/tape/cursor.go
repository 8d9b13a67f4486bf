package tape

import (
	"github.com/ttdtools/timetrack/pkg/logflags"
	"github.com/ttdtools/timetrack/pkg/replay"
)

// Cursor is a replay.Cursor over a tape. Every cursor owns a private copy
// of the machine state.
type Cursor struct {
	eng  *Engine
	idx  int
	mem  *memory
	regs map[int]replay.RegisterMap

	watchpoints []replay.Watchpoint
	callback    replay.WatchpointFunc
	// writeStop is the index at which the last write watchpoint hit was
	// reported, the write is not reported again when replay resumes.
	writeStop int

	closed bool
}

var _ replay.Cursor = (*Cursor)(nil)

func (c *Cursor) forward() {
	s := &c.eng.rec.Steps[c.idx]
	tregs := c.regs[s.Thread]
	for name, v := range s.Regs {
		tregs[name] = append([]byte(nil), v...)
	}
	for _, w := range s.Mem {
		c.mem.write(w.Addr, w.Data)
	}
	c.idx++
}

func (c *Cursor) backward() {
	c.idx--
	s := &c.eng.rec.Steps[c.idx]
	u := &c.eng.undo[c.idx]
	tregs := c.regs[s.Thread]
	for i := len(u.regs) - 1; i >= 0; i-- {
		r := u.regs[i]
		if r.old == nil {
			delete(tregs, r.name)
			continue
		}
		tregs[r.name] = append([]byte(nil), r.old...)
	}
	for i := len(u.mem) - 1; i >= 0; i-- {
		c.mem.write(u.mem[i].Addr, u.mem[i].Data)
	}
}

func (c *Cursor) moveTo(idx int) {
	for c.idx < idx {
		c.forward()
	}
	for c.idx > idx {
		c.backward()
	}
	c.writeStop = -1
}

// SetPosition implements replay.Cursor.
func (c *Cursor) SetPosition(pos replay.Position) error {
	if c.closed {
		return replay.ErrCursorClosed
	}
	idx, err := c.eng.index(pos)
	if err != nil {
		return err
	}
	c.moveTo(idx)
	return nil
}

// Position implements replay.Cursor.
func (c *Cursor) Position() replay.Position {
	return c.eng.positions[c.idx]
}

// ReplayBackward implements replay.Cursor.
func (c *Cursor) ReplayBackward(steps uint64) (replay.StopReason, error) {
	if c.closed {
		return replay.StopRecordingStart, replay.ErrCursorClosed
	}
	var n uint64
	for {
		if c.idx == 0 {
			return replay.StopRecordingStart, nil
		}
		s := &c.eng.rec.Steps[c.idx-1]
		if c.writeStop != c.idx {
			if wp, ok := c.writeHit(s); ok {
				hit := replay.Hit{Position: c.Position(), Watchpoint: wp, ThreadID: s.Thread, PC: s.PC, Registers: c.regs[s.Thread].Copy()}
				if c.fire(hit) {
					c.writeStop = c.idx
					return replay.StopWatchpoint, nil
				}
			}
		}
		c.backward()
		c.writeStop = -1
		n++
		if wp, ok := c.execHit(s); ok {
			hit := replay.Hit{Position: c.Position(), Watchpoint: wp, ThreadID: s.Thread, PC: s.PC, Registers: c.regs[s.Thread].Copy()}
			if c.fire(hit) {
				return replay.StopWatchpoint, nil
			}
		}
		if steps > 0 && n >= steps {
			return replay.StopStepCount, nil
		}
	}
}

func (c *Cursor) writeHit(s *Step) (replay.Watchpoint, bool) {
	for _, wp := range c.watchpoints {
		if wp.Kind&replay.AccessWrite == 0 {
			continue
		}
		for _, w := range s.Mem {
			if wp.Covers(w.Addr, uint64(len(w.Data))) {
				return wp, true
			}
		}
	}
	return replay.Watchpoint{}, false
}

func (c *Cursor) execHit(s *Step) (replay.Watchpoint, bool) {
	for _, wp := range c.watchpoints {
		if wp.Kind&replay.AccessExecute != 0 && wp.Covers(s.PC, uint64(len(s.Code))) {
			return wp, true
		}
	}
	return replay.Watchpoint{}, false
}

func (c *Cursor) fire(hit replay.Hit) bool {
	if logflags.Replay() {
		c.eng.log.Debugf("watchpoint %v hit at %v pc=%#x thread=%d", hit.Watchpoint, hit.Position, hit.PC, hit.ThreadID)
	}
	if c.callback == nil {
		return true
	}
	return c.callback(hit)
}

// AddWatchpoint implements replay.Cursor. Read watchpoints are accepted
// but never trigger, tapes do not record reads.
func (c *Cursor) AddWatchpoint(wp replay.Watchpoint) error {
	if c.closed {
		return replay.ErrCursorClosed
	}
	c.watchpoints = append(c.watchpoints, wp)
	return nil
}

// SetWatchpointCallback implements replay.Cursor.
func (c *Cursor) SetWatchpointCallback(fn replay.WatchpointFunc) {
	c.callback = fn
}

// ClearWatchpoints implements replay.Cursor.
func (c *Cursor) ClearWatchpoints() error {
	c.watchpoints = nil
	c.callback = nil
	return nil
}

// ThreadID implements replay.Cursor. At the end of the recording it is
// the thread of the last instruction.
func (c *Cursor) ThreadID() int {
	steps := c.eng.rec.Steps
	if c.idx < len(steps) {
		return steps[c.idx].Thread
	}
	return steps[len(steps)-1].Thread
}

// Registers implements replay.Cursor.
func (c *Cursor) Registers() (replay.RegisterSet, error) {
	if c.closed {
		return nil, replay.ErrCursorClosed
	}
	return c.regs[c.ThreadID()].Copy(), nil
}

// ReadMemory implements replay.Cursor.
func (c *Cursor) ReadMemory(buf []byte, addr uint64) (int, error) {
	if c.closed {
		return 0, replay.ErrCursorClosed
	}
	return c.mem.readInto(buf, addr), nil
}

func (c *Cursor) reg(name string) (uint64, error) {
	v, ok := c.regs[c.ThreadID()][name]
	if !ok {
		return 0, replay.ErrUnknownRegister{Name: name}
	}
	if len(v) > 8 {
		v = v[:8]
	}
	var r uint64
	for i := len(v) - 1; i >= 0; i-- {
		r = r<<8 | uint64(v[i])
	}
	return r, nil
}

// PC implements replay.Cursor.
func (c *Cursor) PC() (uint64, error) {
	return c.reg("rip")
}

// SP implements replay.Cursor.
func (c *Cursor) SP() (uint64, error) {
	return c.reg("rsp")
}

// Close implements replay.Cursor.
func (c *Cursor) Close() error {
	c.closed = true
	c.watchpoints = nil
	c.callback = nil
	return nil
}
