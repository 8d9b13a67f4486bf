package gdbserial

import (
	"fmt"

	"github.com/ttdtools/timetrack/pkg/replay"
)

// Cursor is a replay.Cursor over an rr session.
//
// Execute watchpoints are emulated by single stepping the cursor's thread
// backward, write and read watchpoints are installed in rr. Replays of a
// fixed number of steps do not report write and read watchpoints.
type Cursor struct {
	eng *Engine
	pos replay.Position
	tid string

	watchpoints []replay.Watchpoint
	callback    replay.WatchpointFunc

	regs   replay.RegisterMap
	closed bool
}

var _ replay.Cursor = (*Cursor)(nil)

// acquire moves the stub to the cursor's position and installs the
// cursor's watchpoints.
func (c *Cursor) acquire() error {
	if c.closed {
		return replay.ErrCursorClosed
	}
	eng := c.eng
	if eng.closed {
		return replay.ErrCursorClosed
	}
	if err := eng.seek(c.pos); err != nil {
		return err
	}
	if err := eng.arm(c.stubWatchpoints()); err != nil {
		return err
	}
	c.sync()
	return nil
}

// sync records the position reached by the stub.
func (c *Cursor) sync() {
	if c.pos != c.eng.at || c.tid != c.eng.thread {
		c.regs = nil
	}
	c.pos = c.eng.at
	c.tid = c.eng.thread
}

func (c *Cursor) stubWatchpoints() []replay.Watchpoint {
	var r []replay.Watchpoint
	for _, wp := range c.watchpoints {
		if _, ok := watchKind(wp.Kind); ok {
			r = append(r, wp)
		}
	}
	return r
}

func (c *Cursor) executeWatchpoint() (replay.Watchpoint, bool) {
	for _, wp := range c.watchpoints {
		if wp.Kind&replay.AccessExecute != 0 {
			return wp, true
		}
	}
	return replay.Watchpoint{}, false
}

// SetPosition implements replay.Cursor.
func (c *Cursor) SetPosition(pos replay.Position) error {
	if c.closed {
		return replay.ErrCursorClosed
	}
	c.pos = pos
	return c.acquire()
}

// Position implements replay.Cursor.
func (c *Cursor) Position() replay.Position {
	return c.pos
}

// ReplayBackward implements replay.Cursor.
func (c *Cursor) ReplayBackward(steps uint64) (replay.StopReason, error) {
	if err := c.acquire(); err != nil {
		return replay.StopStepCount, err
	}
	if _, ok := c.executeWatchpoint(); ok || steps > 0 {
		return c.stepBackward(steps)
	}
	return c.continueBackward()
}

func (c *Cursor) stepBackward(steps uint64) (replay.StopReason, error) {
	xwp, exec := c.executeWatchpoint()
	for n := uint64(0); steps == 0 || n < steps; n++ {
		sp, err := c.eng.stepBackward()
		if err != nil {
			return replay.StopStepCount, err
		}
		c.sync()
		if sp.replayLog == "begin" {
			return replay.StopRecordingStart, nil
		}
		if !exec {
			continue
		}
		hit, err := c.hit(xwp)
		if err != nil {
			return replay.StopStepCount, err
		}
		if !xwp.Covers(hit.PC, 1) {
			continue
		}
		if c.fire(hit) {
			return replay.StopWatchpoint, nil
		}
	}
	return replay.StopStepCount, nil
}

func (c *Cursor) continueBackward() (replay.StopReason, error) {
	eng := c.eng
	for {
		before := eng.at
		sp, err := eng.conn.continueBackward()
		if err != nil {
			return replay.StopStepCount, err
		}
		if err := eng.updateThread(sp.threadID); err != nil {
			return replay.StopStepCount, err
		}
		if err := eng.locate(); err != nil {
			return replay.StopStepCount, err
		}
		c.sync()
		if sp.replayLog == "begin" {
			return replay.StopRecordingStart, nil
		}
		if sp.reason != "watchpoint" {
			if eng.at == before {
				return replay.StopStepCount, fmt.Errorf("reverse execution stuck at %v (signal %d)", before, sp.sig)
			}
			continue
		}

		// The stop is reported after the write, as forward execution
		// would report it.
		hit, err := c.hit(c.watchpointAt(sp.watchAddr))
		if err != nil {
			return replay.StopStepCount, err
		}
		if c.fire(hit) {
			return replay.StopWatchpoint, nil
		}
		// Move before the write so that it is not reported again.
		if _, err := eng.stepBackward(); err != nil {
			return replay.StopStepCount, err
		}
		c.sync()
	}
}

func (c *Cursor) watchpointAt(addr uint64) replay.Watchpoint {
	var first replay.Watchpoint
	for i, wp := range c.stubWatchpoints() {
		if i == 0 {
			first = wp
		}
		if wp.Covers(addr, 1) {
			return wp
		}
	}
	return first
}

func (c *Cursor) hit(wp replay.Watchpoint) (replay.Hit, error) {
	regs, err := c.registers()
	if err != nil {
		return replay.Hit{}, err
	}
	tid, _ := parseThreadID(c.tid)
	pc, _ := regValue(regs, regnamePC)
	return replay.Hit{Position: c.pos, Watchpoint: wp, ThreadID: tid, PC: pc, Registers: regs}, nil
}

func (c *Cursor) fire(hit replay.Hit) bool {
	if c.callback == nil {
		return true
	}
	return c.callback(hit)
}

// AddWatchpoint implements replay.Cursor.
func (c *Cursor) AddWatchpoint(wp replay.Watchpoint) error {
	if c.closed {
		return replay.ErrCursorClosed
	}
	if wp.Kind&replay.AccessExecute == 0 && wp.Size == 0 {
		return fmt.Errorf("watchpoint %v: rr can not watch an unbounded range", wp)
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

// ThreadID implements replay.Cursor.
func (c *Cursor) ThreadID() int {
	tid, _ := parseThreadID(c.tid)
	return tid
}

func (c *Cursor) registers() (replay.RegisterMap, error) {
	if c.regs != nil {
		return c.regs, nil
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	regs, err := c.eng.registers()
	if err != nil {
		return nil, err
	}
	c.regs = regs
	return regs, nil
}

// Registers implements replay.Cursor.
func (c *Cursor) Registers() (replay.RegisterSet, error) {
	if c.closed {
		return nil, replay.ErrCursorClosed
	}
	return c.registers()
}

// ReadMemory implements replay.Cursor.
func (c *Cursor) ReadMemory(buf []byte, addr uint64) (int, error) {
	if err := c.acquire(); err != nil {
		return 0, err
	}
	if err := c.eng.conn.readMemory(buf, addr); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func regValue(regs replay.RegisterSet, name string) (uint64, error) {
	v, ok := regs.Get(name)
	if !ok {
		return 0, replay.ErrUnknownRegister{Name: name}
	}
	var r uint64
	for i := len(v) - 1; i >= 0; i-- {
		r = r<<8 | uint64(v[i])
	}
	return r, nil
}

// PC implements replay.Cursor.
func (c *Cursor) PC() (uint64, error) {
	regs, err := c.Registers()
	if err != nil {
		return 0, err
	}
	return regValue(regs, regnamePC)
}

// SP implements replay.Cursor.
func (c *Cursor) SP() (uint64, error) {
	regs, err := c.Registers()
	if err != nil {
		return 0, err
	}
	return regValue(regs, regnameSP)
}

// Close implements replay.Cursor.
func (c *Cursor) Close() error {
	c.closed = true
	c.watchpoints = nil
	c.callback = nil
	return nil
}
