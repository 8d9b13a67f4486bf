// Package gdbserial implements a replay engine on top of rr, driven over
// the GDB Remote Serial Protocol.
//
// rr identifies a point of the replay by an event number and, inside an
// event, by the number of branches retired by the running thread (ticks).
// Several consecutive instructions share the same ticks, Position.Step
// disambiguates them: its upper bits are the ticks, its lower 16 bits
// count down the instructions left before the next branch.
//
// All cursors of an Engine share the single rr connection. The engine
// remembers where the stub is and which watchpoints are installed, a
// cursor repositions the stub only when it is not already where the
// cursor expects it.
package gdbserial

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ttdtools/timetrack/pkg/logflags"
	"github.com/ttdtools/timetrack/pkg/replay"
)

const (
	stepShift = 16
	stepMask  = 1<<stepShift - 1
	// maxScan bounds the instructions executed looking for the end of a
	// basic block.
	maxScan = stepMask
)

func encodePosition(event, ticks, d uint64) replay.Position {
	if d > stepMask {
		d = stepMask
	}
	return replay.Position{Seq: event, Step: ticks<<stepShift | (stepMask - d)}
}

func splitPosition(pos replay.Position) (event, ticks, d uint64) {
	return pos.Seq, pos.Step >> stepShift, stepMask - pos.Step&stepMask
}

// Engine is a replay.Engine over an rr replay session.
type Engine struct {
	conn *gdbConn

	exe      string
	tracedir string
	onClose  func()

	// at is the position of the stub, thread the thread running there.
	at     replay.Position
	thread string
	// armed are the watchpoints installed in the stub.
	armed []replay.Watchpoint

	current replay.Position
	closed  bool

	log logflags.Logger
}

var _ replay.Engine = (*Engine)(nil)

// Connect performs the handshake with an rr stub listening on conn.
func Connect(conn net.Conn) (*Engine, error) {
	eng := &Engine{conn: newConn(conn), log: logflags.ReplayLogger()}
	if err := eng.conn.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := eng.updateThread(""); err != nil {
		conn.Close()
		return nil, err
	}
	if err := eng.locate(); err != nil {
		conn.Close()
		return nil, err
	}
	eng.current = eng.at
	if logflags.Replay() {
		eng.log.Debugf("connected to rr at %v thread %s", eng.at, eng.thread)
	}
	return eng, nil
}

// Exe returns the path of the recorded executable, if known.
func (eng *Engine) Exe() string {
	if eng.exe == "" {
		eng.exe, _ = eng.conn.readExecFile()
	}
	return eng.exe
}

// TraceDir returns the rr trace directory being replayed.
func (eng *Engine) TraceDir() string {
	return eng.tracedir
}

// when returns the current event and the ticks of the current thread.
func (eng *Engine) when() (event, ticks uint64, err error) {
	resp, err := eng.conn.qRRCmd("when")
	if err != nil {
		return 0, 0, err
	}
	event, err = lastNumber(resp)
	if err != nil {
		return 0, 0, fmt.Errorf("can not parse \"when\" response %q: %v", resp, err)
	}
	resp, err = eng.conn.qRRCmd("when-ticks")
	if err != nil {
		return 0, 0, err
	}
	ticks, err = lastNumber(resp)
	if err != nil {
		return 0, 0, fmt.Errorf("can not parse \"when-ticks\" response %q: %v", resp, err)
	}
	return event, ticks, nil
}

func lastNumber(s string) (uint64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.New("empty response")
	}
	return strconv.ParseUint(strings.TrimSuffix(fields[len(fields)-1], "."), 10, 64)
}

func (eng *Engine) updateThread(tid string) error {
	if tid == "" {
		var err error
		tid, err = eng.conn.currentThread()
		if err != nil {
			return err
		}
	}
	eng.thread = tid
	return nil
}

// scanBranch single steps forward until the event or the ticks change and
// returns the number of instructions executed.
func (eng *Engine) scanBranch(event, ticks uint64) (int, error) {
	n := 0
	for n < maxScan {
		sp, err := eng.conn.step(eng.thread)
		if err != nil {
			var exited ErrReplayExited
			if errors.As(err, &exited) {
				break
			}
			return n, err
		}
		n++
		if sp.replayLog == "end" {
			break
		}
		e, t, err := eng.when()
		if err != nil {
			return n, err
		}
		if e != event || t != ticks {
			break
		}
	}
	return n, nil
}

// locate computes the exact position of the stub.
func (eng *Engine) locate() error {
	event, ticks, err := eng.when()
	if err != nil {
		return err
	}
	n, err := eng.scanBranch(event, ticks)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := eng.conn.stepBackward(eng.thread); err != nil {
			return err
		}
	}
	d := uint64(0)
	if n > 0 {
		d = uint64(n - 1)
	}
	eng.at = encodePosition(event, ticks, d)
	return nil
}

// seek moves the stub to pos, clamped to the start of its basic block when
// pos does not exist.
func (eng *Engine) seek(pos replay.Position) error {
	if pos == eng.at {
		return nil
	}
	if logflags.Replay() {
		eng.log.Debugf("seek %v -> %v", eng.at, pos)
	}
	event, ticks, d := splitPosition(pos)
	if err := eng.disarm(); err != nil {
		return err
	}
	if err := eng.conn.restart(strconv.FormatUint(event, 10)); err != nil {
		return err
	}
	// rr needs a vCont;c after a vRun to actually run to the event.
	if _, err := eng.conn.resume(); err != nil {
		return err
	}
	if ticks > 0 {
		if _, err := eng.conn.qRRCmd("seek-ticks", strconv.FormatUint(ticks, 10)); err != nil {
			return err
		}
	}
	if err := eng.updateThread(""); err != nil {
		return err
	}
	e, t, err := eng.when()
	if err != nil {
		return err
	}
	n, err := eng.scanBranch(e, t)
	if err != nil {
		return err
	}
	back := n
	if int(d)+1 < n {
		back = int(d) + 1
	}
	for i := 0; i < back; i++ {
		if _, err := eng.conn.stepBackward(eng.thread); err != nil {
			return err
		}
	}
	landed := uint64(0)
	if back > 0 {
		landed = uint64(back - 1)
	}
	eng.at = encodePosition(e, t, landed)
	return nil
}

// stepBackward steps the current thread back by one instruction.
func (eng *Engine) stepBackward() (stopPacket, error) {
	event, ticks, d := splitPosition(eng.at)
	sp, err := eng.conn.stepBackward(eng.thread)
	if err != nil {
		return sp, err
	}
	if sp.replayLog == "begin" {
		return sp, nil
	}
	e, t, err := eng.when()
	if err != nil {
		return sp, err
	}
	switch {
	case e == event && t == ticks:
		eng.at = encodePosition(e, t, d+1)
	case e == event && t+1 == ticks:
		// stepped back over a branch
		eng.at = encodePosition(e, t, 0)
	default:
		if err := eng.locate(); err != nil {
			return sp, err
		}
	}
	return sp, nil
}

func watchKind(k replay.AccessKind) (int, bool) {
	switch {
	case k&replay.AccessRead != 0 && k&replay.AccessWrite != 0:
		return watchAccess, true
	case k&replay.AccessWrite != 0:
		return watchWrite, true
	case k&replay.AccessRead != 0:
		return watchRead, true
	}
	return 0, false
}

func (eng *Engine) disarm() error {
	for _, wp := range eng.armed {
		kind, _ := watchKind(wp.Kind)
		if err := eng.conn.clearWatchpoint(kind, wp.Addr, wp.Size); err != nil {
			return err
		}
	}
	eng.armed = nil
	return nil
}

// arm installs wps in the stub, replacing the watchpoints of the previous
// owner.
func (eng *Engine) arm(wps []replay.Watchpoint) error {
	if sameWatchpoints(eng.armed, wps) {
		return nil
	}
	if err := eng.disarm(); err != nil {
		return err
	}
	for _, wp := range wps {
		kind, _ := watchKind(wp.Kind)
		if err := eng.conn.setWatchpoint(kind, wp.Addr, wp.Size); err != nil {
			return err
		}
		eng.armed = append(eng.armed, wp)
	}
	return nil
}

func sameWatchpoints(a, b []replay.Watchpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (eng *Engine) registers() (replay.RegisterMap, error) {
	return eng.conn.readRegisters(eng.thread)
}

// NewCursor implements replay.Engine.
func (eng *Engine) NewCursor() (replay.Cursor, error) {
	if eng.closed {
		return nil, replay.ErrCursorClosed
	}
	c := &Cursor{eng: eng, pos: eng.current}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	return c, nil
}

// Current implements replay.Engine.
func (eng *Engine) Current() replay.Position {
	return eng.current
}

// SetCurrent implements replay.Engine.
func (eng *Engine) SetCurrent(pos replay.Position) error {
	if err := eng.seek(pos); err != nil {
		return err
	}
	eng.current = eng.at
	return nil
}

// Close detaches from rr.
func (eng *Engine) Close() error {
	if eng.closed {
		return nil
	}
	eng.closed = true
	eng.armed = nil
	err := eng.conn.detach()
	if eng.onClose != nil {
		eng.onClose()
	}
	return err
}
