package gdbserial

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ttdtools/timetrack/pkg/logflags"
	"github.com/ttdtools/timetrack/pkg/replay"
)

// gdbConn speaks the subset of the gdb remote protocol an rr replay needs:
// reverse execution, watchpoints, register and memory reads.
type gdbConn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	// ack is set until the stub accepts QStartNoAckMode.
	ack      bool
	features stubFeatures
	regs     []stubRegister

	// console receives the output the recorded program produces while the
	// stub runs it.
	console io.Writer

	log logflags.Logger
}

type stubFeatures struct {
	packetSize   int
	multiprocess bool
}

// stubRegister is a register of the 'g' packet.
type stubRegister struct {
	name         string
	regnum       int
	offset, size int
}

const (
	regnamePC = "rip"
	regnameSP = "rsp"

	defaultPacketSize = 256

	qSupported = "qSupported:multiprocess+;swbreak+;hwbreak+;no-resumed+;xmlRegisters=i386"
)

// GdbProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type GdbProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *GdbProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	var gdberr *GdbProtocolError
	return errors.As(err, &gdberr) && gdberr.code == ""
}

// GdbMalformedThreadIDError is returned when the stub responds with a
// thread ID that does not conform with the Gdb Remote Serial Protocol
// documentation.
type GdbMalformedThreadIDError struct {
	tid string
}

func (err *GdbMalformedThreadIDError) Error() string {
	return fmt.Sprintf("malformed thread ID %q", err.tid)
}

// ErrReplayExited is returned when forward replay reaches the end of the
// recorded process.
type ErrReplayExited struct {
	Status int
}

func (err ErrReplayExited) Error() string {
	return fmt.Sprintf("recorded process exited with status %d", err.Status)
}

func newConn(c net.Conn) *gdbConn {
	return &gdbConn{
		conn:     c,
		inbuf:    make([]byte, 0, 256),
		features: stubFeatures{packetSize: defaultPacketSize},
		console:  os.Stdout,
		log:      logflags.GdbWireLogger(),
	}
}

// handshake negotiates the connection and reads the register layout. rr
// always supports thread suffixes, a stub that does not is refused.
func (conn *gdbConn) handshake() error {
	conn.rdr = bufio.NewReader(conn.conn)
	conn.ack = true

	// the stub waits for an ack before anything else
	conn.sendAck('+')
	if _, err := conn.request("init", "QStartNoAckMode"); err == nil {
		conn.ack = false
	}

	if _, err := conn.request("init", "QThreadSuffixSupported"); err != nil {
		if isProtocolErrorUnsupported(err) {
			return errors.New("stub does not support thread suffixes, not an rr replay")
		}
		return err
	}

	resp, err := conn.request("init", qSupported)
	if err != nil {
		return err
	}
	conn.features = parseFeatures(string(resp))

	return conn.readTargetXML()
}

func parseFeatures(resp string) stubFeatures {
	f := stubFeatures{packetSize: defaultPacketSize}
	for _, feature := range strings.Split(resp, ";") {
		if v, ok := strings.CutPrefix(feature, "PacketSize="); ok {
			if n, err := strconv.ParseInt(v, 16, 64); err == nil && n > 0 {
				f.packetSize = int(n)
			}
			continue
		}
		if feature == "multiprocess+" {
			f.multiprocess = true
		}
	}
	return f
}

// targetDesc is the part of target.xml describing registers, see
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Target-Description-Format.html
type targetDesc struct {
	Includes []struct {
		Href string `xml:"href,attr"`
	} `xml:"include"`
	Registers []struct {
		Name    string `xml:"name,attr"`
		Bitsize int    `xml:"bitsize,attr"`
		Regnum  *int   `xml:"regnum,attr"`
	} `xml:"reg"`
}

func (conn *gdbConn) readTargetXML() error {
	var regs []stubRegister
	if err := conn.readAnnex("target.xml", &regs); err != nil {
		return err
	}
	if err := layoutRegisters(regs); err != nil {
		return err
	}
	conn.regs = regs
	return nil
}

// readAnnex appends the registers described by annex and the annexes it
// includes to regs. A register without a regnum follows the previous one.
func (conn *gdbConn) readAnnex(annex string, regs *[]stubRegister) error {
	buf, err := conn.qXfer("features", annex, false)
	if err != nil {
		return err
	}
	var desc targetDesc
	if err := xml.Unmarshal(buf, &desc); err != nil {
		return fmt.Errorf("parsing %s: %v", annex, err)
	}
	for _, r := range desc.Registers {
		regnum := 0
		if n := len(*regs); n > 0 {
			regnum = (*regs)[n-1].regnum + 1
		}
		if r.Regnum != nil {
			regnum = *r.Regnum
		}
		*regs = append(*regs, stubRegister{name: strings.ToLower(r.Name), regnum: regnum, size: r.Bitsize / 8})
	}
	for _, incl := range desc.Includes {
		if err := conn.readAnnex(incl.Href, regs); err != nil {
			return err
		}
	}
	return nil
}

// layoutRegisters orders regs as the 'g' packet sends them and computes
// their offsets.
func layoutRegisters(regs []stubRegister) error {
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].regnum < regs[j].regnum })
	var offset int
	var pc, sp bool
	for i := range regs {
		regs[i].offset = offset
		offset += regs[i].size
		pc = pc || regs[i].name == regnamePC
		sp = sp || regs[i].name == regnameSP
	}
	if !pc || !sp {
		return fmt.Errorf("target description lacks %s or %s", regnamePC, regnameSP)
	}
	return nil
}

// registersSize returns the size of the 'g' packet payload.
func (conn *gdbConn) registersSize() int {
	if len(conn.regs) == 0 {
		return 0
	}
	last := conn.regs[len(conn.regs)-1]
	return last.offset + last.size
}

func (conn *gdbConn) readExecFile() (string, error) {
	buf, err := conn.qXfer("exec-file", "", true)
	return string(buf), err
}

// qXfer reads object (features, exec-file...) from the stub.
func (conn *gdbConn) qXfer(object, annex string, binary bool) ([]byte, error) {
	var out []byte
	for {
		conn.outbuf.Reset()
		fmt.Fprintf(&conn.outbuf, "qXfer:%s:read:%s:%x,%x", object, annex, len(out), 1024)
		buf, err := conn.roundTrip("qXfer "+object, binary)
		if err != nil {
			return nil, err
		}
		out = append(out, buf[1:]...)
		// 'm' means more data follows, 'l' that this was the last chunk
		if buf[0] == 'l' {
			return out, nil
		}
	}
}

// Watchpoint kinds of the 'Z' packet.
const (
	watchWrite  = 2
	watchRead   = 3
	watchAccess = 4
)

func (conn *gdbConn) setWatchpoint(kind int, addr, size uint64) error {
	_, err := conn.request("set watchpoint", "Z%d,%x,%x", kind, addr, size)
	return err
}

func (conn *gdbConn) clearWatchpoint(kind int, addr, size uint64) error {
	_, err := conn.request("clear watchpoint", "z%d,%x,%x", kind, addr, size)
	return err
}

// detach ends the session, rr stops replaying once detached.
func (conn *gdbConn) detach() error {
	if conn.conn == nil {
		return nil
	}
	_, err := conn.request("detach", "D")
	conn.conn.Close()
	conn.conn = nil
	return err
}

// readRegisters reads the registers of threadID, keyed by lower case name.
// rr calls the flags register eflags even on amd64.
func (conn *gdbConn) readRegisters(threadID string) (replay.RegisterMap, error) {
	resp, err := conn.request("registers read", "g;thread:%s;", threadID)
	if err != nil {
		return nil, err
	}
	buf := appendHex(make([]byte, 0, conn.registersSize()), resp)
	regs := make(replay.RegisterMap, len(conn.regs))
	for _, r := range conn.regs {
		if r.size == 0 || r.offset+r.size > len(buf) {
			continue
		}
		name := r.name
		if name == "eflags" {
			name = "rflags"
		}
		regs[name] = append([]byte(nil), buf[r.offset:r.offset+r.size]...)
	}
	return regs, nil
}

// readMemory fills data with the memory at addr, in as many 'm' packets as
// the stub's packet size requires.
func (conn *gdbConn) readMemory(data []byte, addr uint64) error {
	chunk := (conn.features.packetSize - 4) / 2
	got := data[:0]
	for len(got) < len(data) {
		n := len(data) - len(got)
		if n > chunk {
			n = chunk
		}
		at := addr + uint64(len(got))
		resp, err := conn.request("memory read", "m%x,%x", at, n)
		if err != nil {
			return err
		}
		if len(resp) > 2*n {
			resp = resp[:2*n]
		}
		if len(resp) < 2 {
			return fmt.Errorf("short memory read at %#x", at)
		}
		got = appendHex(got, resp)
	}
	return nil
}

// stepBackward executes a 'bs' (backward single step) on threadID.
func (conn *gdbConn) stepBackward(threadID string) (stopPacket, error) {
	if _, err := conn.request("reverse step", "Hc%s", threadID); err != nil {
		return stopPacket{}, err
	}
	return conn.run("reverse step", threadID, "bs")
}

// continueBackward executes a 'bc' (backward continue) on all threads.
func (conn *gdbConn) continueBackward() (stopPacket, error) {
	all := "-1"
	if conn.features.multiprocess {
		all = "p-1.-1"
	}
	if _, err := conn.request("reverse continue", "Hc%s", all); err != nil {
		return stopPacket{}, err
	}
	return conn.run("reverse continue", "", "bc")
}

func (conn *gdbConn) step(threadID string) (stopPacket, error) {
	return conn.run("singlestep", threadID, "vCont;s:%s", threadID)
}

func (conn *gdbConn) resume() (stopPacket, error) {
	return conn.run("resume", "", "vCont;c")
}

// restart executes a 'vRun', the replay restarts at event if it is not
// empty and at the start of the recording otherwise.
func (conn *gdbConn) restart(event string) error {
	var err error
	if event == "" {
		_, err = conn.request("restart", "vRun;")
	} else {
		_, err = conn.request("restart", "vRun;;%s", hex.EncodeToString([]byte(event)))
	}
	return err
}

// qRRCmd runs an rr command, such as "when", and returns its output.
func (conn *gdbConn) qRRCmd(args ...string) (string, error) {
	if len(args) == 0 {
		panic("qRRCmd without a command")
	}
	conn.outbuf.Reset()
	conn.outbuf.WriteString("qRRCmd")
	for _, arg := range args {
		conn.outbuf.WriteByte(':')
		conn.outbuf.WriteString(hex.EncodeToString([]byte(arg)))
	}
	resp, err := conn.roundTrip("qRRCmd "+args[0], false)
	if err != nil {
		return "", err
	}
	return string(appendHex(nil, resp)), nil
}

// currentThread executes a 'qC' command.
func (conn *gdbConn) currentThread() (string, error) {
	resp, err := conn.request("current thread", "qC")
	if err != nil {
		return "", err
	}
	tid, ok := bytes.CutPrefix(resp, []byte("QC"))
	if !ok {
		return "", &GdbMalformedThreadIDError{string(resp)}
	}
	return string(tid), nil
}

// parseThreadID returns the thread part of a thread ID, ignoring the
// process part of multiprocess thread IDs.
func parseThreadID(tid string) (int, error) {
	s := tid
	if rest, ok := strings.CutPrefix(s, "p"); ok {
		_, thread, found := strings.Cut(rest, ".")
		if !found {
			return 0, &GdbMalformedThreadIDError{tid}
		}
		s = thread
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, &GdbMalformedThreadIDError{tid}
	}
	return int(n), nil
}

// request sends the packet format describes and returns the reply.
func (conn *gdbConn) request(context, format string, args ...interface{}) ([]byte, error) {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, format, args...)
	return conn.roundTrip(context, false)
}

// roundTrip sends the packet in outbuf and reads the reply. Error replies
// (Exx) and empty replies, which mean unsupported, are returned as a
// GdbProtocolError.
func (conn *gdbConn) roundTrip(context string, binary bool) ([]byte, error) {
	cmd := conn.outbuf.Bytes()
	if err := conn.writePacket(cmd); err != nil {
		return nil, err
	}
	resp, err := conn.readPacket(binary)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 || (resp[0] == 'E' && len(resp) == 3) {
		return nil, &GdbProtocolError{context: context, cmd: string(cmd), code: string(resp)}
	}
	return resp, nil
}

// run sends a packet that resumes the replay and waits for it to stop.
func (conn *gdbConn) run(context, threadID, format string, args ...interface{}) (stopPacket, error) {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, format, args...)
	cmd := conn.outbuf.String()
	if err := conn.writePacket(conn.outbuf.Bytes()); err != nil {
		return stopPacket{}, err
	}
	for {
		resp, err := conn.readPacket(false)
		if err != nil {
			return stopPacket{}, err
		}
		if len(resp) == 0 {
			return stopPacket{}, &GdbProtocolError{context: context, cmd: cmd}
		}
		repeat, sp, err := conn.parseStopPacket(resp, threadID)
		if !repeat {
			return sp, err
		}
	}
}

type stopPacket struct {
	threadID string
	sig      uint8
	reason   string
	// watchAddr is the address reported by a watchpoint stop.
	watchAddr uint64
	// replayLog is "begin" or "end" when the replay reached an end of
	// the recording.
	replayLog string
}

// parseStopPacket parses a stop reply. Console output ('O' packets) is
// copied to the console and reported with repeat set: the stop reply is
// still to come.
func (conn *gdbConn) parseStopPacket(resp []byte, threadID string) (repeat bool, sp stopPacket, err error) {
	if len(resp) == 0 {
		return false, sp, errors.New("empty stop reply")
	}
	body := string(resp[1:])
	switch resp[0] {
	case 'T', 'S':
		if len(body) < 2 {
			return false, sp, fmt.Errorf("malformed stop reply %q", resp)
		}
		sig, err := strconv.ParseUint(body[:2], 16, 8)
		if err != nil {
			return false, sp, fmt.Errorf("malformed stop reply %q", resp)
		}
		sp = stopPacket{threadID: threadID, sig: uint8(sig)}
		for _, field := range strings.Split(body[2:], ";") {
			key, value, ok := strings.Cut(field, ":")
			if !ok {
				continue
			}
			switch key {
			case "thread":
				sp.threadID = value
			case "reason":
				sp.reason = value
			case "watch", "rwatch", "awatch":
				sp.reason = "watchpoint"
				sp.watchAddr, _ = strconv.ParseUint(value, 16, 64)
			case "replaylog":
				sp.replayLog = value
			}
		}
		return false, sp, nil

	case 'W', 'X':
		status, _, _ := strings.Cut(body, ";")
		n, _ := strconv.ParseUint(status, 16, 8)
		return false, stopPacket{replayLog: "end"}, ErrReplayExited{Status: int(n)}

	case 'O':
		conn.console.Write(appendHex(nil, resp[1:]))
		return true, sp, nil
	}
	return false, sp, fmt.Errorf("unexpected stop reply %q", resp)
}
