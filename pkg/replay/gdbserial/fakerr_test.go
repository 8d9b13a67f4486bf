package gdbserial

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeState is the machine state before the instruction at an index of the
// fake recording executes.
type fakeState struct {
	event, ticks uint64
	rip, rax     uint64
	// write is the memory write performed by the instruction.
	write *fakeWrite
}

type fakeWrite struct {
	addr uint64
	val  uint64
}

const fakeTargetXML = `<?xml version="1.0"?>
<target version="1.0">
<architecture>i386:x86-64</architecture>
<reg name="rax" bitsize="64" type="int64"/>
<reg name="rsp" bitsize="64" type="data_ptr"/>
<reg name="rip" bitsize="64" type="code_ptr"/>
<reg name="eflags" bitsize="32" type="i386_eflags"/>
</target>`

const fakeSP = 0x7ffe0000

// fakeRR is a minimal rr gdbserver replaying a single threaded recording.
type fakeRR struct {
	states  []fakeState
	idx     int
	noack   bool
	watches map[uint64]uint64
	packets []string
}

// fakeRecording:
//
//	idx event ticks rip    rax
//	0   1     0     0x1000 0
//	1   1     0     0x1004 0   branch
//	2   1     1     0x1008 5
//	3   1     1     0x100c 5   writes 7 to 0x2000
//	4   1     1     0x1010 5   syscall
//	5   2     0     0x1014 5   writes rax
//	6   2     0     0x1018 9   branch
//	7   2     1     0x101c 9
func fakeRecording() []fakeState {
	return []fakeState{
		{event: 1, ticks: 0, rip: 0x1000, rax: 0},
		{event: 1, ticks: 0, rip: 0x1004, rax: 0},
		{event: 1, ticks: 1, rip: 0x1008, rax: 5},
		{event: 1, ticks: 1, rip: 0x100c, rax: 5, write: &fakeWrite{0x2000, 7}},
		{event: 1, ticks: 1, rip: 0x1010, rax: 5},
		{event: 2, ticks: 0, rip: 0x1014, rax: 5},
		{event: 2, ticks: 0, rip: 0x1018, rax: 9},
		{event: 2, ticks: 1, rip: 0x101c, rax: 9},
	}
}

func newFakeEngine(t *testing.T) (*Engine, *fakeRR) {
	t.Helper()
	rr := &fakeRR{states: fakeRecording(), watches: map[uint64]uint64{}}
	rr.idx = len(rr.states) - 1
	client, server := net.Pipe()
	go rr.serve(server)
	eng, err := Connect(client)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng, rr
}

func (rr *fakeRR) memory(addr uint64) uint64 {
	var v uint64
	for i := 0; i < rr.idx; i++ {
		if w := rr.states[i].write; w != nil && w.addr == addr {
			v = w.val
		}
	}
	return v
}

func (rr *fakeRR) writes(i int) (uint64, bool) {
	w := rr.states[i].write
	if w == nil {
		return 0, false
	}
	for addr, size := range rr.watches {
		if w.addr < addr+size && addr < w.addr+8 {
			return w.addr, true
		}
	}
	return 0, false
}

func (rr *fakeRR) serve(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		b, err := rd.ReadByte()
		if err != nil {
			return
		}
		if b != '$' {
			continue
		}
		pkt, err := rd.ReadString('#')
		if err != nil {
			return
		}
		if _, err := io.ReadFull(rd, make([]byte, 2)); err != nil {
			return
		}
		pkt = pkt[:len(pkt)-1]
		rr.packets = append(rr.packets, pkt)
		if !rr.noack {
			conn.Write([]byte{'+'})
		}
		resp := rr.handle(pkt)
		out := []byte("$" + resp + "#")
		sum := checksum(out)
		out = append(out, hexdigit[sum>>4], hexdigit[sum&0xf])
		if _, err := conn.Write(out); err != nil {
			return
		}
		if pkt == "QStartNoAckMode" {
			rr.noack = true
		}
	}
}

func (rr *fakeRR) stop(extra string) string {
	return "T05" + extra + "thread:p1.1;"
}

func rrReply(s string) string {
	return hex.EncodeToString([]byte(s))
}

func (rr *fakeRR) handle(pkt string) string {
	cur := rr.states[rr.idx]
	switch {
	case pkt == "QStartNoAckMode", pkt == "QThreadSuffixSupported", pkt == "D":
		return "OK"
	case strings.HasPrefix(pkt, "qSupported"):
		return "PacketSize=1000;multiprocess+;swbreak+"
	case strings.HasPrefix(pkt, "qXfer:features:read:target.xml:0,"):
		return "l" + fakeTargetXML
	case strings.HasPrefix(pkt, "qXfer:"):
		return "l"
	case pkt == "qC":
		return "QCp1.1"
	case strings.HasPrefix(pkt, "H"):
		return "OK"
	case strings.HasPrefix(pkt, "qRRCmd:"):
		var args []string
		for _, a := range strings.Split(pkt, ":")[1:] {
			b, _ := hex.DecodeString(a)
			args = append(args, string(b))
		}
		switch args[0] {
		case "when":
			return rrReply(fmt.Sprintf("Current event: %d\n", cur.event))
		case "when-ticks":
			return rrReply(fmt.Sprintf("Current tick: %d\n", cur.ticks))
		case "seek-ticks":
			n, _ := strconv.ParseUint(args[1], 10, 64)
			for rr.idx+1 < len(rr.states) && rr.states[rr.idx].event == cur.event && rr.states[rr.idx].ticks < n {
				rr.idx++
			}
			return rrReply("OK")
		}
		return ""
	case strings.HasPrefix(pkt, "vRun;"):
		fields := strings.Split(pkt, ";")
		b, _ := hex.DecodeString(fields[len(fields)-1])
		event, _ := strconv.ParseUint(string(b), 10, 64)
		for i := range rr.states {
			if rr.states[i].event == event {
				rr.idx = i
				break
			}
		}
		return rr.stop("")
	case pkt == "vCont;c":
		return rr.stop("")
	case strings.HasPrefix(pkt, "vCont;s"):
		if rr.idx == len(rr.states)-1 {
			return "W00"
		}
		rr.idx++
		return rr.stop("")
	case pkt == "bs":
		if rr.idx == 0 {
			return rr.stop("replaylog:begin;")
		}
		rr.idx--
		return rr.stop("")
	case pkt == "bc":
		for k := rr.idx - 1; k >= 0; k-- {
			if addr, ok := rr.writes(k); ok {
				rr.idx = k + 1
				return rr.stop(fmt.Sprintf("watch:%x;", addr))
			}
		}
		rr.idx = 0
		return rr.stop("replaylog:begin;")
	case strings.HasPrefix(pkt, "g"):
		buf := make([]byte, 28)
		binary.LittleEndian.PutUint64(buf[0:], cur.rax)
		binary.LittleEndian.PutUint64(buf[8:], fakeSP)
		binary.LittleEndian.PutUint64(buf[16:], cur.rip)
		binary.LittleEndian.PutUint32(buf[24:], 0x246)
		return hex.EncodeToString(buf)
	case strings.HasPrefix(pkt, "m"):
		var addr, size uint64
		fmt.Sscanf(pkt, "m%x,%x", &addr, &size)
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, rr.memory(addr))
		out := make([]byte, size)
		copy(out, buf)
		return hex.EncodeToString(out)
	case strings.HasPrefix(pkt, "Z"), strings.HasPrefix(pkt, "z"):
		var kind int
		var addr, size uint64
		fmt.Sscanf(pkt[1:], "%d,%x,%x", &kind, &addr, &size)
		if pkt[0] == 'Z' {
			rr.watches[addr] = size
		} else {
			delete(rr.watches, addr)
		}
		return "OK"
	}
	return ""
}
