package gdbserial

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"

	"github.com/ttdtools/timetrack/pkg/logflags"
)

// Packets are framed as $payload#cc, cc being the sum of the payload bytes
// modulo 256 in hex. See:
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
const (
	// escapeXor is the value mandated by the remote protocol to escape characters
	escapeXor byte = 0x20

	// maxRetransmit is how many times a packet is sent again after the
	// other side rejected its checksum.
	maxRetransmit = 3

	// wireLogMax is how much of a packet the wire log shows.
	wireLogMax = 120
)

var hexdigit = []byte("0123456789abcdef")

var errRetransmit = errors.New("packet rejected too many times")

// writePacket frames payload and sends it. While acks are enabled the
// packet is sent again each time the stub answers '-'.
func (conn *gdbConn) writePacket(payload []byte) error {
	pkt := make([]byte, 0, len(payload)+4)
	pkt = append(pkt, '$')
	pkt = append(pkt, payload...)
	pkt = append(pkt, '#')
	sum := checksum(pkt)
	pkt = append(pkt, hexdigit[sum>>4], hexdigit[sum&0xf])

	for attempt := 0; ; attempt++ {
		conn.logWire("<-", pkt)
		if _, err := conn.conn.Write(pkt); err != nil {
			return err
		}
		if !conn.ack {
			return nil
		}
		b, err := conn.rdr.ReadByte()
		if err != nil {
			return err
		}
		conn.logWire("->", []byte{b})
		if b == '+' {
			return nil
		}
		if attempt >= maxRetransmit {
			return errRetransmit
		}
	}
}

// readPacket reads the next packet and returns its decoded payload.
// Notification packets are skipped. Binary payloads are not run length
// encoded.
func (conn *gdbConn) readPacket(binary bool) ([]byte, error) {
	var sum [2]byte
	for attempt := 0; ; attempt++ {
		raw, err := conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(conn.rdr, sum[:]); err != nil {
			return nil, err
		}
		if start := bytes.IndexAny(raw, "$%"); start > 0 {
			raw = raw[start:]
		}
		conn.logWire("->", raw)

		// notifications, or stray bytes that are not a packet
		if raw[0] != '$' {
			continue
		}
		if conn.ack {
			if !checksumok(raw, sum[:]) {
				if attempt >= maxRetransmit {
					conn.sendAck('+')
					return nil, errRetransmit
				}
				conn.sendAck('-')
				continue
			}
			conn.sendAck('+')
		}

		var msg []byte
		conn.inbuf, msg = decodePayload(raw, conn.inbuf, !binary)
		return msg, nil
	}
}

func (conn *gdbConn) sendAck(c byte) {
	conn.conn.Write([]byte{c})
	conn.logWire("<-", []byte{c})
}

func (conn *gdbConn) logWire(dir string, pkt []byte) {
	if !logflags.GdbWire() {
		return
	}
	out, cut := pkt, false
	if nl := bytes.IndexByte(out, '\n'); nl >= 0 {
		out, cut = out[:nl], true
	}
	if len(out) > wireLogMax {
		out, cut = out[:wireLogMax], true
	}
	if cut {
		conn.log.Debugf("%s %s...", dir, out)
		return
	}
	conn.log.Debugf("%s %s", dir, out)
}

// decodePayload decodes the packet in into buf, growing it as needed, and
// returns the buffer and the payload it holds. Escapes are always
// processed, run length encoding only if rle is set. A sequence id
// prefix ("xx:") is dropped from run length encoded packets.
func decodePayload(in, buf []byte, rle bool) (newbuf, msg []byte) {
	if buf == nil {
		buf = make([]byte, 0, 256)
	}
	buf = buf[:0]
	start := 1

	for i := 0; i < len(in); i++ {
		ch := in[i]
		switch {
		case ch == '#':
			return buf, buf[start:]
		case ch == '}' && i+1 < len(in):
			i++
			buf = append(buf, in[i]^escapeXor)
		case ch == '*' && rle && i > 0 && i+1 < len(in):
			// the repeat count is offset by 29 to keep it printable
			i++
			r := buf[len(buf)-1]
			for n := in[i] - 29; n > 0; n-- {
				buf = append(buf, r)
			}
		case ch == ':' && rle && i == 3:
			buf = append(buf, ch)
			start = len(buf)
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// checksum sums the payload of packet, which starts after the leading '$'
// and ends at '#'.
func checksum(packet []byte) (sum uint8) {
	body := packet[1:]
	if end := bytes.IndexByte(body, '#'); end >= 0 {
		body = body[:end]
	}
	for _, b := range body {
		sum += b
	}
	return sum
}

// checksumok reports whether sum is the hex checksum of packet.
func checksumok(packet, sum []byte) bool {
	if len(packet) == 0 || packet[0] != '$' {
		return false
	}
	want, err := hex.DecodeString(string(sum))
	return err == nil && len(want) == 1 && want[0] == checksum(packet)
}

// appendHex appends the bytes src encodes in hex to dst. Bytes the stub can
// not provide are sent as "xx" and decode as zero.
func appendHex(dst, src []byte) []byte {
	for i := 0; i+1 < len(src); i += 2 {
		dst = append(dst, unhex(src[i])<<4|unhex(src[i+1]))
	}
	return dst
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
