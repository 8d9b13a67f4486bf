package gdbserial

import (
	"bufio"
	"net"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	for _, tc := range []struct {
		in, out string
		rle     bool
	}{
		{"$OK#", "OK", true},
		{"$0* #", "0000", true},
		{"$a}]b#", "a}b", true},
		{"$01:T05#", "T05", true},
		{"$l}\x03*#", "l#*", false},
		{"$01:T05#", "01:T05", false},
	} {
		_, msg := decodePayload([]byte(tc.in), nil, tc.rle)
		if string(msg) != tc.out {
			t.Errorf("decodePayload(%q, %v) = %q, expected %q", tc.in, tc.rle, msg, tc.out)
		}
	}
}

func TestChecksum(t *testing.T) {
	pkt := []byte("$qC#")
	sum := checksum(pkt)
	if sum != 'q'+'C' {
		t.Fatalf("checksum %#x", sum)
	}
	if !checksumok(pkt, []byte{hexdigit[sum>>4], hexdigit[sum&0xf]}) {
		t.Fatal("checksum rejected")
	}
	if checksumok(pkt, []byte("00")) {
		t.Fatal("bad checksum accepted")
	}
}

func TestAppendHex(t *testing.T) {
	got := appendHex([]byte{1}, []byte("0aFFxx7"))
	if len(got) != 4 || got[0] != 1 || got[1] != 0x0a || got[2] != 0xff || got[3] != 0 {
		t.Fatalf("appendHex = %x", got)
	}
}

// TestRetransmit checks that a packet is sent again after a '-' and that a
// corrupted reply is nacked while acks are enabled.
func TestRetransmit(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := newConn(client)
	conn.rdr = bufio.NewReader(client)
	conn.ack = true

	done := make(chan []string)
	go func() {
		defer server.Close()
		rd := bufio.NewReader(server)
		var got []string
		readPkt := func() {
			pkt, _ := rd.ReadString('#')
			sum := make([]byte, 2)
			rd.Read(sum)
			got = append(got, pkt+string(sum))
		}
		readPkt()
		server.Write([]byte("-"))
		readPkt()
		server.Write([]byte("+$OK#00"))
		ack, _ := rd.ReadByte()
		got = append(got, string(ack))
		server.Write([]byte("$OK#9a"))
		ack, _ = rd.ReadByte()
		got = append(got, string(ack))
		done <- got
	}()

	conn.outbuf.WriteString("qC")
	resp, err := conn.roundTrip("test", false)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "OK" {
		t.Fatalf("reply %q", resp)
	}
	got := <-done
	want := []string{"$qC#b4", "$qC#b4", "-", "+"}
	if len(got) != len(want) {
		t.Fatalf("stub saw %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stub saw %q, expected %q", got, want)
		}
	}
}
