package tracestore

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/ttdtools/timetrack/pkg/replay"
)

// Record is one node of a provenance tree: the instruction found to have
// written a tracked location, or the reason no such instruction was found.
type Record struct {
	// ID is unique within a trace, records are emitted in increasing ID
	// order.
	ID int32
	// ParentID is the ID of the record that produced the query, 0 for the
	// root.
	ParentID int32
	Depth    int32
	Position replay.Position

	Symbol      string
	Instruction string
	Description string
	// LinkHint is the command that navigates the replay to Position.
	LinkHint string
}

// IsRoot reports whether r is the answer to the query the trace started
// from.
func (r *Record) IsRoot() bool {
	return r.ParentID == 0
}

// LinkHint returns the navigation command for pos.
func LinkHint(pos replay.Position) string {
	return "goto " + pos.String()
}

const (
	symbolLen      = 256
	instructionLen = 256
	descriptionLen = 256
	linkHintLen    = 128
)

// diskRecord is the fixed size little endian layout of a Record in the
// trace log. Strings are NUL terminated.
type diskRecord struct {
	ID          int32
	ParentID    int32
	Depth       int32
	Seq         uint64
	Step        uint64
	Symbol      [symbolLen]byte
	Instruction [instructionLen]byte
	Description [descriptionLen]byte
	LinkHint    [linkHintLen]byte
}

// RecordSize is the size in bytes of a Record in the trace log.
var RecordSize = binary.Size(diskRecord{})

func putString(dst []byte, s string) {
	n := len(s)
	if n > len(dst)-1 {
		n = len(dst) - 1
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
	}
	copy(dst, s[:n])
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

func (r *Record) encode(w io.Writer) error {
	var d diskRecord
	d.ID, d.ParentID, d.Depth = r.ID, r.ParentID, r.Depth
	d.Seq, d.Step = r.Position.Seq, r.Position.Step
	putString(d.Symbol[:], r.Symbol)
	putString(d.Instruction[:], r.Instruction)
	putString(d.Description[:], r.Description)
	putString(d.LinkHint[:], r.LinkHint)
	return binary.Write(w, binary.LittleEndian, &d)
}

func decodeRecord(buf []byte) (Record, error) {
	var d diskRecord
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &d); err != nil {
		return Record{}, err
	}
	return Record{
		ID:          d.ID,
		ParentID:    d.ParentID,
		Depth:       d.Depth,
		Position:    replay.Position{Seq: d.Seq, Step: d.Step},
		Symbol:      getString(d.Symbol[:]),
		Instruction: getString(d.Instruction[:]),
		Description: getString(d.Description[:]),
		LinkHint:    getString(d.LinkHint[:]),
	}, nil
}
