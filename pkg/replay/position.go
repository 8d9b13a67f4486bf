package replay

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Position identifies an exact point in a recorded execution.
// Seq is a monotonic sequence counter advanced by the replay engine at
// synchronization points, Step counts instructions executed since the
// start of the sequence.
//
// The machine state observed at a position is the state before the
// instruction at that position executes.
type Position struct {
	Seq  uint64
	Step uint64
}

var (
	// PositionInvalid has both counters saturated, replay engines never
	// produce it.
	PositionInvalid = Position{Seq: math.MaxUint64, Step: math.MaxUint64}
	// PositionMin is the first representable position.
	PositionMin = Position{}
)

// IsValid returns false for PositionInvalid.
func (p Position) IsValid() bool {
	return p != PositionInvalid
}

// Less reports whether p precedes q in recording time.
func (p Position) Less(q Position) bool {
	if p.Seq != q.Seq {
		return p.Seq < q.Seq
	}
	return p.Step < q.Step
}

// Compare returns -1, 0 or +1 depending on whether p precedes, equals or
// follows q.
func (p Position) Compare(q Position) int {
	switch {
	case p.Less(q):
		return -1
	case q.Less(p):
		return +1
	default:
		return 0
	}
}

// Prev returns the position one step earlier than p. When p is the first
// step of a sequence the result is the upper bound of the previous
// sequence, replay engines clamp it to the last step actually recorded
// there. Prev of PositionMin is PositionMin.
func (p Position) Prev() Position {
	switch {
	case p.Step > 0:
		return Position{Seq: p.Seq, Step: p.Step - 1}
	case p.Seq > 0:
		return Position{Seq: p.Seq - 1, Step: math.MaxUint64}
	default:
		return p
	}
}

// String formats the position as SEQ:STEP in hexadecimal.
func (p Position) String() string {
	if !p.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%X:%X", p.Seq, p.Step)
}

// ParsePosition parses a position in the SEQ:STEP hexadecimal form used
// by String. A missing step defaults to 0.
func ParsePosition(s string) (Position, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PositionInvalid, fmt.Errorf("empty position")
	}
	seqstr, stepstr := s, "0"
	if colon := strings.Index(s, ":"); colon >= 0 {
		seqstr, stepstr = s[:colon], s[colon+1:]
	}
	seq, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(seqstr), "0x"), 16, 64)
	if err != nil {
		return PositionInvalid, fmt.Errorf("malformed position %q: %v", s, err)
	}
	step, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(stepstr), "0x"), 16, 64)
	if err != nil {
		return PositionInvalid, fmt.Errorf("malformed position %q: %v", s, err)
	}
	return Position{Seq: seq, Step: step}, nil
}
