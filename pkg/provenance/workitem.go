package provenance

import (
	"fmt"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/replay"
)

// ItemKind is the kind of location tracked by a WorkItem.
type ItemKind uint8

const (
	KindRegister ItemKind = iota
	KindMemory
)

// WorkItem is a pending query: find the write that produced the value of a
// register or memory range as observed at Start.
type WorkItem struct {
	// ID is the id of the record emitted for this item, it is assigned when
	// the item is processed.
	ID       int32
	ParentID int32
	Depth    int32
	Kind     ItemKind
	Reg      asm.Register
	Addr     uint64
	Size     uint64
	Start    replay.Position
}

// RegisterItem returns a WorkItem tracking reg.
func RegisterItem(reg asm.Register, start replay.Position) WorkItem {
	return WorkItem{Kind: KindRegister, Reg: reg, Size: uint64(reg.Width()), Start: start}
}

// MemoryItem returns a WorkItem tracking [addr, addr+size).
func MemoryItem(addr, size uint64, start replay.Position) WorkItem {
	return WorkItem{Kind: KindMemory, Addr: addr, Size: size, Start: start}
}

// Location describes the tracked location without its position.
func (w WorkItem) Location() string {
	if w.Kind == KindRegister {
		return w.Reg.String()
	}
	return fmt.Sprintf("[%#x] (%d bytes)", w.Addr, w.Size)
}

func (w WorkItem) String() string {
	return fmt.Sprintf("%s at %v", w.Location(), w.Start)
}

// sameRegister reports whether a write to r is a write to the tracked
// register: r must be the tracked register or share its container.
func (w WorkItem) sameRegister(r asm.Register) bool {
	return w.Kind == KindRegister && r != asm.NoRegister && r.Container() == w.Reg.Container()
}
