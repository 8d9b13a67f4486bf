package provenance

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/ttdtools/timetrack/pkg/replay"
	"github.com/ttdtools/timetrack/pkg/replay/tape"
	"github.com/ttdtools/timetrack/pkg/tracestore"
)

func loadTape(t *testing.T, path string) *tape.Engine {
	t.Helper()
	eng, err := tape.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func mainSymbol(addr uint64) (string, uint64) {
	if addr >= 0x401000 && addr < 0x401020 {
		return "main", 0x401000
	}
	return "", 0
}

func trace(t *testing.T, eng replay.Engine, opts Options, target string, size, maxSteps int) *tracestore.Tree {
	t.Helper()
	if opts.SpillDir == "" {
		opts.SpillDir = t.TempDir()
	}
	tr := New(eng, opts)
	tr.SetSymbolLookup(mainSymbol)
	tree, err := tr.Trace(target, size, maxSteps)
	if err != nil {
		t.Fatalf("trace %s: %v", target, err)
	}
	checkTreeInvariants(t, tree, maxSteps)
	return tree
}

// checkTreeInvariants verifies the structural properties every trace must
// have regardless of the recording.
func checkTreeInvariants(t *testing.T, tree *tracestore.Tree, maxSteps int) {
	t.Helper()
	recs := tree.Records()
	if maxSteps > 0 && len(recs) > maxSteps+1 {
		t.Errorf("%d records for %d steps", len(recs), maxSteps)
	}
	seen := map[int32]tracestore.Record{}
	var last int32
	for _, r := range recs {
		if r.ID <= last {
			t.Errorf("record %d emitted after %d", r.ID, last)
		}
		last = r.ID
		if r.ParentID == 0 {
			if r.Depth != 0 {
				t.Errorf("root record %d has depth %d", r.ID, r.Depth)
			}
			if !r.Position.Less(tree.Start) {
				t.Errorf("root record %d at %v does not precede the start %v", r.ID, r.Position, tree.Start)
			}
		} else {
			parent, ok := seen[r.ParentID]
			if !ok {
				t.Errorf("record %d: parent %d not emitted before", r.ID, r.ParentID)
				continue
			}
			if r.Depth != parent.Depth+1 {
				t.Errorf("record %d: depth %d, parent depth %d", r.ID, r.Depth, parent.Depth)
			}
			// children searches start at their parent's position
			if !r.Position.Less(parent.Position) {
				t.Errorf("record %d at %v does not precede parent at %v", r.ID, r.Position, parent.Position)
			}
		}
		seen[r.ID] = r
	}
}

func TestTraceRegisterCopy(t *testing.T) {
	eng := loadTape(t, "../replay/tape/testdata/copy.yml")
	tree := trace(t, eng, Options{}, "rax", 0, 0)

	if tree.Target != "rax" || tree.Start != (replay.Position{Seq: 2, Step: 2}) {
		t.Errorf("tree metadata %q %v", tree.Target, tree.Start)
	}
	roots := tree.Roots()
	if len(roots) != 1 {
		t.Fatalf("expected one root, got %d", len(roots))
	}
	root := roots[0]
	if root.Position != (replay.Position{Seq: 1, Step: 1}) {
		t.Errorf("root at %v", root.Position)
	}
	if root.Instruction != "mov rax, rbx" || root.Symbol != "main+0x7" {
		t.Errorf("root instruction %q symbol %q", root.Instruction, root.Symbol)
	}
	if root.LinkHint != "goto 1:1" {
		t.Errorf("link hint %q", root.LinkHint)
	}

	children := tree.Children(root.ID)
	if len(children) != 1 {
		t.Fatalf("expected one child, got %d", len(children))
	}
	child := children[0]
	if child.Position != (replay.Position{Seq: 1, Step: 0}) || child.Description != "constant 0x5" {
		t.Errorf("child %v %q", child.Position, child.Description)
	}
	if tree.Len() != 2 {
		t.Errorf("expected 2 records, got %d", tree.Len())
	}
}

func TestTraceMemoryChain(t *testing.T) {
	eng := loadTape(t, "../replay/tape/testdata/copy.yml")
	tree := trace(t, eng, Options{}, "rbp-8", 8, 0)

	recs := tree.Records()
	want := []struct {
		pos  replay.Position
		desc string
	}{
		{replay.Position{Seq: 2, Step: 0}, "copy from rax"},
		{replay.Position{Seq: 1, Step: 1}, "copy from rbx"},
		{replay.Position{Seq: 1, Step: 0}, "constant 0x5"},
	}
	if len(recs) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(recs))
	}
	for i, w := range want {
		if recs[i].Position != w.pos || recs[i].Description != w.desc {
			t.Errorf("record %d: %v %q, want %v %q", i, recs[i].Position, recs[i].Description, w.pos, w.desc)
		}
	}
}

func TestTraceZeroingIdiom(t *testing.T) {
	b := tape.NewBuilder()
	b.SetReg("rax", 7)
	b.Exec([]byte{0x31, 0xc0}, tape.Reg("rax", 0)) // xor eax, eax
	b.Exec([]byte{0x90})
	eng, err := b.Engine()
	if err != nil {
		t.Fatal(err)
	}

	tree := trace(t, eng, Options{}, "rax", 0, 0)
	if tree.Len() != 1 {
		t.Fatalf("expected one record, got %d", tree.Len())
	}
	rec := tree.Roots()[0]
	if rec.Description != "zeroing idiom" || len(tree.Children(rec.ID)) != 0 {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestTraceMemoryNotFound(t *testing.T) {
	eng := loadTape(t, "../replay/tape/testdata/copy.yml")
	tree := trace(t, eng, Options{}, "0x7ffe0020", 8, 0)
	if tree.Len() != 1 {
		t.Fatalf("expected one record, got %d", tree.Len())
	}
	rec := tree.Roots()[0]
	if rec.Description != "origin not found" || rec.Instruction != "" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Position != (replay.Position{Seq: 1, Step: 0}) {
		t.Errorf("search stopped at %v", rec.Position)
	}
}

func TestTraceArith(t *testing.T) {
	b := tape.NewBuilder()
	b.SetReg("rax", 0).SetReg("rcx", 0)
	b.Exec([]byte{0x48, 0xc7, 0xc1, 0x02, 0x00, 0x00, 0x00}, tape.Reg("rcx", 2)) // mov rcx, 2
	b.Exec([]byte{0x48, 0xc7, 0xc0, 0x01, 0x00, 0x00, 0x00}, tape.Reg("rax", 1)) // mov rax, 1
	b.Exec([]byte{0x48, 0x01, 0xc8}, tape.Reg("rax", 3))                         // add rax, rcx
	eng, err := b.Engine()
	if err != nil {
		t.Fatal(err)
	}

	tree := trace(t, eng, Options{}, "rax", 0, 0)
	root := tree.Roots()[0]
	if !strings.HasPrefix(root.Description, "add of previous rax with rcx") {
		t.Errorf("root description %q", root.Description)
	}
	children := tree.Children(root.ID)
	if len(children) != 2 {
		t.Fatalf("expected two children, got %d", len(children))
	}
	if children[0].Description != "constant 0x2" || children[1].Description != "constant 0x1" {
		t.Errorf("children %q %q", children[0].Description, children[1].Description)
	}
}

func TestTracePushPop(t *testing.T) {
	b := tape.NewBuilder()
	b.SetReg("rbx", 0).SetReg("rax", 0).SetReg("rsp", 0x7ffe0100)
	b.Exec([]byte{0x48, 0xc7, 0xc3, 0x34, 0x12, 0x00, 0x00}, tape.Reg("rbx", 0x1234)) // mov rbx, 0x1234
	b.Exec([]byte{0x53}, tape.Mem64(0x7ffe00f8, 0x1234), tape.Reg("rsp", 0x7ffe00f8)) // push rbx
	b.Exec([]byte{0x58}, tape.Reg("rax", 0x1234), tape.Reg("rsp", 0x7ffe0100))        // pop rax
	eng, err := b.Engine()
	if err != nil {
		t.Fatal(err)
	}

	tree := trace(t, eng, Options{}, "rax", 0, 0)
	var descs []string
	for _, r := range tree.Records() {
		descs = append(descs, r.Description)
	}
	want := []string{
		"pop into rax from stack [0x7ffe00f8]",
		"push of rbx",
		"constant 0x1234",
	}
	if strings.Join(descs, "|") != strings.Join(want, "|") {
		t.Errorf("got %q want %q", descs, want)
	}
}

func TestTraceThreadFilter(t *testing.T) {
	b := tape.NewBuilder()
	b.SetReg("rax", 0)
	b.Thread(2).SetReg("rax", 0)
	b.Thread(1).Exec([]byte{0x48, 0xc7, 0xc0, 0x01, 0x00, 0x00, 0x00}, tape.Reg("rax", 1))
	b.Thread(2).Exec([]byte{0x48, 0xc7, 0xc0, 0x02, 0x00, 0x00, 0x00}, tape.Reg("rax", 2))
	b.Thread(1).Exec([]byte{0x90})
	eng, err := b.Engine()
	if err != nil {
		t.Fatal(err)
	}

	tree := trace(t, eng, Options{}, "rax", 0, 0)
	root := tree.Roots()[0]
	if root.Position != (replay.Position{Seq: 1, Step: 0}) || root.Description != "constant 0x1" {
		t.Errorf("unexpected root %v %q", root.Position, root.Description)
	}
}

func TestTraceLimits(t *testing.T) {
	eng := loadTape(t, "../replay/tape/testdata/copy.yml")

	tree := trace(t, eng, Options{}, "rbp-8", 8, 1)
	if tree.Len() != 1 {
		t.Errorf("step budget: expected one record, got %d", tree.Len())
	}

	tree = trace(t, eng, Options{MaxDepth: 1}, "rbp-8", 8, 0)
	if tree.Len() != 2 {
		t.Errorf("depth limit: expected two records, got %d", tree.Len())
	}
}

func TestTraceUnresolvableTarget(t *testing.T) {
	eng := loadTape(t, "../replay/tape/testdata/copy.yml")
	_, err := New(eng, Options{SpillDir: t.TempDir()}).Trace("rbp+", 8, 0)
	var terr *UnresolvableTargetError
	if !errors.As(err, &terr) {
		t.Fatalf("expected UnresolvableTargetError, got %v", err)
	}
}

func TestTraceUnreadableRegister(t *testing.T) {
	eng := loadTape(t, "../replay/tape/testdata/copy.yml")
	tree := trace(t, eng, Options{}, "r12", 0, 0)
	if tree.Len() != 1 {
		t.Fatalf("expected one record, got %d", tree.Len())
	}
	rec := tree.Roots()[0]
	if rec.Description != "origin not found: register r12 unreadable" {
		t.Errorf("description %q", rec.Description)
	}
	if rec.Position != (replay.Position{Seq: 2, Step: 1}) || rec.LinkHint != "goto 2:1" {
		t.Errorf("unreadable register leaf at %v %q", rec.Position, rec.LinkHint)
	}
}

func TestTraceFromRecordingStart(t *testing.T) {
	eng := loadTape(t, "../replay/tape/testdata/copy.yml")
	start := replay.Position{Seq: 1, Step: 0}
	if err := eng.SetCurrent(start); err != nil {
		t.Fatal(err)
	}
	tree := trace(t, eng, Options{}, "rax", 0, 0)
	if tree.Len() != 1 {
		t.Fatalf("expected one record, got %d", tree.Len())
	}
	rec := tree.Roots()[0]
	if rec.Description != "origin not found" || rec.Position != start.Prev() {
		t.Errorf("unexpected record %v %q", rec.Position, rec.Description)
	}
}

func TestTraceSearchCeiling(t *testing.T) {
	b := tape.NewBuilder()
	b.SetReg("rax", 0)
	b.Exec([]byte{0x48, 0xc7, 0xc0, 0x01, 0x00, 0x00, 0x00}, tape.Reg("rax", 1)) // mov rax, 1
	for i := 0; i < 4; i++ {
		b.Exec([]byte{0x90})
	}
	eng, err := b.Engine()
	if err != nil {
		t.Fatal(err)
	}

	tree := trace(t, eng, Options{SearchCeiling: 2}, "rax", 0, 0)
	rec := tree.Roots()[0]
	if tree.Len() != 1 || rec.Description != "origin not found" || rec.Instruction != "" {
		t.Errorf("ceiling 2: %d records, root %v %q", tree.Len(), rec.Position, rec.Description)
	}

	tree = trace(t, eng, Options{SearchCeiling: 5}, "rax", 0, 0)
	rec = tree.Roots()[0]
	if rec.Description != "constant 0x1" || rec.Position != (replay.Position{Seq: 1, Step: 0}) {
		t.Errorf("ceiling 5: root %v %q", rec.Position, rec.Description)
	}
}

func TestTraceBreadthFirst(t *testing.T) {
	b := tape.NewBuilder()
	b.SetReg("rax", 0).SetReg("rcx", 0).SetReg("rdx", 0).SetReg("rsi", 0)
	b.Exec([]byte{0x48, 0xc7, 0xc2, 0x02, 0x00, 0x00, 0x00}, tape.Reg("rdx", 2)) // mov rdx, 2
	b.Exec([]byte{0x48, 0xc7, 0xc6, 0x01, 0x00, 0x00, 0x00}, tape.Reg("rsi", 1)) // mov rsi, 1
	b.Exec([]byte{0x48, 0x89, 0xd1}, tape.Reg("rcx", 2))                         // mov rcx, rdx
	b.Exec([]byte{0x48, 0x89, 0xf0}, tape.Reg("rax", 1))                         // mov rax, rsi
	b.Exec([]byte{0x48, 0x01, 0xc8}, tape.Reg("rax", 3))                         // add rax, rcx
	eng, err := b.Engine()
	if err != nil {
		t.Fatal(err)
	}

	tree := trace(t, eng, Options{}, "rax", 0, 0)
	var descs []string
	for _, r := range tree.Records() {
		descs = append(descs, r.Description)
	}
	// both operands of the add are expanded before their own sources
	want := []string{
		"add of previous rax with rcx",
		"copy from rdx",
		"copy from rsi",
		"constant 0x2",
		"constant 0x1",
	}
	if strings.Join(descs, "|") != strings.Join(want, "|") {
		t.Errorf("got %q want %q", descs, want)
	}
}

func spillFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestTraceRemovesSpillFile(t *testing.T) {
	eng := loadTape(t, "../replay/tape/testdata/copy.yml")
	dir := t.TempDir()

	trace(t, eng, Options{SpillDir: dir}, "rax", 0, 0)
	if n := spillFiles(t, dir); n != 0 {
		t.Errorf("%d files left after a successful trace", n)
	}

	if _, err := New(eng, Options{SpillDir: dir}).Trace("rbp+", 8, 0); err == nil {
		t.Fatal("expected an error")
	}
	if n := spillFiles(t, dir); n != 0 {
		t.Errorf("%d files left after a failed trace", n)
	}

	// a panic while the tree is being built still removes the log
	tr := New(eng, Options{SpillDir: dir})
	during := -1
	tr.SetSymbolLookup(func(addr uint64) (string, uint64) {
		during = spillFiles(t, dir)
		panic("symbol lookup")
	})
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected a panic")
			}
		}()
		tr.Trace("rax", 0, 0)
	}()
	if during != 1 {
		t.Errorf("%d spill files while tracing", during)
	}
	if n := spillFiles(t, dir); n != 0 {
		t.Errorf("%d files left after a panic", n)
	}
}

func TestTraceRecordIDs(t *testing.T) {
	eng := loadTape(t, "../replay/tape/testdata/copy.yml")
	first := trace(t, eng, Options{}, "rax", 0, 0).Records()
	second := trace(t, eng, Options{}, "rax", 0, 0).Records()
	if len(first) == 0 || len(second) == 0 {
		t.Fatal("empty trees")
	}
	if last := first[len(first)-1].ID; second[0].ID <= last {
		t.Errorf("second trace starts at id %d, first ended at %d", second[0].ID, last)
	}
}

func TestParseTarget(t *testing.T) {
	eng := loadTape(t, "../replay/tape/testdata/copy.yml")
	c, err := eng.NewCursor()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	item, err := ParseTarget("EAX", 4, c)
	if err != nil {
		t.Fatal(err)
	}
	if item.Kind != KindRegister || item.Reg.String() != "eax" || item.Size != 4 {
		t.Errorf("unexpected item %v", item)
	}

	for _, tc := range []struct {
		expr string
		size int
		addr uint64
		want uint64
	}{
		{"rbp-8", 0, 0x7ffe0008, 8},
		{"rbp-8h", 4, 0x7ffe0008, 4},
		{"0x7ffe0000", 16, 0x7ffe0000, 16},
		{"rsp + 2*4", 8, 0x7ffe0008, 8},
		{"poi(rbp-8) + 1", 1, 6, 1},
	} {
		item, err := ParseTarget(tc.expr, tc.size, c)
		if err != nil {
			t.Errorf("%s: %v", tc.expr, err)
			continue
		}
		if item.Kind != KindMemory || item.Addr != tc.addr || item.Size != tc.want {
			t.Errorf("%s: got %v", tc.expr, item)
		}
		if item.Start != eng.Current() {
			t.Errorf("%s: start %v", tc.expr, item.Start)
		}
	}

	for _, bad := range []string{"", "  ", "rbp-", "'text'", "0 - 1", "nosuchreg + 1"} {
		if _, err := ParseTarget(bad, 8, c); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
