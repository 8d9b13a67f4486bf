package presenter

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/replay"
	"github.com/ttdtools/timetrack/pkg/replay/tape"
	"github.com/ttdtools/timetrack/pkg/tracestore"
)

func copyTree() *tracestore.Tree {
	tree := tracestore.NewTree()
	tree.Target = "rax"
	tree.Start = replay.Position{Seq: 2, Step: 2}
	tree.Add(tracestore.Record{ID: 1, Depth: 0, Position: replay.Position{Seq: 1, Step: 1}, Symbol: "main+0x7", Instruction: "mov rax, rbx", Description: "copy from rbx", LinkHint: "goto 1:1"})
	tree.Add(tracestore.Record{ID: 2, ParentID: 1, Depth: 1, Position: replay.Position{Seq: 1, Step: 0}, Symbol: "main+0x0", Instruction: "mov rbx, 0x5", Description: "constant 0x5", LinkHint: "goto 1:0"})
	tree.Add(tracestore.Record{ID: 3, ParentID: 1, Depth: 1, Position: replay.Position{Seq: 1, Step: 0}, Description: "origin not found", LinkHint: "goto 1:0"})
	return tree
}

func newPresenter(t *testing.T, flavour asm.AssemblyFlavour) *Presenter {
	t.Helper()
	eng, err := tape.LoadFile("../replay/tape/testdata/copy.yml")
	require.NoError(t, err)
	syms, err := NewCachedResolver(TapeSymbols(eng.Symbols()), 16)
	require.NoError(t, err)
	p, err := New(eng, syms, flavour, 16)
	require.NoError(t, err)
	return p
}

func TestRender(t *testing.T) {
	p := newPresenter(t, asm.IntelFlavour)
	var buf bytes.Buffer
	require.NoError(t, p.Render(&buf, copyTree()))

	g := goldie.New(t)
	g.Assert(t, "copy_report", buf.Bytes())
	g.Assert(t, "copy_report_plain", []byte(Strip(buf.String())))
}

func TestRenderFlavour(t *testing.T) {
	p := newPresenter(t, asm.IntelFlavour)
	var buf bytes.Buffer
	require.NoError(t, p.Render(&buf, copyTree()))
	require.Contains(t, buf.String(), "mov rax, rbx")

	p.SetFlavour(asm.GNUFlavour)
	buf.Reset()
	require.NoError(t, p.Render(&buf, copyTree()))
	require.Contains(t, buf.String(), "%rbx")
}

func TestRenderDeepTree(t *testing.T) {
	const depth = 10000
	tree := tracestore.NewTree()
	for i := int32(1); i <= depth; i++ {
		tree.Add(tracestore.Record{ID: i, ParentID: i - 1, Depth: i - 1, Description: "origin not found"})
	}
	p := newPresenter(t, asm.IntelFlavour)
	var buf bytes.Buffer
	require.NoError(t, p.Render(&buf, tree))
	require.Equal(t, 1+2*depth, strings.Count(buf.String(), "\n"))
}

func TestNodes(t *testing.T) {
	p := newPresenter(t, asm.IntelFlavour)
	nodes, err := p.Nodes(copyTree())
	require.NoError(t, err)
	require.Equal(t, []Node{
		{ID: 1, ParentID: 0, Label: "main+0x7", Position: replay.Position{Seq: 1, Step: 1}, Details: "Seq: 1"},
		{ID: 2, ParentID: 1, Label: "main+0x0", Position: replay.Position{Seq: 1, Step: 0}, Details: "Seq: 1"},
		{ID: 3, ParentID: 1, Label: "origin not found", Position: replay.Position{Seq: 1, Step: 0}, Details: "Seq: 1"},
	}, nodes)
}

func TestPrintColors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, strings.NewReader("a <b>1:0</b>\t<i>x &lt; y</i>\n"), DefaultColorEscapes(1), "  "))
	require.Equal(t, "a \033[ 1m1:0\033[0m  \033[34mx < y\033[0m\n", buf.String())
}

func TestSymbolTable(t *testing.T) {
	tbl := NewSymbolTable([]Symbol{
		{Name: "second", Addr: 0x2000},
		{Name: "first", Addr: 0x1000, Size: 0x10},
	})
	for _, tc := range []struct {
		addr uint64
		name string
		disp uint64
		ok   bool
	}{
		{0x0fff, "", 0, false},
		{0x1000, "first", 0, true},
		{0x100f, "first", 0xf, true},
		{0x1010, "", 0, false},
		{0x2345, "second", 0x345, true},
	} {
		name, disp, ok := tbl.Resolve(tc.addr)
		if name != tc.name || disp != tc.disp || ok != tc.ok {
			t.Errorf("%#x: got %q %#x %v", tc.addr, name, disp, ok)
		}
	}

	lookup := Lookup(tbl)
	name, base := lookup(0x2345)
	require.Equal(t, "second", name)
	require.Equal(t, uint64(0x2000), base)
}

func TestInstruction(t *testing.T) {
	p := newPresenter(t, asm.IntelFlavour)
	sym, text, err := p.Instruction(replay.Position{Seq: 1, Step: 1})
	require.NoError(t, err)
	require.Equal(t, "main+0x7", sym)
	require.Equal(t, "mov rax, rbx", text)
}

func TestLoadELFSymbols(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF executables only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	tbl, err := LoadELFSymbols(exe, []string{t.TempDir()})
	require.NoError(t, err)
	require.NotZero(t, tbl.Len())

	pc := reflect.ValueOf(TestLoadELFSymbols).Pointer()
	name, disp, ok := tbl.Resolve(uint64(pc + 1))
	require.True(t, ok)
	require.Equal(t, "github.com/ttdtools/timetrack/pkg/presenter.TestLoadELFSymbols", name)
	require.Equal(t, uint64(1), disp)

	_, err = LoadELFSymbols(filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
}
