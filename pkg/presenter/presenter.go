// Package presenter turns a provenance tree into a report or into a list
// of nodes for a tree view.
//
// Records only store what was known when they were produced, the
// presenter revisits each position of the recording to resolve symbols
// and print instructions with the current settings.
package presenter

import (
	"bufio"
	"fmt"
	"html"
	"io"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/logflags"
	"github.com/ttdtools/timetrack/pkg/replay"
	"github.com/ttdtools/timetrack/pkg/tracestore"
)

// Presenter renders provenance trees built over a recording.
type Presenter struct {
	engine  replay.Engine
	symbols SymbolResolver
	flavour asm.AssemblyFlavour
	insts   *lru.Cache
	log     logflags.Logger
}

// Node is a record as shown in a tree view.
type Node struct {
	ID       int32
	ParentID int32
	Label    string
	Position replay.Position
	Details  string
}

type instInfo struct {
	symbol string
	text   string
}

// New returns a presenter for trees built over engine. symbols may be nil.
// Up to cacheSize decoded instructions are kept between renders.
func New(engine replay.Engine, symbols SymbolResolver, flavour asm.AssemblyFlavour, cacheSize int) (*Presenter, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	insts, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Presenter{
		engine:  engine,
		symbols: symbols,
		flavour: flavour,
		insts:   insts,
		log:     logflags.PresenterLogger(),
	}, nil
}

// SetFlavour changes the syntax of printed instructions.
func (p *Presenter) SetFlavour(flavour asm.AssemblyFlavour) {
	if flavour != p.flavour {
		p.flavour = flavour
		p.insts.Purge()
	}
}

// walk visits the records of tree depth first. Siblings are visited in the
// order they were produced.
func walk(tree *tracestore.Tree, fn func(rec tracestore.Record) error) error {
	var stack []tracestore.Record
	push := func(recs []tracestore.Record) {
		for i := len(recs) - 1; i >= 0; i-- {
			stack = append(stack, recs[i])
		}
	}
	push(tree.Roots())
	for len(stack) > 0 {
		rec := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := fn(rec); err != nil {
			return err
		}
		push(tree.Children(rec.ID))
	}
	return nil
}

// Render writes the report markup for tree to w. Positions are wrapped in
// an exec tag carrying the command that navigates to them.
func (p *Presenter) Render(w io.Writer, tree *tracestore.Tree) error {
	c, err := p.engine.NewCursor()
	if err != nil {
		return err
	}
	defer c.Close()

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "Tracking origin of %s starting at: %s\n", html.EscapeString(tree.Target), link(tracestore.LinkHint(tree.Start), tree.Start))
	err = walk(tree, func(rec tracestore.Record) error {
		info := p.inspect(c, rec)
		indent := strings.Repeat("  ", int(rec.Depth))
		hint := rec.LinkHint
		if hint == "" {
			hint = tracestore.LinkHint(rec.Position)
		}
		fmt.Fprintf(bw, "%s[%d] ", indent, rec.Depth)
		if info.symbol != "" {
			fmt.Fprintf(bw, "%s ", html.EscapeString(info.symbol))
		}
		fmt.Fprintf(bw, "%s\n", link(hint, rec.Position))
		if info.text != "" {
			fmt.Fprintf(bw, "%s\t\t%s\n", indent, html.EscapeString(info.text))
		}
		_, err := fmt.Fprintf(bw, "%s\t\t<i>%s</i>\n", indent, html.EscapeString(rec.Description))
		return err
	})
	if err != nil {
		return err
	}
	return bw.Flush()
}

func link(cmd string, pos replay.Position) string {
	return fmt.Sprintf("<exec cmd=\"%s\"><b>%v</b></exec>", html.EscapeString(cmd), pos)
}

// Nodes returns the records of tree in the order Render prints them.
func (p *Presenter) Nodes(tree *tracestore.Tree) ([]Node, error) {
	c, err := p.engine.NewCursor()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	nodes := make([]Node, 0, tree.Len())
	err = walk(tree, func(rec tracestore.Record) error {
		label := p.inspect(c, rec).symbol
		if label == "" {
			label = rec.Description
		}
		nodes = append(nodes, Node{
			ID:       rec.ID,
			ParentID: rec.ParentID,
			Label:    label,
			Position: rec.Position,
			Details:  fmt.Sprintf("Seq: %X", rec.Position.Seq),
		})
		return nil
	})
	return nodes, err
}

// inspect returns the symbol and text of the instruction of rec, as seen
// at its position. Records without an instruction have neither.
func (p *Presenter) inspect(c replay.Cursor, rec tracestore.Record) instInfo {
	if rec.Instruction == "" {
		return instInfo{}
	}
	if v, ok := p.insts.Get(rec.Position); ok {
		return v.(instInfo)
	}
	info, err := p.decode(c, rec.Position)
	if err != nil {
		if logflags.Presenter() {
			p.log.Debugf("could not decode instruction at %v: %v", rec.Position, err)
		}
		return instInfo{symbol: rec.Symbol, text: rec.Instruction}
	}
	p.insts.Add(rec.Position, info)
	return info
}

func (p *Presenter) decode(c replay.Cursor, pos replay.Position) (instInfo, error) {
	if err := c.SetPosition(pos); err != nil {
		return instInfo{}, err
	}
	pc, err := c.PC()
	if err != nil {
		return instInfo{}, err
	}
	buf := make([]byte, asm.MaxInstructionLength)
	n, err := c.ReadMemory(buf, pc)
	if err != nil {
		return instInfo{}, err
	}
	inst, err := asm.Decode(buf[:n], pc)
	if err != nil {
		return instInfo{}, err
	}
	return instInfo{symbol: p.symbolize(pc), text: inst.Text(p.flavour, Lookup(p.symbols))}, nil
}

func (p *Presenter) symbolize(pc uint64) string {
	if p.symbols != nil {
		if name, disp, ok := p.symbols.Resolve(pc); ok {
			return fmt.Sprintf("%s+%#x", name, disp)
		}
	}
	return fmt.Sprintf("%#x", pc)
}

// Instruction returns the symbol and the text of the instruction executed
// at pos.
func (p *Presenter) Instruction(pos replay.Position) (symbol, text string, err error) {
	if v, ok := p.insts.Get(pos); ok {
		info := v.(instInfo)
		return info.symbol, info.text, nil
	}
	c, err := p.engine.NewCursor()
	if err != nil {
		return "", "", err
	}
	defer c.Close()
	info, err := p.decode(c, pos)
	if err != nil {
		return "", "", err
	}
	p.insts.Add(pos, info)
	return info.symbol, info.text, nil
}
