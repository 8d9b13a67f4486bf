// Package provenance answers "where did this value come from?" for a
// register or memory location observed in a recorded execution.
//
// A Tracer walks the recording backward: the Locator finds the instruction
// that last wrote the location, the Classifier decides which of the values
// it read contributed to the write, and each of those becomes a new query.
// Queries are processed breadth first, so shallow findings are produced
// before the step budget is spent on a single deep branch.
package provenance

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/config"
	"github.com/ttdtools/timetrack/pkg/logflags"
	"github.com/ttdtools/timetrack/pkg/replay"
	"github.com/ttdtools/timetrack/pkg/tracestore"
)

// lastRecordID is the id of the last record produced by any trace of the
// process.
var lastRecordID int32

// Options controls a Tracer.
type Options struct {
	// MaxSteps bounds the number of queries processed by a trace.
	MaxSteps int
	// MaxDepth bounds the depth of every branch of the tree.
	MaxDepth int
	// SearchCeiling bounds the backward steps of a register search.
	SearchCeiling int
	// DecomposeAddressCalc follows lea instructions into their registers.
	DecomposeAddressCalc bool
	// SpillDir is where the trace log is kept while the tree is built.
	SpillDir string
	// Flavour is the syntax of the instruction text stored in records.
	Flavour asm.AssemblyFlavour
}

// OptionsFromConfig returns the options specified by the configuration
// file, with defaults for unset values.
func OptionsFromConfig(conf *config.Config) Options {
	opts := Options{
		MaxSteps:             conf.GetMaxSteps(),
		MaxDepth:             conf.GetMaxDepth(),
		SearchCeiling:        conf.GetSearchCeiling(),
		DecomposeAddressCalc: conf.DecomposeAddressCalc(),
	}
	if conf != nil {
		opts.SpillDir = conf.SpillDir
		opts.Flavour = asm.ParseFlavour(conf.DisassembleFlavor)
	}
	return opts
}

// Tracer builds provenance trees over a recording.
type Tracer struct {
	engine     replay.Engine
	opts       Options
	classifier Classifier
	symbols    asm.SymbolLookup
	log        logflags.Logger
}

// New returns a Tracer over engine.
func New(engine replay.Engine, opts Options) *Tracer {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = config.DefaultMaxSteps
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = config.DefaultMaxDepth
	}
	return &Tracer{
		engine:     engine,
		opts:       opts,
		classifier: Classifier{DecomposeAddressCalc: opts.DecomposeAddressCalc},
		log:        logflags.TracerLogger(),
	}
}

// SetOptions replaces the options of t, unset limits keep their defaults.
func (t *Tracer) SetOptions(opts Options) {
	symbols := t.symbols
	*t = *New(t.engine, opts)
	t.symbols = symbols
}

// SetSymbolLookup sets the function used to name the instructions stored
// in records.
func (t *Tracer) SetSymbolLookup(fn asm.SymbolLookup) {
	t.symbols = fn
}

// Trace builds the provenance tree of target as observed at the engine's
// current position. size is the size of memory targets, maxSteps
// overrides the configured step budget when positive.
//
// Failures of a single branch are recorded as terminal records, only an
// unresolvable target or a failure of the trace log abort the trace.
func (t *Tracer) Trace(target string, size int, maxSteps int) (*tracestore.Tree, error) {
	if maxSteps <= 0 {
		maxSteps = t.opts.MaxSteps
	}

	search, err := t.engine.NewCursor()
	if err != nil {
		return nil, err
	}
	defer search.Close()
	inspect, err := t.engine.NewCursor()
	if err != nil {
		return nil, err
	}
	defer inspect.Close()

	root, err := ParseTarget(target, size, inspect)
	if err != nil {
		return nil, err
	}

	store, err := tracestore.Create(t.opts.SpillDir)
	if err != nil {
		return nil, err
	}
	defer store.Remove()

	if logflags.Tracer() {
		t.log.Debugf("tracing %s, budget %d steps depth %d", root, maxSteps, t.opts.MaxDepth)
	}

	loc := NewLocator(search, t.opts.SearchCeiling)
	queue := []WorkItem{root}
	steps := 0
	for len(queue) > 0 && steps < maxSteps {
		item := queue[0]
		queue = queue[1:]
		if int(item.Depth) > t.opts.MaxDepth {
			if logflags.Tracer() {
				t.log.Debugf("skipping %s: depth %d", item, item.Depth)
			}
			continue
		}
		steps++
		item.ID = atomic.AddInt32(&lastRecordID, 1)

		rec, children := t.process(loc, inspect, item)
		if err := store.Append(rec); err != nil {
			return nil, err
		}
		if logflags.Tracer() {
			t.log.WithFields(logflags.Fields{"id": rec.ID, "parent": rec.ParentID, "depth": rec.Depth}).Debugf("%s: %v %s, %d children", item, rec.Position, rec.Description, len(children))
		}
		queue = append(queue, children...)
	}
	if logflags.Tracer() && len(queue) > 0 {
		t.log.Debugf("step budget exhausted with %d pending queries", len(queue))
	}

	tree, err := store.Tree()
	if err != nil {
		return nil, err
	}
	tree.Target = root.Location()
	tree.Start = root.Start
	return tree, nil
}

// process runs the search for item and classifies the write it finds.
func (t *Tracer) process(loc *Locator, inspect replay.Cursor, item WorkItem) (tracestore.Record, []WorkItem) {
	rec := tracestore.Record{ID: item.ID, ParentID: item.ParentID, Depth: item.Depth}

	found, err := loc.Find(item)
	if err != nil {
		// A search failing where it started, at the recording start or on
		// an unreadable register, is placed just before its start.
		if !found.Less(item.Start) {
			found = item.Start.Prev()
		}
		rec.Position = found
		rec.LinkHint = tracestore.LinkHint(found)
		rec.Description = notFound(err)
		return rec, nil
	}
	rec.Position = found
	rec.LinkHint = tracestore.LinkHint(found)

	inst, regs, err := decodeAt(inspect, found)
	if err != nil {
		rec.Description = fmt.Sprintf("decode failure: %v", err)
		return rec, nil
	}
	rec.Symbol = t.symbolize(inst.PC)
	rec.Instruction = inst.Text(t.opts.Flavour, t.symbols)

	cls := t.classifier.Classify(inst, item, found, regs)
	rec.Description = cls.Description
	return rec, cls.Children
}

func notFound(err error) string {
	var rerr *UnreadableRegisterError
	switch {
	case errors.As(err, &rerr):
		return fmt.Sprintf("%s: %v", descNotFound, rerr)
	case errors.Is(err, ErrSearchExhausted):
		return descNotFound
	}
	return fmt.Sprintf("%s: %v", descNotFound, err)
}

// decodeAt decodes the instruction executed at pos.
func decodeAt(c replay.Cursor, pos replay.Position) (*asm.Instruction, replay.RegisterSet, error) {
	if err := c.SetPosition(pos); err != nil {
		return nil, nil, err
	}
	regs, err := c.Registers()
	if err != nil {
		return nil, nil, err
	}
	pc, err := c.PC()
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, asm.MaxInstructionLength)
	n, err := c.ReadMemory(buf, pc)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, fmt.Errorf("could not read instruction at %#x", pc)
	}
	inst, err := asm.Decode(buf[:n], pc)
	if err != nil {
		return nil, nil, err
	}
	return inst, regs, nil
}

func (t *Tracer) symbolize(pc uint64) string {
	if t.symbols != nil {
		if name, base := t.symbols(pc); name != "" {
			return fmt.Sprintf("%s+%#x", name, pc-base)
		}
	}
	return fmt.Sprintf("%#x", pc)
}
