package presenter

import (
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/replay/tape"
)

// SymbolResolver maps an address to the symbol containing it and the
// displacement of the address from the start of the symbol.
type SymbolResolver interface {
	Resolve(addr uint64) (name string, disp uint64, ok bool)
}

// Symbol is an entry of a SymbolTable. A Size of 0 extends the symbol up
// to the next one.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// SymbolTable is a SymbolResolver over a static list of symbols.
type SymbolTable struct {
	syms []Symbol
}

// NewSymbolTable returns a table containing syms.
func NewSymbolTable(syms []Symbol) *SymbolTable {
	t := &SymbolTable{syms: make([]Symbol, len(syms))}
	copy(t.syms, syms)
	sort.SliceStable(t.syms, func(i, j int) bool { return t.syms[i].Addr < t.syms[j].Addr })
	return t
}

// Len returns the number of symbols in the table.
func (t *SymbolTable) Len() int {
	return len(t.syms)
}

// Resolve implements SymbolResolver.
func (t *SymbolTable) Resolve(addr uint64) (string, uint64, bool) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > addr }) - 1
	if i < 0 {
		return "", 0, false
	}
	s := t.syms[i]
	if s.Size != 0 && addr-s.Addr >= s.Size {
		return "", 0, false
	}
	return s.Name, addr - s.Addr, true
}

// TapeSymbols returns the symbol table stored in a tape recording.
func TapeSymbols(syms []tape.Symbol) *SymbolTable {
	r := make([]Symbol, len(syms))
	for i, s := range syms {
		r[i] = Symbol{Name: s.Name, Addr: s.Addr, Size: s.Size}
	}
	return NewSymbolTable(r)
}

// LoadELFSymbols reads the function and object symbols of the ELF
// executable at path. When the executable is stripped the separate debug
// info file is searched in debugInfoDirs, by build id, before falling back
// to the dynamic symbol table.
func LoadELFSymbols(path string, debugInfoDirs []string) (*SymbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	esyms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		if dbg := openSeparateDebugInfo(f, path, debugInfoDirs); dbg != nil {
			esyms, err = dbg.Symbols()
			dbg.Close()
		}
		if err != nil {
			esyms, err = f.DynamicSymbols()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("could not read symbols of %s: %v", path, err)
	}
	syms := make([]Symbol, 0, len(esyms))
	for _, s := range esyms {
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT:
		default:
			continue
		}
		if s.Value == 0 || s.Name == "" {
			continue
		}
		syms = append(syms, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
	}
	return NewSymbolTable(syms), nil
}

func openSeparateDebugInfo(f *elf.File, path string, debugInfoDirs []string) *elf.File {
	buildID := elfBuildID(f)
	for _, dir := range debugInfoDirs {
		var candidate string
		if len(buildID) > 2 {
			candidate = filepath.Join(dir, buildID[:2], buildID[2:]+".debug")
		} else {
			candidate = filepath.Join(dir, path+".debug")
		}
		if dbg, err := elf.Open(candidate); err == nil {
			return dbg
		}
	}
	return nil
}

// elfBuildID returns the hex encoded GNU build id of f.
func elfBuildID(f *elf.File) string {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil || len(data) < 16 {
		return ""
	}
	namesz := f.ByteOrder.Uint32(data[0:])
	descsz := f.ByteOrder.Uint32(data[4:])
	off := 12 + (namesz+3)&^3
	if uint32(len(data)) < off+descsz {
		return ""
	}
	return hex.EncodeToString(data[off : off+descsz])
}

type resolved struct {
	name string
	disp uint64
	ok   bool
}

// CachedResolver remembers the most recent resolutions of another
// resolver.
type CachedResolver struct {
	r     SymbolResolver
	cache *lru.Cache
}

// NewCachedResolver returns a resolver caching up to size resolutions of r.
func NewCachedResolver(r SymbolResolver, size int) (*CachedResolver, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedResolver{r: r, cache: cache}, nil
}

// Resolve implements SymbolResolver.
func (c *CachedResolver) Resolve(addr uint64) (string, uint64, bool) {
	if v, ok := c.cache.Get(addr); ok {
		r := v.(resolved)
		return r.name, r.disp, r.ok
	}
	name, disp, ok := c.r.Resolve(addr)
	c.cache.Add(addr, resolved{name, disp, ok})
	return name, disp, ok
}

// Lookup adapts r to the symbol lookup used when printing instructions.
func Lookup(r SymbolResolver) asm.SymbolLookup {
	if r == nil {
		return nil
	}
	return func(addr uint64) (string, uint64) {
		name, disp, ok := r.Resolve(addr)
		if !ok {
			return "", 0
		}
		return name, addr - disp
	}
}
