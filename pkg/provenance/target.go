package provenance

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/starlark"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/replay"
)

// DefaultSize is the size of a memory target when none is given.
const DefaultSize = 8

var hexSuffix = regexp.MustCompile(`\b([0-9][0-9a-f]*)h\b`)

// ParseTarget resolves the user supplied target at the position of c.
// The target is either a register name or an address expression: integer
// arithmetic over registers and numbers, where numbers are decimal, 0x
// prefixed or h suffixed hexadecimal, and poi(addr) reads a pointer.
// Register targets always track the whole register, size is only used for
// memory targets.
func ParseTarget(target string, size int, c replay.Cursor) (WorkItem, error) {
	expr := strings.TrimSpace(target)
	if expr == "" {
		return WorkItem{}, &UnresolvableTargetError{Target: target, Err: errors.New("empty target")}
	}
	pos := c.Position()
	if reg, ok := asm.RegisterByName(expr); ok {
		return RegisterItem(reg, pos), nil
	}
	addr, err := EvalAddress(expr, c)
	if err != nil {
		return WorkItem{}, &UnresolvableTargetError{Target: target, Err: err}
	}
	if size <= 0 {
		size = DefaultSize
	}
	return MemoryItem(addr, uint64(size), pos), nil
}

// EvalAddress evaluates an address expression with the register values and
// memory visible at the position of c.
func EvalAddress(expr string, c replay.Cursor) (uint64, error) {
	src := hexSuffix.ReplaceAllString(strings.ToLower(expr), "0x$1")

	env := starlark.StringDict{}
	if regs, err := c.Registers(); err == nil {
		for _, name := range asm.RegisterNames() {
			r, _ := asm.RegisterByName(name)
			if r.Width() > 8 {
				continue
			}
			if v, ok := readRegister(regs, r); ok {
				env[name] = starlark.MakeUint64(asm.Value(v))
			}
		}
	}
	env["poi"] = starlark.NewBuiltin("poi", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addr starlark.Value
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &addr); err != nil {
			return nil, err
		}
		a, err := toAddress(addr)
		if err != nil {
			return nil, err
		}
		v, err := replay.ReadUint64(c, a, 8)
		if err != nil {
			return nil, fmt.Errorf("poi(%#x): %v", a, err)
		}
		return starlark.MakeUint64(v), nil
	})

	thread := &starlark.Thread{Name: "target"}
	v, err := starlark.Eval(thread, "<target>", src, env)
	if err != nil {
		return 0, err
	}
	return toAddress(v)
}

func toAddress(v starlark.Value) (uint64, error) {
	n, ok := v.(starlark.Int)
	if !ok {
		return 0, fmt.Errorf("expression of type %s is not an address", v.Type())
	}
	u, ok := n.Uint64()
	if !ok {
		return 0, fmt.Errorf("%v is not a valid address", n)
	}
	return u, nil
}
