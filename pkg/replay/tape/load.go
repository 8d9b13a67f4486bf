package tape

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/ttdtools/timetrack/pkg/replay"
)

// A tape file is a YAML document:
//
//	first-seq: 1
//	threads:
//	  - id: 1
//	    regs: {rbx: 0x5, rsp: 0x7ffe0000}
//	memory:
//	  - {addr: 0x601000, hex: "2a00000000000000"}
//	symbols:
//	  - {name: main, addr: 0x401000, size: 0x40}
//	steps:
//	  - {pc: 0x401000, code: "48 89 d8", regs: {rax: 0x5}}
//	  - {pc: 0x401003, code: "48 89 45 f8", mem: [{addr: 0x7ffdfff8, value: 0x5}], sync: true}
//
// Register values are 64bit integers, wide registers (xmm) are given as
// little endian hex strings in wide-regs.
type tapeFile struct {
	FirstSeq uint64       `yaml:"first-seq"`
	Threads  []threadFile `yaml:"threads"`
	Memory   []memFile    `yaml:"memory"`
	Symbols  []Symbol     `yaml:"symbols"`
	Steps    []stepFile   `yaml:"steps"`
}

type threadFile struct {
	ID       int               `yaml:"id"`
	Regs     map[string]uint64 `yaml:"regs"`
	WideRegs map[string]string `yaml:"wide-regs"`
}

type memFile struct {
	Addr  uint64 `yaml:"addr"`
	Hex   string `yaml:"hex"`
	Value uint64 `yaml:"value"`
	Size  int    `yaml:"size"`
}

type stepFile struct {
	Thread   int               `yaml:"thread"`
	PC       uint64            `yaml:"pc"`
	Code     string            `yaml:"code"`
	Regs     map[string]uint64 `yaml:"regs"`
	WideRegs map[string]string `yaml:"wide-regs"`
	Mem      []memFile         `yaml:"mem"`
	Sync     bool              `yaml:"sync"`
}

// LoadFile reads a tape file.
func LoadFile(path string) (*Engine, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	rec, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return New(rec)
}

// Parse decodes a tape file.
func Parse(r io.Reader) (*Recording, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var tf tapeFile
	if err := yaml.UnmarshalStrict(data, &tf); err != nil {
		return nil, err
	}

	rec := &Recording{
		FirstSeq: tf.FirstSeq,
		Threads:  make(map[int]replay.RegisterMap),
		Symbols:  tf.Symbols,
	}
	for _, th := range tf.Threads {
		regs, err := decodeRegs(th.Regs, th.WideRegs)
		if err != nil {
			return nil, fmt.Errorf("thread %d: %v", th.ID, err)
		}
		rec.Threads[th.ID] = regs
	}
	for i, m := range tf.Memory {
		w, err := m.decode()
		if err != nil {
			return nil, fmt.Errorf("memory entry %d: %v", i, err)
		}
		rec.Memory = append(rec.Memory, w)
	}
	for i, sf := range tf.Steps {
		s := Step{Thread: sf.Thread, PC: sf.PC, Sync: sf.Sync}
		if s.Thread == 0 {
			s.Thread = 1
		}
		s.Code, err = decodeHex(sf.Code)
		if err != nil {
			return nil, fmt.Errorf("step %d: code: %v", i, err)
		}
		s.Regs, err = decodeRegs(sf.Regs, sf.WideRegs)
		if err != nil {
			return nil, fmt.Errorf("step %d: %v", i, err)
		}
		for _, m := range sf.Mem {
			w, err := m.decode()
			if err != nil {
				return nil, fmt.Errorf("step %d: %v", i, err)
			}
			s.Mem = append(s.Mem, w)
		}
		rec.Steps = append(rec.Steps, s)
	}
	return rec, nil
}

func decodeRegs(regs map[string]uint64, wide map[string]string) (replay.RegisterMap, error) {
	r := make(replay.RegisterMap, len(regs)+len(wide))
	for name, v := range regs {
		r[strings.ToLower(name)] = le64(v)
	}
	for name, s := range wide {
		v, err := decodeHex(s)
		if err != nil {
			return nil, fmt.Errorf("register %s: %v", name, err)
		}
		r[strings.ToLower(name)] = v
	}
	return r, nil
}

func (m memFile) decode() (MemWrite, error) {
	if m.Hex != "" {
		data, err := decodeHex(m.Hex)
		if err != nil {
			return MemWrite{}, err
		}
		return MemWrite{Addr: m.Addr, Data: data}, nil
	}
	size := m.Size
	if size == 0 {
		size = 8
	}
	if size < 0 || size > 8 {
		return MemWrite{}, fmt.Errorf("invalid size %d at %#x", m.Size, m.Addr)
	}
	return MemWrite{Addr: m.Addr, Data: le64(m.Value)[:size]}, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	return hex.DecodeString(s)
}
