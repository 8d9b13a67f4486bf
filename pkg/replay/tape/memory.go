package tape

const pageSize = 0x1000

// memory is a sparse byte addressable memory. Bytes outside of any page
// written at least once are unmapped.
type memory struct {
	pages map[uint64]*[pageSize]byte
}

func newMemory() *memory {
	return &memory{pages: make(map[uint64]*[pageSize]byte)}
}

func (m *memory) clone() *memory {
	r := newMemory()
	for k, p := range m.pages {
		cp := *p
		r.pages[k] = &cp
	}
	return r
}

func (m *memory) write(addr uint64, data []byte) {
	for i, b := range data {
		a := addr + uint64(i)
		p := m.pages[a/pageSize]
		if p == nil {
			p = new([pageSize]byte)
			m.pages[a/pageSize] = p
		}
		p[a%pageSize] = b
	}
}

// read returns n bytes at addr, unmapped bytes read as zero.
func (m *memory) read(addr uint64, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		a := addr + uint64(i)
		if p := m.pages[a/pageSize]; p != nil {
			buf[i] = p[a%pageSize]
		}
	}
	return buf
}

// readInto fills buf with the memory at addr and returns the number of
// bytes read before the first unmapped page.
func (m *memory) readInto(buf []byte, addr uint64) int {
	for i := range buf {
		a := addr + uint64(i)
		p := m.pages[a/pageSize]
		if p == nil {
			return i
		}
		buf[i] = p[a%pageSize]
	}
	return len(buf)
}
