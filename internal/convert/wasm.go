package convert

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	wasmMagic   = []byte{0x00, 'a', 's', 'm'}
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}
)

const (
	sectionCustom = 0
	sectionExport = 7
)

// sectionRank is the required relative order of non-custom sections. The
// data count (12) and tag (13) sections sit between their neighbours rather
// than at their numeric position.
var sectionRank = map[byte]int{
	1:  1,  // type
	2:  2,  // import
	3:  3,  // function
	4:  4,  // table
	5:  5,  // memory
	13: 6,  // tag
	6:  7,  // global
	7:  8,  // export
	8:  9,  // start
	9:  10, // element
	12: 11, // data count
	10: 12, // code
	11: 13, // data
}

type section struct {
	id      byte
	payload []byte
	raw     []byte // id, size and payload as they appeared
}

type module struct {
	sections []section
}

// parseModule checks the module framing: magic, version, LEB128 section
// headers that stay in bounds, known section ids in canonical order and no
// repeated non-custom section. Section bodies other than exports are not
// decoded.
func parseModule(data []byte) (*module, error) {
	if len(data) < 8 {
		return nil, errors.New("module shorter than its header")
	}
	if !bytes.Equal(data[:4], wasmMagic) {
		return nil, errors.New("bad magic: not a wasm module")
	}
	if !bytes.Equal(data[4:8], wasmVersion) {
		return nil, fmt.Errorf("unsupported wasm version %x", data[4:8])
	}

	m := &module{}
	lastRank := 0
	pos := 8
	for pos < len(data) {
		start := pos
		id := data[pos]
		pos++
		size, n, err := readULEB(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("section at offset %d: %w", start, err)
		}
		pos += n
		if size > uint64(len(data)-pos) {
			return nil, fmt.Errorf("section %d at offset %d overruns module", id, start)
		}
		end := pos + int(size)
		if id != sectionCustom {
			rank, ok := sectionRank[id]
			if !ok {
				return nil, fmt.Errorf("unknown section id %d at offset %d", id, start)
			}
			if rank <= lastRank {
				return nil, fmt.Errorf("section %d out of order or repeated at offset %d", id, start)
			}
			lastRank = rank
		}
		m.sections = append(m.sections, section{id: id, payload: data[pos:end], raw: data[start:end]})
		pos = end
	}
	return m, nil
}

// canonical re-encodes the module without custom sections.
func (m *module) canonical() []byte {
	var buf bytes.Buffer
	buf.Write(wasmMagic)
	buf.Write(wasmVersion)
	for _, s := range m.sections {
		if s.id == sectionCustom {
			continue
		}
		buf.Write(s.raw)
	}
	return buf.Bytes()
}

// exportedFunc returns the function index exported under name.
func (m *module) exportedFunc(name string) (uint32, error) {
	for _, s := range m.sections {
		if s.id != sectionExport {
			continue
		}
		p := s.payload
		count, n, err := readULEB(p)
		if err != nil {
			return 0, fmt.Errorf("export section: %w", err)
		}
		p = p[n:]
		for i := uint64(0); i < count; i++ {
			nameLen, n, err := readULEB(p)
			if err != nil || nameLen > uint64(len(p)-n) {
				return 0, errors.New("export section: malformed name")
			}
			p = p[n:]
			exportName := string(p[:nameLen])
			p = p[nameLen:]
			if len(p) < 1 {
				return 0, errors.New("export section: truncated entry")
			}
			kind := p[0]
			p = p[1:]
			index, n, err := readULEB(p)
			if err != nil {
				return 0, fmt.Errorf("export section: %w", err)
			}
			p = p[n:]
			if exportName == name {
				if kind != 0 {
					return 0, fmt.Errorf("export %q is not a function", name)
				}
				if index > 0xffffffff {
					return 0, fmt.Errorf("export %q: index out of range", name)
				}
				return uint32(index), nil
			}
		}
	}
	return 0, fmt.Errorf("entrypoint %q is not exported", name)
}

// readULEB decodes an unsigned LEB128 value of at most 32 bits, returning
// the value and the number of bytes consumed.
func readULEB(b []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		if i >= 5 {
			return 0, 0, errors.New("LEB128 value too long")
		}
		c := b[i]
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("truncated LEB128 value")
}

func appendULEB(dst []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, c|0x80)
			continue
		}
		return append(dst, c)
	}
}
