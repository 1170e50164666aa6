package graph

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

const npyMagic = "\x93NUMPY"

var (
	npyField   = regexp.MustCompile(`\(\s*'([^']+)'\s*,\s*'([<>|=])([a-z])(\d+)'\s*\)`)
	npyShape   = regexp.MustCompile(`'shape'\s*:\s*\(\s*(\d+)\s*,?\s*\)`)
	npyFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
)

type npyColumn struct {
	kind   byte // 'u', 'i' or 'f'
	size   int
	offset int
}

// ReadNPY parses a NumPy .npy file holding a one-dimensional structured array,
// e.g. the FFN merge table dtype with id_a and id_b as <u8, six <u4
// coordinates and score as <f4.  Fields other than id_a/id_b (or
// segment_a/segment_b) and score are skipped.
func ReadNPY(data []byte) ([]Edge, error) {
	if !bytes.HasPrefix(data, []byte(npyMagic)) || len(data) < 10 {
		return nil, fmt.Errorf("not a npy file")
	}
	major := data[6]
	var headerLen, start int
	switch major {
	case 1:
		headerLen = int(binary.LittleEndian.Uint16(data[8:10]))
		start = 10
	case 2, 3:
		if len(data) < 12 {
			return nil, fmt.Errorf("truncated npy header")
		}
		headerLen = int(binary.LittleEndian.Uint32(data[8:12]))
		start = 12
	default:
		return nil, fmt.Errorf("unsupported npy version %d", major)
	}
	if start+headerLen > len(data) {
		return nil, fmt.Errorf("truncated npy header")
	}
	header := string(data[start : start+headerLen])
	body := data[start+headerLen:]

	if m := npyFortran.FindStringSubmatch(header); m == nil || m[1] != "False" {
		return nil, fmt.Errorf("npy array must be C ordered")
	}
	m := npyShape.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("npy header has no one-dimensional shape: %s", header)
	}
	rows, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("bad npy shape %q: %w", m[1], err)
	}

	fields := npyField.FindAllStringSubmatch(header, -1)
	if len(fields) == 0 {
		return nil, fmt.Errorf("npy header has no structured dtype: %s", header)
	}
	names := make([]string, len(fields))
	columns := make([]npyColumn, len(fields))
	itemsize := 0
	for i, f := range fields {
		size, _ := strconv.Atoi(f[4])
		if f[2] == ">" && size > 1 {
			return nil, fmt.Errorf("npy field %q is big-endian", f[1])
		}
		names[i] = f[1]
		columns[i] = npyColumn{kind: f[3][0], size: size, offset: itemsize}
		itemsize += size
	}
	ia := findColumn(names, columnsA)
	ib := findColumn(names, columnsB)
	is := findColumn(names, columnsScore)
	if ia < 0 || ib < 0 || is < 0 {
		return nil, fmt.Errorf("npy dtype %v lacks id_a, id_b or score fields", names)
	}
	if len(body) < rows*itemsize {
		return nil, fmt.Errorf("npy data holds %d bytes, expected %d rows of %d bytes", len(body), rows, itemsize)
	}

	edges := make([]Edge, 0, rows)
	for row := 0; row < rows; row++ {
		rec := body[row*itemsize : (row+1)*itemsize]
		a, err := columns[ia].id(rec)
		if err != nil {
			return nil, fmt.Errorf("npy row %d: %w", row, err)
		}
		b, err := columns[ib].id(rec)
		if err != nil {
			return nil, fmt.Errorf("npy row %d: %w", row, err)
		}
		w, err := columns[is].score(rec)
		if err != nil {
			return nil, fmt.Errorf("npy row %d: %w", row, err)
		}
		edges = append(edges, Edge{A: NodeID(a), B: NodeID(b), Weight: w})
	}
	return edges, nil
}

func (c npyColumn) id(rec []byte) (uint64, error) {
	v := rec[c.offset : c.offset+c.size]
	switch {
	case c.kind == 'u' && c.size == 8:
		return binary.LittleEndian.Uint64(v), nil
	case c.kind == 'u' && c.size == 4:
		return uint64(binary.LittleEndian.Uint32(v)), nil
	case c.kind == 'i' && c.size == 8:
		n := int64(binary.LittleEndian.Uint64(v))
		if n < 0 {
			return 0, fmt.Errorf("negative supervoxel id %d", n)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("unsupported id dtype %c%d", c.kind, c.size)
	}
}

func (c npyColumn) score(rec []byte) (float64, error) {
	v := rec[c.offset : c.offset+c.size]
	switch {
	case c.kind == 'f' && c.size == 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(v))), nil
	case c.kind == 'f' && c.size == 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(v)), nil
	default:
		return 0, fmt.Errorf("unsupported score dtype %c%d", c.kind, c.size)
	}
}
