package graph

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const testCSV = `id_a,id_b,xa,ya,za,xb,yb,zb,score
2,1,0,0,0,1,1,1,0.4
2,3,0,0,0,1,1,1,0.4
4,3,0,0,0,1,1,1,0.8
4,5,0,0,0,1,1,1,0.4
4,4,0,0,0,1,1,1,0.9
3,4,0,0,0,1,1,1,0.7
`

func checkChain(t *testing.T, edges []Edge) {
	expected := []Edge{
		{A: 1, B: 2, Weight: 0.4},
		{A: 2, B: 3, Weight: 0.4},
		{A: 3, B: 4, Weight: 0.7},
		{A: 4, B: 5, Weight: 0.4},
	}
	if len(edges) != len(expected) {
		t.Fatalf("expected %v, got %v\n", expected, edges)
	}
	for i := range expected {
		if edges[i].Key() != expected[i].Key() || float32(edges[i].Weight) != float32(expected[i].Weight) {
			t.Errorf("edge %d: expected %s, got %s\n", i, expected[i], edges[i])
		}
	}
}

func TestLoadMergeTableCSV(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "table.csv")
	if err := os.WriteFile(plain, []byte(testCSV), 0644); err != nil {
		t.Fatalf("can't write csv: %v\n", err)
	}

	var gzbuf bytes.Buffer
	zw := gzip.NewWriter(&gzbuf)
	zw.Write([]byte(testCSV))
	zw.Close()
	gzPath := filepath.Join(dir, "table.csv.gz")
	if err := os.WriteFile(gzPath, gzbuf.Bytes(), 0644); err != nil {
		t.Fatalf("can't write csv.gz: %v\n", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("can't create zstd encoder: %v\n", err)
	}
	zstPath := filepath.Join(dir, "table.csv.zst")
	if err := os.WriteFile(zstPath, enc.EncodeAll([]byte(testCSV), nil), 0644); err != nil {
		t.Fatalf("can't write csv.zst: %v\n", err)
	}

	for _, ref := range []string{plain, gzPath, zstPath, "file://" + plain} {
		edges, err := LoadMergeTable(context.Background(), ref)
		if err != nil {
			t.Fatalf("load of %s failed: %v\n", ref, err)
		}
		checkChain(t, edges)
	}
}

func TestLoadMergeTableErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "table.csv")
	os.WriteFile(bad, []byte("a,b,c\n1,2,3\n"), 0644)
	if _, err := LoadMergeTable(context.Background(), bad); err == nil {
		t.Errorf("expected error on missing columns\n")
	}
	nan := filepath.Join(dir, "nan.csv")
	os.WriteFile(nan, []byte("segment_a,segment_b,score,x,y,z\n1,2,NaN,0,0,0\n"), 0644)
	if _, err := LoadMergeTable(context.Background(), nan); err == nil {
		t.Errorf("expected error on NaN score\n")
	}
	txt := filepath.Join(dir, "table.txt")
	os.WriteFile(txt, []byte(testCSV), 0644)
	if _, err := LoadMergeTable(context.Background(), txt); err == nil {
		t.Errorf("expected error on unknown extension\n")
	}
	if _, err := LoadMergeTable(context.Background(), filepath.Join(dir, "missing.csv")); err == nil {
		t.Errorf("expected error on missing file\n")
	}
}

func chainRecord(pool memory.Allocator) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id_a", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "id_b", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "score", Type: arrow.PrimitiveTypes.Float32},
	}, nil)
	b := array.NewRecordBuilder(pool, schema)
	defer b.Release()
	b.Field(0).(*array.Uint64Builder).AppendValues([]uint64{2, 2, 4, 4, 3}, nil)
	b.Field(1).(*array.Uint64Builder).AppendValues([]uint64{1, 3, 3, 5, 4}, nil)
	b.Field(2).(*array.Float32Builder).AppendValues([]float32{0.4, 0.4, 0.8, 0.4, 0.7}, nil)
	return b.NewRecord()
}

func TestLoadMergeTableArrow(t *testing.T) {
	pool := memory.NewGoAllocator()
	rec := chainRecord(pool)
	defer rec.Release()

	dir := t.TempDir()
	filePath := filepath.Join(dir, "table.arrow")
	streamPath := filepath.Join(dir, "table.ipc")

	fileOut, err := os.Create(filePath)
	if err != nil {
		t.Fatalf("can't create arrow file: %v\n", err)
	}
	fw, err := ipc.NewFileWriter(fileOut, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(pool))
	if err != nil {
		t.Fatalf("can't create arrow file writer: %v\n", err)
	}
	if err := fw.Write(rec); err != nil {
		t.Fatalf("can't write arrow record: %v\n", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("can't close arrow writer: %v\n", err)
	}
	if err := fileOut.Close(); err != nil {
		t.Fatalf("can't close arrow file: %v\n", err)
	}

	var streamBuf bytes.Buffer
	sw := ipc.NewWriter(&streamBuf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(pool))
	if err := sw.Write(rec); err != nil {
		t.Fatalf("can't write arrow stream: %v\n", err)
	}
	sw.Close()

	os.WriteFile(streamPath, streamBuf.Bytes(), 0644)
	for _, ref := range []string{filePath, streamPath} {
		edges, err := LoadMergeTable(context.Background(), ref)
		if err != nil {
			t.Fatalf("load of %s failed: %v\n", ref, err)
		}
		checkChain(t, edges)
	}
}

type npyRow struct {
	a, b  uint64
	score float32
}

var chainRows = []npyRow{
	{2, 1, 0.4}, {2, 3, 0.4}, {4, 3, 0.8}, {4, 5, 0.4}, {4, 4, 0.9}, {3, 4, 0.7},
}

// writeNPY encodes rows with the FFN merge table dtype.
func writeNPY(rows []npyRow) []byte {
	descr := "[('id_a', '<u8'), ('id_b', '<u8'), ('xa', '<u4'), ('ya', '<u4'), ('za', '<u4'), " +
		"('xb', '<u4'), ('yb', '<u4'), ('zb', '<u4'), ('score', '<f4')]"
	header := fmt.Sprintf("{'descr': %s, 'fortran_order': False, 'shape': (%d,), }", descr, len(rows))
	for (10+len(header)+1)%64 != 0 {
		header += " "
	}
	header += "\n"

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	for i, r := range rows {
		binary.Write(&buf, binary.LittleEndian, r.a)
		binary.Write(&buf, binary.LittleEndian, r.b)
		for c := 0; c < 6; c++ {
			binary.Write(&buf, binary.LittleEndian, uint32(i*10+c))
		}
		binary.Write(&buf, binary.LittleEndian, math.Float32bits(r.score))
	}
	return buf.Bytes()
}

func TestLoadMergeTableNPY(t *testing.T) {
	data := writeNPY(chainRows)
	edges, err := ReadNPY(data)
	if err != nil {
		t.Fatalf("can't read npy: %v\n", err)
	}
	if len(edges) != len(chainRows) {
		t.Fatalf("expected %d raw rows, got %d\n", len(chainRows), len(edges))
	}
	if edges[2].A != 4 || edges[2].B != 3 || float32(edges[2].Weight) != 0.8 {
		t.Errorf("bad third row: %s\n", edges[2])
	}

	dir := t.TempDir()
	plain := filepath.Join(dir, "table.npy")
	if err := os.WriteFile(plain, data, 0644); err != nil {
		t.Fatalf("can't write npy: %v\n", err)
	}
	var gzbuf bytes.Buffer
	zw := gzip.NewWriter(&gzbuf)
	zw.Write(data)
	zw.Close()
	gzPath := filepath.Join(dir, "table.npy.gz")
	if err := os.WriteFile(gzPath, gzbuf.Bytes(), 0644); err != nil {
		t.Fatalf("can't write npy.gz: %v\n", err)
	}
	for _, ref := range []string{plain, gzPath} {
		edges, err := LoadMergeTable(context.Background(), ref)
		if err != nil {
			t.Fatalf("load of %s failed: %v\n", ref, err)
		}
		checkChain(t, edges)
	}

	bad := [][]byte{
		[]byte("not numpy"),
		data[:len(data)-3],
		bytes.Replace(data, []byte("'fortran_order': False"), []byte("'fortran_order': True "), 1),
		bytes.Replace(data, []byte("'score'"), []byte("'other'"), 1),
	}
	for i, b := range bad {
		if _, err := ReadNPY(b); err == nil {
			t.Errorf("bad npy %d: expected error\n", i)
		}
	}
}
