package graph

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/janelia-flyem/cleaveserver/core"
)

// Accepted column names for the two endpoints and the score.
var (
	columnsA     = []string{"id_a", "segment_a"}
	columnsB     = []string{"id_b", "segment_b"}
	columnsScore = []string{"score"}
)

const arrowFileMagic = "ARROW1"

// LoadMergeTable reads a merge table from a local path or a bucket URL
// (gs://, s3:// or file://) and returns its normalized edges.  The format is
// chosen by extension: .csv, a NumPy structured array (.npy), or an Arrow IPC
// file (.arrow, .feather, .ipc).  Any of them may be compressed with a .gz or
// .zst suffix.
func LoadMergeTable(ctx context.Context, ref string) ([]Edge, error) {
	timedLog := core.NewTimeLog()
	data, err := readRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	name := strings.ToLower(ref)
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		name = strings.ToLower(u.Path)
	}

	var r io.Reader = bytes.NewReader(data)
	switch path.Ext(name) {
	case ".gz":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("merge table %q: %w", ref, err)
		}
		defer zr.Close()
		r = zr
		name = strings.TrimSuffix(name, ".gz")
	case ".zst":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("merge table %q: %w", ref, err)
		}
		defer dec.Close()
		r = dec
		name = strings.TrimSuffix(name, ".zst")
	}

	var edges []Edge
	switch path.Ext(name) {
	case ".csv":
		edges, err = ReadCSV(r)
	case ".npy":
		var buf []byte
		if buf, err = io.ReadAll(r); err == nil {
			edges, err = ReadNPY(buf)
		}
	case ".arrow", ".feather", ".ipc":
		var buf []byte
		if buf, err = io.ReadAll(r); err == nil {
			edges, err = ReadArrow(buf)
		}
	default:
		return nil, fmt.Errorf("merge table %q has unsupported extension", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("merge table %q: %w", ref, err)
	}
	edges, err = NormalizeEdges(edges)
	if err != nil {
		return nil, fmt.Errorf("merge table %q: %w", ref, err)
	}
	timedLog.Infof("Loaded %d merge table rows from %s", len(edges), ref)
	return edges, nil
}

// readRef returns the full content at a local path or bucket URL.
func readRef(ctx context.Context, ref string) ([]byte, error) {
	if !strings.Contains(ref, "://") {
		return os.ReadFile(ref)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("bad merge table reference %q: %w", ref, err)
	}
	dir, key := path.Split(u.Path)
	bucketURL := u.Scheme + "://" + u.Host + strings.TrimSuffix(dir, "/")
	if u.Scheme != "file" {
		bucketURL = u.Scheme + "://" + u.Host
		key = strings.TrimPrefix(u.Path, "/")
	}
	if u.RawQuery != "" {
		bucketURL += "?" + u.RawQuery
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("can't open bucket %q: %w", bucketURL, err)
	}
	defer bucket.Close()
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("can't read %q from bucket %q: %w", key, bucketURL, err)
	}
	return data, nil
}

func findColumn(names []string, candidates []string) int {
	for _, c := range candidates {
		for i, name := range names {
			if strings.TrimSpace(strings.ToLower(name)) == c {
				return i
			}
		}
	}
	return -1
}

// ReadCSV parses a merge table CSV with a header row naming id_a/id_b (or
// segment_a/segment_b) and score columns.  Other columns are ignored.
func ReadCSV(r io.Reader) ([]Edge, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("can't read csv header: %w", err)
	}
	ia := findColumn(header, columnsA)
	ib := findColumn(header, columnsB)
	is := findColumn(header, columnsScore)
	if ia < 0 || ib < 0 || is < 0 {
		return nil, fmt.Errorf("csv header %v lacks id_a, id_b or score columns", header)
	}
	var edges []Edge
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) <= ia || len(rec) <= ib || len(rec) <= is {
			return nil, fmt.Errorf("csv line %d has only %d fields", line, len(rec))
		}
		a, err := strconv.ParseUint(strings.TrimSpace(rec[ia]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: bad id_a: %w", line, err)
		}
		b, err := strconv.ParseUint(strings.TrimSpace(rec[ib]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: bad id_b: %w", line, err)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(rec[is]), 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: bad score: %w", line, err)
		}
		edges = append(edges, Edge{A: NodeID(a), B: NodeID(b), Weight: w})
	}
	return edges, nil
}

// ReadArrow parses an Arrow IPC file or stream with id_a, id_b and score columns.
func ReadArrow(data []byte) ([]Edge, error) {
	alloc := memory.NewGoAllocator()
	var edges []Edge
	if bytes.HasPrefix(data, []byte(arrowFileMagic)) {
		rdr, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(alloc))
		if err != nil {
			return nil, err
		}
		defer rdr.Close()
		for i := 0; i < rdr.NumRecords(); i++ {
			rec, err := rdr.Record(i)
			if err != nil {
				return nil, err
			}
			if edges, err = appendRecord(edges, rec); err != nil {
				return nil, err
			}
		}
		return edges, nil
	}

	rdr, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(alloc))
	if err != nil {
		return nil, err
	}
	defer rdr.Release()
	for rdr.Next() {
		if edges, err = appendRecord(edges, rdr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, err
	}
	return edges, nil
}

func appendRecord(edges []Edge, rec arrow.Record) ([]Edge, error) {
	schema := rec.Schema()
	names := make([]string, len(schema.Fields()))
	for i, f := range schema.Fields() {
		names[i] = f.Name
	}
	ia := findColumn(names, columnsA)
	ib := findColumn(names, columnsB)
	is := findColumn(names, columnsScore)
	if ia < 0 || ib < 0 || is < 0 {
		return nil, fmt.Errorf("arrow schema %v lacks id_a, id_b or score columns", names)
	}
	n := int(rec.NumRows())
	for row := 0; row < n; row++ {
		a, err := idValue(rec.Column(ia), row)
		if err != nil {
			return nil, err
		}
		b, err := idValue(rec.Column(ib), row)
		if err != nil {
			return nil, err
		}
		w, err := scoreValue(rec.Column(is), row)
		if err != nil {
			return nil, err
		}
		edges = append(edges, Edge{A: NodeID(a), B: NodeID(b), Weight: w})
	}
	return edges, nil
}

func idValue(col arrow.Array, row int) (uint64, error) {
	switch c := col.(type) {
	case *array.Uint64:
		return c.Value(row), nil
	case *array.Int64:
		if c.Value(row) < 0 {
			return 0, fmt.Errorf("negative supervoxel id %d", c.Value(row))
		}
		return uint64(c.Value(row)), nil
	case *array.Uint32:
		return uint64(c.Value(row)), nil
	default:
		return 0, fmt.Errorf("unsupported id column type %s", col.DataType())
	}
}

func scoreValue(col arrow.Array, row int) (float64, error) {
	switch c := col.(type) {
	case *array.Float32:
		return float64(c.Value(row)), nil
	case *array.Float64:
		return c.Value(row), nil
	default:
		return 0, fmt.Errorf("unsupported score column type %s", col.DataType())
	}
}
