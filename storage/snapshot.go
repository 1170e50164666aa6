/*
Package storage persists the merge graph between runs and records request
activity.

Snapshots live in a badger directory.  Rows are written in fixed-size blocks,
each msgpack-encoded and snappy-compressed, under a generation prefix so a
partially written snapshot never replaces a complete one.
*/
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/golang/snappy"
	"github.com/tinylib/msgp/msgp"

	"github.com/janelia-flyem/cleaveserver/core"
	"github.com/janelia-flyem/cleaveserver/graph"
)

// DefaultBlockRows is the number of rows per snapshot block.
const DefaultBlockRows = 64 * core.Kilo

// ErrNoSnapshot is returned by Load when the directory holds no snapshot.
var ErrNoSnapshot = errors.New("no graph snapshot saved")

var metaKey = []byte("meta")

func blockPrefix(gen uint64) []byte {
	prefix := make([]byte, 10)
	copy(prefix, "g/")
	binary.BigEndian.PutUint64(prefix[2:], gen)
	return prefix
}

func blockKey(gen uint64, block uint32) []byte {
	key := make([]byte, 14)
	copy(key, blockPrefix(gen))
	binary.BigEndian.PutUint32(key[10:], block)
	return key
}

// SnapshotInfo describes a saved snapshot.
type SnapshotInfo struct {
	Generation uint64    `json:"generation"`
	Rows       uint64    `json:"rows"`
	Blocks     uint32    `json:"blocks"`
	Saved      time.Time `json:"saved"`
	Source     string    `json:"source"`
}

func (info SnapshotInfo) encode() []byte {
	b := msgp.AppendArrayHeader(nil, 5)
	b = msgp.AppendUint64(b, info.Generation)
	b = msgp.AppendUint64(b, info.Rows)
	b = msgp.AppendUint32(b, info.Blocks)
	b = msgp.AppendInt64(b, info.Saved.UnixNano())
	return msgp.AppendString(b, info.Source)
}

func decodeInfo(b []byte) (info SnapshotInfo, err error) {
	var sz uint32
	if sz, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return
	}
	if sz != 5 {
		err = fmt.Errorf("snapshot metadata has %d fields, expected 5", sz)
		return
	}
	if info.Generation, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return
	}
	if info.Rows, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return
	}
	if info.Blocks, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return
	}
	var nanos int64
	if nanos, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return
	}
	info.Saved = time.Unix(0, nanos)
	info.Source, _, err = msgp.ReadStringBytes(b)
	return
}

func encodeBlock(edges []graph.Edge) []byte {
	b := msgp.AppendArrayHeader(nil, uint32(3*len(edges)))
	for _, e := range edges {
		b = msgp.AppendUint64(b, uint64(e.A))
		b = msgp.AppendUint64(b, uint64(e.B))
		b = msgp.AppendFloat64(b, e.Weight)
	}
	return snappy.Encode(nil, b)
}

func decodeBlock(compressed []byte) ([]graph.Edge, error) {
	b, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, err
	}
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, err
	}
	if sz%3 != 0 {
		return nil, fmt.Errorf("snapshot block holds %d values, not a multiple of 3", sz)
	}
	edges := make([]graph.Edge, sz/3)
	for i := range edges {
		var a, bID uint64
		if a, b, err = msgp.ReadUint64Bytes(b); err != nil {
			return nil, err
		}
		if bID, b, err = msgp.ReadUint64Bytes(b); err != nil {
			return nil, err
		}
		var w float64
		if w, b, err = msgp.ReadFloat64Bytes(b); err != nil {
			return nil, err
		}
		edges[i] = graph.Edge{A: graph.NodeID(a), B: graph.NodeID(bID), Weight: w}
	}
	return edges, nil
}

// badgerLogger sends badger's logging through our logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { core.Errorf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { core.Warningf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { core.Debugf(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { core.Debugf(format, args...) }

// Snapshot is a badger-backed copy of a graph.Store.
type Snapshot struct {
	db        *badger.DB
	path      string
	blockRows int
}

// OpenSnapshot opens or creates a snapshot directory.  A blockRows of zero
// uses DefaultBlockRows.
func OpenSnapshot(path string, blockRows int) (*Snapshot, error) {
	if blockRows <= 0 {
		blockRows = DefaultBlockRows
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("can't create snapshot directory %q: %w", path, err)
	}
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{})
	opts.NumVersionsToKeep = 1
	opts.SyncWrites = false

	core.TimeInfof("Opening badger snapshot @ path %s\n", path)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Snapshot{db: db, path: path, blockRows: blockRows}, nil
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("badger snapshot @ %s", s.path)
}

// Close closes the badger database.
func (s *Snapshot) Close() error {
	return s.db.Close()
}

// Info returns the metadata of the current snapshot.  found is false if no
// snapshot has been saved.
func (s *Snapshot) Info() (info SnapshotInfo, found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			info, err = decodeInfo(val)
			return err
		})
	})
	return
}

// Save writes every row of the store as a new generation, then switches the
// metadata to it and drops the previous generation.
func (s *Snapshot) Save(store *graph.Store, source string) (SnapshotInfo, error) {
	timedLog := core.NewTimeLog()
	prev, found, err := s.Info()
	if err != nil {
		return SnapshotInfo{}, err
	}
	info := SnapshotInfo{Source: source}
	if found {
		info.Generation = prev.Generation + 1
	}

	// Copy rows out so the store lock is not held while encoding.
	rows := make([]graph.Edge, 0, store.NumRows())
	store.Rows(func(e graph.Edge) error {
		rows = append(rows, e)
		return nil
	})

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for start := 0; start < len(rows); start += s.blockRows {
		end := start + s.blockRows
		if end > len(rows) {
			end = len(rows)
		}
		if err := wb.Set(blockKey(info.Generation, info.Blocks), encodeBlock(rows[start:end])); err != nil {
			return SnapshotInfo{}, err
		}
		info.Blocks++
	}
	if err := wb.Flush(); err != nil {
		return SnapshotInfo{}, fmt.Errorf("can't write snapshot blocks: %w", err)
	}

	info.Rows = uint64(len(rows))
	info.Saved = time.Now()
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey, info.encode())
	}); err != nil {
		return SnapshotInfo{}, fmt.Errorf("can't write snapshot metadata: %w", err)
	}
	if found {
		if err := s.db.DropPrefix(blockPrefix(prev.Generation)); err != nil {
			core.Errorf("unable to drop snapshot generation %d: %v\n", prev.Generation, err)
		}
	}
	timedLog.Infof("Saved %d rows in %d blocks to %s", info.Rows, info.Blocks, s)
	return info, nil
}

// Load merges the saved rows into the store.
func (s *Snapshot) Load(store *graph.Store) (SnapshotInfo, error) {
	timedLog := core.NewTimeLog()
	info, found, err := s.Info()
	if err != nil {
		return info, err
	}
	if !found {
		return info, ErrNoSnapshot
	}
	var blocks uint32
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = blockPrefix(info.Generation)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				edges, err := decodeBlock(val)
				if err != nil {
					return err
				}
				_, err = store.Merge(edges)
				return err
			})
			if err != nil {
				return fmt.Errorf("bad snapshot block %x: %w", it.Item().Key(), err)
			}
			blocks++
		}
		return nil
	})
	if err != nil {
		return info, err
	}
	if blocks != info.Blocks {
		return info, fmt.Errorf("snapshot generation %d has %d blocks, expected %d", info.Generation, blocks, info.Blocks)
	}
	timedLog.Infof("Loaded %d rows from %s", info.Rows, s)
	return info, nil
}
