package core

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/twinj/uuid"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
)

// NewUUID returns a random identifier as a hex string.
func NewUUID() string {
	return fmt.Sprintf("%x", uuid.NewV4().Bytes())
}

// ConvertToAbsolute returns the absolute form of path, interpreting relative
// paths as relative to relativeTo.
func ConvertToAbsolute(path, relativeTo string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	abs, err := filepath.Abs(filepath.Join(relativeTo, path))
	if err != nil {
		return "", fmt.Errorf("unable to make %q absolute relative to %q: %v", path, relativeTo, err)
	}
	return abs, nil
}

// UUIDsMatch returns true if the two uuids are equal or one is an abbreviation
// (prefix) of the other.  Empty uuids never match.
func UUIDsMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	return strings.EqualFold(a[:n], b[:n])
}

// SortedUint64 returns a sorted copy of the given values.
func SortedUint64(vals []uint64) []uint64 {
	out := make([]uint64, len(vals))
	copy(out, vals)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
