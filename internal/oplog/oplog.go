// Package oplog reads and writes the packed operation-record files consumed
// by the benchmark harness. A file is a record count followed by that many
// fixed-size records, all in host byte order.
package oplog

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Insert is one keyed write record.
type Insert struct {
	Key   int32
	Value int32
}

// Lookup is one key-only read record.
type Lookup struct {
	Key int32
}

// Remove is one key-only delete record.
type Remove struct {
	Key int32
}

// ReadInserts decodes an insert file from r.
func ReadInserts(r io.Reader) ([]Insert, error) {
	return readRecords[Insert](r)
}

// ReadLookups decodes a lookup file from r.
func ReadLookups(r io.Reader) ([]Lookup, error) {
	return readRecords[Lookup](r)
}

// ReadRemoves decodes a remove file from r.
func ReadRemoves(r io.Reader) ([]Remove, error) {
	return readRecords[Remove](r)
}

// WriteInserts encodes recs to w in the packed layout.
func WriteInserts(w io.Writer, recs []Insert) error {
	return writeRecords(w, recs)
}

// WriteLookups encodes recs to w in the packed layout.
func WriteLookups(w io.Writer, recs []Lookup) error {
	return writeRecords(w, recs)
}

// WriteRemoves encodes recs to w in the packed layout.
func WriteRemoves(w io.Writer, recs []Remove) error {
	return writeRecords(w, recs)
}

func readRecords[T any](r io.Reader) ([]T, error) {
	var n int32
	if err := binary.Read(r, binary.NativeEndian, &n); err != nil {
		return nil, fmt.Errorf("oplog: reading record count: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("oplog: negative record count %d", n)
	}
	out := make([]T, n)
	if err := binary.Read(r, binary.NativeEndian, out); err != nil {
		return nil, fmt.Errorf("oplog: reading %d records: %w", n, err)
	}
	return out, nil
}

func writeRecords[T any](w io.Writer, recs []T) error {
	if err := binary.Write(w, binary.NativeEndian, int32(len(recs))); err != nil {
		return fmt.Errorf("oplog: writing record count: %w", err)
	}
	if err := binary.Write(w, binary.NativeEndian, recs); err != nil {
		return fmt.Errorf("oplog: writing %d records: %w", len(recs), err)
	}
	return nil
}
