package oplog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertFileRoundTrip(t *testing.T) {
	recs := []Insert{
		{Key: 1, Value: 100},
		{Key: -7, Value: 0},
		{Key: 1 << 30, Value: -1},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteInserts(&buf, recs))

	// Packed layout: a 4-byte count followed by 8-byte records.
	require.Equal(t, 4+8*len(recs), buf.Len())

	got, err := ReadInserts(&buf)
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}

func TestKeyOnlyFiles(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLookups(&buf, []Lookup{{Key: 5}, {Key: 6}}))
	require.Equal(t, 4+4*2, buf.Len())

	lookups, err := ReadLookups(&buf)
	require.NoError(t, err)
	assert.Equal(t, []Lookup{{Key: 5}, {Key: 6}}, lookups)

	buf.Reset()
	require.NoError(t, WriteRemoves(&buf, []Remove{{Key: 9}}))
	removes, err := ReadRemoves(&buf)
	require.NoError(t, err)
	assert.Equal(t, []Remove{{Key: 9}}, removes)
}

func TestTruncatedFile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInserts(&buf, []Insert{{Key: 1, Value: 2}, {Key: 3, Value: 4}}))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	_, err := ReadInserts(truncated)
	require.Error(t, err)
}

func TestNegativeCount(t *testing.T) {
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadInserts(buf)
	require.ErrorContains(t, err, "negative record count")
}
