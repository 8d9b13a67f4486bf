package tracestore

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ttdtools/timetrack/pkg/replay"
)

func sampleRecords() []Record {
	return []Record{
		{ID: 1, Depth: 0, Position: replay.Position{Seq: 2, Step: 0}, Symbol: "main+0x7", Instruction: "mov rax, rbx", Description: "copy from rbx", LinkHint: LinkHint(replay.Position{Seq: 2, Step: 0})},
		{ID: 2, ParentID: 1, Depth: 1, Position: replay.Position{Seq: 1, Step: 0}, Symbol: "main", Instruction: "mov rbx, 0x5", Description: "constant 0x5", LinkHint: "goto 1:0"},
		{ID: 3, ParentID: 1, Depth: 1, Position: replay.Position{Seq: 1, Step: 1}, Description: "origin not found", LinkHint: "goto 1:1"},
	}
}

func TestRecordSize(t *testing.T) {
	require.Equal(t, 924, RecordSize)
}

func TestStoreRoundTrip(t *testing.T) {
	s, err := Create(t.TempDir())
	require.NoError(t, err)
	defer s.Remove()

	recs := sampleRecords()
	for _, r := range recs {
		require.NoError(t, s.Append(r))
	}
	require.Equal(t, len(recs), s.Len())

	tree, err := s.Tree()
	require.NoError(t, err)
	require.Equal(t, recs, tree.Records())

	roots := tree.Roots()
	require.Len(t, roots, 1)
	require.True(t, roots[0].IsRoot())
	children := tree.Children(1)
	require.Len(t, children, 2)
	require.Equal(t, int32(2), children[0].ID)
	require.Equal(t, int32(3), children[1].ID)
	require.Empty(t, tree.Children(2))

	// appending after reading back keeps the log usable
	require.NoError(t, s.Append(Record{ID: 4, ParentID: 2, Depth: 2}))
	tree, err = s.Tree()
	require.NoError(t, err)
	require.Equal(t, 4, tree.Len())
}

func TestStoreRemove(t *testing.T) {
	s, err := Create(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Append(sampleRecords()[0]))
	_, err = os.Stat(s.Path())
	require.NoError(t, err)

	require.NoError(t, s.Remove())
	_, err = os.Stat(s.Path())
	require.True(t, os.IsNotExist(err))
	require.NoError(t, s.Remove())

	var ioerr *StoreIOError
	require.ErrorAs(t, s.Append(sampleRecords()[0]), &ioerr)
	require.Equal(t, "write", ioerr.Op)
}

func TestStoreCreateFailure(t *testing.T) {
	_, err := Create("/nonexistent/directory/for/timetrack")
	var ioerr *StoreIOError
	require.ErrorAs(t, err, &ioerr)
	require.Equal(t, "create", ioerr.Op)
}

func TestStoreTruncatedRecord(t *testing.T) {
	s, err := Create(t.TempDir())
	require.NoError(t, err)
	defer s.Remove()
	for _, r := range sampleRecords()[:2] {
		require.NoError(t, s.Append(r))
	}
	require.NoError(t, s.w.Flush())
	_, err = s.f.Write(make([]byte, RecordSize/2))
	require.NoError(t, err)

	tree, err := s.Tree()
	require.NoError(t, err)
	require.Equal(t, 2, tree.Len())
}

func TestStringTruncation(t *testing.T) {
	long := strings.Repeat("a", 254) + "é" + "tail"
	r := Record{ID: 1, Description: long, Symbol: strings.Repeat("s", 300)}
	var sb strings.Builder
	require.NoError(t, r.encode(&sb))
	got, err := decodeRecord([]byte(sb.String()))
	require.NoError(t, err)
	// "é" does not fit in the 255 bytes left before the terminator
	require.Equal(t, strings.Repeat("a", 254), got.Description)
	require.Len(t, got.Symbol, 255)
}
