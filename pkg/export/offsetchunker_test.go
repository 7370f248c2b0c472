package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/partfile"
	"github.com/quarrydata/quarry/pkg/qerrors"
)

func newTestOffsetChunker() *OffsetChunker {
	return NewOffsetChunker(nil, config.New(), zap.NewNop())
}

func writePart(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("columnar bytes for "+name), 0644))
	sum, err := partfile.Checksum(path)
	require.NoError(t, err)
	return sum
}

func TestProgressRoundTrip(t *testing.T) {
	c := newTestOffsetChunker()
	dir := t.TempDir()

	sum := writePart(t, dir, partfile.Name(0))
	tracker := &progressFile{
		TableName: "public.orders",
		ChunkSize: 500,
		Chunks: map[string]chunkRecord{
			"0": {Rows: 500, File: partfile.Name(0), Checksum: sum},
		},
	}
	require.NoError(t, c.saveProgress(dir, tracker))

	loaded, resumed := c.loadProgress(dir, "public.orders", 500)
	assert.True(t, resumed)
	require.Len(t, loaded.Chunks, 1)
	assert.Equal(t, int64(500), loaded.Chunks["0"].Rows)
}

func TestLoadProgressMissingFileStartsFresh(t *testing.T) {
	c := newTestOffsetChunker()

	loaded, resumed := c.loadProgress(t.TempDir(), "public.orders", 500)
	assert.False(t, resumed)
	assert.Empty(t, loaded.Chunks)
}

// A part-file modified since the progress record was written must re-export:
// its checksum no longer matches.
func TestLoadProgressDropsTamperedChunks(t *testing.T) {
	c := newTestOffsetChunker()
	dir := t.TempDir()

	sum := writePart(t, dir, partfile.Name(0))
	require.NoError(t, c.saveProgress(dir, &progressFile{
		TableName: "public.orders",
		ChunkSize: 500,
		Chunks: map[string]chunkRecord{
			"0": {Rows: 500, File: partfile.Name(0), Checksum: sum},
		},
	}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, partfile.Name(0)), []byte("truncated"), 0644))

	loaded, resumed := c.loadProgress(dir, "public.orders", 500)
	assert.False(t, resumed)
	assert.Empty(t, loaded.Chunks)
}

// Progress planned with a different chunk size describes different windows;
// it is discarded wholesale rather than partially trusted.
func TestLoadProgressRejectsChunkSizeMismatch(t *testing.T) {
	c := newTestOffsetChunker()
	dir := t.TempDir()

	sum := writePart(t, dir, partfile.Name(0))
	require.NoError(t, c.saveProgress(dir, &progressFile{
		TableName: "public.orders",
		ChunkSize: 500,
		Chunks: map[string]chunkRecord{
			"0": {Rows: 500, File: partfile.Name(0), Checksum: sum},
		},
	}))

	loaded, resumed := c.loadProgress(dir, "public.orders", 1000)
	assert.False(t, resumed)
	assert.Empty(t, loaded.Chunks)
}

func TestVerifyRowCount(t *testing.T) {
	c := newTestOffsetChunker()

	// Fresh runs demand an exact match.
	assert.NoError(t, c.verifyRowCount(1000, 1000, false))
	err := c.verifyRowCount(999, 1000, false)
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeIntegrity))

	// Resumed runs tolerate drift within the configured fraction.
	assert.NoError(t, c.verifyRowCount(999_000, 1_000_000, true))
	assert.Error(t, c.verifyRowCount(900_000, 1_000_000, true))
}

func TestOrderColumnPrefersPrimaryKey(t *testing.T) {
	table := testTable()

	withPK := &TableCharacteristics{PrimaryKeyColumn: "order_id"}
	assert.Equal(t, "order_id", orderColumn(table, withPK))

	withoutPK := &TableCharacteristics{}
	assert.Equal(t, table.Columns[0].Name, orderColumn(table, withoutPK))
}
