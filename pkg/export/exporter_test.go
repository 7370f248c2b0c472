package export

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/partfile"
	"github.com/quarrydata/quarry/pkg/schema"
)

func testTable() *schema.Table {
	return &schema.Table{
		Name: "public.orders",
		Columns: []schema.Column{
			{Name: "order_id", Type: schema.TypeInt, NativeType: "bigint"},
			{Name: "amount", Type: schema.TypeFloat, NativeType: "numeric"},
			{Name: "placed_at", Type: schema.TypeTimestamp, NativeType: "timestamp"},
		},
	}
}

func newTestExporter() *Exporter {
	return NewExporter(nil, config.New(), "postgresql", zap.NewNop())
}

func completeMetadata(dir string, files []string) *partfile.Metadata {
	return &partfile.Metadata{
		TableName:       "public.orders",
		TotalRows:       1000,
		ExportTimestamp: time.Now().UTC().Format(time.RFC3339),
		Status:          partfile.StatusComplete,
		Partitioned:     true,
		ChunkCount:      len(files),
		ChunkSize:       500,
		Files:           files,
	}
}

func TestCheckExistingSkipsCompleteExport(t *testing.T) {
	e := newTestExporter()
	dir := t.TempDir()

	files := []string{partfile.Name(0), partfile.Name(1)}
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("part"), 0644))
	}
	require.NoError(t, partfile.WriteMetadata(dir, completeMetadata(dir, files)))

	outcome := e.checkExisting(dir, "public.orders")
	require.NotNil(t, outcome)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, int64(1000), outcome.Rows)
	assert.Equal(t, files, outcome.Files)
}

// A skipped outcome reports the method recorded in the manifest, so an
// offset export is not misreported as range.
func TestCheckExistingReportsRecordedMethod(t *testing.T) {
	e := newTestExporter()

	cases := []struct {
		name        string
		method      string
		partitioned bool
		want        Method
	}{
		{"recorded offset", string(MethodOffset), true, MethodOffset},
		{"recorded streaming", string(MethodStreaming), false, MethodStreaming},
		{"legacy partitioned", "", true, MethodRange},
		{"legacy single file", "", false, MethodDirect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			files := []string{partfile.Name(0)}
			require.NoError(t, os.WriteFile(filepath.Join(dir, files[0]), []byte("part"), 0644))

			md := completeMetadata(dir, files)
			md.Method = tc.method
			md.Partitioned = tc.partitioned
			require.NoError(t, partfile.WriteMetadata(dir, md))

			outcome := e.checkExisting(dir, "public.orders")
			require.NotNil(t, outcome)
			assert.Equal(t, tc.want, outcome.Method)
		})
	}
}

func TestCheckExistingIgnoresOtherTable(t *testing.T) {
	e := newTestExporter()
	dir := t.TempDir()

	files := []string{partfile.Name(0)}
	require.NoError(t, os.WriteFile(filepath.Join(dir, files[0]), []byte("part"), 0644))
	require.NoError(t, partfile.WriteMetadata(dir, completeMetadata(dir, files)))

	assert.Nil(t, e.checkExisting(dir, "public.customers"))
}

// A complete metadata record whose part-files have gone missing cannot be
// trusted; the table re-exports.
func TestCheckExistingRequiresPartFiles(t *testing.T) {
	e := newTestExporter()
	dir := t.TempDir()

	require.NoError(t, partfile.WriteMetadata(dir, completeMetadata(dir, []string{partfile.Name(0)})))

	assert.Nil(t, e.checkExisting(dir, "public.orders"))
}

func TestCheckExistingIgnoresIncompleteStatus(t *testing.T) {
	e := newTestExporter()
	dir := t.TempDir()

	md := completeMetadata(dir, nil)
	md.Status = "in_progress"
	require.NoError(t, partfile.WriteMetadata(dir, md))

	assert.Nil(t, e.checkExisting(dir, "public.orders"))
}

func TestCheckExistingNoMetadata(t *testing.T) {
	e := newTestExporter()
	assert.Nil(t, e.checkExisting(t.TempDir(), "public.orders"))
}

func TestOutputDir(t *testing.T) {
	assert.Equal(t, filepath.Join("/out", "public.orders"), OutputDir("/out", "public.orders"))
	assert.Equal(t, filepath.Join("/out", "a_b"), OutputDir("/out", "a/b"))
}
