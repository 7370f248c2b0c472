package partfile

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/quarrydata/quarry/pkg/qerrors"
)

// MetadataFileName is the per-table export manifest, written only after all
// part-files for the table are verified.
const MetadataFileName = "_export_metadata.json"

// StatusComplete marks a fully verified table export.
const StatusComplete = "complete"

// Metadata is the per-table export manifest consumed by downstream transfer
// tooling and by idempotence checks on re-runs.
type Metadata struct {
	TableName       string   `json:"table_name"`
	TotalRows       int64    `json:"total_rows"`
	ExportTimestamp string   `json:"export_timestamp"`
	Status          string   `json:"status"`
	Method          string   `json:"export_method,omitempty"`
	Partitioned     bool     `json:"partitioned"`
	ChunkCount      int      `json:"chunk_count,omitempty"`
	ChunkSize       int64    `json:"chunk_size,omitempty"`
	Files           []string `json:"files"`
}

// WriteMetadata atomically writes the manifest into dir.
func WriteMetadata(dir string, md *Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to encode export metadata")
	}

	final := filepath.Join(dir, MetadataFileName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil { //nolint:gosec
		return qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to write export metadata")
	}
	if err := os.Rename(tmp, final); err != nil {
		return qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to publish export metadata")
	}
	return nil
}

// ReadMetadata loads the manifest from dir. Returns (nil, nil) when none
// exists.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFileName)) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to read export metadata")
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to decode export metadata")
	}
	return &md, nil
}
