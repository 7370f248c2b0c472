package export

import (
	"github.com/quarrydata/quarry/pkg/config"
)

// tierFor returns the chunk sizing tier for a row count. Tiers are ordered
// by descending MinRows; the last tier is the catch-all.
func tierFor(rowCount int64, tiers []config.ChunkTier) config.ChunkTier {
	for _, t := range tiers {
		if rowCount >= t.MinRows {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// targetChunkRows computes the per-chunk row target for a table: row count
// divided by the tier's chunk cap, floored at the tier's minimum chunk size.
// A positive per-job chunk size hint overrides the tier arithmetic.
func targetChunkRows(rowCount int64, cfg config.ExportConfig) int64 {
	if cfg.ChunkSizeHint > 0 {
		return cfg.ChunkSizeHint
	}
	tier := tierFor(rowCount, cfg.ChunkTiers)

	chunkRows := rowCount / int64(tier.MaxChunks)
	if rowCount%int64(tier.MaxChunks) != 0 {
		chunkRows++
	}
	if chunkRows < tier.MinChunkRows {
		chunkRows = tier.MinChunkRows
	}
	return chunkRows
}

// PlanRanges divides [info.Min, info.Max] into equal-width sub-ranges sized
// to the row-count tier. The partition is gap-free and exhaustive by
// construction: start_i = min + i*width, end_i = start_{i+1} - 1, and the
// final chunk absorbs the remainder with end = max. No query is needed to
// verify coverage.
func PlanRanges(info *RangeInfo, rowCount int64, cfg config.ExportConfig) []ChunkPlan {
	span := info.Max - info.Min + 1
	if span <= 0 || rowCount <= 0 {
		return []ChunkPlan{{Index: 0, Start: info.Min, End: info.Max}}
	}

	chunkRows := targetChunkRows(rowCount, cfg)
	numChunks := rowCount / chunkRows
	if rowCount%chunkRows != 0 {
		numChunks++
	}
	if numChunks < 1 {
		numChunks = 1
	}
	// Never more chunks than distinct boundary values.
	if numChunks > span {
		numChunks = span
	}

	width := span / numChunks

	plans := make([]ChunkPlan, 0, numChunks)
	for i := int64(0); i < numChunks; i++ {
		start := info.Min + i*width
		end := start + width - 1
		if i == numChunks-1 {
			end = info.Max
		}
		plans = append(plans, ChunkPlan{Index: int(i), Start: start, End: end})
	}
	return plans
}

// PlanOffsets divides [0, rowCount) into fixed-size offset/limit windows.
// Start is the offset, End the limit.
func PlanOffsets(rowCount, chunkRows int64) []ChunkPlan {
	if chunkRows <= 0 {
		chunkRows = rowCount
	}
	numChunks := rowCount / chunkRows
	if rowCount%chunkRows != 0 {
		numChunks++
	}
	if numChunks < 1 {
		numChunks = 1
	}

	plans := make([]ChunkPlan, 0, numChunks)
	for i := int64(0); i < numChunks; i++ {
		plans = append(plans, ChunkPlan{Index: int(i), Start: i * chunkRows, End: chunkRows})
	}
	return plans
}

// workersFor sizes the chunk worker pool: the configured base, boosted for
// large range counts, capped by the configured maximum, the connection pool
// budget, and the chunk count itself.
func workersFor(chunks int, cfg config.ExportConfig, poolMax int32) int {
	workers := cfg.Workers
	if chunks > cfg.WorkerBoostRanges {
		workers += 2
	}
	if workers > cfg.MaxWorkers {
		workers = cfg.MaxWorkers
	}
	if workers > int(poolMax) {
		workers = int(poolMax)
	}
	if workers > chunks {
		workers = chunks
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}
