package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
)

func newTestSelector() *Selector {
	return NewSelector(config.New(), 6, zap.NewNop())
}

func TestSelectSmallTableDirect(t *testing.T) {
	sel := newTestSelector().Select(&TableCharacteristics{
		TableName:         "public.tiny",
		RowCount:          200,
		SupportsStreaming: true,
	})

	assert.Equal(t, MethodDirect, sel.Method)
	assert.Equal(t, 1, sel.Workers)
}

func TestSelectRangeBelowCeiling(t *testing.T) {
	sel := newTestSelector().Select(&TableCharacteristics{
		TableName:   "public.orders",
		RowCount:    10_000_000,
		RangeColumn: &RangeInfo{ColumnName: "id", Kind: RangeInteger, Min: 1, Max: 10_000_000},
	})

	assert.Equal(t, MethodRange, sel.Method)
	assert.Positive(t, sel.ChunkRows)
	assert.Positive(t, sel.Workers)
}

// A sequential range column stays eligible past the range ceiling: equal
// value widths map to equal row counts, so the plan stays balanced.
func TestSelectSequentialRangeAboveCeiling(t *testing.T) {
	sel := newTestSelector().Select(&TableCharacteristics{
		TableName: "public.events",
		RowCount:  80_000_000,
		RangeColumn: &RangeInfo{
			ColumnName:   "id",
			Kind:         RangeInteger,
			Min:          1,
			Max:          90_000_000,
			IsSequential: true,
		},
		SupportsStreaming: true,
	})

	assert.Equal(t, MethodRange, sel.Method)
}

func TestSelectNonSequentialAboveCeilingAvoidsRange(t *testing.T) {
	sel := newTestSelector().Select(&TableCharacteristics{
		TableName: "public.skewed",
		RowCount:  80_000_000,
		RangeColumn: &RangeInfo{
			ColumnName: "account_id",
			Kind:       RangeInteger,
			Min:        1,
			Max:        5_000_000_000,
		},
		SupportsStreaming: false,
	})

	assert.Equal(t, MethodOffset, sel.Method)
	assert.Empty(t, sel.Warning)
}

func TestSelectStreamingWhenOffsetDangerous(t *testing.T) {
	sel := newTestSelector().Select(&TableCharacteristics{
		TableName:         "public.huge_heap",
		RowCount:          120_000_000,
		SupportsStreaming: true,
	})

	assert.Equal(t, MethodStreaming, sel.Method)
	assert.Equal(t, 1, sel.Workers)
}

func TestSelectOffsetWithWarningWhenStreamingUnsupported(t *testing.T) {
	sel := newTestSelector().Select(&TableCharacteristics{
		TableName:         "public.huge_heap",
		RowCount:          120_000_000,
		SupportsStreaming: false,
	})

	assert.Equal(t, MethodOffset, sel.Method)
	assert.NotEmpty(t, sel.Warning)
}

func TestSelectForceStreamingOverridesRangeCandidate(t *testing.T) {
	sel := newTestSelector().Select(&TableCharacteristics{
		TableName: "public.colossal",
		RowCount:  150_000_000,
		RangeColumn: &RangeInfo{
			ColumnName: "created_at",
			Kind:       RangeTimestamp,
			Min:        1_500_000_000,
			Max:        1_700_000_000,
		},
		SupportsStreaming: true,
	})

	assert.Equal(t, MethodStreaming, sel.Method)
}

func TestSelectOffsetFallback(t *testing.T) {
	sel := newTestSelector().Select(&TableCharacteristics{
		TableName:         "public.middling",
		RowCount:          5_000_000,
		SupportsStreaming: true,
	})

	assert.Equal(t, MethodOffset, sel.Method)
	assert.Empty(t, sel.Warning)
}
