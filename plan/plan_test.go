package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanSingleChunkForSmallFile(t *testing.T) {
	ranges := Plan(400000, 524288)
	assert.Len(t, ranges, 1)
	assert.Equal(t, Range{Start: 0, End: 399999}, ranges[0])
}

func TestPlanMultiChunkExactMultiple(t *testing.T) {
	ranges := Plan(2097152, 524288)
	want := []Range{
		{Start: 0, End: 524287},
		{Start: 524288, End: 1048575},
		{Start: 1048576, End: 1572863},
		{Start: 1572864, End: 2097151},
	}
	assert.Equal(t, want, ranges)
}

func TestPlanMultiChunkRemainder(t *testing.T) {
	ranges := Plan(1000000, 524288)
	assert.Len(t, ranges, 2)
	assert.Equal(t, int64(524288), ranges[0].Length())
	assert.Equal(t, Range{Start: 524288, End: 999999}, ranges[1])
}

func TestPlanZeroSizeYieldsOneEmptyChunk(t *testing.T) {
	ranges := Plan(0, 524288)
	assert.Len(t, ranges, 1)
}
