// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegments_SingleChunk(t *testing.T) {
	t.Parallel()

	segs := Segments(0, 1, 4096, 4<<20)
	require.Len(t, segs, 1)
	assert.Equal(t, Segment{ChunkID: 0, Offset: 0, Length: 4096, DeviceOffset: 0}, segs[0])
}

func TestSegments_ChunkBoundary(t *testing.T) {
	t.Parallel()

	// 2 blocks per chunk. Block 1 is the last block of chunk 0, block 2
	// the first of chunk 1.
	segs := Segments(1, 1, 4096, 8192)
	require.Len(t, segs, 1)
	assert.Equal(t, Segment{ChunkID: 0, Offset: 4096, Length: 4096, DeviceOffset: 4096}, segs[0])

	segs = Segments(2, 1, 4096, 8192)
	require.Len(t, segs, 1)
	assert.Equal(t, Segment{ChunkID: 1, Offset: 0, Length: 4096, DeviceOffset: 8192}, segs[0])

	segs = Segments(1, 2, 4096, 8192)
	require.Len(t, segs, 2)
	assert.Equal(t, Segment{ChunkID: 0, Offset: 4096, Length: 4096, DeviceOffset: 4096}, segs[0])
	assert.Equal(t, Segment{ChunkID: 1, Offset: 0, Length: 4096, DeviceOffset: 8192}, segs[1])
}

func TestSegments_Spanning(t *testing.T) {
	t.Parallel()

	// 512 byte blocks, 2048 byte chunks: blocks 3..12 touch chunks 0..3.
	segs := Segments(3, 10, 512, 2048)
	require.Len(t, segs, 4)
	assert.Equal(t, []Segment{
		{ChunkID: 0, Offset: 1536, Length: 512, DeviceOffset: 1536},
		{ChunkID: 1, Offset: 0, Length: 2048, DeviceOffset: 2048},
		{ChunkID: 2, Offset: 0, Length: 2048, DeviceOffset: 4096},
		{ChunkID: 3, Offset: 0, Length: 512, DeviceOffset: 6144},
	}, segs)
}

func TestSegments_Empty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Segments(10, 0, 4096, 8192))
}

func TestSegments_Cover(t *testing.T) {
	t.Parallel()

	const (
		blockSize = 512
		chunkSize = 4 * 512
		blocks    = 64
	)

	for start := uint64(0); start < blocks; start++ {
		for n := uint64(1); start+n <= blocks; n++ {
			segs := Segments(start, n, blockSize, chunkSize)
			require.NotEmpty(t, segs)

			off := start * blockSize
			var total uint64
			for i, s := range segs {
				require.NotZero(t, s.Length)
				require.Equal(t, off, s.DeviceOffset, "start=%d n=%d seg=%d", start, n, i)
				require.Equal(t, s.DeviceOffset/chunkSize, s.ChunkID)
				require.Equal(t, s.DeviceOffset%chunkSize, s.Offset)
				require.LessOrEqual(t, s.Offset+s.Length, uint64(chunkSize))
				if i > 0 {
					require.Equal(t, segs[i-1].ChunkID+1, s.ChunkID)
				}

				off = s.End()
				total += s.Length
			}

			require.Equal(t, n*blockSize, total)
			require.Equal(t, (start+n)*blockSize, off)
		}
	}
}

func TestCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(4), Count(16<<20, 4<<20))
	assert.Equal(t, uint64(5), Count(16<<20+4096, 4<<20))
	assert.Equal(t, uint64(1), Count(4096, 4<<20))
}

func TestPath(t *testing.T) {
	t.Parallel()

	p, err := Path("vol1", "bucket1", "dev0", 0, DefaultMaxPathLen)
	require.NoError(t, err)
	assert.Equal(t, "/vol1/bucket1/dev0/chunk_0", p)

	p, err = Path("vol1", "bucket1", "dev0", 1234567, DefaultMaxPathLen)
	require.NoError(t, err)
	assert.Equal(t, "/vol1/bucket1/dev0/chunk_1234567", p)
}

func TestPath_NameTooLong(t *testing.T) {
	t.Parallel()

	exact := "/v/b/d/chunk_10"
	p, err := Path("v", "b", "d", 10, len(exact))
	require.NoError(t, err)
	assert.Equal(t, exact, p)

	_, err = Path("v", "b", "d", 10, len(exact)-1)
	assert.ErrorIs(t, err, ErrNameTooLong)

	_, err = Path("vol", "bucket", strings.Repeat("d", DefaultMaxPathLen), 0, DefaultMaxPathLen)
	assert.ErrorIs(t, err, ErrNameTooLong)
}
