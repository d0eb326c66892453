// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package chunk maps block ranges of a device onto the fixed-size chunk
// objects that store them.
package chunk

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// Longest path accepted by default. It is the S3 key limit, the
	// smallest of the supported backends.
	DefaultMaxPathLen = 1024

	pathPrefix = "chunk_"
)

var ErrNameTooLong = errors.New("name too long")

// Segment is the part of one chunk touched by a request.
type Segment struct {
	// Index of the chunk, starting from 0 at the device start.
	ChunkID uint64

	// Offset of the segment inside the chunk.
	Offset uint64

	// Length of the segment in bytes. Never zero.
	Length uint64

	// Offset of the segment from the device start.
	DeviceOffset uint64
}

// End returns the device offset just after the segment.
func (s Segment) End() uint64 {
	return s.DeviceOffset + s.Length
}

// Segments returns the chunk segments covering numBlocks blocks starting at
// startBlock, in ascending chunk order. Segments are contiguous, do not
// overlap and cover exactly the requested range. The caller guarantees the
// range does not overflow.
func Segments(startBlock, numBlocks uint64, blockSize, chunkSize uint32) []Segment {
	if numBlocks == 0 {
		return nil
	}

	cs := uint64(chunkSize)
	start := startBlock * uint64(blockSize)
	end := start + numBlocks*uint64(blockSize)

	segments := make([]Segment, 0, (end-1)/cs-start/cs+1)

	for off := start; off < end; {
		id := off / cs
		chunkEnd := (id + 1) * cs
		if chunkEnd > end {
			chunkEnd = end
		}

		segments = append(segments, Segment{
			ChunkID:      id,
			Offset:       off - id*cs,
			Length:       chunkEnd - off,
			DeviceOffset: off,
		})

		off = chunkEnd
	}

	return segments
}

// Count returns the number of chunks needed for a device of sizeBytes.
func Count(sizeBytes uint64, chunkSize uint32) uint64 {
	cs := uint64(chunkSize)

	return (sizeBytes + cs - 1) / cs
}

// Path returns the backing store path of a chunk:
// /<volume>/<bucket>/<device>/chunk_<id>. It fails with ErrNameTooLong when
// the result would be longer than maxLen bytes. The layout is persistent and
// must not change.
func Path(volume, bucket, device string, chunkID uint64, maxLen int) (string, error) {
	id := strconv.FormatUint(chunkID, 10)

	n := 3 + len(volume) + len(bucket) + len(device) + 1 + len(pathPrefix) + len(id)
	if n > maxLen {
		return "", fmt.Errorf("chunk %d of %s: %d > %d bytes: %w", chunkID, device, n, maxLen, ErrNameTooLong)
	}

	b := make([]byte, 0, n)
	b = append(b, '/')
	b = append(b, volume...)
	b = append(b, '/')
	b = append(b, bucket...)
	b = append(b, '/')
	b = append(b, device...)
	b = append(b, '/')
	b = append(b, pathPrefix...)
	b = append(b, id...)

	return string(b), nil
}
