package models

import "fmt"

// TotalChunks returns ceil(size/chunkSize).
func TotalChunks(size, chunkSize int64) uint32 {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return uint32((size + chunkSize - 1) / chunkSize)
}

// ChunkRange returns the inclusive byte range and length of chunk index.
// The last chunk may be shorter than chunkSize.
func ChunkRange(index uint32, size, chunkSize int64) (start, end, length int64, err error) {
	total := TotalChunks(size, chunkSize)
	if index >= total {
		return 0, 0, 0, fmt.Errorf("chunk index %d out of range [0, %d)", index, total)
	}
	start = int64(index) * chunkSize
	end = start + chunkSize - 1
	if end > size-1 {
		end = size - 1
	}
	return start, end, end - start + 1, nil
}

func (s *TransferSession) ChunkRange(index uint32) (start, end, length int64, err error) {
	return ChunkRange(index, s.DeclaredSize, s.ChunkSize)
}

// MissingIndices returns every index in [0,total) not present in completed.
func MissingIndices(total uint32, completed []uint32) []uint32 {
	seen := make([]bool, total)
	for _, i := range completed {
		if i < total {
			seen[i] = true
		}
	}
	missing := make([]uint32, 0)
	for i := uint32(0); i < total; i++ {
		if !seen[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// ByteRange is the slice of a file one chunk covers, with the totals a
// client needs to place it.
type ByteRange struct {
	Index       uint32
	Start       int64
	End         int64
	Length      int64
	Size        int64
	TotalChunks uint32
}
