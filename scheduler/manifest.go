package scheduler

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// ErrInvalidManifest indicates a manifest whose chunk list is malformed.
var ErrInvalidManifest = errors.New("invalid manifest")

// ChunkInfo describes one manifest-declared byte range of a file.
type ChunkInfo struct {
	Index uint32
	Size  uint64
	// Checksum is an optional content identifier for the chunk. It is
	// carried for collaborators; the scheduler never verifies chunk data.
	Checksum string
}

// Manifest is the immutable ordered chunk list of one transfer session.
type Manifest struct {
	chunks    []ChunkInfo
	totalSize uint64
}

// NewManifest validates and copies the chunk list. Indices must be dense and
// in order starting at zero, and a non-empty checksum must parse as a CID.
func NewManifest(chunks []ChunkInfo) (*Manifest, error) {
	m := &Manifest{chunks: make([]ChunkInfo, len(chunks))}

	for i, c := range chunks {
		if int(c.Index) != i {
			return nil, fmt.Errorf("%w: chunk at position %d has index %d", ErrInvalidManifest, i, c.Index)
		}
		if c.Checksum != "" {
			if _, err := cid.Decode(c.Checksum); err != nil {
				return nil, fmt.Errorf("%w: chunk %d checksum: %v", ErrInvalidManifest, i, err)
			}
		}
		m.chunks[i] = c
		m.totalSize += c.Size
	}

	return m, nil
}

// UniformManifest builds a manifest that splits fileSize into chunkSize
// pieces; the last chunk holds the remainder.
func UniformManifest(fileSize, chunkSize uint64) (*Manifest, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", ErrInvalidManifest)
	}

	var chunks []ChunkInfo
	for offset, idx := uint64(0), uint32(0); offset < fileSize; offset, idx = offset+chunkSize, idx+1 {
		size := chunkSize
		if fileSize-offset < chunkSize {
			size = fileSize - offset
		}
		chunks = append(chunks, ChunkInfo{Index: idx, Size: size})
	}

	return NewManifest(chunks)
}

// Len returns the number of chunks.
func (m *Manifest) Len() int {
	return len(m.chunks)
}

// Chunk returns the descriptor at index.
func (m *Manifest) Chunk(index int) (ChunkInfo, bool) {
	if index < 0 || index >= len(m.chunks) {
		return ChunkInfo{}, false
	}
	return m.chunks[index], true
}

// Chunks returns a copy of the chunk list.
func (m *Manifest) Chunks() []ChunkInfo {
	out := make([]ChunkInfo, len(m.chunks))
	copy(out, m.chunks)
	return out
}

// TotalSize returns the sum of all chunk sizes in bytes.
func (m *Manifest) TotalSize() uint64 {
	return m.totalSize
}
