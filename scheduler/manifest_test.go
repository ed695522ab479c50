package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManifestValidatesIndices(t *testing.T) {
	_, err := NewManifest([]ChunkInfo{{Index: 0, Size: 10}, {Index: 2, Size: 10}})
	assert.ErrorIs(t, err, ErrInvalidManifest)

	m, err := NewManifest([]ChunkInfo{{Index: 0, Size: 10}, {Index: 1, Size: 5}})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, uint64(15), m.TotalSize())
}

func TestNewManifestChecksum(t *testing.T) {
	valid := "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

	m, err := NewManifest([]ChunkInfo{{Index: 0, Size: 1, Checksum: valid}})
	require.NoError(t, err)
	c, ok := m.Chunk(0)
	require.True(t, ok)
	assert.Equal(t, valid, c.Checksum)

	_, err = NewManifest([]ChunkInfo{{Index: 0, Size: 1, Checksum: "not-a-cid"}})
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestUniformManifest(t *testing.T) {
	tests := []struct {
		name      string
		fileSize  uint64
		chunkSize uint64
		chunks    int
		lastSize  uint64
	}{
		{"exact multiple", 4096, 1024, 4, 1024},
		{"remainder", 4100, 1024, 5, 4},
		{"smaller than chunk", 10, 1024, 1, 10},
		{"empty file", 0, 1024, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := UniformManifest(tt.fileSize, tt.chunkSize)
			require.NoError(t, err)
			assert.Equal(t, tt.chunks, m.Len())
			assert.Equal(t, tt.fileSize, m.TotalSize())
			if tt.chunks > 0 {
				last, ok := m.Chunk(tt.chunks - 1)
				require.True(t, ok)
				assert.Equal(t, tt.lastSize, last.Size)
			}
		})
	}

	_, err := UniformManifest(10, 0)
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestManifestChunksIsCopy(t *testing.T) {
	m, err := UniformManifest(2048, 1024)
	require.NoError(t, err)

	chunks := m.Chunks()
	chunks[0].Size = 1

	c, _ := m.Chunk(0)
	assert.Equal(t, uint64(1024), c.Size)

	_, ok := m.Chunk(5)
	assert.False(t, ok)
}
