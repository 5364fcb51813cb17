package ring

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, size int) (*Writer, *Reader) {
	t.Helper()
	region, err := NewRegion(size)
	require.NoError(t, err)
	return NewWriter(region), NewReader(region)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		reqType byte
		payload []byte
	}{
		{"empty payload", 5, nil},
		{"one byte", 7, []byte{0x42}},
		{"exactly one block", 9, []byte{1, 2}},
		{"spans multiple blocks", 3, []byte("hello, isolated world")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, r := newPair(t, 256)

			require.NoError(t, w.Write(tt.reqType, tt.payload))

			gotType, gotPayload, err := r.Read(nil)
			require.NoError(t, err)
			assert.Equal(t, tt.reqType, gotType)
			if diff := cmp.Diff(tt.payload, gotPayload); diff != "" && len(tt.payload) != 0 {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadEmptyChannel(t *testing.T) {
	_, r := newPair(t, 64)
	_, _, err := r.Read(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestWriteWouldBlockWhenFull(t *testing.T) {
	w, _ := newPair(t, 16) // two blocks total

	require.NoError(t, w.Write(1, []byte{1, 2})) // one block
	err := w.Write(1, []byte("this payload needs more than one block of space"))
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestNoPartialWriteOnWouldBlock(t *testing.T) {
	region, err := NewRegion(16)
	require.NoError(t, err)
	w := NewWriter(region)

	require.NoError(t, w.Write(1, []byte{1, 2}))
	_ = w.Write(1, make([]byte, 64))

	// Only the first request's one block should be marked full; nothing
	// beyond it may have been published.
	for i := blockSize; i < len(region.buf); i++ {
		assert.Zerof(t, region.buf[i], "byte %d should remain unpublished after WouldBlock", i)
	}
}

func TestWraparoundNoTornRead(t *testing.T) {
	w, r := newPair(t, 32) // 4 blocks

	// Fill most of the region, drain it, then write a request that wraps
	// across the end of the buffer.
	require.NoError(t, w.Write(1, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9})) // 2 blocks
	_, _, err := r.Read(nil)
	require.NoError(t, err)

	require.NoError(t, w.Write(2, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14})) // 3 blocks, wraps

	gotType, payload, err := r.Read(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, gotType)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}, payload)
}

func TestResetSafeClear(t *testing.T) {
	w, r := newPair(t, 16)

	require.NoError(t, w.Write(1, []byte{1, 2}))
	_, _, err := r.Read(nil)
	require.NoError(t, err)

	w.reclaim()
	for i := 0; i < blockSize; i++ {
		assert.Zero(t, w.r.buf[i], "consumed block must be observed all-zero before reuse")
	}

	// The space must be reusable.
	require.NoError(t, w.Write(3, []byte{9}))
}

func TestBufferTooSmall(t *testing.T) {
	w, r := newPair(t, 32)
	require.NoError(t, w.Write(1, []byte("0123456789")))

	small := make([]byte, 2)
	_, _, err := r.Read(small)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestBlockEncodeDecodeBijective(t *testing.T) {
	src := []byte{0x00, 0x01, 0x7f, 0x80, 0xff, 0xaa, 0x55}
	block := encodeBlock(src)
	assert.True(t, blockFull(block[:]))

	decoded := decodeBlock(block)
	assert.Equal(t, src, decoded[:])
}
