package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireLoadsOnceAndSharesBuffer(t *testing.T) {
	c := New()
	loads := 0
	load := func() ([]byte, error) {
		loads++
		return []byte{1, 2, 3}, nil
	}

	h1, err := c.Acquire(100, load)
	require.NoError(t, err)
	h2, err := c.Acquire(100, load)
	require.NoError(t, err)
	require.Equal(t, 1, loads)
	require.Equal(t, 1, c.Len())

	buf := h1.Buf()
	buf[0] = 9
	require.Equal(t, byte(9), h2.Buf()[0]) // shared backing slice

	h1.Release()
	require.Equal(t, 1, c.Len()) // h2 still holds a reference
	h2.Release()
	require.Equal(t, 0, c.Len())
}

func TestAcquireDifferentOffsetsLoadIndependently(t *testing.T) {
	c := New()
	h1, err := c.Acquire(1, func() ([]byte, error) { return []byte{1}, nil })
	require.NoError(t, err)
	h2, err := c.Acquire(2, func() ([]byte, error) { return []byte{2}, nil })
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	require.Equal(t, byte(1), h1.Buf()[0])
	require.Equal(t, byte(2), h2.Buf()[0])

	h1.Release()
	h2.Release()
	require.Equal(t, 0, c.Len())
}

func TestAcquirePropagatesLoadError(t *testing.T) {
	c := New()
	wantErr := require.Error
	_, err := c.Acquire(5, func() ([]byte, error) { return nil, errBoom })
	wantErr(t, err)
	require.Equal(t, 0, c.Len())
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
