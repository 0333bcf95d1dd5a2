package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Entry{
		{Type: TypeStart, JournalStart: 4096},
		{Type: TypeSmallWrite, Inode: 7, Stripe: 2, Version: 3, Offset: 128, Len: 64, DataOffset: 8192, CRC32Data: 0xdeadbeef},
		{Type: TypeBigWrite, Inode: 7, Stripe: 2, Version: 4, Offset: 0, Len: 4096, Location: 131072},
		{Type: TypeStable, Inode: 7, Stripe: 2, Version: 4},
		{Type: TypeRollback, Inode: 7, Stripe: 2, Version: 4},
		{Type: TypeDelete, Inode: 9, Stripe: 0, Version: 1},
	}
	for _, want := range cases {
		buf := make([]byte, SizeOf(want.Type))
		Encode(buf, want, 0x12345678)
		got, n, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, uint32(0x12345678), got.CRC32Prev)
		require.Equal(t, want.JournalStart, got.JournalStart)
		require.Equal(t, want.Inode, got.Inode)
		require.Equal(t, want.Stripe, got.Stripe)
		require.Equal(t, want.Version, got.Version)
		require.Equal(t, want.Offset, got.Offset)
		require.Equal(t, want.Len, got.Len)
		require.Equal(t, want.DataOffset, got.DataOffset)
		require.Equal(t, want.CRC32Data, got.CRC32Data)
		require.Equal(t, want.Location, got.Location)
	}
}

func TestDecodeZero(t *testing.T) {
	buf := make([]byte, SizeStable)
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrZero)
}

func TestDecodeBadMagic(t *testing.T) {
	buf := make([]byte, SizeStable)
	e := &Entry{Type: TypeStable, Inode: 1, Stripe: 1, Version: 1}
	Encode(buf, e, 0)
	buf[0] ^= 0xff
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestDecodeCRCMismatch(t *testing.T) {
	buf := make([]byte, SizeStable)
	e := &Entry{Type: TypeStable, Inode: 1, Stripe: 1, Version: 1}
	Encode(buf, e, 0)
	// Flip a byte in the tail, leaving the magic and size untouched.
	buf[headerSize] ^= 0x01
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestDataChecksum(t *testing.T) {
	a := DataChecksum([]byte("hello"))
	b := DataChecksum([]byte("hello"))
	c := DataChecksum([]byte("hellx"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
