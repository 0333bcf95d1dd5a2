// Package meta implements the metadata region's on-disk entry format and
// the in-memory clean/dirty indices that sit above it.
package meta

import "encoding/binary"

// EntrySize returns the packed size of one on-disk clean-metadata entry for
// the given bitmap size (bitmapBytes = ceil(blockSize/bitmapGranularity/8)).
func EntrySize(bitmapBytes int) int {
	return 8 + 8 + 8 + bitmapBytes
}

// DiskEntry is the packed, little-endian on-disk representation of one
// clean-metadata slot: {inode, stripe, version, bitmap[...]}. The metadata
// region is a flat, pre-sized array of these, indexed by data block number.
type DiskEntry struct {
	Inode   uint64
	Stripe  uint64
	Version uint64
	Bitmap  []byte
}

// Encode writes e into buf, which must be at least EntrySize(len(e.Bitmap))
// bytes. A zero Inode marks the slot as unused/free, matching the replay
// rule "if inode != 0, register the clean entry".
func Encode(buf []byte, e *DiskEntry) {
	binary.LittleEndian.PutUint64(buf[0:8], e.Inode)
	binary.LittleEndian.PutUint64(buf[8:16], e.Stripe)
	binary.LittleEndian.PutUint64(buf[16:24], e.Version)
	copy(buf[24:24+len(e.Bitmap)], e.Bitmap)
}

// Decode parses one on-disk entry out of buf, which must be at least
// EntrySize(bitmapBytes) bytes.
func Decode(buf []byte, bitmapBytes int) DiskEntry {
	e := DiskEntry{
		Inode:   binary.LittleEndian.Uint64(buf[0:8]),
		Stripe:  binary.LittleEndian.Uint64(buf[8:16]),
		Version: binary.LittleEndian.Uint64(buf[16:24]),
		Bitmap:  make([]byte, bitmapBytes),
	}
	copy(e.Bitmap, buf[24:24+bitmapBytes])
	return e
}

// ZeroEntry writes an all-zero (free) entry into buf.
func ZeroEntry(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
