// Package journal implements the on-disk circular journal: entry encoding,
// the CRC32 chain, sector buffers, space reservation and trimming. It knows
// nothing about objects or versions beyond the fields it must serialize.
package journal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cockroachdb/errors"
)

// Magic tags every journal entry header; replay uses it as the first sign
// that a sector contains real entries rather than zero padding.
const Magic = 0x4a4e4c31 // "JNL1"

// EntryType is the tag byte (widened to a uint16 on disk) distinguishing the
// six journal entry kinds.
type EntryType uint16

const (
	TypeStart EntryType = iota + 1
	TypeSmallWrite
	TypeBigWrite
	TypeStable
	TypeRollback
	TypeDelete
)

func (t EntryType) String() string {
	switch t {
	case TypeStart:
		return "START"
	case TypeSmallWrite:
		return "SMALL_WRITE"
	case TypeBigWrite:
		return "BIG_WRITE"
	case TypeStable:
		return "STABLE"
	case TypeRollback:
		return "ROLLBACK"
	case TypeDelete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// headerSize is the size in bytes of {magic, type, size, crc32, crc32_prev}.
const headerSize = 4 + 2 + 2 + 4 + 4

// Sizes of each entry kind including the common header.
const (
	SizeStart      = headerSize + 8                       // journal_start
	SizeSmallWrite = headerSize + 16 + 8 + 4 + 4 + 8 + 4 // oid + version + offset + len + data_offset + crc32_data
	SizeBigWrite   = headerSize + 16 + 8 + 4 + 4 + 8      // oid + version + offset + len + location
	SizeStable     = headerSize + 16 + 8          // oid + version
	SizeRollback   = headerSize + 16 + 8          // oid + version
	SizeDelete     = headerSize + 16 + 8          // oid + version
)

// Entry is a decoded journal entry. Only the fields relevant to Type are
// meaningful; it is a sum-of-kinds modeled as a tagged struct rather than an
// interface because the engine and recovery loader both need cheap, copyable
// values.
type Entry struct {
	Type      EntryType
	Size      uint16
	CRC32     uint32
	CRC32Prev uint32

	// START
	JournalStart uint64

	// SMALL_WRITE, BIG_WRITE, STABLE, ROLLBACK, DELETE
	Inode   uint64
	Stripe  uint64
	Version uint64

	// SMALL_WRITE, BIG_WRITE
	Offset uint32
	Len    uint32

	// SMALL_WRITE
	DataOffset uint64
	CRC32Data  uint32

	// BIG_WRITE
	Location uint64
}

// SizeOf returns the encoded size of an entry of kind t.
func SizeOf(t EntryType) int {
	switch t {
	case TypeStart:
		return SizeStart
	case TypeSmallWrite:
		return SizeSmallWrite
	case TypeBigWrite:
		return SizeBigWrite
	case TypeStable:
		return SizeStable
	case TypeRollback:
		return SizeRollback
	case TypeDelete:
		return SizeDelete
	}
	return 0
}

// Encode serializes e into buf, which must be at least SizeOf(e.Type) bytes.
// crc32Prev is the running chain value inherited from the previous valid
// entry; Encode fills in CRC32Prev and computes and fills CRC32.
func Encode(buf []byte, e *Entry, crc32Prev uint32) {
	size := SizeOf(e.Type)
	if len(buf) < size {
		panic("journal: encode buffer too small")
	}
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(e.Type))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(size))
	// buf[8:12] is the crc32 field, filled in last.
	binary.LittleEndian.PutUint32(buf[12:16], crc32Prev)

	tail := buf[headerSize:size]
	switch e.Type {
	case TypeStart:
		binary.LittleEndian.PutUint64(tail[0:8], e.JournalStart)
	case TypeSmallWrite:
		binary.LittleEndian.PutUint64(tail[0:8], e.Inode)
		binary.LittleEndian.PutUint64(tail[8:16], e.Stripe)
		binary.LittleEndian.PutUint64(tail[16:24], e.Version)
		binary.LittleEndian.PutUint32(tail[24:28], e.Offset)
		binary.LittleEndian.PutUint32(tail[28:32], e.Len)
		binary.LittleEndian.PutUint64(tail[32:40], e.DataOffset)
		binary.LittleEndian.PutUint32(tail[40:44], e.CRC32Data)
	case TypeBigWrite:
		binary.LittleEndian.PutUint64(tail[0:8], e.Inode)
		binary.LittleEndian.PutUint64(tail[8:16], e.Stripe)
		binary.LittleEndian.PutUint64(tail[16:24], e.Version)
		binary.LittleEndian.PutUint32(tail[24:28], e.Offset)
		binary.LittleEndian.PutUint32(tail[28:32], e.Len)
		binary.LittleEndian.PutUint64(tail[32:40], e.Location)
	case TypeStable, TypeRollback, TypeDelete:
		binary.LittleEndian.PutUint64(tail[0:8], e.Inode)
		binary.LittleEndian.PutUint64(tail[8:16], e.Stripe)
		binary.LittleEndian.PutUint64(tail[16:24], e.Version)
	default:
		panic("journal: unknown entry type")
	}

	e.Size = uint16(size)
	e.CRC32Prev = crc32Prev
	e.CRC32 = checksum(buf[:size])
	binary.LittleEndian.PutUint32(buf[8:12], e.CRC32)
}

// checksum computes the CRC32 (IEEE) of an encoded entry, skipping the
// crc32 field at bytes [8:12] as required by the on-disk format.
func checksum(buf []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(buf[0:8])
	h.Write(buf[12:])
	return h.Sum32()
}

// Decode parses an entry header and body starting at buf[0]. It validates
// the magic number and the entry's own CRC32, but does not check the chain
// against a previous entry (callers validating a sequence compare CRC32Prev
// themselves, as recovery's replay does). ErrInvalid wraps a cockroachdb/errors marker so callers can
// match with errors.Is.
var ErrInvalid = errors.New("journal: invalid entry")

// Decode returns the decoded entry and the number of bytes it occupies. If
// the first eight bytes are all zero, Decode reports ErrZero, which replay
// uses to recognize the unwritten tail of a sector.
var ErrZero = errors.New("journal: zero entry")

func Decode(buf []byte) (*Entry, int, error) {
	if len(buf) < headerSize {
		return nil, 0, errors.Wrap(ErrInvalid, "short buffer")
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic == 0 && buf[4] == 0 && buf[5] == 0 && buf[6] == 0 && buf[7] == 0 {
		return nil, 0, ErrZero
	}
	if magic != Magic {
		return nil, 0, errors.Wrap(ErrInvalid, "bad magic")
	}
	typ := EntryType(binary.LittleEndian.Uint16(buf[4:6]))
	size := int(binary.LittleEndian.Uint16(buf[6:8]))
	if size != SizeOf(typ) || size > len(buf) {
		return nil, 0, errors.Wrap(ErrInvalid, "bad size")
	}
	crc := binary.LittleEndian.Uint32(buf[8:12])
	if got := checksum(buf[:size]); got != crc {
		return nil, 0, errors.Wrap(ErrInvalid, "crc mismatch")
	}
	e := &Entry{
		Type:      typ,
		Size:      uint16(size),
		CRC32:     crc,
		CRC32Prev: binary.LittleEndian.Uint32(buf[12:16]),
	}
	tail := buf[headerSize:size]
	switch typ {
	case TypeStart:
		e.JournalStart = binary.LittleEndian.Uint64(tail[0:8])
	case TypeSmallWrite:
		e.Inode = binary.LittleEndian.Uint64(tail[0:8])
		e.Stripe = binary.LittleEndian.Uint64(tail[8:16])
		e.Version = binary.LittleEndian.Uint64(tail[16:24])
		e.Offset = binary.LittleEndian.Uint32(tail[24:28])
		e.Len = binary.LittleEndian.Uint32(tail[28:32])
		e.DataOffset = binary.LittleEndian.Uint64(tail[32:40])
		e.CRC32Data = binary.LittleEndian.Uint32(tail[40:44])
	case TypeBigWrite:
		e.Inode = binary.LittleEndian.Uint64(tail[0:8])
		e.Stripe = binary.LittleEndian.Uint64(tail[8:16])
		e.Version = binary.LittleEndian.Uint64(tail[16:24])
		e.Offset = binary.LittleEndian.Uint32(tail[24:28])
		e.Len = binary.LittleEndian.Uint32(tail[28:32])
		e.Location = binary.LittleEndian.Uint64(tail[32:40])
	case TypeStable, TypeRollback, TypeDelete:
		e.Inode = binary.LittleEndian.Uint64(tail[0:8])
		e.Stripe = binary.LittleEndian.Uint64(tail[8:16])
		e.Version = binary.LittleEndian.Uint64(tail[16:24])
	default:
		return nil, 0, errors.Wrap(ErrInvalid, "unknown type")
	}
	return e, size, nil
}

// DataChecksum computes the CRC32 a SMALL_WRITE entry's inline payload must
// match, covering exactly the payload bytes (not the entry header).
func DataChecksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
