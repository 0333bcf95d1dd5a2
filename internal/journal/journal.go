package journal

import (
	"github.com/luqitao/vitastor/vfs"
)

// WaitReason names the resource an operation is blocked on when
// CheckAvailable cannot satisfy a reservation immediately.
type WaitReason int

const (
	// WaitNone means the reservation succeeded; nothing to wait for.
	WaitNone WaitReason = iota
	// WaitJournal means there is no free space left in the circular
	// journal; the caller should ask the flusher to run and retry once
	// Trim advances UsedStart.
	WaitJournal
	// WaitJournalBuffer means every in-memory sector buffer that could be
	// used for the reservation is still dirty or referenced by in-flight
	// I/O; the caller should retry once a sector write completes.
	WaitJournalBuffer
)

// Sector is one in-memory journal sector buffer. The journal keeps a small
// ring of these (SectorCount of them); at most SectorCount sectors' worth of
// entries can be "open" (buffered but not yet written) at once.
type Sector struct {
	// Offset is the byte offset within the journal region that this buffer
	// currently represents. Valid only once the sector has been used at
	// least once.
	Offset uint64
	// Dirty means entries have been staged into Buf that have not yet been
	// handed to the I/O layer.
	Dirty bool
	// UsageCount is the number of in-flight writes referencing Buf. A
	// sector cannot be reused (rolled over to a new Offset) while this is
	// non-zero, nor while Dirty is true.
	UsageCount int
	Buf        []byte
}

func (s *Sector) busy() bool { return s.Dirty || s.UsageCount > 0 }

// Manager owns the circular journal's on-disk layout and in-memory sector
// ring. Block 0 of the region is the superblock; blocks 1..N-1 hold entries
// and inline small-write payloads, chained by CRC32.
type Manager struct {
	File         vfs.File
	RegionOffset uint64 // byte offset of the journal region within File
	Len          uint64 // total region length in bytes, including block 0
	BlockSize    uint64 // sector size; also the superblock's size

	Sectors     []Sector
	CurSector   int
	InSectorPos uint64

	UsedStart uint64 // oldest byte offset (within the region) still referenced
	NextFree  uint64 // next byte offset available for a new entry or payload
	CRC32Last uint32

	UsedSectors map[uint64]int // sector offset -> number of dirty entries referencing it

	DisableFsync bool
}

// NewManager constructs a Manager for a freshly formatted (empty) journal.
// journalStart is where UsedStart/NextFree begin: typically BlockSize (the
// first byte past the superblock).
func NewManager(f vfs.File, regionOffset, length, blockSize uint64, sectorCount int, journalStart uint64) *Manager {
	m := &Manager{
		File:         f,
		RegionOffset: regionOffset,
		Len:          length,
		BlockSize:    blockSize,
		Sectors:      make([]Sector, sectorCount),
		UsedStart:    journalStart,
		NextFree:     journalStart,
		UsedSectors:  make(map[uint64]int),
	}
	for i := range m.Sectors {
		m.Sectors[i].Buf = make([]byte, blockSize)
	}
	// Force the first PrefillEntry call to roll into a fresh sector.
	m.InSectorPos = blockSize
	return m
}

func (m *Manager) advance(pos uint64) uint64 {
	next := pos + m.BlockSize
	if next >= m.Len {
		next = m.BlockSize
	}
	return next
}

// checkCursor is the scratch state check_available walks forward through;
// it never mutates the Manager, matching blockstore_journal_check_t.
type checkCursor struct {
	nextPos     uint64
	nextSector  int
	nextInPos   uint64
	rightDir    bool
	usedStart   uint64
}

// CheckAvailable reports whether `required` entries of `entrySize` bytes,
// followed by `dataAfter` bytes of inline payload, can be reserved without
// exceeding the journal's free space or the sector buffer ring. It does not
// mutate the Manager. sectorsRequired is the number of sector buffers that
// will need to be written to disk to make room (including the current one,
// if it is already dirty).
func (m *Manager) CheckAvailable(required int, entrySize int, dataAfter int) (sectorsRequired int, wait WaitReason) {
	c := &checkCursor{
		nextPos:    m.NextFree,
		nextSector: m.CurSector,
		nextInPos:  m.InSectorPos,
		rightDir:   m.NextFree >= m.UsedStart,
	}
	for {
		fits := int((m.BlockSize - c.nextInPos) / uint64(entrySize))
		if fits > 0 {
			required -= fits
			c.nextInPos += uint64(fits) * uint64(entrySize)
			sectorsRequired++
		} else if m.Sectors[c.nextSector].Dirty {
			sectorsRequired++
		}
		if required <= 0 {
			break
		}
		c.nextPos = c.nextPos + m.BlockSize
		if c.nextPos >= m.Len {
			c.nextPos = m.BlockSize
			c.rightDir = false
		}
		c.nextInPos = 0
		if m.Sectors[c.nextSector].busy() {
			c.nextSector = (c.nextSector + 1) % len(m.Sectors)
		}
		if m.Sectors[c.nextSector].busy() {
			return sectorsRequired, WaitJournalBuffer
		}
	}
	if dataAfter > 0 {
		c.nextPos = c.nextPos + uint64(dataAfter)
		if c.nextPos > m.Len {
			c.nextPos = m.BlockSize + uint64(dataAfter)
			c.rightDir = false
		}
	}
	if !c.rightDir && c.nextPos >= m.UsedStart-m.BlockSize {
		return sectorsRequired, WaitJournal
	}
	return sectorsRequired, WaitNone
}

// PrefillEntry writes e (with e.Type already set and payload fields filled)
// into the current sector buffer, rolling to a fresh sector first if there
// isn't room. It fills e.CRC32Prev/CRC32/Size and advances CRC32Last. The
// returned sectorIdx/sectorOffset identify the sector the entry landed in,
// for the caller to record as the dirty entry's JournalSector.
//
// Callers must have already confirmed room via CheckAvailable; PrefillEntry
// panics if asked to roll into a sector that is still busy, since that
// indicates the caller skipped the check.
func (m *Manager) PrefillEntry(e *Entry) (sectorIdx int, sectorOffset uint64) {
	size := uint64(SizeOf(e.Type))
	if m.BlockSize-m.InSectorPos < size {
		if m.Sectors[m.CurSector].UsageCount > 0 {
			m.CurSector = (m.CurSector + 1) % len(m.Sectors)
		}
		if m.Sectors[m.CurSector].busy() {
			panic("journal: PrefillEntry rolled into a busy sector; caller must CheckAvailable first")
		}
		m.Sectors[m.CurSector].Offset = m.NextFree
		m.InSectorPos = 0
		m.NextFree = m.advance(m.NextFree)
		buf := m.Sectors[m.CurSector].Buf
		for i := range buf {
			buf[i] = 0
		}
	}
	buf := m.Sectors[m.CurSector].Buf[m.InSectorPos : m.InSectorPos+size]
	Encode(buf, e, m.CRC32Last)
	m.CRC32Last = e.CRC32
	m.Sectors[m.CurSector].Dirty = true
	sectorIdx = m.CurSector
	sectorOffset = m.Sectors[m.CurSector].Offset
	m.InSectorPos += size
	return sectorIdx, sectorOffset
}

// ReserveData advances the write cursor past `length` bytes of inline
// payload (e.g. a SMALL_WRITE's data) and returns the journal-region byte
// offset the payload should be written at. Payload never spans the
// superblock: if it would run past the end of the region it wraps to just
// past block 0.
func (m *Manager) ReserveData(length uint64) uint64 {
	if m.Len-m.NextFree < length {
		m.NextFree = m.BlockSize
	}
	off := m.NextFree
	m.NextFree += length
	if m.NextFree >= m.Len {
		m.NextFree = m.BlockSize
	}
	return off
}

// SectorBytes returns the sector's encoded buffer for writing to disk and
// marks it as no longer dirty, with one more in-flight reference. The
// caller must call ReleaseSector once the write completes.
func (m *Manager) SectorBytes(sectorIdx int) []byte {
	m.Sectors[sectorIdx].Dirty = false
	m.Sectors[sectorIdx].UsageCount++
	return m.Sectors[sectorIdx].Buf
}

// ReleaseSector drops one in-flight reference on a sector buffer acquired
// via SectorBytes.
func (m *Manager) ReleaseSector(sectorIdx int) {
	m.Sectors[sectorIdx].UsageCount--
}

// RefJournalSector increments the reference count of dirty entries pointing
// at the journal sector starting at offset off.
func (m *Manager) RefJournalSector(off uint64) {
	m.UsedSectors[off]++
}

// UnrefJournalSector decrements the reference count for offset off, removing
// the map entry once it reaches zero.
func (m *Manager) UnrefJournalSector(off uint64) {
	if m.UsedSectors[off] <= 1 {
		delete(m.UsedSectors, off)
		return
	}
	m.UsedSectors[off]--
}

// Trim advances UsedStart past sectors no longer referenced by any dirty
// entry, returning whether it moved. It does not itself issue I/O; the
// caller is responsible for persisting the new UsedStart in the superblock.
func (m *Manager) Trim() bool {
	if len(m.UsedSectors) == 0 {
		if m.UsedStart == m.NextFree {
			return false
		}
		m.UsedStart = m.NextFree
		return true
	}
	// Find the lowest used-sector offset that is >= UsedStart.
	var lowestAtOrAfter uint64
	foundAtOrAfter := false
	var lowestOverall uint64
	first := true
	for off := range m.UsedSectors {
		if first || off < lowestOverall {
			lowestOverall = off
			first = false
		}
		if off >= m.UsedStart && (!foundAtOrAfter || off < lowestAtOrAfter) {
			lowestAtOrAfter = off
			foundAtOrAfter = true
		}
	}
	if !foundAtOrAfter {
		// The journal has been cleared to its end; restart scanning from
		// the lowest used sector, wrapping past the superblock.
		if lowestOverall == m.UsedStart {
			return false
		}
		m.UsedStart = lowestOverall
		return true
	}
	if lowestAtOrAfter > m.UsedStart {
		m.UsedStart = lowestAtOrAfter
		return true
	}
	return false
}

// SuperblockEntry builds the START entry that occupies block 0, recording
// journalStart as the current UsedStart.
func SuperblockEntry(journalStart uint64) *Entry {
	return &Entry{Type: TypeStart, JournalStart: journalStart}
}
