package blockstore

import (
	"github.com/cockroachdb/errors"

	"github.com/luqitao/vitastor/internal/journal"
	"github.com/luqitao/vitastor/internal/meta"
)

// loadMetadata reads the metadata region sequentially, registering one clean
// entry per data block whose Inode is non-zero, keeping the highest version
// on a duplicate (which can only happen if the region was written by two
// generations of the same block before a crash) and marking the allocator
// bit for every occupied block. Grounded on the handle_entries pass of
// blockstore_init.cpp's metadata-loading coroutine, minus its double-buffered
// read pipelining (SPEC_FULL.md §4, "double-buffered metadata region read").
func (e *Engine) loadMetadata() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	bitmapBytes := e.geo.bitmapBytes()
	entrySize := e.geo.cleanEntrySize
	buf := make([]byte, e.geo.metaBlockSize)

	for blk := uint64(0); blk < e.geo.blockCount; {
		sectorOff := e.geo.metaSectorOffset(blk)
		if e.opts.InmemoryMeta {
			copy(buf, e.metaBuf[sectorOff:sectorOff+uint64(len(buf))])
		} else if _, err := e.dev.meta.ReadAt(buf, int64(e.geo.metaOffset+sectorOff)); err != nil {
			return wrapError(ErrIOFailure, "blockstore: read metadata sector", err)
		}

		for within := 0; within < e.geo.entriesPerSector && blk < e.geo.blockCount; within++ {
			off := within * entrySize
			disk := meta.Decode(buf[off:off+entrySize], bitmapBytes)
			if disk.Inode != 0 {
				oid := ObjectID{Inode: disk.Inode, Stripe: disk.Stripe}
				loc := e.geo.dataLocation(blk)
				if existing, ok := e.clean.Get(oid); !ok || disk.Version > existing.Version {
					if ok {
						e.alloc.Set(e.geo.blockIndex(existing.Location), false)
					}
					e.clean.Set(oid, meta.CleanEntry{Version: disk.Version, Location: loc})
				}
				e.alloc.Set(blk, true)
			}
			blk++
		}
	}
	return nil
}

// loadJournal validates or initializes the journal superblock and replays
// every entry written after it, reconstructing dirty-index and allocator
// state exactly as a live engine would have left it before the crash that
// necessitated this replay. Grounded on blockstore_init.cpp's
// blockstore_init_journal coroutine (the START-entry check, then
// handle_journal_part's forward scan).
func (e *Engine) loadJournal() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	journalStart := e.geo.journalBlockSize // block 0 is the superblock; replay begins just past it.
	sb := make([]byte, e.geo.journalBlockSize)
	if _, err := e.dev.journal.ReadAt(sb, int64(e.geo.journalOffset)); err != nil {
		return wrapError(ErrIOFailure, "blockstore: read journal superblock", err)
	}

	if isAllZero(sb) {
		e.jm = journal.NewManager(e.dev.journal, e.geo.journalOffset, e.geo.journalLen, uint64(e.geo.journalBlockSize), e.opts.JournalSectorCount, uint64(journalStart))
		if e.opts.Readonly {
			// Readonly disables journal init/rewrite per spec.md §6; an
			// engine opened this way over an unformatted journal simply has
			// nothing to replay.
			return nil
		}
		entry := journal.SuperblockEntry(uint64(journalStart))
		journal.Encode(sb, entry, 0)
		if _, err := e.dev.journal.WriteAt(sb, int64(e.geo.journalOffset)); err != nil {
			return wrapError(ErrIOFailure, "blockstore: write journal superblock", err)
		}
		if !e.opts.DisableJournalFsync {
			if err := e.dev.journal.Sync(); err != nil {
				return wrapError(ErrIOFailure, "blockstore: fsync journal superblock", err)
			}
		}
		return nil
	}

	start, _, err := journal.Decode(sb)
	if err != nil || start.Type != journal.TypeStart {
		return newError(ErrCorruptOnDisk, "blockstore: journal superblock invalid")
	}
	usedStart := start.JournalStart
	e.jm = journal.NewManager(e.dev.journal, e.geo.journalOffset, e.geo.journalLen, uint64(e.geo.journalBlockSize), e.opts.JournalSectorCount, usedStart)

	// Replay proceeds one sector at a time, mirroring how entries are packed
	// by PrefillEntry: each sector's bytes are decoded front-to-back until a
	// zero (unwritten) or invalid entry is found, which ends replay. This
	// collapses the original's separate "invalid at sector start" vs.
	// "invalid mid-sector" cases into one, since both mean "nothing more was
	// durably written past this point" for our purposes.
	readEntry := func(at uint64, size int) ([]byte, error) {
		buf := make([]byte, size)
		if _, err := e.dev.journal.ReadAt(buf, int64(e.geo.journalOffset+at)); err != nil {
			return nil, err
		}
		return buf, nil
	}

	pos := usedStart
	crcPrev := uint32(0)
	sectorBuf := make([]byte, e.geo.journalBlockSize)
	stopAt, stopWithin := pos, uint64(0)
	corrupt := false
	dataEnd := uint64(0)

replay:
	for {
		if _, err := e.dev.journal.ReadAt(sectorBuf, int64(e.geo.journalOffset+pos)); err != nil {
			return wrapError(ErrIOFailure, "blockstore: read journal sector", err)
		}
		within := uint64(0)
		for within < uint64(e.geo.journalBlockSize) {
			ent, n, derr := journal.Decode(sectorBuf[within:])
			if derr != nil {
				stopAt, stopWithin = pos, within
				if !errors.Is(derr, journal.ErrZero) {
					corrupt = true
				}
				break replay
			}
			if ent.CRC32Prev != crcPrev {
				stopAt, stopWithin = pos, within
				corrupt = true
				break replay
			}
			sectorStart := pos
			crcPrev = ent.CRC32
			within += uint64(n)

			switch ent.Type {
			case journal.TypeSmallWrite:
				payload, rerr := readEntry(ent.DataOffset, int(ent.Len))
				if rerr != nil {
					return wrapError(ErrIOFailure, "blockstore: read journaled payload", rerr)
				}
				if journal.DataChecksum(payload) != ent.CRC32Data {
					stopAt, stopWithin = sectorStart, within-uint64(n)
					corrupt = true
					break replay
				}
				if end := ent.DataOffset + uint64(ent.Len); end > dataEnd {
					dataEnd = end
				}
				oid := ObjectID{Inode: ent.Inode, Stripe: ent.Stripe}
				e.dirty.Set(ObjVer{OID: oid, Version: ent.Version}, meta.DirtyEntry{
					State:         StateSynced,
					Kind:          meta.WriteSmall,
					Location:      ent.DataOffset,
					Offset:        ent.Offset,
					Length:        ent.Len,
					JournalSector: sectorStart,
				})
				e.jm.RefJournalSector(sectorStart)
				e.bumpUnstableLocked(oid, ent.Version)

			case journal.TypeBigWrite:
				oid := ObjectID{Inode: ent.Inode, Stripe: ent.Stripe}
				e.dirty.Set(ObjVer{OID: oid, Version: ent.Version}, meta.DirtyEntry{
					State:    StateSynced,
					Kind:     meta.WriteBig,
					Location: ent.Location,
					Offset:   ent.Offset,
					Length:   ent.Len,
				})
				e.alloc.Set(e.geo.blockIndex(ent.Location), true)
				e.bumpUnstableLocked(oid, ent.Version)

			case journal.TypeDelete:
				oid := ObjectID{Inode: ent.Inode, Stripe: ent.Stripe}
				e.dirty.Set(ObjVer{OID: oid, Version: ent.Version}, meta.DirtyEntry{
					State:         StateDeleteSynced,
					Kind:          meta.WriteDelete,
					JournalSector: sectorStart,
				})
				e.jm.RefJournalSector(sectorStart)
				e.bumpUnstableLocked(oid, ent.Version)

			case journal.TypeStable:
				oid := ObjectID{Inode: ent.Inode, Stripe: ent.Stripe}
				if _, ok := e.dirty.Get(ObjVer{OID: oid, Version: ent.Version}); ok {
					e.promoteStableLocked(oid, ent.Version)
					e.enqueueFlushLocked(oid, ent.Version)
				}
				// Unmatched STABLE entries are ignored, per DESIGN.md's Open
				// Question (b) decision.

			case journal.TypeRollback:
				oid := ObjectID{Inode: ent.Inode, Stripe: ent.Stripe}
				e.dirty.DeleteAboveUnstable(oid, ent.Version, func(version uint64, d meta.DirtyEntry) {
					if d.IsBig() {
						e.alloc.Set(e.geo.blockIndex(d.Location), false)
					} else {
						e.jm.UnrefJournalSector(d.JournalSector)
					}
				})
				if maxV, ok := e.dirty.MaxVersion(oid); ok {
					e.unstable[oid] = maxV
				} else {
					delete(e.unstable, oid)
				}
			}
		}

		next := pos + uint64(e.geo.journalBlockSize)
		if next >= e.geo.journalLen {
			next = uint64(e.geo.journalBlockSize)
		}
		if next == usedStart {
			// Wrapped all the way back to the start without finding a break:
			// the journal is entirely full of valid entries.
			stopAt, stopWithin = pos, uint64(e.geo.journalBlockSize)
			break replay
		}
		pos = next
	}

	if corrupt {
		e.logger.Errorf("blockstore: journal replay stopped at a corrupt entry (offset %d); truncating here", stopAt+stopWithin)
		// spec.md §7's CorruptOnDisk row requires rewriting the bad sector
		// to zeros unless the engine is readonly, so the corrupt tail does
		// not survive on disk past the point replay gave up on it.
		if !e.opts.Readonly {
			zeroLen := uint64(e.geo.journalBlockSize) - stopWithin
			zeros := make([]byte, zeroLen)
			if _, err := e.dev.journal.WriteAt(zeros, int64(e.geo.journalOffset+stopAt+stopWithin)); err != nil {
				return wrapError(ErrIOFailure, "blockstore: zero corrupt journal sector", err)
			}
			if !e.opts.DisableJournalFsync {
				if err := e.dev.journal.Sync(); err != nil {
					return wrapError(ErrIOFailure, "blockstore: fsync zeroed journal sector", err)
				}
			}
		}
	}

	// Restore the partially-filled sector's actual on-disk bytes (rather
	// than a fresh zero buffer) so the next PrefillEntry into it, if it lands
	// in the same sector, appends after the replayed entries instead of
	// wiping them. If the sector was corrupt, the bytes read back here
	// include the zero tail just written above (or the original corrupt
	// tail, if readonly), so the in-memory sector buffer never holds
	// corruption as "data."
	if _, err := e.dev.journal.ReadAt(e.jm.Sectors[0].Buf, int64(e.geo.journalOffset+stopAt)); err != nil {
		return wrapError(ErrIOFailure, "blockstore: reload current journal sector", err)
	}
	e.jm.Sectors[0].Offset = stopAt
	e.jm.CurSector = 0
	e.jm.InSectorPos = stopWithin
	// The reloaded sector stays open for further entries, so payload space
	// starts past it, and past any payload a replayed SMALL_WRITE occupies.
	nextFree := stopAt + uint64(e.geo.journalBlockSize)
	if nextFree >= e.geo.journalLen {
		nextFree = uint64(e.geo.journalBlockSize)
	}
	if dataEnd > nextFree {
		nextFree = dataEnd
	}
	e.jm.NextFree = nextFree
	e.jm.CRC32Last = crcPrev

	e.jm.Trim()
	return nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
