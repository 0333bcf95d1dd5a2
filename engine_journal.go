package blockstore

import (
	"github.com/luqitao/vitastor/internal/journal"
)

// waitForJournalSpace blocks (releasing e.mu via e.cond) until the journal
// can accommodate one entry of entrySize bytes plus dataAfter bytes of
// inline payload. Must be called with e.mu held. A WaitJournal condition
// force-starts the flusher, matching spec.md §7's JournalFull handling; a
// WaitJournalBuffer condition just waits for an in-flight sector write to
// complete and free its buffer.
func (e *Engine) waitForJournalSpace(entrySize, dataAfter int) {
	for {
		_, wait := e.jm.CheckAvailable(1, entrySize, dataAfter)
		if wait == journal.WaitNone {
			return
		}
		if wait == journal.WaitJournal {
			e.forceFlushLocked()
		}
		e.cond.Wait()
	}
}

// forceFlushLocked enqueues every object with at least one unstable dirty
// entry for flushing, so the flusher has something to trim toward. Must be
// called with e.mu held.
func (e *Engine) forceFlushLocked() {
	for oid, v := range e.unstable {
		e.enqueueFlushLocked(oid, v)
	}
	e.cond.Broadcast()
}

// writeSectorLocked hands sector idx's buffer to the journal device and
// blocks for its I/O to complete. Must be called with e.mu held; it
// temporarily releases the lock for the duration of the write. A failed
// write is fatal per spec.md §7: in-memory state is assumed out of sync
// with disk once an I/O error is observed, so the process aborts via
// e.logger.Fatalf rather than attempting to roll the operation back.
func (e *Engine) writeSectorLocked(idx int) error {
	buf := e.jm.SectorBytes(idx)
	off := e.jm.Sectors[idx].Offset
	e.mu.Unlock()
	err := e.submitIO(func() error {
		_, err := e.dev.journal.WriteAt(buf, int64(e.jm.RegionOffset+off))
		return err
	})
	e.mu.Lock()
	e.jm.ReleaseSector(idx)
	if err != nil {
		e.logger.Fatalf("blockstore: journal sector write failed: %v", err)
		return wrapError(ErrIOFailure, "blockstore: journal sector write", err)
	}
	return nil
}

// fsyncJournalLocked fsyncs the journal device unless disabled, releasing
// e.mu for the duration of the call. A failed fsync is fatal, as in
// writeSectorLocked.
func (e *Engine) fsyncJournalLocked() error {
	if e.opts.DisableJournalFsync {
		return nil
	}
	e.mu.Unlock()
	err := e.dev.journal.Sync()
	e.mu.Lock()
	if err != nil {
		e.logger.Fatalf("blockstore: journal fsync failed: %v", err)
		return wrapError(ErrIOFailure, "blockstore: journal fsync", err)
	}
	return nil
}

// appendEntryLocked reserves room for, encodes and writes a journal entry
// with no inline payload (STABLE, ROLLBACK, DELETE, or a BIG_WRITE pointer).
// It does not fsync; callers batch the fsync across multiple appends per
// spec.md §4.4's Stabilize/Rollback/Sync algorithms. Must be called with
// e.mu held.
func (e *Engine) appendEntryLocked(entry *journal.Entry) (journalSector uint64, err error) {
	size := journal.SizeOf(entry.Type)
	e.waitForJournalSpace(size, 0)
	idx, sectorOff := e.jm.PrefillEntry(entry)
	if err := e.writeSectorLocked(idx); err != nil {
		return 0, err
	}
	return sectorOff, nil
}

// appendSmallWriteLocked reserves room for a SMALL_WRITE entry plus its
// inline payload, writes both, and returns the journal sector offset (to
// record as the dirty entry's JournalSector) and the payload's journal byte
// offset (to record as its Location). Must be called with e.mu held.
func (e *Engine) appendSmallWriteLocked(oid ObjectID, version uint64, offset, length uint32, data []byte) (journalSector, dataLoc uint64, err error) {
	size := journal.SizeOf(journal.TypeSmallWrite)
	e.waitForJournalSpace(size, int(length))
	dataLoc = e.jm.ReserveData(uint64(length))
	entry := &journal.Entry{
		Type:       journal.TypeSmallWrite,
		Inode:      oid.Inode,
		Stripe:     oid.Stripe,
		Version:    version,
		Offset:     offset,
		Len:        length,
		DataOffset: dataLoc,
		CRC32Data:  journal.DataChecksum(data),
	}
	idx, sectorOff := e.jm.PrefillEntry(entry)
	if len(data) > 0 {
		e.mu.Unlock()
		werr := e.submitIO(func() error {
			_, err := e.dev.journal.WriteAt(data, int64(e.jm.RegionOffset+dataLoc))
			return err
		})
		e.mu.Lock()
		if werr != nil {
			e.logger.Fatalf("blockstore: journal payload write failed: %v", werr)
			return 0, 0, wrapError(ErrIOFailure, "blockstore: journal payload write", werr)
		}
	}
	if err := e.writeSectorLocked(idx); err != nil {
		return 0, 0, err
	}
	return sectorOff, dataLoc, nil
}
