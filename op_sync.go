package blockstore

import (
	"github.com/luqitao/vitastor/internal/journal"
	"github.com/luqitao/vitastor/internal/meta"
)

// Sync makes every WRITTEN dirty entry durable: fsync the data device (if
// any big writes are outstanding) and append their BIG_WRITE pointer
// entries, then fsync the journal (covering both the pointer entries and
// any outstanding small-write sectors). Entries advance to SYNCED.
//
// Concurrent Sync calls are not chained via a prev_sync_count counter as in
// the original. A Sync that acquires the lock after an earlier one has
// finished finds nothing WRITTEN and returns without an fsync. A Sync that
// acquires the lock while an earlier one has released it for its fsync
// collects the same WRITTEN entries and issues an fsync of its own, so
// concurrent callers do not always share a single fsync.
//
// Entries are tracked by (object, version) rather than by pointer across
// the method's I/O-induced lock releases, since e.mu is briefly released
// for the actual fsync/write calls and a concurrent Write could otherwise
// reallocate the dirty index's backing slices out from under a held
// pointer.
func (e *Engine) Sync() (err error) {
	defer e.trackOp("sync")(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return newError(ErrInvalidArgument, "blockstore: engine closed")
	}

	var small, big []ObjVer
	for _, oid := range e.dirty.Objects() {
		e.dirty.ForObjectAscending(oid, func(version uint64, d *meta.DirtyEntry) bool {
			ov := ObjVer{OID: oid, Version: version}
			switch {
			case d.State == StateWritten && d.Kind == meta.WriteBig:
				big = append(big, ov)
			case d.State == StateWritten || d.State == StateDeleteWritten:
				small = append(small, ov)
			}
			return true
		})
	}
	if len(small) == 0 && len(big) == 0 {
		return nil
	}

	if len(big) > 0 {
		if !e.opts.DisableDataFsync {
			e.mu.Unlock()
			err := e.dev.data.Sync()
			e.mu.Lock()
			if err != nil {
				e.logger.Fatalf("blockstore: sync data fsync failed: %v", err)
				return wrapError(ErrIOFailure, "blockstore: sync data fsync", err)
			}
		}
		for _, ov := range big {
			d, ok := e.dirty.Get(ov)
			if !ok {
				continue
			}
			sector, err := e.appendEntryLocked(&journal.Entry{
				Type:     journal.TypeBigWrite,
				Inode:    ov.OID.Inode,
				Stripe:   ov.OID.Stripe,
				Version:  ov.Version,
				Offset:   d.Offset,
				Len:      d.Length,
				Location: d.Location,
			})
			if err != nil {
				return err
			}
			d.JournalSector = sector
			e.jm.RefJournalSector(sector)
			e.dirty.Set(ov, d)
		}
		if err := e.fsyncJournalLocked(); err != nil {
			return err
		}
	} else {
		if err := e.fsyncJournalLocked(); err != nil {
			return err
		}
	}

	for _, ov := range small {
		d, ok := e.dirty.Get(ov)
		if !ok {
			continue
		}
		if d.State == StateWritten {
			d.State = StateSynced
		} else if d.State == StateDeleteWritten {
			d.State = StateDeleteSynced
		}
		e.dirty.Set(ov, d)
	}
	for _, ov := range big {
		d, ok := e.dirty.Get(ov)
		if !ok {
			continue
		}
		if d.State == StateWritten {
			d.State = StateSynced
			e.dirty.Set(ov, d)
		}
	}
	e.cond.Broadcast()
	return nil
}

// syncBigWriteLocked fsyncs the data device and appends/fsyncs a BIG_WRITE
// journal entry for a single just-completed big write, advancing it straight
// to SYNCED. Used by Write under ImmediateCommitAll (spec.md §6's
// immediate_commit "treat ... all writes ... as implicitly synced"), which
// otherwise only covered small writes. Must be called with e.mu held and d
// in StateWritten.
func (e *Engine) syncBigWriteLocked(ov ObjVer, d *meta.DirtyEntry) error {
	if !e.opts.DisableDataFsync {
		e.mu.Unlock()
		err := e.dev.data.Sync()
		e.mu.Lock()
		if err != nil {
			e.logger.Fatalf("blockstore: immediate-commit data fsync failed: %v", err)
			return wrapError(ErrIOFailure, "blockstore: immediate-commit data fsync", err)
		}
	}
	sector, err := e.appendEntryLocked(&journal.Entry{
		Type:     journal.TypeBigWrite,
		Inode:    ov.OID.Inode,
		Stripe:   ov.OID.Stripe,
		Version:  ov.Version,
		Offset:   d.Offset,
		Len:      d.Length,
		Location: d.Location,
	})
	if err != nil {
		return err
	}
	d.JournalSector = sector
	e.jm.RefJournalSector(sector)
	if err := e.fsyncJournalLocked(); err != nil {
		return err
	}
	d.State = StateSynced
	e.dirty.Set(ov, *d)
	e.cond.Broadcast()
	return nil
}
