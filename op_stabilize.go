package blockstore

import (
	"github.com/luqitao/vitastor/internal/journal"
	"github.com/luqitao/vitastor/internal/meta"
)

// RollbackTarget names an object and the highest version that should
// survive a Rollback call; every later, unstabilized version is discarded.
type RollbackTarget struct {
	OID        ObjectID
	MaxVersion uint64
}

// Stabilize marks each (oid, version) pair as durably final, appending one
// STABLE journal entry per target and promoting the matching dirty entry
// and every lower-versioned same-object entry to STABLE. It fails entirely
// (appending nothing) if any target is not found or not yet SYNCED, mirroring
// the original's validate-before-commit pass in dequeue_stable.
func (e *Engine) Stabilize(targets []ObjVer) (err error) {
	defer e.trackOp("stabilize")(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return newError(ErrInvalidArgument, "blockstore: engine closed")
	}

	for _, ov := range targets {
		d, ok := e.dirty.Get(ov)
		if !ok {
			return newError(ErrNotFound, "blockstore: stabilize: no such version")
		}
		if !d.State.IsSynced() {
			return newError(ErrBusy, "blockstore: stabilize: version not yet synced")
		}
	}

	for _, ov := range targets {
		d, _ := e.dirty.Get(ov)
		if d.State.IsStable() {
			continue // already stabilized; a no-op per spec.md §8
		}
		sector, err := e.appendEntryLocked(&journal.Entry{
			Type:    journal.TypeStable,
			Inode:   ov.OID.Inode,
			Stripe:  ov.OID.Stripe,
			Version: ov.Version,
		})
		if err != nil {
			return err
		}
		_ = sector // the STABLE entry itself is never referenced by a dirty entry
		e.promoteStableLocked(ov.OID, ov.Version)
		e.enqueueFlushLocked(ov.OID, ov.Version)
	}
	if err := e.fsyncJournalLocked(); err != nil {
		return err
	}
	e.cond.Broadcast()
	return nil
}

// promoteStableLocked advances the dirty entry at (oid, version) and every
// lower-versioned entry of the same object to its STABLE state, stopping at
// the first entry already STABLE, mirroring handle_stable_event's backward
// walk in the original.
func (e *Engine) promoteStableLocked(oid ObjectID, version uint64) {
	var toPromote []uint64
	e.dirty.ForObjectDescending(oid, func(v uint64, d *meta.DirtyEntry) bool {
		if v > version {
			return true
		}
		if d.State.IsStable() {
			return false
		}
		toPromote = append(toPromote, v)
		return true
	})
	for _, v := range toPromote {
		ov := ObjVer{OID: oid, Version: v}
		d, ok := e.dirty.Get(ov)
		if !ok {
			continue
		}
		if d.IsDelete() {
			d.State = StateDeleteStable
		} else {
			d.State = StateStable
		}
		e.dirty.Set(ov, d)
	}
	if cur, ok := e.unstable[oid]; ok && cur <= version {
		delete(e.unstable, oid)
	}
}

// Rollback discards dirty entries above MaxVersion for each target object
// that are neither STABLE nor still in flight, after journaling a ROLLBACK
// entry for each. Journal sector refcounts and allocator bits for any
// discarded big writes are released.
func (e *Engine) Rollback(targets []RollbackTarget) (err error) {
	defer e.trackOp("rollback")(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return newError(ErrInvalidArgument, "blockstore: engine closed")
	}

	for _, t := range targets {
		sector, err := e.appendEntryLocked(&journal.Entry{
			Type:    journal.TypeRollback,
			Inode:   t.OID.Inode,
			Stripe:  t.OID.Stripe,
			Version: t.MaxVersion,
		})
		if err != nil {
			return err
		}
		_ = sector // the ROLLBACK entry itself is never referenced by a dirty entry

		e.dirty.DeleteAboveUnstable(t.OID, t.MaxVersion, func(version uint64, d meta.DirtyEntry) {
			if !d.IsBig() {
				e.jm.UnrefJournalSector(d.JournalSector)
			} else {
				if d.JournalSector != 0 {
					e.jm.UnrefJournalSector(d.JournalSector)
				}
				blk := e.geo.blockIndex(d.Location)
				e.alloc.Set(blk, false)
			}
		})
		if maxV, ok := e.dirty.MaxVersion(t.OID); ok {
			e.unstable[t.OID] = maxV
		} else {
			delete(e.unstable, t.OID)
		}
	}
	if err := e.fsyncJournalLocked(); err != nil {
		return err
	}
	e.cond.Broadcast()
	return nil
}
