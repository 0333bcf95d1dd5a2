package blockstore

import (
	"github.com/luqitao/vitastor/internal/bitmap"
	"github.com/luqitao/vitastor/internal/journal"
	"github.com/luqitao/vitastor/internal/meta"
)

// Write stores length=len(data) bytes of oid at offset, assigning version
// current_max+1 if version==0 (otherwise version must be current_max+1 or
// greater, per spec.md §3). Writes with length == block size take the big
// (redirect) path; any other length takes the small (journaled) path.
// Acknowledgement happens when the write's I/O completes; durability
// requires a subsequent Sync.
func (e *Engine) Write(oid ObjectID, version uint64, offset uint32, data []byte) (v uint64, err error) {
	defer e.trackOp("write")(&err)
	length := uint32(len(data))
	if uint64(offset)+uint64(length) > uint64(e.geo.blockSize) {
		return 0, newError(ErrInvalidArgument, "blockstore: write exceeds block size")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, newError(ErrInvalidArgument, "blockstore: engine closed")
	}
	if e.opts.Readonly {
		return 0, newError(ErrInvalidArgument, "blockstore: engine is readonly")
	}

	curMax, _ := e.dirty.MaxVersion(oid)
	if ce, ok := e.clean.Get(oid); ok && ce.Version > curMax {
		curMax = ce.Version
	}
	if version == 0 {
		version = curMax + 1
	} else if version <= curMax {
		return 0, newError(ErrInvalidArgument, "blockstore: version must exceed the object's current version")
	}
	ov := ObjVer{OID: oid, Version: version}

	if length == 0 {
		e.dirty.Set(ov, meta.DirtyEntry{
			State: e.immediateSmallState(),
			Kind:  meta.WriteSmall,
		})
		e.bumpUnstableLocked(oid, version)
		return version, nil
	}

	if length == e.geo.blockSize {
		blk := e.alloc.FindFree()
		if blk == bitmap.NoBlock {
			return 0, newError(ErrOutOfSpace, "blockstore: data region full")
		}
		e.alloc.Set(blk, true)
		loc := e.geo.dataLocation(blk)
		// Reserve the version with an IN_FLIGHT placeholder before
		// releasing the lock for the write's I/O, so a concurrent
		// Write(oid, 0, ...) to the same object sees this version as
		// taken instead of computing the same curMax and colliding.
		// blockstore_write.cpp reserves synchronously at enqueue for the
		// same reason.
		e.dirty.Set(ov, meta.DirtyEntry{
			State:    StateInFlight,
			Kind:     meta.WriteBig,
			Location: loc,
			Offset:   offset,
			Length:   length,
		})
		e.mu.Unlock()
		err := e.submitIO(func() error {
			_, err := e.dev.data.WriteAt(data, int64(e.geo.dataOffset+loc))
			return err
		})
		e.mu.Lock()
		if err != nil {
			// Fatal per spec.md §7: a failed data write leaves in-memory
			// state unrecoverably out of sync with disk. The rollback below
			// only matters to tests driven with a non-exiting Logger.
			e.logger.Fatalf("blockstore: data write failed: %v", err)
			e.alloc.Set(blk, false)
			e.dirty.Delete(ov)
			return 0, wrapError(ErrIOFailure, "blockstore: data write", err)
		}
		d, _ := e.dirty.Get(ov)
		d.State = StateWritten
		e.dirty.Set(ov, d)
		e.bumpUnstableLocked(oid, version)
		if e.opts.ImmediateCommit == ImmediateCommitAll {
			if err := e.syncBigWriteLocked(ov, &d); err != nil {
				return 0, err
			}
		}
		return version, nil
	}

	// Same reservation concern as the big path: appendSmallWriteLocked
	// releases the lock both while waiting for journal space and while
	// writing the payload, so the placeholder goes in first.
	e.dirty.Set(ov, meta.DirtyEntry{
		State: StateInFlight,
		Kind:  meta.WriteSmall,
	})
	sector, dataLoc, err := e.appendSmallWriteLocked(oid, version, offset, length, data)
	if err != nil {
		e.dirty.Delete(ov)
		return 0, err
	}
	e.dirty.Set(ov, meta.DirtyEntry{
		State:         e.immediateSmallState(),
		Kind:          meta.WriteSmall,
		Location:      dataLoc,
		Offset:        offset,
		Length:        length,
		JournalSector: sector,
	})
	e.jm.RefJournalSector(sector)
	e.bumpUnstableLocked(oid, version)
	return version, nil
}

// Delete journals a DELETE entry for (oid, version) and marks a dirty entry
// with Length 0. Like Write, acknowledgement happens on I/O completion, not
// on sync.
func (e *Engine) Delete(oid ObjectID, version uint64) (v uint64, err error) {
	defer e.trackOp("delete")(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, newError(ErrInvalidArgument, "blockstore: engine closed")
	}
	if e.opts.Readonly {
		return 0, newError(ErrInvalidArgument, "blockstore: engine is readonly")
	}

	curMax, _ := e.dirty.MaxVersion(oid)
	if ce, ok := e.clean.Get(oid); ok && ce.Version > curMax {
		curMax = ce.Version
	}
	if version == 0 {
		version = curMax + 1
	} else if version <= curMax {
		return 0, newError(ErrInvalidArgument, "blockstore: version must exceed the object's current version")
	}

	ov := ObjVer{OID: oid, Version: version}
	e.dirty.Set(ov, meta.DirtyEntry{
		State: StateDeleteInFlight,
		Kind:  meta.WriteDelete,
	})
	sector, err := e.appendEntryLocked(&journal.Entry{
		Type:    journal.TypeDelete,
		Inode:   oid.Inode,
		Stripe:  oid.Stripe,
		Version: version,
	})
	if err != nil {
		e.dirty.Delete(ov)
		return 0, err
	}
	e.dirty.Set(ov, meta.DirtyEntry{
		State:         e.immediateDeleteState(),
		Kind:          meta.WriteDelete,
		JournalSector: sector,
	})
	e.jm.RefJournalSector(sector)
	e.bumpUnstableLocked(oid, version)
	return version, nil
}

// bumpUnstableLocked raises the per-object unstable high-water-mark, the
// supplemented unstable_writes tracking from SPEC_FULL.md §4. Must be
// called with e.mu held.
func (e *Engine) bumpUnstableLocked(oid ObjectID, version uint64) {
	if cur, ok := e.unstable[oid]; !ok || version > cur {
		e.unstable[oid] = version
	}
}

// immediateSmallState returns the initial dirty state a small write should
// land in: SYNCED directly under immediate_commit SMALL/ALL, or WRITTEN
// otherwise (requiring an explicit Sync).
func (e *Engine) immediateSmallState() DirtyState {
	if e.opts.ImmediateCommit == ImmediateCommitSmall || e.opts.ImmediateCommit == ImmediateCommitAll {
		return StateSynced
	}
	return StateWritten
}

func (e *Engine) immediateDeleteState() DirtyState {
	if e.opts.ImmediateCommit == ImmediateCommitSmall || e.opts.ImmediateCommit == ImmediateCommitAll {
		return StateDeleteSynced
	}
	return StateDeleteWritten
}
