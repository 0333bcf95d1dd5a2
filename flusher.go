package blockstore

import (
	"sync"

	"github.com/luqitao/vitastor/internal/bitmap"
	"github.com/luqitao/vitastor/internal/journal"
	"github.com/luqitao/vitastor/internal/meta"
)

// enqueueFlushLocked dedups by max version: an object already queued (or
// being flushed) just has its target version raised; an object already
// being actively flushed has its *next* target recorded in syncToRepeat so
// the active worker re-enqueues it once done, mirroring
// enqueue_flush/unshift_flush and sync_to_repeat from blockstore_flush.cpp.
// Must be called with e.mu held.
func (e *Engine) enqueueFlushLocked(oid ObjectID, version uint64) {
	if e.flushing[oid] {
		if cur, ok := e.syncToRepeat[oid]; !ok || version > cur {
			e.syncToRepeat[oid] = version
		}
		return
	}
	if cur, ok := e.flushVersions[oid]; ok {
		if version > cur {
			e.flushVersions[oid] = version
		}
		return
	}
	e.flushVersions[oid] = version
	e.flushQueue = append(e.flushQueue, oid)
	if e.metrics != nil {
		e.metrics.FlushQueueLen.Set(float64(len(e.flushQueue)))
	}
}

// nextFlushable pops the first queued object not already being flushed by
// another worker. Must be called with e.mu held.
func (e *Engine) nextFlushable() (ObjectID, uint64, bool) {
	for i, oid := range e.flushQueue {
		if e.flushing[oid] {
			continue
		}
		e.flushQueue = append(e.flushQueue[:i:i], e.flushQueue[i+1:]...)
		version := e.flushVersions[oid]
		delete(e.flushVersions, oid)
		return oid, version, true
	}
	return ObjectID{}, 0, false
}

// startFlushers launches Options.FlusherCount worker goroutines and one more
// goroutine that closes e.flushDone once every worker has returned.
func (e *Engine) startFlushers() {
	n := e.opts.FlusherCount
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			e.flushWorker()
		}()
	}
	go func() {
		wg.Wait()
		close(e.flushDone)
	}()
}

func (e *Engine) flushWorker() {
	for {
		e.mu.Lock()
		oid, version, ok := e.nextFlushable()
		for !ok && !e.closed {
			e.cond.Wait()
			oid, version, ok = e.nextFlushable()
		}
		if !ok {
			e.mu.Unlock()
			return
		}
		e.flushing[oid] = true
		e.mu.Unlock()

		e.flushObject(oid, version)

		e.mu.Lock()
		delete(e.flushing, oid)
		if nv, rep := e.syncToRepeat[oid]; rep {
			delete(e.syncToRepeat, oid)
			e.enqueueFlushLocked(oid, nv)
		}
		e.flushTrimHits++
		if e.flushTrimHits >= e.opts.JournalTrimInterval {
			e.flushTrimHits = 0
			e.trimJournalLocked()
		}
		if e.metrics != nil {
			e.metrics.FlushQueueLen.Set(float64(len(e.flushQueue)))
			e.metrics.DirtyEntries.Set(float64(e.dirty.Len()))
			e.metrics.DataFree.Set(float64(e.alloc.FreeCount()))
			e.metrics.JournalUsed.Set(float64(e.journalUsedLocked()))
		}
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

// journalUsedLocked returns the number of bytes currently occupied in the
// circular journal region, from UsedStart up to NextFree, wrapping past
// block 0 the same way the region itself wraps. Must be called with e.mu
// held.
func (e *Engine) journalUsedLocked() uint64 {
	used := e.jm.UsedStart
	free := e.jm.NextFree
	if free >= used {
		return free - used
	}
	return (e.jm.Len - used) + (free - e.jm.BlockSize)
}

// trimJournalLocked advances the journal's used region past sectors no
// longer referenced, and rewrites the superblock if it moved. Must be
// called with e.mu held.
func (e *Engine) trimJournalLocked() {
	if !e.jm.Trim() {
		return
	}
	entry := journal.SuperblockEntry(e.jm.UsedStart)
	buf := make([]byte, e.jm.BlockSize)
	journal.Encode(buf, entry, 0)
	e.mu.Unlock()
	_, err := e.dev.journal.WriteAt(buf, int64(e.jm.RegionOffset))
	if err == nil && !e.opts.DisableJournalFsync {
		err = e.dev.journal.Sync()
	}
	e.mu.Lock()
	if err != nil {
		e.logger.Fatalf("blockstore: journal trim failed: %v", err)
	}
}

type flushRange struct {
	journalLoc uint64
	offset     uint32
	length     uint32
}

// flushObject migrates oid's stabilized journaled content (up through
// targetVersion) into the data and metadata regions, then drops the
// consumed dirty entries, per spec.md §4.5's per-object worker algorithm.
func (e *Engine) flushObject(oid ObjectID, targetVersion uint64) {
	e.mu.Lock()
	var ranges []flushRange
	mask := make([]bool, e.geo.blockSize)
	haveBig := false
	isDelete := false
	var bigLoc uint64
	oldCE, hadOld := e.clean.Get(oid)

	e.dirty.ForObjectDescending(oid, func(version uint64, d *meta.DirtyEntry) bool {
		if version > targetVersion {
			return true
		}
		if !d.State.IsStable() {
			return true
		}
		if d.IsDelete() {
			isDelete = true
			return false
		}
		if d.IsBig() {
			bigLoc = d.Location
			haveBig = true
			return false
		}
		lo := d.Offset
		hi := d.Offset + d.Length
		needed := false
		for b := lo; b < hi && b < uint32(len(mask)); b++ {
			if !mask[b] {
				mask[b] = true
				needed = true
			}
		}
		if needed {
			ranges = append(ranges, flushRange{d.Location, d.Offset, d.Length})
		}
		return true
	})
	e.mu.Unlock()

	if isDelete {
		e.flushDelete(oid, targetVersion, oldCE, hadOld)
		return
	}

	var dataLoc uint64
	var allocatedNew bool
	var newBlk uint64
	switch {
	case haveBig:
		dataLoc = bigLoc
	case hadOld:
		dataLoc = oldCE.Location
	default:
		e.mu.Lock()
		blk := e.alloc.FindFree()
		if blk == bitmap.NoBlock {
			e.mu.Unlock()
			e.logger.Errorf("blockstore: flush %s: data region full", oid)
			return
		}
		e.alloc.Set(blk, true)
		e.mu.Unlock()
		dataLoc = e.geo.dataLocation(blk)
		newBlk = blk
		allocatedNew = true
	}

	// ranges was collected newest-first; copy oldest-first so a newer
	// version's bytes are the ones left in the data block.
	for i := len(ranges) - 1; i >= 0; i-- {
		r := ranges[i]
		buf := make([]byte, r.length)
		err := e.submitIO(func() error {
			_, err := e.dev.journal.ReadAt(buf, int64(e.jm.RegionOffset+r.journalLoc))
			return err
		})
		if err != nil {
			e.logger.Fatalf("blockstore: flush %s: journal read failed: %v", oid, err)
			return
		}
		err = e.submitIO(func() error {
			_, err := e.dev.data.WriteAt(buf, int64(e.geo.dataOffset+dataLoc+uint64(r.offset)))
			return err
		})
		if err != nil {
			e.logger.Fatalf("blockstore: flush %s: data write failed: %v", oid, err)
			return
		}
	}
	if !e.opts.DisableDataFsync {
		if err := e.dev.data.Sync(); err != nil {
			e.logger.Fatalf("blockstore: flush %s: data fsync failed: %v", oid, err)
			return
		}
	}

	blk := e.geo.blockIndex(dataLoc)
	bitmapBytes := e.geo.bitmapBytes()
	newBitmap := make([]byte, bitmapBytes)
	if !allocatedNew && hadOld && oldCE.Location == dataLoc {
		if old, err := e.readMetaEntryBitmap(blk, bitmapBytes); err == nil {
			copy(newBitmap, old)
		}
	}
	if haveBig {
		for i := range newBitmap {
			newBitmap[i] = 0xff
		}
	}
	for _, r := range ranges {
		meta.SetRange(newBitmap, uint64(e.opts.BitmapGranularity), r.offset, r.length)
	}
	if err := e.writeMetaEntry(blk, &meta.DiskEntry{Inode: oid.Inode, Stripe: oid.Stripe, Version: targetVersion, Bitmap: newBitmap}); err != nil {
		e.logger.Fatalf("blockstore: flush %s: metadata write failed: %v", oid, err)
		return
	}
	var oldBlk uint64
	freeOld := false
	if hadOld && oldCE.Location != dataLoc {
		oldBlk = e.geo.blockIndex(oldCE.Location)
		if err := e.writeMetaEntry(oldBlk, &meta.DiskEntry{}); err != nil {
			e.logger.Fatalf("blockstore: flush %s: old metadata clear failed: %v", oid, err)
			return
		}
		freeOld = true
	}
	if !e.opts.DisableMetaFsync {
		if err := e.dev.meta.Sync(); err != nil {
			e.logger.Fatalf("blockstore: flush %s: metadata fsync failed: %v", oid, err)
			return
		}
	}

	e.mu.Lock()
	e.clean.Set(oid, meta.CleanEntry{Version: targetVersion, Location: dataLoc})
	if freeOld {
		e.alloc.Set(oldBlk, false)
	}
	e.removeFlushedDirtyLocked(oid, targetVersion)
	e.mu.Unlock()
	_ = newBlk
}

func (e *Engine) flushDelete(oid ObjectID, targetVersion uint64, oldCE CleanEntry, hadOld bool) {
	if hadOld {
		blk := e.geo.blockIndex(oldCE.Location)
		if err := e.writeMetaEntry(blk, &meta.DiskEntry{}); err != nil {
			e.logger.Fatalf("blockstore: flush delete %s: metadata clear failed: %v", oid, err)
			return
		}
		if !e.opts.DisableMetaFsync {
			if err := e.dev.meta.Sync(); err != nil {
				e.logger.Fatalf("blockstore: flush delete %s: metadata fsync failed: %v", oid, err)
				return
			}
		}
	}
	e.mu.Lock()
	if hadOld {
		e.clean.Delete(oid)
		e.alloc.Set(e.geo.blockIndex(oldCE.Location), false)
	}
	e.removeFlushedDirtyLocked(oid, targetVersion)
	e.mu.Unlock()
}

// removeFlushedDirtyLocked drops every dirty entry of oid with version <=
// maxVersion, releasing journal sector references. Must be called with
// e.mu held.
func (e *Engine) removeFlushedDirtyLocked(oid ObjectID, maxVersion uint64) {
	e.dirty.PruneUpTo(oid, maxVersion, func(version uint64, d meta.DirtyEntry) {
		if !d.IsBig() || d.JournalSector != 0 {
			e.jm.UnrefJournalSector(d.JournalSector)
		}
	})
}

func (e *Engine) writeMetaEntry(blk uint64, entry *meta.DiskEntry) error {
	buf := make([]byte, e.geo.cleanEntrySize)
	if entry.Inode != 0 || entry.Stripe != 0 || entry.Version != 0 {
		meta.Encode(buf, entry)
	} else {
		meta.ZeroEntry(buf)
	}
	off := e.geo.metaEntryOffset(blk)
	if e.opts.InmemoryMeta {
		copy(e.metaBuf[off:off+uint64(len(buf))], buf)
	}
	_, err := e.dev.meta.WriteAt(buf, int64(e.geo.metaOffset+off))
	return err
}

func (e *Engine) readMetaEntryBitmap(blk uint64, bitmapBytes int) ([]byte, error) {
	if e.opts.InmemoryMeta {
		off := e.geo.metaEntryOffset(blk) + uint64(meta.EntrySize(0))
		buf := make([]byte, bitmapBytes)
		copy(buf, e.metaBuf[off:off+uint64(bitmapBytes)])
		return buf, nil
	}

	sectorOff := e.geo.metaSectorOffset(blk)
	handle, err := e.metaCache.Acquire(sectorOff, func() ([]byte, error) {
		sector := make([]byte, e.geo.metaBlockSize)
		if _, err := e.dev.meta.ReadAt(sector, int64(e.geo.metaOffset+sectorOff)); err != nil {
			return nil, err
		}
		return sector, nil
	})
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	within := e.geo.metaEntryOffset(blk) - sectorOff + uint64(meta.EntrySize(0))
	buf := make([]byte, bitmapBytes)
	copy(buf, handle.Buf()[within:within+uint64(bitmapBytes)])
	return buf, nil
}
