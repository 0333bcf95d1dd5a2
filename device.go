package blockstore

import (
	"github.com/luqitao/vitastor/internal/meta"
	"github.com/luqitao/vitastor/vfs"
)

// geometry holds the derived, fixed-at-format-time layout of the three
// regions, computed once from Options and never recomputed afterward (the
// metadata table is pre-sized at format time per spec.md's Non-goals).
type geometry struct {
	blockSize         uint32
	diskAlignment     uint32
	journalBlockSize  uint32
	metaBlockSize     uint32
	bitmapGranularity uint32

	dataOffset uint64
	dataSize   uint64
	blockCount uint64

	metaOffset       uint64
	cleanEntrySize   int
	entriesPerSector int
	metaLen          uint64

	journalOffset uint64
	journalLen    uint64
}

func newGeometry(o *Options) *geometry {
	bitmapBytes := int((o.BlockSize/o.BitmapGranularity + 7) / 8)
	if bitmapBytes == 0 {
		bitmapBytes = 1
	}
	cleanEntrySize := meta.EntrySize(bitmapBytes)
	entriesPerSector := int(o.MetaBlockSize) / cleanEntrySize
	if entriesPerSector == 0 {
		entriesPerSector = 1
	}

	blockCount := o.DataSize / uint64(o.BlockSize)
	sectorCount := (blockCount + uint64(entriesPerSector) - 1) / uint64(entriesPerSector)
	metaLen := sectorCount * uint64(o.MetaBlockSize)

	return &geometry{
		blockSize:         o.BlockSize,
		diskAlignment:     o.DiskAlignment,
		journalBlockSize:  o.JournalBlockSize,
		metaBlockSize:     o.MetaBlockSize,
		bitmapGranularity: o.BitmapGranularity,

		dataOffset: o.DataOffset,
		dataSize:   o.DataSize,
		blockCount: blockCount,

		metaOffset:       o.MetaOffset,
		cleanEntrySize:   cleanEntrySize,
		entriesPerSector: entriesPerSector,
		metaLen:          metaLen,

		journalOffset: 0,
		journalLen:    o.JournalSize,
	}
}

// bitmapBytes returns the number of bytes a block's sparse-write bitmap
// occupies, derived from block_size/bitmap_granularity as spec.md §6 defines
// the on-disk clean metadata entry.
func (g *geometry) bitmapBytes() int {
	return g.cleanEntrySize - meta.EntrySize(0)
}

// dataLocation translates a data block index to its byte offset within the
// data region (blockIndex does the reverse), for clean-entry bookkeeping.
func (g *geometry) dataLocation(blockIndex uint64) uint64 {
	return blockIndex * uint64(g.blockSize)
}

func (g *geometry) blockIndex(location uint64) uint64 {
	return location / uint64(g.blockSize)
}

// metaEntryOffset returns the byte offset within the metadata region of the
// clean entry for data block blockIndex.
func (g *geometry) metaEntryOffset(blockIndex uint64) uint64 {
	sector := blockIndex / uint64(g.entriesPerSector)
	within := blockIndex % uint64(g.entriesPerSector)
	return sector*uint64(g.metaBlockSize) + within*uint64(g.cleanEntrySize)
}

// metaSectorOffset returns the byte offset of the metadata sector containing
// blockIndex's entry, for the flusher's sector cache key.
func (g *geometry) metaSectorOffset(blockIndex uint64) uint64 {
	sector := blockIndex / uint64(g.entriesPerSector)
	return sector * uint64(g.metaBlockSize)
}

// devices bundles the open vfs.File handles for the three regions, which may
// alias the same underlying file when data/meta/journal share one device.
type devices struct {
	data    vfs.File
	meta    vfs.File
	journal vfs.File

	dataLock    closer
	metaLock    closer
	journalLock closer
}

type closer interface {
	Close() error
}

func openDevices(fs vfs.FS, o *Options) (*devices, error) {
	d := &devices{}
	var err error
	if d.data, err = fs.OpenReadWrite(o.DataDevice); err != nil {
		return nil, wrapError(ErrIOFailure, "blockstore: open data device", err)
	}
	if d.meta, err = fs.OpenReadWrite(o.MetaDevice); err != nil {
		d.data.Close()
		return nil, wrapError(ErrIOFailure, "blockstore: open meta device", err)
	}
	if d.journal, err = fs.OpenReadWrite(o.JournalDevice); err != nil {
		d.data.Close()
		d.meta.Close()
		return nil, wrapError(ErrIOFailure, "blockstore: open journal device", err)
	}
	if !o.DisableFlock {
		if d.dataLock, err = fs.Lock(o.DataDevice); err != nil {
			d.Close()
			return nil, wrapError(ErrBusy, "blockstore: lock data device", err)
		}
		if d.metaLock, err = fs.Lock(o.MetaDevice); err != nil {
			d.Close()
			return nil, wrapError(ErrBusy, "blockstore: lock meta device", err)
		}
		if d.journalLock, err = fs.Lock(o.JournalDevice); err != nil {
			d.Close()
			return nil, wrapError(ErrBusy, "blockstore: lock journal device", err)
		}
	}
	return d, nil
}

func (d *devices) Close() error {
	if d.dataLock != nil {
		d.dataLock.Close()
	}
	if d.metaLock != nil {
		d.metaLock.Close()
	}
	if d.journalLock != nil {
		d.journalLock.Close()
	}
	if d.data != nil {
		d.data.Close()
	}
	if d.meta != nil {
		d.meta.Close()
	}
	if d.journal != nil {
		d.journal.Close()
	}
	return nil
}
