package blockstore

import (
	"github.com/luqitao/vitastor/internal/journal"
	"github.com/luqitao/vitastor/vfs"
)

// Format initializes a fresh blockstore image: it zero-fills the data region
// and the metadata region (every clean-entry slot starts with Inode==0, i.e.
// free) and writes the journal's block-0 superblock, mirroring the "journal
// is empty" initialization path blockstore_init_journal::loop() takes when it
// finds no existing START entry.
//
// Format does not open the devices for ongoing use; call Open afterward.
func Format(o *Options, fsys vfs.FS) error {
	o = o.EnsureDefaults()
	if err := o.Validate(); err != nil {
		return err
	}
	geo := newGeometry(o)
	dev, err := openDevices(fsys, o)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := zeroRegion(dev.data, int64(o.DataOffset), int64(o.DataSize), int64(o.BlockSize)); err != nil {
		return wrapError(ErrIOFailure, "blockstore: zero data region", err)
	}
	if err := zeroRegion(dev.meta, int64(geo.metaOffset), int64(geo.metaLen), int64(o.MetaBlockSize)); err != nil {
		return wrapError(ErrIOFailure, "blockstore: zero metadata region", err)
	}
	if !o.DisableMetaFsync {
		if err := dev.meta.Sync(); err != nil {
			return wrapError(ErrIOFailure, "blockstore: fsync metadata region", err)
		}
	}

	sb := make([]byte, o.JournalBlockSize)
	entry := journal.SuperblockEntry(uint64(o.JournalBlockSize))
	journal.Encode(sb, entry, 0)
	if _, err := dev.journal.WriteAt(sb, 0); err != nil {
		return wrapError(ErrIOFailure, "blockstore: write journal superblock", err)
	}
	if err := zeroRegion(dev.journal, int64(o.JournalBlockSize), int64(o.JournalSize)-int64(o.JournalBlockSize), int64(o.JournalBlockSize)); err != nil {
		return wrapError(ErrIOFailure, "blockstore: zero journal region", err)
	}
	if !o.DisableJournalFsync {
		if err := dev.journal.Sync(); err != nil {
			return wrapError(ErrIOFailure, "blockstore: fsync journal region", err)
		}
	}
	return nil
}

// zeroRegion writes zero bytes across [offset, offset+length) in chunkSize
// increments, avoiding one giant in-memory buffer for a multi-gigabyte
// region.
func zeroRegion(f vfs.File, offset, length, chunkSize int64) error {
	if length <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	chunk := make([]byte, chunkSize)
	for written := int64(0); written < length; {
		n := chunkSize
		if length-written < n {
			n = length - written
		}
		if _, err := f.WriteAt(chunk[:n], offset+written); err != nil {
			return err
		}
		written += n
	}
	return nil
}
