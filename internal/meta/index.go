package meta

import "sort"

// CleanIndex is the flat hash-by-object map of the single, promoted,
// durable location for each object. The design notes call for a container
// that doesn't degrade as it grows to tens of millions of entries; a plain
// Go map with a pre-allocated size hint satisfies that well enough for this
// engine's scale, and keeps the dependency surface small.
type CleanIndex struct {
	m map[ObjectID]CleanEntry
}

// NewCleanIndex returns an empty index, sized to avoid early rehashing when
// the caller already knows roughly how many objects it will hold.
func NewCleanIndex(sizeHint int) *CleanIndex {
	return &CleanIndex{m: make(map[ObjectID]CleanEntry, sizeHint)}
}

func (c *CleanIndex) Get(oid ObjectID) (CleanEntry, bool) {
	e, ok := c.m[oid]
	return e, ok
}

func (c *CleanIndex) Set(oid ObjectID, e CleanEntry) {
	c.m[oid] = e
}

func (c *CleanIndex) Delete(oid ObjectID) {
	delete(c.m, oid)
}

func (c *CleanIndex) Len() int { return len(c.m) }

// Range calls f for every (object, entry) pair. Iteration order is
// unspecified, matching the underlying hash map.
func (c *CleanIndex) Range(f func(oid ObjectID, e CleanEntry) bool) {
	for k, v := range c.m {
		if !f(k, v) {
			return
		}
	}
}

// DirtyIndex is the ordered map from (object, version) to a dirty entry.
// Range scans "for object O, walk its versions" are the hot path (read,
// sync bookkeeping, flush, rollback), so entries are kept in a per-object
// slice sorted ascending by version rather than in one global ordered
// container; within an object, versions are almost always appended in
// increasing order already; the occasional out-of-order insert (recovery
// replaying a journal written out of order across sectors) falls back to a
// sorted insert.
type DirtyIndex struct {
	byObject map[ObjectID][]dirtyVersion
	count    int
}

type dirtyVersion struct {
	version uint64
	entry   DirtyEntry
}

// NewDirtyIndex returns an empty index.
func NewDirtyIndex() *DirtyIndex {
	return &DirtyIndex{byObject: make(map[ObjectID][]dirtyVersion)}
}

func (d *DirtyIndex) Len() int { return d.count }

// Get returns the dirty entry for (oid, version), if present.
func (d *DirtyIndex) Get(ov ObjVer) (DirtyEntry, bool) {
	versions := d.byObject[ov.OID]
	i := sort.Search(len(versions), func(i int) bool { return versions[i].version >= ov.Version })
	if i < len(versions) && versions[i].version == ov.Version {
		return versions[i].entry, true
	}
	return DirtyEntry{}, false
}

// Set inserts or overwrites the dirty entry for (oid, version).
func (d *DirtyIndex) Set(ov ObjVer, e DirtyEntry) {
	versions := d.byObject[ov.OID]
	i := sort.Search(len(versions), func(i int) bool { return versions[i].version >= ov.Version })
	if i < len(versions) && versions[i].version == ov.Version {
		versions[i].entry = e
		d.byObject[ov.OID] = versions
		return
	}
	versions = append(versions, dirtyVersion{})
	copy(versions[i+1:], versions[i:])
	versions[i] = dirtyVersion{version: ov.Version, entry: e}
	d.byObject[ov.OID] = versions
	d.count++
}

// Delete removes the dirty entry for (oid, version), if present.
func (d *DirtyIndex) Delete(ov ObjVer) {
	versions := d.byObject[ov.OID]
	i := sort.Search(len(versions), func(i int) bool { return versions[i].version >= ov.Version })
	if i >= len(versions) || versions[i].version != ov.Version {
		return
	}
	versions = append(versions[:i], versions[i+1:]...)
	if len(versions) == 0 {
		delete(d.byObject, ov.OID)
	} else {
		d.byObject[ov.OID] = versions
	}
	d.count--
}

// MaxVersion returns the highest version with a dirty entry for oid, and
// whether any exist.
func (d *DirtyIndex) MaxVersion(oid ObjectID) (uint64, bool) {
	versions := d.byObject[oid]
	if len(versions) == 0 {
		return 0, false
	}
	return versions[len(versions)-1].version, true
}

// ForObjectDescending calls f for every dirty entry of oid, from the
// highest version down to the lowest, stopping early if f returns false.
// This is the order Read and the flusher's scan-dirty step need.
func (d *DirtyIndex) ForObjectDescending(oid ObjectID, f func(version uint64, e *DirtyEntry) bool) {
	versions := d.byObject[oid]
	for i := len(versions) - 1; i >= 0; i-- {
		if !f(versions[i].version, &versions[i].entry) {
			return
		}
	}
}

// ForObjectAscending calls f for every dirty entry of oid, from the lowest
// version up, stopping early if f returns false.
func (d *DirtyIndex) ForObjectAscending(oid ObjectID, f func(version uint64, e *DirtyEntry) bool) {
	versions := d.byObject[oid]
	for i := range versions {
		if !f(versions[i].version, &versions[i].entry) {
			return
		}
	}
}

// DeleteAboveUnstable removes every dirty entry of oid with version >
// maxVersion that is neither STABLE nor still in flight, as Rollback
// requires. It calls onRemove for each entry removed so the caller can
// release journal-sector refcounts and allocator bits.
func (d *DirtyIndex) DeleteAboveUnstable(oid ObjectID, maxVersion uint64, onRemove func(version uint64, e DirtyEntry)) {
	versions := d.byObject[oid]
	kept := versions[:0]
	for _, v := range versions {
		if v.version > maxVersion && !v.entry.State.IsStable() && !v.entry.State.IsInFlight() {
			onRemove(v.version, v.entry)
			d.count--
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		delete(d.byObject, oid)
	} else {
		d.byObject[oid] = kept
	}
}

// PruneUpTo removes every dirty entry of oid with version <= maxVersion,
// calling onRemove for each so the caller can release journal-sector
// refcounts. Used by the flusher once it has reified those versions into
// the clean index.
func (d *DirtyIndex) PruneUpTo(oid ObjectID, maxVersion uint64, onRemove func(version uint64, e DirtyEntry)) {
	versions := d.byObject[oid]
	kept := versions[:0]
	for _, v := range versions {
		if v.version <= maxVersion {
			onRemove(v.version, v.entry)
			d.count--
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		delete(d.byObject, oid)
	} else {
		d.byObject[oid] = kept
	}
}

// Objects returns the set of objects that currently have at least one dirty
// entry. Used by List.
func (d *DirtyIndex) Objects() []ObjectID {
	out := make([]ObjectID, 0, len(d.byObject))
	for oid := range d.byObject {
		out = append(out, oid)
	}
	return out
}
