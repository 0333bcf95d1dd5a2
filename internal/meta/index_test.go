package meta

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanIndexBasic(t *testing.T) {
	c := NewCleanIndex(0)
	oid := ObjectID{Inode: 1, Stripe: 0}
	_, ok := c.Get(oid)
	require.False(t, ok)

	c.Set(oid, CleanEntry{Version: 1, Location: 4096})
	got, ok := c.Get(oid)
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Version)
	require.Equal(t, 1, c.Len())

	c.Delete(oid)
	_, ok = c.Get(oid)
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestDirtyIndexOrderedInsertAndScan(t *testing.T) {
	d := NewDirtyIndex()
	oid := ObjectID{Inode: 5, Stripe: 0}

	// Insert out of order; the index must still scan in version order.
	d.Set(ObjVer{OID: oid, Version: 3}, DirtyEntry{State: StateWritten})
	d.Set(ObjVer{OID: oid, Version: 1}, DirtyEntry{State: StateWritten})
	d.Set(ObjVer{OID: oid, Version: 2}, DirtyEntry{State: StateWritten})
	require.Equal(t, 3, d.Len())

	var ascending []uint64
	d.ForObjectAscending(oid, func(v uint64, e *DirtyEntry) bool {
		ascending = append(ascending, v)
		return true
	})
	require.Equal(t, []uint64{1, 2, 3}, ascending)

	var descending []uint64
	d.ForObjectDescending(oid, func(v uint64, e *DirtyEntry) bool {
		descending = append(descending, v)
		return true
	})
	require.Equal(t, []uint64{3, 2, 1}, descending)

	max, ok := d.MaxVersion(oid)
	require.True(t, ok)
	require.Equal(t, uint64(3), max)
}

func TestDirtyIndexGetSetOverwrite(t *testing.T) {
	d := NewDirtyIndex()
	ov := ObjVer{OID: ObjectID{Inode: 1}, Version: 1}
	d.Set(ov, DirtyEntry{State: StateWritten})
	d.Set(ov, DirtyEntry{State: StateSynced})

	got, ok := d.Get(ov)
	require.True(t, ok)
	require.Equal(t, StateSynced, got.State)
	require.Equal(t, 1, d.Len())
}

func TestDirtyIndexForObjectDescendingStopsEarly(t *testing.T) {
	d := NewDirtyIndex()
	oid := ObjectID{Inode: 1}
	d.Set(ObjVer{OID: oid, Version: 1}, DirtyEntry{})
	d.Set(ObjVer{OID: oid, Version: 2}, DirtyEntry{})
	d.Set(ObjVer{OID: oid, Version: 3}, DirtyEntry{})

	var seen []uint64
	d.ForObjectDescending(oid, func(v uint64, e *DirtyEntry) bool {
		seen = append(seen, v)
		return v != 2
	})
	require.Equal(t, []uint64{3, 2}, seen)
}

func TestPruneUpTo(t *testing.T) {
	d := NewDirtyIndex()
	oid := ObjectID{Inode: 1}
	for v := uint64(1); v <= 4; v++ {
		d.Set(ObjVer{OID: oid, Version: v}, DirtyEntry{})
	}

	var removed []uint64
	d.PruneUpTo(oid, 2, func(v uint64, e DirtyEntry) {
		removed = append(removed, v)
	})
	require.Equal(t, []uint64{1, 2}, removed)
	require.Equal(t, 2, d.Len())

	_, ok := d.Get(ObjVer{OID: oid, Version: 1})
	require.False(t, ok)
	_, ok = d.Get(ObjVer{OID: oid, Version: 3})
	require.True(t, ok)
}

func TestDeleteAboveUnstableKeepsStableAndInFlight(t *testing.T) {
	d := NewDirtyIndex()
	oid := ObjectID{Inode: 1}
	d.Set(ObjVer{OID: oid, Version: 1}, DirtyEntry{State: StateStable})
	d.Set(ObjVer{OID: oid, Version: 2}, DirtyEntry{State: StateWritten})
	d.Set(ObjVer{OID: oid, Version: 3}, DirtyEntry{State: StateInFlight})
	d.Set(ObjVer{OID: oid, Version: 4}, DirtyEntry{State: StateSynced})

	var removed []uint64
	d.DeleteAboveUnstable(oid, 1, func(v uint64, e DirtyEntry) {
		removed = append(removed, v)
	})
	// Version 2 and 4 are above maxVersion(1) and neither stable nor
	// in-flight, so they're discarded; version 3 survives because it's
	// still in flight, version 1 because it's at or below maxVersion.
	require.ElementsMatch(t, []uint64{2, 4}, removed)
	_, ok := d.Get(ObjVer{OID: oid, Version: 1})
	require.True(t, ok)
	_, ok = d.Get(ObjVer{OID: oid, Version: 3})
	require.True(t, ok)
	_, ok = d.Get(ObjVer{OID: oid, Version: 2})
	require.False(t, ok)
}

func TestObjectsListsDistinctOids(t *testing.T) {
	d := NewDirtyIndex()
	a := ObjectID{Inode: 1}
	b := ObjectID{Inode: 2}
	d.Set(ObjVer{OID: a, Version: 1}, DirtyEntry{})
	d.Set(ObjVer{OID: a, Version: 2}, DirtyEntry{})
	d.Set(ObjVer{OID: b, Version: 1}, DirtyEntry{})

	require.ElementsMatch(t, []ObjectID{a, b}, d.Objects())
}
