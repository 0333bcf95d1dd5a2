package blockstore

import "github.com/luqitao/vitastor/internal/meta"

// ListFilter restricts List to a range of inodes. A zero MaxInode means no
// upper bound.
type ListFilter struct {
	MinInode uint64
	MaxInode uint64
}

func (f ListFilter) matches(oid ObjectID) bool {
	if oid.Inode < f.MinInode {
		return false
	}
	if f.MaxInode != 0 && oid.Inode > f.MaxInode {
		return false
	}
	return true
}

// List returns a snapshot of (object, version) pairs matching filter, one
// per object, drawn from both the clean and dirty indices. An object with
// outstanding dirty entries is reported at its highest dirty version, not
// its last-flushed clean version, since that is the most current state a
// Read against it would see. It is read-only and does not block on any
// in-flight write.
func (e *Engine) List(filter ListFilter) []ObjVer {
	e.mu.Lock()
	defer e.mu.Unlock()

	dirtyOids := e.dirty.Objects()
	haveDirty := make(map[ObjectID]bool, len(dirtyOids))
	for _, oid := range dirtyOids {
		haveDirty[oid] = true
	}

	var out []ObjVer
	e.clean.Range(func(oid ObjectID, ce CleanEntry) bool {
		if filter.matches(oid) && !haveDirty[oid] {
			out = append(out, ObjVer{OID: oid, Version: ce.Version})
		}
		return true
	})
	for _, oid := range dirtyOids {
		if !filter.matches(oid) {
			continue
		}
		e.dirty.ForObjectDescending(oid, func(version uint64, d *meta.DirtyEntry) bool {
			out = append(out, ObjVer{OID: oid, Version: version})
			return false
		})
	}
	return out
}
