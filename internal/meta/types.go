package meta

import "fmt"

// ObjectID is the 128-bit opaque identifier of a client-visible object. The
// core never interprets Inode or Stripe beyond using them as a sort key.
type ObjectID struct {
	Inode  uint64
	Stripe uint64
}

func (o ObjectID) String() string {
	return fmt.Sprintf("%d:%d", o.Inode, o.Stripe)
}

// Less orders object IDs first by Inode then by Stripe, matching the ordering
// the on-disk metadata table and the dirty index both rely on.
func (o ObjectID) Less(other ObjectID) bool {
	if o.Inode != other.Inode {
		return o.Inode < other.Inode
	}
	return o.Stripe < other.Stripe
}

// ObjVer identifies one version of one object. It is the key of the dirty
// index, which is ordered by (ObjectID, Version) so that range scans by
// object are adjacent.
type ObjVer struct {
	OID     ObjectID
	Version uint64
}

func (v ObjVer) String() string {
	return fmt.Sprintf("%s v%d", v.OID, v.Version)
}

// Less implements the ordering used by the dirty index.
func (v ObjVer) Less(other ObjVer) bool {
	if v.OID != other.OID {
		return v.OID.Less(other.OID)
	}
	return v.Version < other.Version
}

// CleanEntry is the single, promoted, durable record of an object's current
// location. It mirrors the on-disk metadata entry and is kept for every
// object that has at least one stabilized-and-flushed version.
type CleanEntry struct {
	Version  uint64
	Location uint64 // byte offset into the data region, block-aligned
}

// DirtyState is the state of a DirtyEntry. States are never persisted; they
// are deduced from the journal during recovery.
type DirtyState uint8

const (
	// StateWaitBig marks a small write logically queued behind an
	// unreified big write to the same object. Optional optimization; the
	// engine in this package always serializes through dirty index order
	// instead, so this state is never actually assigned; it is kept in the
	// enumeration, and IsInFlight counts it as in flight.
	StateWaitBig DirtyState = iota

	StateInFlight
	StateSubmitted
	StateWritten
	StateSynced
	StateStable

	// StateDeleteInFlight .. StateDeleteStable mirror the write states but
	// for DELETE journal entries, whose dirty entries carry Length == 0.
	StateDeleteInFlight
	StateDeleteSubmitted
	StateDeleteWritten
	StateDeleteSynced
	StateDeleteStable
)

// IsInFlight reports whether st has not yet had all of its I/O completed.
func (st DirtyState) IsInFlight() bool {
	switch st {
	case StateWaitBig, StateInFlight, StateSubmitted,
		StateDeleteInFlight, StateDeleteSubmitted:
		return true
	}
	return false
}

// IsStable reports whether st is a terminal, flush-eligible state.
func (st DirtyState) IsStable() bool {
	return st == StateStable || st == StateDeleteStable
}

// IsSynced reports whether st has passed its sync boundary (stable implies
// synced).
func (st DirtyState) IsSynced() bool {
	return st.IsStable() || st == StateSynced || st == StateDeleteSynced
}

// IsDelete reports whether st belongs to the delete state family.
func (st DirtyState) IsDelete() bool {
	return st >= StateDeleteInFlight && st <= StateDeleteStable
}

// IsUnsynced reports whether st has completed its I/O but not yet its sync.
func (st DirtyState) IsUnsynced() bool {
	switch st {
	case StateWritten, StateDeleteWritten:
		return true
	}
	return false
}

func (st DirtyState) String() string {
	switch st {
	case StateWaitBig:
		return "WAIT_BIG"
	case StateInFlight:
		return "IN_FLIGHT"
	case StateSubmitted:
		return "SUBMITTED"
	case StateWritten:
		return "WRITTEN"
	case StateSynced:
		return "SYNCED"
	case StateStable:
		return "STABLE"
	case StateDeleteInFlight:
		return "DELETE_IN_FLIGHT"
	case StateDeleteSubmitted:
		return "DELETE_SUBMITTED"
	case StateDeleteWritten:
		return "DELETE_WRITTEN"
	case StateDeleteSynced:
		return "DELETE_SYNCED"
	case StateDeleteStable:
		return "DELETE_STABLE"
	}
	return "UNKNOWN"
}

// WriteKind distinguishes small journaled writes from big redirect writes.
type WriteKind uint8

const (
	// WriteSmall writes go through the journal: entry header plus inline
	// payload, later copied into the data region by the flusher.
	WriteSmall WriteKind = iota
	// WriteBig writes go directly to a freshly allocated data block; only a
	// small pointer entry is journaled (and only at Sync time).
	WriteBig
	// WriteDelete writes carry no payload; Length is always 0.
	WriteDelete
)

// DirtyEntry is the in-memory state of one (object, version) pair that has
// not yet been merged into the clean index.
type DirtyEntry struct {
	State  DirtyState
	Kind   WriteKind
	Location  uint64 // journal byte offset (small/delete) or data byte offset (big)
	Offset    uint32 // sub-block byte offset within the object
	Length    uint32 // payload length in bytes; 0 for deletes and zero-length writes
	JournalSector uint64 // offset of the journal sector this entry's header lives in
}

// IsBig reports whether d describes a big (redirect) write.
func (d *DirtyEntry) IsBig() bool { return d.Kind == WriteBig }

// IsDelete reports whether d describes a delete.
func (d *DirtyEntry) IsDelete() bool { return d.Kind == WriteDelete }
