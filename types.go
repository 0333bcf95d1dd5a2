package blockstore

import "github.com/luqitao/vitastor/internal/meta"

// The core data-model types live in internal/meta, which owns the clean and
// dirty indices built from them. They are aliased here so that callers of
// the public API never need to import an internal package.
type (
	ObjectID   = meta.ObjectID
	ObjVer     = meta.ObjVer
	CleanEntry = meta.CleanEntry
	DirtyEntry = meta.DirtyEntry
	DirtyState = meta.DirtyState
	WriteKind  = meta.WriteKind
)

const (
	StateWaitBig         = meta.StateWaitBig
	StateInFlight        = meta.StateInFlight
	StateSubmitted       = meta.StateSubmitted
	StateWritten         = meta.StateWritten
	StateSynced          = meta.StateSynced
	StateStable          = meta.StateStable
	StateDeleteInFlight  = meta.StateDeleteInFlight
	StateDeleteSubmitted = meta.StateDeleteSubmitted
	StateDeleteWritten   = meta.StateDeleteWritten
	StateDeleteSynced    = meta.StateDeleteSynced
	StateDeleteStable    = meta.StateDeleteStable

	WriteSmall  = meta.WriteSmall
	WriteBig    = meta.WriteBig
	WriteDelete = meta.WriteDelete
)
