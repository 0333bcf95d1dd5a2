package blockstore

import "testing"

// TestImmediateCommitAllSyncIsNoop pins down SPEC_FULL.md §4's immediate_commit
// ambiguity (Open Question (c) in DESIGN.md): under ImmediateCommitAll, both
// small and big writes land SYNCED as soon as their own I/O completes, so
// Stabilize succeeds without an intervening Sync call, and a Sync with no
// outstanding WRITTEN entries has nothing to do.
func TestImmediateCommitAllSyncIsNoop(t *testing.T) {
	o, mem := testOptions(t)
	o.ImmediateCommit = ImmediateCommitAll
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 30}
	version, err := e.Write(oid, 0, 0, []byte("small"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Stabilize([]ObjVer{{OID: oid, Version: version}}); err != nil {
		t.Fatalf("Stabilize small write without an explicit Sync: %v", err)
	}

	if err := e.Sync(); err != nil {
		t.Fatalf("Sync with nothing outstanding: %v", err)
	}

	bigOID := ObjectID{Inode: 31}
	data := make([]byte, o.BlockSize)
	for i := range data {
		data[i] = byte(i)
	}
	bigVersion, err := e.Write(bigOID, 0, 0, data)
	if err != nil {
		t.Fatalf("Write big: %v", err)
	}
	// spec.md §6's immediate_commit reads "(or all writes)" for ALL; a big
	// write must be just as eligible as a small one.
	if err := e.Stabilize([]ObjVer{{OID: bigOID, Version: bigVersion}}); err != nil {
		t.Fatalf("Stabilize big write without an explicit Sync: %v", err)
	}
}

// TestImmediateCommitSmallExcludesBigWrites pins the other half of the same
// ambiguity: under ImmediateCommitSmall, a big write still needs an explicit
// Sync before it can be stabilized.
func TestImmediateCommitSmallExcludesBigWrites(t *testing.T) {
	o, mem := testOptions(t)
	o.ImmediateCommit = ImmediateCommitSmall
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 32}
	data := make([]byte, o.BlockSize)
	version, err := e.Write(oid, 0, 0, data)
	if err != nil {
		t.Fatalf("Write big: %v", err)
	}
	if err := e.Stabilize([]ObjVer{{OID: oid, Version: version}}); err == nil {
		t.Fatalf("expected Stabilize to fail before Sync for a big write under ImmediateCommitSmall")
	} else if kind, ok := Kind(err); !ok || kind != ErrBusy {
		t.Fatalf("Kind(err) = %v, %v, want ErrBusy", kind, ok)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := e.Stabilize([]ObjVer{{OID: oid, Version: version}}); err != nil {
		t.Fatalf("Stabilize after Sync: %v", err)
	}
}
