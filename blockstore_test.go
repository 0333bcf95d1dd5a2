package blockstore

import (
	"testing"
	"time"

	"github.com/luqitao/vitastor/vfs"
)

// testLogger implements Logger, logging to the contained *testing.T. Notably
// it does not call os.Exit on Fatalf, so tests can exercise fatal-error paths
// without killing the test binary.
type testLogger struct {
	t *testing.T
}

func (l testLogger) Infof(format string, args ...interface{})  { l.t.Logf(format, args...) }
func (l testLogger) Errorf(format string, args ...interface{}) { l.t.Logf(format, args...) }
func (l testLogger) Fatalf(format string, args ...interface{}) { l.t.Logf(format, args...) }

func testOptions(t *testing.T) (*Options, *vfs.MemFS) {
	t.Helper()
	mem := vfs.NewMemFS()
	o := &Options{
		DataDevice:    "data",
		MetaDevice:    "meta",
		JournalDevice: "journal",
		BlockSize:     4096,
		DataSize:      64 * 4096,
		JournalSize:   64 * 512,
		DiskAlignment: 512,
		FlusherCount:  1,

		JournalTrimInterval: 1,
		Logger:              testLogger{t: t},
	}
	return o, mem
}

func mustFormat(t *testing.T, o *Options, fsys vfs.FS) {
	t.Helper()
	if err := Format(o, fsys); err != nil {
		t.Fatalf("Format: %v", err)
	}
}

func mustOpen(t *testing.T, o *Options, fsys vfs.FS) *Engine {
	t.Helper()
	e, err := Open(o, fsys)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

// waitFor polls cond until it's true or the deadline passes, for
// synchronizing with the asynchronous flusher without a fixed sleep.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestWriteReadSmall(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 1, Stripe: 0}
	data := []byte("hello, blockstore")
	version, err := e.Write(oid, 0, 0, data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}

	buf := make([]byte, len(data))
	n, err := e.Read(oid, 0, uint32(len(data)), buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(data) || string(buf) != string(data) {
		t.Fatalf("Read = %q, want %q", buf, data)
	}
}

func TestReadUnwrittenObjectIsZero(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = 0xff
	}
	n, err := e.Read(ObjectID{Inode: 99}, 0, 16, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 16 {
		t.Fatalf("n = %d, want 16", n)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("buf[%d] = %#x, want 0", i, b)
		}
	}
}

func TestWriteBigPath(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 2}
	data := make([]byte, o.BlockSize)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := e.Write(oid, 0, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, o.BlockSize)
	if _, err := e.Read(oid, 0, o.BlockSize, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range buf {
		if buf[i] != data[i] {
			t.Fatalf("buf[%d] = %d, want %d", i, buf[i], data[i])
		}
	}
}

func TestVersionMustAdvance(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 3}
	if _, err := e.Write(oid, 0, 0, []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := e.Write(oid, 1, 0, []byte("b")); err == nil {
		t.Fatalf("expected an error writing a version <= current")
	} else if kind, ok := Kind(err); !ok || kind != ErrInvalidArgument {
		t.Fatalf("Kind(err) = %v, %v, want ErrInvalidArgument", kind, ok)
	}
}

func TestSyncStabilizeFlushPromotesToClean(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 4}
	version, err := e.Write(oid, 0, 0, []byte("payload"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := e.Stabilize([]ObjVer{{OID: oid, Version: version}}); err != nil {
		t.Fatalf("Stabilize: %v", err)
	}

	waitFor(t, func() bool { return e.DirtyCount() == 0 })

	buf := make([]byte, len("payload"))
	if _, err := e.Read(oid, 0, uint32(len(buf)), buf); err != nil {
		t.Fatalf("Read after flush: %v", err)
	}
	if string(buf) != "payload" {
		t.Fatalf("Read after flush = %q, want %q", buf, "payload")
	}
}

func TestRollbackDiscardsUnstableWrites(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 5}
	v1, err := e.Write(oid, 0, 0, []byte("first"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := e.Write(oid, 0, 0, []byte("second")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := e.Rollback([]RollbackTarget{{OID: oid, MaxVersion: v1}}); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	buf := make([]byte, len("first"))
	if _, err := e.Read(oid, 0, uint32(len(buf)), buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "first" {
		t.Fatalf("Read after rollback = %q, want %q", buf, "first")
	}
}

func TestListReportsHighestDirtyVersion(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 6}
	if _, err := e.Write(oid, 0, 0, []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := e.Write(oid, 0, 0, []byte("bb")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := e.List(ListFilter{})
	if len(out) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(out))
	}
	if out[0].Version != 2 {
		t.Fatalf("List version = %d, want 2", out[0].Version)
	}
}

func TestRecoveryReplaysJournalAfterReopen(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)

	oid := ObjectID{Inode: 7}
	version, err := e.Write(oid, 0, 0, []byte("durable"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := e.Stabilize([]ObjVer{{OID: oid, Version: version}}); err != nil {
		t.Fatalf("Stabilize: %v", err)
	}
	waitFor(t, func() bool { return e.DirtyCount() == 0 })
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := mustOpen(t, o, mem)
	defer e2.Close()

	buf := make([]byte, len("durable"))
	if _, err := e2.Read(oid, 0, uint32(len(buf)), buf); err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if string(buf) != "durable" {
		t.Fatalf("Read after reopen = %q, want %q", buf, "durable")
	}
}

func TestCrashBeforeStabilizeKeepsSyncedWrite(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 8}
	if _, err := e.Write(oid, 0, 0, []byte("unstable")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Simulate a crash: snapshot what actually made it to each device and
	// restore it into a fresh MemFS, then reopen against that image. No
	// Close/Stabilize happened, but the write was synced, so replay brings
	// it back as a dirty entry.
	crashed := vfs.NewMemFS()
	for _, name := range []string{"data", "meta", "journal"} {
		crashed.Restore(name, mem.Snapshot(name))
	}

	e2 := mustOpen(t, o, crashed)
	defer e2.Close()

	buf := make([]byte, 1)
	n, err := e2.Read(oid, 0, 1, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	// Unstabilized writes are still visible in-memory after recovery (WRITTEN
	// and SYNCED are both recovered as dirty entries, see DESIGN.md Open
	// Question (a)); what recovery guarantees against loss is the object's
	// STABLE state, exercised by TestRecoveryReplaysJournalAfterReopen.
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
}

func TestDeleteIsVisibleBeforeSyncAndSurvivesFlush(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 9}
	if _, err := e.Write(oid, 0, 0, []byte("gone soon")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	delVersion, err := e.Delete(oid, 0)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// The delete's I/O has completed (WRITTEN), so it is already
	// authoritative for Read even though neither Sync nor Stabilize has run
	// yet (DESIGN.md Open Question (a)'s WRITTEN-is-visible rule applies to
	// deletes exactly like it does to writes).
	buf := make([]byte, len("gone soon"))
	if _, err := e.Read(oid, 0, uint32(len(buf)), buf); err != nil {
		t.Fatalf("Read after delete, before sync: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("buf[%d] = %#x, want 0 after delete", i, b)
		}
	}

	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := e.Stabilize([]ObjVer{{OID: oid, Version: delVersion}}); err != nil {
		t.Fatalf("Stabilize: %v", err)
	}
	waitFor(t, func() bool { return e.DirtyCount() == 0 })

	if _, err := e.Read(oid, 0, uint32(len(buf)), buf); err != nil {
		t.Fatalf("Read after flush: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("buf[%d] = %#x, want 0 after flushed delete", i, b)
		}
	}
}

func TestReadonlyRejectsWritesAndDeletes(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	oid := ObjectID{Inode: 10}
	if _, err := e.Write(oid, 0, 0, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro := *o
	ro.Readonly = true
	e2 := mustOpen(t, &ro, mem)
	defer e2.Close()

	if _, err := e2.Write(oid, 0, 0, []byte("y")); err == nil {
		t.Fatalf("expected Write to fail on a readonly engine")
	} else if kind, ok := Kind(err); !ok || kind != ErrInvalidArgument {
		t.Fatalf("Kind(err) = %v, %v, want ErrInvalidArgument", kind, ok)
	}
	if _, err := e2.Delete(oid, 0); err == nil {
		t.Fatalf("expected Delete to fail on a readonly engine")
	}

	buf := make([]byte, 1)
	if _, err := e2.Read(oid, 0, 1, buf); err != nil {
		t.Fatalf("Read on readonly engine: %v", err)
	}
	if buf[0] != 'x' {
		t.Fatalf("buf[0] = %#x, want 'x'", buf[0])
	}
}

func TestReadonlyOpenDoesNotInitJournal(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	// Wipe the journal back to zeros so Open sees an unformatted journal.
	mem.Restore("journal", make([]byte, len(mem.Snapshot("journal"))))

	ro := *o
	ro.Readonly = true
	e := mustOpen(t, &ro, mem)
	defer e.Close()

	// loadJournal's init-on-empty path would otherwise write and fsync a
	// fresh START superblock entry; spec.md §6 says readonly disables that.
	if !isAllZero(mem.Snapshot("journal")) {
		t.Fatalf("readonly Open wrote to an unformatted journal")
	}
}

func TestConcurrentSyncsGroupCommit(t *testing.T) {
	o, mem := testOptions(t)
	mustFormat(t, o, mem)
	e := mustOpen(t, o, mem)
	defer e.Close()

	const n = 8
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		oid := ObjectID{Inode: uint64(100 + i)}
		if _, err := e.Write(oid, 0, 0, []byte("x")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		go func() {
			done <- e.Sync()
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Sync: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		inode := uint64(100 + i)
		got := e.List(ListFilter{MinInode: inode, MaxInode: inode})
		if len(got) != 1 {
			t.Fatalf("List(inode=%d) = %d entries, want 1", inode, len(got))
		}
		if got[0].OID.Inode != inode {
			t.Fatalf("List(inode=%d) returned %v", inode, got[0])
		}
	}
}
