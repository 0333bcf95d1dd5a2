package journal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luqitao/vitastor/vfs"
)

const testBlockSize = 512

func newTestManager(t *testing.T, sectorCount int, regionLen uint64) (*Manager, vfs.File) {
	t.Helper()
	mem := vfs.NewMemFS()
	f, err := mem.OpenReadWrite("journal")
	require.NoError(t, err)
	m := NewManager(f, 0, regionLen, testBlockSize, sectorCount, testBlockSize)
	return m, f
}

func TestPrefillEntryRollsOnFullSector(t *testing.T) {
	m, _ := newTestManager(t, 2, 16*testBlockSize)

	entry := &Entry{Type: TypeStable, Inode: 1, Stripe: 0, Version: 1}
	size := SizeOf(TypeStable)
	perSector := int(testBlockSize) / size

	var lastSector int
	for i := 0; i < perSector+1; i++ {
		entry.Version = uint64(i + 1)
		idx, _ := m.PrefillEntry(entry)
		// Hand the sector to the I/O layer without completing the write, as
		// the engine does after each entry, so it is no longer dirty.
		m.SectorBytes(idx)
		lastSector = idx
	}
	// The (perSector+1)th entry didn't fit in the first sector, whose write
	// is still in flight, so it must have rolled into a different sector
	// buffer.
	require.NotEqual(t, 0, lastSector)
}

func TestCheckAvailableReportsBufferWait(t *testing.T) {
	m, _ := newTestManager(t, 1, 2*testBlockSize)
	size := SizeOf(TypeStable)
	// Fill the only sector buffer without writing it out, so it stays dirty
	// (busy) and can't be rolled past.
	entry := &Entry{Type: TypeStable, Inode: 1, Stripe: 0, Version: 1}
	m.PrefillEntry(entry)

	// More entries than fit in what's left of the one buffered sector force
	// CheckAvailable to try rolling into a fresh sector, and with only one
	// sector in the ring it finds that sector still dirty.
	_, wait := m.CheckAvailable(15, size, 0)
	require.Equal(t, WaitJournalBuffer, wait)
}

func TestReserveDataWrapsPastSuperblock(t *testing.T) {
	m, _ := newTestManager(t, 2, 4*testBlockSize)
	m.NextFree = m.Len - 4 // only 4 bytes left before the region wraps
	off := m.ReserveData(16)
	require.Equal(t, uint64(testBlockSize), off)
}

func TestRefUnrefJournalSectorAndTrim(t *testing.T) {
	m, _ := newTestManager(t, 4, 8*testBlockSize)
	// Advance the write cursor so Trim has somewhere to move UsedStart to
	// once the only referenced sector is released.
	m.NextFree = 3 * testBlockSize

	m.RefJournalSector(testBlockSize)
	m.RefJournalSector(testBlockSize)
	require.False(t, m.Trim()) // still referenced, UsedStart can't move past it

	m.UnrefJournalSector(testBlockSize)
	require.False(t, m.Trim()) // still one ref left

	m.UnrefJournalSector(testBlockSize)
	require.True(t, m.Trim())
	require.Equal(t, m.NextFree, m.UsedStart)
}

func TestTrimWithNoReferencesAdvancesToNextFree(t *testing.T) {
	m, _ := newTestManager(t, 2, 8*testBlockSize)
	m.NextFree = 3 * testBlockSize
	require.True(t, m.Trim())
	require.Equal(t, m.NextFree, m.UsedStart)
	require.False(t, m.Trim())
}

func TestSuperblockEntryRoundTrip(t *testing.T) {
	e := SuperblockEntry(testBlockSize)
	buf := make([]byte, SizeOf(TypeStart))
	Encode(buf, e, 0)
	got, _, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, TypeStart, got.Type)
	require.Equal(t, uint64(testBlockSize), got.JournalStart)
}
