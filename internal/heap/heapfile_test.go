package heap

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/heapdb/internal/bufferpool"
	"github.com/tuannm99/heapdb/internal/storage"
)

// newTestEngine creates a DiskManager in a temp directory and a buffer
// pool with the given number of frames.
func newTestEngine(t *testing.T, frames int) (*storage.DiskManager, *bufferpool.Manager) {
	t.Helper()

	dm, err := storage.Open(t.TempDir(), "testdb")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	return dm, bufferpool.NewManager(dm, frames)
}

// requirePinBalance asserts that no frame is left pinned.
func requirePinBalance(t *testing.T, bm *bufferpool.Manager) {
	t.Helper()
	require.Equal(t, bm.NumFrames(), bm.NumUnpinned(), "pin/unpin imbalance")
}

func TestHeapFile_BasicInsertSelect(t *testing.T) {
	dm, bm := newTestEngine(t, 3)

	hf, err := Open(dm, bm, "")
	require.NoError(t, err)
	require.True(t, hf.IsTemp())

	rid, err := hf.InsertRecord([]byte("hello"))
	require.NoError(t, err)
	requirePinBalance(t, bm)

	got, err := hf.SelectRecord(rid)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
	requirePinBalance(t, bm)

	cnt, err := hf.RecordCount()
	require.NoError(t, err)
	require.Equal(t, 1, cnt)
	requirePinBalance(t, bm)

	// Closing a temporary file frees every page it allocated.
	require.NoError(t, hf.Close())
	require.Equal(t, uint(0), dm.AllocatedPages())
}

func TestHeapFile_WorksOnSingleFramePool(t *testing.T) {
	dm, bm := newTestEngine(t, 1)

	hf, err := Open(dm, bm, "")
	require.NoError(t, err)
	defer hf.Close()

	rid, err := hf.InsertRecord([]byte("one frame is enough"))
	require.NoError(t, err)
	require.Equal(t, 1, bm.NumUnpinned())

	got, err := hf.SelectRecord(rid)
	require.NoError(t, err)
	require.Equal(t, []byte("one frame is enough"), got)

	require.NoError(t, hf.DeleteRecord(rid))
	cnt, err := hf.RecordCount()
	require.NoError(t, err)
	require.Equal(t, 0, cnt)
	requirePinBalance(t, bm)
}

func TestHeapFile_RecordTooLarge(t *testing.T) {
	dm, bm := newTestEngine(t, 3)

	hf, err := Open(dm, bm, "")
	require.NoError(t, err)
	defer hf.Close()

	_, err = hf.InsertRecord(make([]byte, MaxRecordSize+1))
	require.ErrorIs(t, err, ErrRecordTooLarge)

	// The largest admissible record still fits.
	_, err = hf.InsertRecord(make([]byte, MaxRecordSize))
	require.NoError(t, err)
	requirePinBalance(t, bm)
}

func TestHeapFile_UpdateRecord(t *testing.T) {
	dm, bm := newTestEngine(t, 3)

	hf, err := Open(dm, bm, "")
	require.NoError(t, err)
	defer hf.Close()

	rid, err := hf.InsertRecord([]byte("before"))
	require.NoError(t, err)

	require.NoError(t, hf.UpdateRecord(rid, []byte("AFTER!")))
	got, err := hf.SelectRecord(rid)
	require.NoError(t, err)
	require.Equal(t, []byte("AFTER!"), got)

	err = hf.UpdateRecord(rid, []byte("a different length"))
	require.ErrorIs(t, err, ErrLengthMismatch)

	err = hf.UpdateRecord(RID{PageNo: rid.PageNo, SlotNo: 99}, []byte("x"))
	require.ErrorIs(t, err, ErrBadRID)
	requirePinBalance(t, bm)
}

func TestHeapFile_CountAccounting(t *testing.T) {
	dm, bm := newTestEngine(t, 4)

	hf, err := Open(dm, bm, "")
	require.NoError(t, err)
	defer hf.Close()

	var rids []RID
	for i := 0; i < 30; i++ {
		rid, err := hf.InsertRecord([]byte(fmt.Sprintf("record-%02d", i)))
		require.NoError(t, err)
		rids = append(rids, rid)
	}

	cnt, err := hf.RecordCount()
	require.NoError(t, err)
	require.Equal(t, 30, cnt)

	for i := 0; i < 10; i++ {
		require.NoError(t, hf.DeleteRecord(rids[i*3]))
		cnt, err = hf.RecordCount()
		require.NoError(t, err)
		require.Equal(t, 29-i, cnt)
	}
	requirePinBalance(t, bm)
}

func TestHeapFile_MultiPage_DeleteCompactsDirectory(t *testing.T) {
	dm, bm := newTestEngine(t, 10)

	hf, err := Open(dm, bm, "")
	require.NoError(t, err)
	defer hf.Close()

	// 200-byte records, four to a 1KB data page: 100 records spread
	// across 25 data pages.
	rec := bytes.Repeat([]byte{'r'}, 200)
	var rids []RID
	for i := 0; i < 100; i++ {
		rid, err := hf.InsertRecord(rec)
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	requirePinBalance(t, bm)

	cnt, err := hf.RecordCount()
	require.NoError(t, err)
	require.Equal(t, 100, cnt)

	firstPage := rids[0].PageNo
	onFirst := 0
	for _, rid := range rids {
		if rid.PageNo == firstPage {
			onFirst++
		}
	}
	require.Greater(t, onFirst, 1)

	// Deleting every record of one data page frees the page and
	// compacts its directory entry away.
	before := dm.AllocatedPages()
	deleted := 0
	for _, rid := range rids {
		if rid.PageNo != firstPage {
			continue
		}
		require.NoError(t, hf.DeleteRecord(rid))
		deleted++

		cnt, err = hf.RecordCount()
		require.NoError(t, err)
		require.Equal(t, 100-deleted, cnt)
	}
	require.Equal(t, before-1, dm.AllocatedPages())
	requirePinBalance(t, bm)

	// Records on other pages are untouched.
	for _, rid := range rids {
		if rid.PageNo == firstPage {
			continue
		}
		got, err := hf.SelectRecord(rid)
		require.NoError(t, err)
		require.Equal(t, rec, got)
	}
}

func TestHeapFile_DeleteAllShrinksToHead(t *testing.T) {
	dm, bm := newTestEngine(t, 10)

	hf, err := Open(dm, bm, "")
	require.NoError(t, err)
	defer hf.Close()

	head := hf.HeadID()
	baseline := dm.AllocatedPages()

	rec := bytes.Repeat([]byte{'x'}, 200)
	var rids []RID
	for i := 0; i < 40; i++ {
		rid, err := hf.InsertRecord(rec)
		require.NoError(t, err)
		rids = append(rids, rid)
	}

	for _, rid := range rids {
		require.NoError(t, hf.DeleteRecord(rid))
	}

	// Every data page is gone; only the head directory page remains,
	// and it is still the same page.
	require.Equal(t, baseline, dm.AllocatedPages())
	require.Equal(t, head, hf.HeadID())

	cnt, err := hf.RecordCount()
	require.NoError(t, err)
	require.Equal(t, 0, cnt)

	// The emptied file accepts inserts again.
	rid, err := hf.InsertRecord([]byte("born again"))
	require.NoError(t, err)
	got, err := hf.SelectRecord(rid)
	require.NoError(t, err)
	require.Equal(t, []byte("born again"), got)
	require.Equal(t, head, hf.HeadID())
	requirePinBalance(t, bm)
}

func TestHeapFile_NamePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	dm, err := storage.Open(dir, "testdb")
	require.NoError(t, err)
	bm := bufferpool.NewManager(dm, 3)

	hf, err := Open(dm, bm, "t")
	require.NoError(t, err)
	require.False(t, hf.IsTemp())

	rid, err := hf.InsertRecord([]byte("durable bytes"))
	require.NoError(t, err)
	require.NoError(t, hf.Close())

	// Same process, fresh pool: nothing may be served from stale frames.
	bm2 := bufferpool.NewManager(dm, 3)
	hf2, err := Open(dm, bm2, "t")
	require.NoError(t, err)
	require.Equal(t, hf.HeadID(), hf2.HeadID())

	got, err := hf2.SelectRecord(rid)
	require.NoError(t, err)
	require.Equal(t, []byte("durable bytes"), got)
	require.NoError(t, hf2.Close())
	require.NoError(t, dm.Close())

	// Full disk round trip: reopen the database itself.
	dm2, err := storage.Open(dir, "testdb")
	require.NoError(t, err)
	defer dm2.Close()
	bm3 := bufferpool.NewManager(dm2, 3)

	hf3, err := Open(dm2, bm3, "t")
	require.NoError(t, err)
	got, err = hf3.SelectRecord(rid)
	require.NoError(t, err)
	require.Equal(t, []byte("durable bytes"), got)
	require.NoError(t, hf3.Close())
}

func TestHeapFile_DeleteFile(t *testing.T) {
	dm, bm := newTestEngine(t, 4)

	hf, err := Open(dm, bm, "doomed")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := hf.InsertRecord(bytes.Repeat([]byte{'d'}, 150))
		require.NoError(t, err)
	}
	require.Greater(t, dm.AllocatedPages(), uint(1))

	require.NoError(t, hf.DeleteFile())
	require.Equal(t, uint(0), dm.AllocatedPages())

	_, ok := dm.GetFileEntry("doomed")
	require.False(t, ok)

	// The handle is unusable afterwards.
	_, err = hf.InsertRecord([]byte("zombie"))
	require.ErrorIs(t, err, ErrFileClosed)
}

func TestHeapFile_ClosedHandleRejectsOperations(t *testing.T) {
	dm, bm := newTestEngine(t, 3)

	hf, err := Open(dm, bm, "c")
	require.NoError(t, err)
	rid, err := hf.InsertRecord([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, hf.Close())

	_, err = hf.SelectRecord(rid)
	require.ErrorIs(t, err, ErrFileClosed)
	require.ErrorIs(t, hf.DeleteRecord(rid), ErrFileClosed)
	_, err = hf.RecordCount()
	require.ErrorIs(t, err, ErrFileClosed)
	_, err = hf.OpenScan()
	require.ErrorIs(t, err, ErrFileClosed)
}

func TestHeapFile_ScanVisitsEveryRecord(t *testing.T) {
	dm, bm := newTestEngine(t, 5)

	hf, err := Open(dm, bm, "")
	require.NoError(t, err)
	defer hf.Close()

	want := make(map[RID]string)
	for i := 0; i < 10; i++ {
		rec := fmt.Sprintf("%03d-%s", i, bytes.Repeat([]byte{'s'}, 300))
		rid, err := hf.InsertRecord([]byte(rec))
		require.NoError(t, err)
		want[rid] = rec
	}

	sc, err := hf.OpenScan()
	require.NoError(t, err)

	got := make(map[RID]string)
	for {
		rid, rec, err := sc.Next()
		if err == ErrScanDone {
			break
		}
		require.NoError(t, err)
		got[rid] = string(rec)
		requirePinBalance(t, bm)
	}
	sc.Close()
	require.Equal(t, want, got)

	// A deleted record disappears from the next scan.
	var victim RID
	for rid := range want {
		victim = rid
		break
	}
	require.NoError(t, hf.DeleteRecord(victim))
	delete(want, victim)

	sc, err = hf.OpenScan()
	require.NoError(t, err)
	got = make(map[RID]string)
	for {
		rid, rec, err := sc.Next()
		if err == ErrScanDone {
			break
		}
		require.NoError(t, err)
		got[rid] = string(rec)
	}
	sc.Close()
	require.Equal(t, want, got)
	requirePinBalance(t, bm)
}

func TestHeapFile_TwoFilesShareThePool(t *testing.T) {
	dm, bm := newTestEngine(t, 4)

	a, err := Open(dm, bm, "a")
	require.NoError(t, err)
	b, err := Open(dm, bm, "b")
	require.NoError(t, err)

	ra, err := a.InsertRecord([]byte("from a"))
	require.NoError(t, err)
	rb, err := b.InsertRecord([]byte("from b"))
	require.NoError(t, err)

	got, err := a.SelectRecord(ra)
	require.NoError(t, err)
	require.Equal(t, []byte("from a"), got)
	got, err = b.SelectRecord(rb)
	require.NoError(t, err)
	require.Equal(t, []byte("from b"), got)

	ca, err := a.RecordCount()
	require.NoError(t, err)
	cb, err := b.RecordCount()
	require.NoError(t, err)
	require.Equal(t, 1, ca)
	require.Equal(t, 1, cb)
	requirePinBalance(t, bm)
}
