package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tuannm99/heapdb/internal/bufferpool"
	"github.com/tuannm99/heapdb/internal/storage"
)

var (
	logDebugPrefix = "heap: "

	ErrFileClosed     = errors.New("heap: file is closed")
	ErrRecordTooLarge = errors.New("heap: record larger than a page can hold")

	// ErrDirCorrupted reports a directory-chain inconsistency. It is not
	// recoverable; the chain no longer matches the data pages it indexes.
	ErrDirCorrupted = errors.New("heap: directory chain is corrupted")
)

// HeapFile is a named, unordered, growable collection of variable-length
// records. Data pages are indexed by a doubly linked chain of directory
// pages starting at headID; headID never changes while the file exists.
//
// Every operation pins pages through the buffer manager and unpins them
// on every exit path, holding at most one page at a time so the file
// works even on a single-frame pool.
type HeapFile struct {
	name   string
	isTemp bool
	headID storage.PageID

	dm *storage.DiskManager
	bm *bufferpool.Manager

	closed atomic.Bool
}

// Open opens the heap file registered under name, creating and
// registering it if missing. An empty name opens a temporary file with
// no directory entry; a temporary file is deleted by Close.
func Open(dm *storage.DiskManager, bm *bufferpool.Manager, name string) (*HeapFile, error) {
	hf := &HeapFile{name: name, dm: dm, bm: bm}

	if name == "" {
		hf.isTemp = true
		if err := hf.createNew(); err != nil {
			return nil, err
		}
		slog.Debug(logDebugPrefix+"opened temporary file", "head", hf.headID)
		return hf, nil
	}

	if head, ok := dm.GetFileEntry(name); ok {
		hf.headID = head
		slog.Debug(logDebugPrefix+"opened existing file", "name", name, "head", head)
		return hf, nil
	}

	if err := hf.createNew(); err != nil {
		return nil, err
	}
	if err := dm.AddFileEntry(name, hf.headID); err != nil {
		return nil, err
	}
	slog.Debug(logDebugPrefix+"created file", "name", name, "head", hf.headID)
	return hf, nil
}

// createNew allocates and initializes an empty head directory page.
func (hf *HeapFile) createNew() error {
	head, pg, err := hf.bm.NewPage(1)
	if err != nil {
		return err
	}
	DirPage{Buf: pg.Buf}.Init(head)
	if err := hf.bm.UnpinPage(head, bufferpool.UnpinDirty); err != nil {
		return err
	}
	hf.headID = head
	return nil
}

// Name returns the file's registered name; empty for temporary files.
func (hf *HeapFile) Name() string { return hf.name }

// IsTemp reports whether the file is temporary.
func (hf *HeapFile) IsTemp() bool { return hf.isTemp }

// HeadID returns the first directory page of the file.
func (hf *HeapFile) HeadID() storage.PageID { return hf.headID }

// InsertRecord adds data as a new record and returns its RID.
func (hf *HeapFile) InsertRecord(data []byte) (RID, error) {
	if err := hf.ensureOpen(); err != nil {
		return RID{}, err
	}
	if len(data) > MaxRecordSize {
		return RID{}, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, len(data), MaxRecordSize)
	}

	pageID, err := hf.availPage(len(data))
	if err != nil {
		return RID{}, err
	}

	for {
		pg, err := hf.bm.PinPage(pageID, bufferpool.PinDiskIO, nil)
		if err != nil {
			return RID{}, err
		}
		hp := HFPage{Buf: pg.Buf}

		slot, err := hp.InsertRecord(data)
		if errors.Is(err, ErrNoSpace) {
			// The directory's free-space hint was stale; grow the file
			// and try the fresh page.
			if uerr := hf.bm.UnpinPage(pageID, bufferpool.UnpinClean); uerr != nil {
				return RID{}, uerr
			}
			pageID, err = hf.insertPage()
			if err != nil {
				return RID{}, err
			}
			continue
		}
		if err != nil {
			_ = hf.bm.UnpinPage(pageID, bufferpool.UnpinClean)
			return RID{}, err
		}

		free := hp.FreeSpace()
		if err := hf.bm.UnpinPage(pageID, bufferpool.UnpinDirty); err != nil {
			return RID{}, err
		}

		if err := hf.updateDirEntry(pageID, 1, free); err != nil {
			return RID{}, err
		}
		return RID{PageNo: pageID, SlotNo: slot}, nil
	}
}

// SelectRecord returns a copy of the record identified by rid.
func (hf *HeapFile) SelectRecord(rid RID) ([]byte, error) {
	if err := hf.ensureOpen(); err != nil {
		return nil, err
	}

	pg, err := hf.bm.PinPage(rid.PageNo, bufferpool.PinDiskIO, nil)
	if err != nil {
		return nil, err
	}
	data, err := HFPage{Buf: pg.Buf}.SelectRecord(rid.SlotNo)
	if uerr := hf.bm.UnpinPage(rid.PageNo, bufferpool.UnpinClean); uerr != nil && err == nil {
		return nil, uerr
	}
	return data, err
}

// UpdateRecord overwrites the record identified by rid in place. The new
// bytes must have the record's current length.
func (hf *HeapFile) UpdateRecord(rid RID, data []byte) error {
	if err := hf.ensureOpen(); err != nil {
		return err
	}

	pg, err := hf.bm.PinPage(rid.PageNo, bufferpool.PinDiskIO, nil)
	if err != nil {
		return err
	}
	err = HFPage{Buf: pg.Buf}.UpdateRecord(rid.SlotNo, data)
	if err != nil {
		_ = hf.bm.UnpinPage(rid.PageNo, bufferpool.UnpinClean)
		return err
	}
	return hf.bm.UnpinPage(rid.PageNo, bufferpool.UnpinDirty)
}

// DeleteRecord removes the record identified by rid. When the record was
// the last one on its data page, the page is freed and its directory
// entry compacted away.
func (hf *HeapFile) DeleteRecord(rid RID) error {
	if err := hf.ensureOpen(); err != nil {
		return err
	}

	pg, err := hf.bm.PinPage(rid.PageNo, bufferpool.PinDiskIO, nil)
	if err != nil {
		return err
	}
	hp := HFPage{Buf: pg.Buf}
	if err := hp.DeleteRecord(rid.SlotNo); err != nil {
		_ = hf.bm.UnpinPage(rid.PageNo, bufferpool.UnpinClean)
		return err
	}
	free := hp.FreeSpace()
	if err := hf.bm.UnpinPage(rid.PageNo, bufferpool.UnpinDirty); err != nil {
		return err
	}

	return hf.updateDirEntry(rid.PageNo, -1, free)
}

// RecordCount sums the record counts across the directory chain.
func (hf *HeapFile) RecordCount() (int, error) {
	if err := hf.ensureOpen(); err != nil {
		return 0, err
	}

	total := 0
	cur := hf.headID
	for cur != storage.InvalidPageID {
		pg, err := hf.bm.PinPage(cur, bufferpool.PinDiskIO, nil)
		if err != nil {
			return 0, err
		}
		dp := DirPage{Buf: pg.Buf}
		for i := 0; i < dp.EntryCount(); i++ {
			total += int(dp.Entry(i).RecCnt)
		}
		next := dp.Next()
		if err := hf.bm.UnpinPage(cur, bufferpool.UnpinClean); err != nil {
			return 0, err
		}
		cur = next
	}
	return total, nil
}

// availPage walks the directory chain for the first data page whose
// free-space hint fits recLen plus its slot, growing the file when no
// page qualifies.
func (hf *HeapFile) availPage(recLen int) (storage.PageID, error) {
	cur := hf.headID
	for cur != storage.InvalidPageID {
		pg, err := hf.bm.PinPage(cur, bufferpool.PinDiskIO, nil)
		if err != nil {
			return storage.InvalidPageID, err
		}
		dp := DirPage{Buf: pg.Buf}

		for i := 0; i < dp.EntryCount(); i++ {
			e := dp.Entry(i)
			if int(e.FreeCnt) >= recLen+SlotSize {
				if err := hf.bm.UnpinPage(cur, bufferpool.UnpinClean); err != nil {
					return storage.InvalidPageID, err
				}
				return e.PageID, nil
			}
		}

		next := dp.Next()
		if err := hf.bm.UnpinPage(cur, bufferpool.UnpinClean); err != nil {
			return storage.InvalidPageID, err
		}
		cur = next
	}

	return hf.insertPage()
}

// findDirEntry locates the directory entry for pageID. On success the
// owning directory page is returned still pinned; the caller modifies it
// and unpins.
func (hf *HeapFile) findDirEntry(pageID storage.PageID) (storage.PageID, *bufferpool.Page, int, error) {
	cur := hf.headID
	for cur != storage.InvalidPageID {
		pg, err := hf.bm.PinPage(cur, bufferpool.PinDiskIO, nil)
		if err != nil {
			return storage.InvalidPageID, nil, -1, err
		}
		dp := DirPage{Buf: pg.Buf}

		for i := 0; i < dp.EntryCount(); i++ {
			if dp.Entry(i).PageID == pageID {
				return cur, pg, i, nil
			}
		}

		next := dp.Next()
		if err := hf.bm.UnpinPage(cur, bufferpool.UnpinClean); err != nil {
			return storage.InvalidPageID, nil, -1, err
		}
		cur = next
	}

	return storage.InvalidPageID, nil, -1,
		fmt.Errorf("%w: no entry for data page %d", ErrDirCorrupted, pageID)
}

// updateDirEntry applies a record-count delta and the new free-space
// hint to pageID's directory entry, deleting the data page when its
// count drops below one.
func (hf *HeapFile) updateDirEntry(pageID storage.PageID, deltaRec int, freeCnt int16) error {
	dirID, pg, idx, err := hf.findDirEntry(pageID)
	if err != nil {
		return err
	}
	dp := DirPage{Buf: pg.Buf}

	e := dp.Entry(idx)
	e.RecCnt += int16(deltaRec)
	e.FreeCnt = freeCnt
	dp.SetEntry(idx, e)

	if e.RecCnt >= 1 {
		return hf.bm.UnpinPage(dirID, bufferpool.UnpinDirty)
	}

	// The data page became empty. Snapshot the directory image so
	// deletePage can rewrite it without holding the pin.
	img := make([]byte, storage.PageSize)
	copy(img, pg.Buf)
	if err := hf.bm.UnpinPage(dirID, bufferpool.UnpinDirty); err != nil {
		return err
	}
	return hf.deletePage(pageID, dirID, img, idx)
}

// deletePage frees the empty data page pageID and removes its entry at
// index from the directory page whose image is img. A directory page
// left with no entries is unlinked from the chain and freed, except the
// head, which is rewritten empty so headID stays valid.
func (hf *HeapFile) deletePage(pageID, dirID storage.PageID, img []byte, index int) error {
	dp := DirPage{Buf: img}

	if dp.EntryCount() >= 2 || dirID == hf.headID {
		dp.Compact(index)
		if _, err := hf.bm.PinPage(dirID, bufferpool.PinMemCpy, img); err != nil {
			return err
		}
		if err := hf.bm.UnpinPage(dirID, bufferpool.UnpinDirty); err != nil {
			return err
		}
		return hf.bm.FreePage(pageID)
	}

	// The directory page becomes empty: unlink it.
	prev, next := dp.Prev(), dp.Next()

	if prev != storage.InvalidPageID {
		ppg, err := hf.bm.PinPage(prev, bufferpool.PinDiskIO, nil)
		if err != nil {
			return err
		}
		DirPage{Buf: ppg.Buf}.SetNext(next)
		if err := hf.bm.UnpinPage(prev, bufferpool.UnpinDirty); err != nil {
			return err
		}
	}
	if next != storage.InvalidPageID {
		npg, err := hf.bm.PinPage(next, bufferpool.PinDiskIO, nil)
		if err != nil {
			return err
		}
		DirPage{Buf: npg.Buf}.SetPrev(prev)
		if err := hf.bm.UnpinPage(next, bufferpool.UnpinDirty); err != nil {
			return err
		}
	}

	if err := hf.bm.FreePage(dirID); err != nil {
		return err
	}
	return hf.bm.FreePage(pageID)
}

// insertPage grows the file by one data page, recording it in the first
// directory page with a free entry and extending the chain when every
// directory page is full.
func (hf *HeapFile) insertPage() (storage.PageID, error) {
	cur := hf.headID
	pg, err := hf.bm.PinPage(cur, bufferpool.PinDiskIO, nil)
	if err != nil {
		return storage.InvalidPageID, err
	}

	for {
		dp := DirPage{Buf: pg.Buf}

		if dp.EntryCount() < MaxDirEntries {
			d, err := hf.dm.AllocatePage()
			if err != nil {
				_ = hf.bm.UnpinPage(cur, bufferpool.UnpinClean)
				return storage.InvalidPageID, err
			}

			img := make([]byte, storage.PageSize)
			hp := HFPage{Buf: img}
			hp.Init(d)

			dp.AppendEntry(DirEntry{PageID: d, RecCnt: 0, FreeCnt: hp.FreeSpace()})
			if err := hf.bm.UnpinPage(cur, bufferpool.UnpinDirty); err != nil {
				return storage.InvalidPageID, err
			}

			if _, err := hf.bm.PinPage(d, bufferpool.PinMemCpy, img); err != nil {
				return storage.InvalidPageID, err
			}
			if err := hf.bm.UnpinPage(d, bufferpool.UnpinDirty); err != nil {
				return storage.InvalidPageID, err
			}

			slog.Debug(logDebugPrefix+"added data page", "pageID", d, "dir", cur)
			return d, nil
		}

		if next := dp.Next(); next != storage.InvalidPageID {
			if err := hf.bm.UnpinPage(cur, bufferpool.UnpinClean); err != nil {
				return storage.InvalidPageID, err
			}
			cur = next
			pg, err = hf.bm.PinPage(cur, bufferpool.PinDiskIO, nil)
			if err != nil {
				return storage.InvalidPageID, err
			}
			continue
		}

		// Every directory page is full: extend the chain.
		n, err := hf.dm.AllocatePage()
		if err != nil {
			_ = hf.bm.UnpinPage(cur, bufferpool.UnpinClean)
			return storage.InvalidPageID, err
		}

		dp.SetNext(n)
		if err := hf.bm.UnpinPage(cur, bufferpool.UnpinDirty); err != nil {
			return storage.InvalidPageID, err
		}

		img := make([]byte, storage.PageSize)
		ndp := DirPage{Buf: img}
		ndp.Init(n)
		ndp.SetPrev(cur)

		pg, err = hf.bm.PinPage(n, bufferpool.PinMemCpy, img)
		if err != nil {
			// The chain already links to n; take the link back out so a
			// later walk does not follow it into an uninitialized page.
			if cpg, rerr := hf.bm.PinPage(cur, bufferpool.PinDiskIO, nil); rerr == nil {
				DirPage{Buf: cpg.Buf}.SetNext(storage.InvalidPageID)
				_ = hf.bm.UnpinPage(cur, bufferpool.UnpinDirty)
			} else {
				slog.Warn(logDebugPrefix+"could not undo chain link after failed pin",
					"dir", cur, "next", n, "err", rerr)
			}
			if derr := hf.dm.DeallocatePage(n); derr != nil {
				slog.Warn(logDebugPrefix+"deallocate after failed pin", "pageID", n, "err", derr)
			}
			return storage.InvalidPageID, err
		}
		slog.Debug(logDebugPrefix+"extended directory chain", "dir", n, "prev", cur)
		cur = n
	}
}

// DeleteFile frees every page of the file and drops its name entry.
func (hf *HeapFile) DeleteFile() error {
	if err := hf.ensureOpen(); err != nil {
		return err
	}
	hf.closed.Store(true)

	cur := hf.headID
	for cur != storage.InvalidPageID {
		pg, err := hf.bm.PinPage(cur, bufferpool.PinDiskIO, nil)
		if err != nil {
			return err
		}
		dp := DirPage{Buf: pg.Buf}

		// Snapshot the entries and clear them from the pinned image before
		// any data page is freed. The cleared image is not written back:
		// the directory page itself is freed right after its data pages.
		dataPages := make([]storage.PageID, 0, dp.EntryCount())
		for i := 0; i < dp.EntryCount(); i++ {
			dataPages = append(dataPages, dp.Entry(i).PageID)
		}
		dp.setEntryCount(0)

		next := dp.Next()
		if err := hf.bm.UnpinPage(cur, bufferpool.UnpinClean); err != nil {
			return err
		}

		for _, d := range dataPages {
			if err := hf.bm.FreePage(d); err != nil {
				return err
			}
		}
		if err := hf.bm.FreePage(cur); err != nil {
			return err
		}
		cur = next
	}

	if !hf.isTemp {
		return hf.dm.DeleteFileEntry(hf.name)
	}
	return nil
}

// Close releases the handle. A temporary file is deleted; a named file
// has its dirty pages flushed.
func (hf *HeapFile) Close() error {
	if hf == nil {
		return nil
	}
	if hf.closed.Load() {
		return nil
	}
	if hf.isTemp {
		return hf.DeleteFile()
	}
	hf.closed.Store(true)
	return hf.bm.FlushAll()
}

func (hf *HeapFile) ensureOpen() error {
	if hf == nil || hf.closed.Load() {
		return ErrFileClosed
	}
	return nil
}
