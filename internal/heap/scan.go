package heap

import (
	"errors"

	"github.com/tuannm99/heapdb/internal/bufferpool"
	"github.com/tuannm99/heapdb/internal/storage"
)

// ErrScanDone ends iteration; Next returns it once the last record has
// been produced.
var ErrScanDone = errors.New("heap: scan exhausted")

// Scan iterates over every record of a heap file in directory order,
// then slot order within each data page. No pin is held between Next
// calls; each call pins at most one directory page and one data page,
// one at a time.
type Scan struct {
	hf *HeapFile

	dirID    storage.PageID
	entryIdx int

	dataID   storage.PageID
	nextSlot int

	done bool
}

// OpenScan positions a scan before the first record of the file.
func (hf *HeapFile) OpenScan() (*Scan, error) {
	if err := hf.ensureOpen(); err != nil {
		return nil, err
	}
	return &Scan{
		hf:     hf,
		dirID:  hf.headID,
		dataID: storage.InvalidPageID,
	}, nil
}

// Next returns the next record and its RID, or ErrScanDone after the
// last one.
func (s *Scan) Next() (RID, []byte, error) {
	if s.done {
		return RID{}, nil, ErrScanDone
	}
	if err := s.hf.ensureOpen(); err != nil {
		return RID{}, nil, err
	}

	for {
		if s.dataID == storage.InvalidPageID {
			if err := s.advanceEntry(); err != nil {
				if errors.Is(err, ErrScanDone) {
					s.done = true
				}
				return RID{}, nil, err
			}
		}

		rid, data, found, err := s.nextOnPage()
		if err != nil {
			return RID{}, nil, err
		}
		if found {
			return rid, data, nil
		}
		s.dataID = storage.InvalidPageID
	}
}

// advanceEntry moves the scan to the next directory entry, following the
// chain when the current directory page is exhausted.
func (s *Scan) advanceEntry() error {
	for s.dirID != storage.InvalidPageID {
		pg, err := s.hf.bm.PinPage(s.dirID, bufferpool.PinDiskIO, nil)
		if err != nil {
			return err
		}
		dp := DirPage{Buf: pg.Buf}

		if s.entryIdx < dp.EntryCount() {
			e := dp.Entry(s.entryIdx)
			s.entryIdx++
			if err := s.hf.bm.UnpinPage(s.dirID, bufferpool.UnpinClean); err != nil {
				return err
			}
			s.dataID = e.PageID
			s.nextSlot = 0
			return nil
		}

		next := dp.Next()
		if err := s.hf.bm.UnpinPage(s.dirID, bufferpool.UnpinClean); err != nil {
			return err
		}
		s.dirID = next
		s.entryIdx = 0
	}
	return ErrScanDone
}

// nextOnPage scans the current data page from nextSlot for an occupied
// slot, returning a copy of its record.
func (s *Scan) nextOnPage() (RID, []byte, bool, error) {
	pg, err := s.hf.bm.PinPage(s.dataID, bufferpool.PinDiskIO, nil)
	if err != nil {
		return RID{}, nil, false, err
	}
	hp := HFPage{Buf: pg.Buf}

	for slot := s.nextSlot; slot < hp.NumSlots(); slot++ {
		if !hp.SlotOccupied(slot) {
			continue
		}
		data, err := hp.SelectRecord(int16(slot))
		if err != nil {
			_ = s.hf.bm.UnpinPage(s.dataID, bufferpool.UnpinClean)
			return RID{}, nil, false, err
		}
		s.nextSlot = slot + 1
		if err := s.hf.bm.UnpinPage(s.dataID, bufferpool.UnpinClean); err != nil {
			return RID{}, nil, false, err
		}
		return RID{PageNo: s.dataID, SlotNo: int16(slot)}, data, true, nil
	}

	if err := s.hf.bm.UnpinPage(s.dataID, bufferpool.UnpinClean); err != nil {
		return RID{}, nil, false, err
	}
	return RID{}, nil, false, nil
}

// Close ends the scan. No pins are held between Next calls, so there is
// nothing to release; further Next calls return ErrScanDone.
func (s *Scan) Close() {
	s.done = true
}
