package heap

import (
	"github.com/tuannm99/heapdb/internal/storage"
	"github.com/tuannm99/heapdb/pkg/bx"
)

const (
	// DirHeaderSize is the directory-page header overhead.
	DirHeaderSize = 16

	// DirEntrySize is the on-page size of one directory entry.
	DirEntrySize = 8

	// MaxDirEntries is how many data pages one directory page indexes.
	MaxDirEntries = (storage.PageSize - DirHeaderSize) / DirEntrySize
)

// DirEntry locates one data page and carries its bookkeeping hints.
type DirEntry struct {
	PageID  storage.PageID
	RecCnt  int16
	FreeCnt int16
}

// DirPage is one page of the heap file's directory chain.
//
// Layout:
//
//	curPage u32 | prevPage u32 | nextPage u32 | entryCnt u16 | pad u16
//	entries[entryCnt]{pageID u32, recCnt i16, freeCnt i16}
type DirPage struct {
	Buf []byte
}

const (
	dirOffCurPage  = 0
	dirOffPrevPage = 4
	dirOffNextPage = 8
	dirOffEntryCnt = 12
)

// Init resets the buffer to an empty directory page owned by pageID.
func (p DirPage) Init(pageID storage.PageID) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	bx.PutU32At(p.Buf, dirOffCurPage, uint32(pageID))
	bx.PutU32At(p.Buf, dirOffPrevPage, uint32(storage.InvalidPageID))
	bx.PutU32At(p.Buf, dirOffNextPage, uint32(storage.InvalidPageID))
	bx.PutU16At(p.Buf, dirOffEntryCnt, 0)
}

func (p DirPage) CurPage() storage.PageID {
	return storage.PageID(bx.U32At(p.Buf, dirOffCurPage))
}

func (p DirPage) Prev() storage.PageID {
	return storage.PageID(bx.U32At(p.Buf, dirOffPrevPage))
}

func (p DirPage) SetPrev(id storage.PageID) {
	bx.PutU32At(p.Buf, dirOffPrevPage, uint32(id))
}

func (p DirPage) Next() storage.PageID {
	return storage.PageID(bx.U32At(p.Buf, dirOffNextPage))
}

func (p DirPage) SetNext(id storage.PageID) {
	bx.PutU32At(p.Buf, dirOffNextPage, uint32(id))
}

func (p DirPage) EntryCount() int {
	return int(bx.U16At(p.Buf, dirOffEntryCnt))
}

func (p DirPage) setEntryCount(n int) {
	bx.PutU16At(p.Buf, dirOffEntryCnt, uint16(n))
}

func (p DirPage) entryOff(i int) int {
	return DirHeaderSize + i*DirEntrySize
}

func (p DirPage) Entry(i int) DirEntry {
	o := p.entryOff(i)
	return DirEntry{
		PageID:  storage.PageID(bx.U32At(p.Buf, o)),
		RecCnt:  bx.I16At(p.Buf, o+4),
		FreeCnt: bx.I16At(p.Buf, o+6),
	}
}

func (p DirPage) SetEntry(i int, e DirEntry) {
	o := p.entryOff(i)
	bx.PutU32At(p.Buf, o, uint32(e.PageID))
	bx.PutI16At(p.Buf, o+4, e.RecCnt)
	bx.PutI16At(p.Buf, o+6, e.FreeCnt)
}

// AppendEntry adds e at the end of the entry array.
func (p DirPage) AppendEntry(e DirEntry) {
	n := p.EntryCount()
	p.SetEntry(n, e)
	p.setEntryCount(n + 1)
}

// Compact removes the entry at index and shifts later entries down.
func (p DirPage) Compact(index int) {
	n := p.EntryCount()
	for i := index; i < n-1; i++ {
		p.SetEntry(i, p.Entry(i+1))
	}
	p.SetEntry(n-1, DirEntry{})
	p.setEntryCount(n - 1)
}
