package bufferpool

import "github.com/tuannm99/heapdb/internal/storage"

// FrameDesc holds one page-sized buffer slot and its metadata.
//
// Invariants:
//   - valid == false implies the buffer contents are meaningless and pin == 0.
//   - pin > 0 means the frame must not be chosen as an eviction victim.
//   - a valid frame with a real pageID appears in the manager's page table,
//     and in exactly one entry.
type FrameDesc struct {
	pageID storage.PageID
	pin    int32
	dirty  bool
	valid  bool

	// ref is the CLOCK reference bit.
	// CLOCK is an approximate LRU algorithm:
	//   - When a page is pinned, ref is set to true.
	//   - When searching for a victim, frames with ref == true are given
	//     a "second chance" (ref is cleared and the hand moves on).
	//   - A frame with pin == 0 and ref == false can be evicted.
	ref bool

	buf []byte
}

func newFrameDesc() *FrameDesc {
	return &FrameDesc{
		pageID: storage.InvalidPageID,
		buf:    make([]byte, storage.PageSize),
	}
}

func (f *FrameDesc) PageID() storage.PageID { return f.pageID }
func (f *FrameDesc) PinCount() int32        { return f.pin }
func (f *FrameDesc) Dirty() bool            { return f.dirty }
func (f *FrameDesc) Valid() bool            { return f.valid }

func (f *FrameDesc) incPin() { f.pin++ }

func (f *FrameDesc) decPin() {
	if f.pin > 0 {
		f.pin--
	}
}

// copyPage replaces the frame's page image with the given bytes.
func (f *FrameDesc) copyPage(src []byte) {
	copy(f.buf, src)
}

// reset invalidates the frame so the replacer treats it as free.
func (f *FrameDesc) reset() {
	f.pageID = storage.InvalidPageID
	f.pin = 0
	f.dirty = false
	f.valid = false
	f.ref = false
}
