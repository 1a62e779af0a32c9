package heap

import (
	"errors"

	"github.com/tuannm99/heapdb/internal/storage"
	"github.com/tuannm99/heapdb/pkg/bx"
)

const (
	// HFHeaderSize is the fixed data-page header overhead.
	HFHeaderSize = 20

	// SlotSize is the per-record slot overhead.
	SlotSize = 4

	// MaxRecordSize is the largest record a data page can hold.
	MaxRecordSize = storage.PageSize - HFHeaderSize - SlotSize
)

var (
	ErrNoSpace        = errors.New("heap: not enough free space on page")
	ErrBadRID         = errors.New("heap: invalid record id")
	ErrLengthMismatch = errors.New("heap: update must keep record length")
)

// HFPage is a slotted data page over a page-sized byte buffer.
//
// Layout:
//
//	+------------------+ 0
//	| curPage    u32   |
//	| prevPage   u32   |
//	| nextPage   u32   |
//	| slotCnt    u16   |
//	| usedPtr    u16   |
//	| freeSlots  u16   |
//	| pageType   u16   |
//	+------------------+ 20
//	| slots[] 4B each  | <- grows up
//	+------------------+
//	|   free space     |
//	+------------------+ <- usedPtr
//	|  record data     | <- grows down
//	+------------------+ PageSize
//
// A slot is {offset u16, length u16}; an empty slot is {0, 0}. Deleting a
// record compacts the data area, so the free space is always one
// contiguous hole between the slot array and usedPtr.
type HFPage struct {
	Buf []byte
}

const (
	hfOffCurPage   = 0
	hfOffPrevPage  = 4
	hfOffNextPage  = 8
	hfOffSlotCnt   = 12
	hfOffUsedPtr   = 14
	hfOffFreeSlots = 16
	hfOffPageType  = 18
)

// Init resets the buffer to an empty data page owned by pageID.
func (p HFPage) Init(pageID storage.PageID) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	bx.PutU32At(p.Buf, hfOffCurPage, uint32(pageID))
	bx.PutU32At(p.Buf, hfOffPrevPage, uint32(storage.InvalidPageID))
	bx.PutU32At(p.Buf, hfOffNextPage, uint32(storage.InvalidPageID))
	bx.PutU16At(p.Buf, hfOffSlotCnt, 0)
	bx.PutU16At(p.Buf, hfOffUsedPtr, storage.PageSize)
	bx.PutU16At(p.Buf, hfOffFreeSlots, 0)
	bx.PutU16At(p.Buf, hfOffPageType, 0)
}

func (p HFPage) CurPage() storage.PageID {
	return storage.PageID(bx.U32At(p.Buf, hfOffCurPage))
}

func (p HFPage) SetCurPage(id storage.PageID) {
	bx.PutU32At(p.Buf, hfOffCurPage, uint32(id))
}

func (p HFPage) NumSlots() int {
	return int(bx.U16At(p.Buf, hfOffSlotCnt))
}

func (p HFPage) usedPtr() int {
	return int(bx.U16At(p.Buf, hfOffUsedPtr))
}

func (p HFPage) freeSlots() int {
	return int(bx.U16At(p.Buf, hfOffFreeSlots))
}

func (p HFPage) slotOff(i int) int {
	return HFHeaderSize + i*SlotSize
}

func (p HFPage) getSlot(i int) (offset, length int) {
	o := p.slotOff(i)
	return int(bx.U16At(p.Buf, o)), int(bx.U16At(p.Buf, o+2))
}

func (p HFPage) putSlot(i, offset, length int) {
	o := p.slotOff(i)
	bx.PutU16At(p.Buf, o, uint16(offset))
	bx.PutU16At(p.Buf, o+2, uint16(length))
}

// gap is the contiguous hole between the slot array and the record area.
func (p HFPage) gap() int {
	return p.usedPtr() - HFHeaderSize - p.NumSlots()*SlotSize
}

// FreeSpace reports the usable free bytes, counting the contiguous hole
// plus the overhead of reusable empty slots.
func (p HFPage) FreeSpace() int16 {
	return int16(p.gap() + p.freeSlots()*SlotSize)
}

// SlotOccupied reports whether slot holds a live record.
func (p HFPage) SlotOccupied(slot int) bool {
	if slot < 0 || slot >= p.NumSlots() {
		return false
	}
	offset, length := p.getSlot(slot)
	return offset != 0 || length != 0
}

// InsertRecord places data on the page and returns its slot number.
// Empty slots left behind by deletes are reused before the slot array
// grows.
func (p HFPage) InsertRecord(data []byte) (int16, error) {
	need := len(data)

	slot := -1
	if p.freeSlots() > 0 {
		for i := 0; i < p.NumSlots(); i++ {
			if !p.SlotOccupied(i) {
				slot = i
				break
			}
		}
	}

	if slot == -1 {
		need += SlotSize
	}
	if need > p.gap() {
		return -1, ErrNoSpace
	}

	u := p.usedPtr() - len(data)
	copy(p.Buf[u:], data)
	bx.PutU16At(p.Buf, hfOffUsedPtr, uint16(u))

	if slot == -1 {
		slot = p.NumSlots()
		p.putSlot(slot, u, len(data))
		bx.PutU16At(p.Buf, hfOffSlotCnt, uint16(slot+1))
	} else {
		p.putSlot(slot, u, len(data))
		bx.PutU16At(p.Buf, hfOffFreeSlots, uint16(p.freeSlots()-1))
	}

	return int16(slot), nil
}

// SelectRecord returns a copy of the record in slot.
func (p HFPage) SelectRecord(slot int16) ([]byte, error) {
	if !p.SlotOccupied(int(slot)) {
		return nil, ErrBadRID
	}
	offset, length := p.getSlot(int(slot))
	out := make([]byte, length)
	copy(out, p.Buf[offset:offset+length])
	return out, nil
}

// UpdateRecord overwrites the record in slot with data of the same length.
func (p HFPage) UpdateRecord(slot int16, data []byte) error {
	if !p.SlotOccupied(int(slot)) {
		return ErrBadRID
	}
	offset, length := p.getSlot(int(slot))
	if len(data) != length {
		return ErrLengthMismatch
	}
	copy(p.Buf[offset:], data)
	return nil
}

// DeleteRecord removes the record in slot, compacting the data area so
// the hole stays contiguous. Trailing empty slots are trimmed off the
// slot array.
func (p HFPage) DeleteRecord(slot int16) error {
	if !p.SlotOccupied(int(slot)) {
		return ErrBadRID
	}
	offset, length := p.getSlot(int(slot))

	// Shift the records below the deleted one up by its length.
	u := p.usedPtr()
	copy(p.Buf[u+length:offset+length], p.Buf[u:offset])
	bx.PutU16At(p.Buf, hfOffUsedPtr, uint16(u+length))

	// Fix the slots that pointed into the shifted region.
	for i := 0; i < p.NumSlots(); i++ {
		so, sl := p.getSlot(i)
		if p.SlotOccupied(i) && so < offset {
			p.putSlot(i, so+length, sl)
		}
	}

	p.putSlot(int(slot), 0, 0)
	free := p.freeSlots() + 1

	cnt := p.NumSlots()
	for cnt > 0 {
		if o, l := p.getSlot(cnt - 1); o != 0 || l != 0 {
			break
		}
		cnt--
		free--
	}
	bx.PutU16At(p.Buf, hfOffSlotCnt, uint16(cnt))
	bx.PutU16At(p.Buf, hfOffFreeSlots, uint16(free))

	return nil
}
