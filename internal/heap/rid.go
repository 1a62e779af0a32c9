package heap

import "github.com/tuannm99/heapdb/internal/storage"

// RID identifies one record inside a heap file:
// PageNo: data page holding the record
// SlotNo: slot index within that page
type RID struct {
	PageNo storage.PageID
	SlotNo int16
}
