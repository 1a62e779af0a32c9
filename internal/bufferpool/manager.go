package bufferpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tuannm99/heapdb/internal/storage"
)

var (
	logDebugPrefix  = "bufferpool: "
	DefaultCapacity = 128

	// ErrNoFreeFrame is returned when no unpinned frame is available for replacement.
	ErrNoFreeFrame = errors.New("bufferpool: no free frame available (all pinned)")

	// ErrPagePinned is returned when an operation would clobber or free a pinned page.
	ErrPagePinned = errors.New("bufferpool: page is pinned")

	// ErrPageNotResident is returned when an operation requires the page to be in the pool.
	ErrPageNotResident = errors.New("bufferpool: page is not resident")

	// ErrPageNotPinned is returned when unpinning a page whose pin count is zero.
	ErrPageNotPinned = errors.New("bufferpool: page is not pinned")
)

// PinMode tells PinPage how to fill a frame on a miss.
type PinMode int

const (
	// PinDiskIO fetches the page bytes from disk.
	PinDiskIO PinMode = iota

	// PinMemCpy copies caller-supplied bytes into the frame; the caller
	// asserts no disk read is needed (new page, or wholesale replacement).
	PinMemCpy

	// PinNoop leaves the frame contents alone; the caller will fill them.
	PinNoop
)

// Unpin dirty-argument values, for readable call sites.
const (
	UnpinDirty = true
	UnpinClean = false
)

// Page is a borrowed view into a pinned frame's buffer. It stays usable
// until the matching UnpinPage; after that the frame may be evicted and
// the bytes reused for another page.
type Page struct {
	ID  storage.PageID
	Buf []byte
}

// Manager is a fixed-size buffer pool over one DiskManager. Frames are
// recycled with a CLOCK replacement policy.
type Manager struct {
	dm *storage.DiskManager

	mu        sync.Mutex
	frames    []*FrameDesc
	pageTable map[storage.PageID]int // PageID -> index in frames
	clock     *clockReplacer
}

// NewManager creates a buffer pool with the given number of frames.
// If capacity <= 0, a small default capacity is used.
func NewManager(dm *storage.DiskManager, capacity int) *Manager {
	if capacity <= 0 {
		capacity = 16 // default small capacity
	}
	frames := make([]*FrameDesc, capacity)
	for i := range frames {
		frames[i] = newFrameDesc()
	}
	return &Manager{
		dm:        dm,
		frames:    frames,
		pageTable: make(map[storage.PageID]int),
		clock:     newClockReplacer(frames),
	}
}

// PinPage pins pageID into the pool and returns a view of its bytes.
// On a hit the pin count is incremented; PinMemCpy on a page someone
// still has pinned is rejected because it would silently clobber the
// contents under them. On a miss a victim frame is chosen by CLOCK,
// written back if dirty, and filled according to mode.
func (m *Manager) PinPage(pageID storage.PageID, mode PinMode, data []byte) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinPageLocked(pageID, mode, data)
}

// NOTE: The caller must hold m.mu.
func (m *Manager) pinPageLocked(pageID storage.PageID, mode PinMode, data []byte) (*Page, error) {
	slog.Debug(logDebugPrefix+"PinPage called", "pageID", pageID, "mode", mode)

	// 1) Page already resident. A memcpy pin replaces the contents
	// wholesale, which is only safe while nobody else holds a pin.
	if idx, ok := m.pageTable[pageID]; ok {
		f := m.frames[idx]
		if mode == PinMemCpy {
			if f.pin > 0 {
				return nil, fmt.Errorf("%w: memcpy pin on pinned page %d", ErrPagePinned, pageID)
			}
			f.copyPage(data)
		}
		f.incPin()
		f.ref = true
		slog.Debug(logDebugPrefix+"found page in pool",
			"pageID", pageID,
			"frameIdx", idx,
			"framePin", f.pin)
		return &Page{ID: pageID, Buf: f.buf}, nil
	}

	// 2) Miss: choose a victim frame with CLOCK.
	victimIdx, ok := m.clock.pickVictim()
	if !ok {
		return nil, ErrNoFreeFrame
	}
	f := m.frames[victimIdx]

	// 3) Write back the old page if needed.
	if f.valid && f.dirty {
		slog.Debug(logDebugPrefix+"flushing dirty victim page",
			"victimPageID", f.pageID,
			"frameIdx", victimIdx)
		if err := m.dm.WritePage(f.pageID, f.buf); err != nil {
			return nil, err
		}
		f.dirty = false
	}

	// 4) Drop the old mapping.
	if f.valid {
		delete(m.pageTable, f.pageID)
	}

	// 5) Fill frame contents.
	switch mode {
	case PinDiskIO:
		if err := m.dm.ReadPage(pageID, f.buf); err != nil {
			return nil, err
		}
	case PinMemCpy:
		f.copyPage(data)
	case PinNoop:
		// Caller fills the frame.
	}

	// 6) + 7) New metadata and mapping.
	f.pageID = pageID
	f.dirty = false
	f.valid = true
	f.ref = true
	f.pin = 1
	m.pageTable[pageID] = victimIdx

	slog.Debug(logDebugPrefix+"pinned page into frame",
		"pageID", pageID,
		"frameIdx", victimIdx)
	return &Page{ID: pageID, Buf: f.buf}, nil
}

// UnpinPage decrements the pin count and merges the dirty hint into the
// frame. A page that was already dirty stays dirty even when unpinned
// clean. Unpinning never evicts; eviction happens on future pins.
func (m *Manager) UnpinPage(pageID storage.PageID, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unpinPageLocked(pageID, dirty)
}

// NOTE: The caller must hold m.mu.
func (m *Manager) unpinPageLocked(pageID storage.PageID, dirty bool) error {
	idx, ok := m.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: unpin of page %d", ErrPageNotResident, pageID)
	}
	f := m.frames[idx]
	if f.pin == 0 {
		return fmt.Errorf("%w: page %d", ErrPageNotPinned, pageID)
	}

	f.decPin()
	f.dirty = f.dirty || dirty

	slog.Debug(logDebugPrefix+"Unpin",
		"pageID", pageID,
		"frameIdx", idx,
		"dirty", f.dirty,
		"newPin", f.pin)
	return nil
}

// NewPage allocates a run of runSize contiguous disk pages and pins the
// first one with a zeroed image. If the pin fails the whole run is
// deallocated, so a pin failure never leaks disk pages.
func (m *Manager) NewPage(runSize int) (storage.PageID, *Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first, err := m.dm.AllocateRun(runSize)
	if err != nil {
		return storage.InvalidPageID, nil, err
	}

	pg, err := m.pinPageLocked(first, PinMemCpy, make([]byte, storage.PageSize))
	if err != nil {
		if derr := m.dm.DeallocateRun(first, runSize); derr != nil {
			slog.Warn(logDebugPrefix+"deallocate after failed pin",
				"first", first, "n", runSize, "err", derr)
		}
		return storage.InvalidPageID, nil, err
	}
	return first, pg, nil
}

// FreePage returns pageID to the disk manager. A non-resident page is
// deallocated directly; a resident one must be unpinned, and its frame
// is invalidated before deallocation.
func (m *Manager) FreePage(pageID storage.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freePageLocked(pageID)
}

// NOTE: The caller must hold m.mu.
func (m *Manager) freePageLocked(pageID storage.PageID) error {
	if idx, ok := m.pageTable[pageID]; ok {
		f := m.frames[idx]
		if f.pin > 0 {
			return fmt.Errorf("%w: free of page %d", ErrPagePinned, pageID)
		}
		delete(m.pageTable, pageID)
		f.reset()
	}
	return m.dm.DeallocatePage(pageID)
}

// FlushPage writes pageID to disk if it is resident and dirty.
func (m *Manager) FlushPage(pageID storage.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: flush of page %d", ErrPageNotResident, pageID)
	}
	return m.flushFrameLocked(m.frames[idx])
}

// FlushAll writes every resident dirty page to disk.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Debug(logDebugPrefix + "FlushAll started")
	for _, idx := range m.pageTable {
		if err := m.flushFrameLocked(m.frames[idx]); err != nil {
			return err
		}
	}
	slog.Debug(logDebugPrefix + "FlushAll completed")
	return nil
}

// NOTE: The caller must hold m.mu.
func (m *Manager) flushFrameLocked(f *FrameDesc) error {
	if !f.valid || !f.dirty {
		return nil
	}
	slog.Debug(logDebugPrefix+"flushing frame", "pageID", f.pageID)
	if err := m.dm.WritePage(f.pageID, f.buf); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// NumFrames returns the pool capacity.
func (m *Manager) NumFrames() int {
	return len(m.frames)
}

// NumUnpinned counts frames with a zero pin count; an invalid frame is
// trivially unpinned.
func (m *Manager) NumUnpinned() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, f := range m.frames {
		if f.pin == 0 {
			n++
		}
	}
	return n
}
