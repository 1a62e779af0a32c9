package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"

	"github.com/tuannm99/heapdb/pkg/bx"
	"github.com/tuannm99/heapdb/pkg/util"
)

var logDebugPrefix = "storage: "

const (
	metaMagic   = uint32(0x48504442) // "HPDB"
	metaVersion = uint16(1)
)

// DiskManager owns the page space of one database: a data file holding
// fixed-size pages, an allocation bitmap, and the file-name directory
// mapping heap-file names to their head page.
//
// Page p lives at byte offset p * PageSize in <base>.db. The bitmap and
// name directory are persisted to <base>.meta on Sync/Close.
type DiskManager struct {
	dir  string
	base string

	file *os.File

	dbid      uuid.UUID
	alloc     *bitset.BitSet
	pageCount uint32
	names     map[string]PageID
}

// Open opens (or creates) the database stored under dir with the given
// base name.
func Open(dir, base string) (*DiskManager, error) {
	if err := os.MkdirAll(dir, FileMode0755); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, base+".db")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
	if err != nil {
		return nil, err
	}

	dm := &DiskManager{
		dir:   dir,
		base:  base,
		file:  f,
		alloc: bitset.New(64),
		names: make(map[string]PageID),
	}

	if err := dm.loadMeta(); err != nil {
		_ = f.Close()
		return nil, err
	}

	slog.Debug(logDebugPrefix+"opened database",
		"path", path,
		"dbid", dm.dbid,
		"pageCount", dm.pageCount)
	return dm, nil
}

func (dm *DiskManager) metaPath() string {
	return filepath.Join(dm.dir, dm.base+".meta")
}

// AllocatePage allocates a single page, reusing a previously freed one
// when possible.
func (dm *DiskManager) AllocatePage() (PageID, error) {
	return dm.AllocateRun(1)
}

// AllocateRun allocates n contiguous pages and returns the id of the
// first. Runs of more than one page always extend the file so the pages
// are guaranteed to be adjacent.
func (dm *DiskManager) AllocateRun(n int) (PageID, error) {
	if n < 1 {
		return InvalidPageID, fmt.Errorf("storage: run size must be >= 1, got %d", n)
	}

	if n == 1 {
		if idx, ok := dm.alloc.NextClear(0); ok && idx < uint(dm.pageCount) {
			dm.alloc.Set(idx)
			slog.Debug(logDebugPrefix+"reused freed page", "pageID", idx)
			return PageID(idx), nil
		}
	}

	first := dm.pageCount
	for i := 0; i < n; i++ {
		dm.alloc.Set(uint(dm.pageCount))
		dm.pageCount++
	}

	slog.Debug(logDebugPrefix+"allocated run", "first", first, "n", n)
	return PageID(first), nil
}

// DeallocatePage frees a single page.
func (dm *DiskManager) DeallocatePage(pageID PageID) error {
	return dm.DeallocateRun(pageID, 1)
}

// DeallocateRun frees n contiguous pages starting at pageID.
func (dm *DiskManager) DeallocateRun(pageID PageID, n int) error {
	for i := 0; i < n; i++ {
		p := uint(pageID) + uint(i)
		if p >= uint(dm.pageCount) || !dm.alloc.Test(p) {
			return fmt.Errorf("%w: page %d", ErrPageNotAllocated, p)
		}
	}
	for i := 0; i < n; i++ {
		dm.alloc.Clear(uint(pageID) + uint(i))
	}
	slog.Debug(logDebugPrefix+"deallocated run", "first", pageID, "n", n)
	return nil
}

// ReadPage reads exactly one page (PageSize bytes) into dst.
// If the underlying file is smaller than the requested offset+PageSize,
// the remainder is zero-filled. This allows pages that were allocated
// but never written to read back as zeroes.
func (dm *DiskManager) ReadPage(pageID PageID, dst []byte) error {
	if len(dst) != PageSize {
		return fmt.Errorf("dst must be exactly %d bytes", PageSize)
	}
	off := int64(pageID) * PageSize

	n, err := dm.file.ReadAt(dst, off)
	if err != nil && err != io.EOF {
		return err
	}
	for i := n; i < PageSize; i++ {
		dst[i] = 0
	}
	return nil
}

// WritePage writes exactly one page (PageSize bytes) from src to disk.
func (dm *DiskManager) WritePage(pageID PageID, src []byte) error {
	if len(src) != PageSize {
		return fmt.Errorf("src must be exactly %d bytes", PageSize)
	}
	off := int64(pageID) * PageSize

	n, err := dm.file.WriteAt(src, off)
	if err != nil {
		return err
	}
	if n != PageSize {
		return io.ErrShortWrite
	}
	return nil
}

// AddFileEntry records name -> head page in the file-name directory.
func (dm *DiskManager) AddFileEntry(name string, head PageID) error {
	if _, ok := dm.names[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateEntry, name)
	}
	dm.names[name] = head
	return nil
}

// GetFileEntry looks up the head page recorded for name.
func (dm *DiskManager) GetFileEntry(name string) (PageID, bool) {
	head, ok := dm.names[name]
	return head, ok
}

// DeleteFileEntry removes name from the file-name directory.
func (dm *DiskManager) DeleteFileEntry(name string) error {
	if _, ok := dm.names[name]; !ok {
		return fmt.Errorf("%w: %q", ErrEntryNotFound, name)
	}
	delete(dm.names, name)
	return nil
}

// AllocatedPages returns the number of currently allocated pages.
func (dm *DiskManager) AllocatedPages() uint {
	return dm.alloc.Count()
}

// PageCount returns the allocation high-water mark.
func (dm *DiskManager) PageCount() uint32 {
	return dm.pageCount
}

// DBID returns the identity stamped into this database at creation.
func (dm *DiskManager) DBID() uuid.UUID {
	return dm.dbid
}

// Sync persists the allocation bitmap and name directory.
func (dm *DiskManager) Sync() error {
	if err := dm.saveMeta(); err != nil {
		return err
	}
	return dm.file.Sync()
}

// Close syncs meta state and closes the data file.
func (dm *DiskManager) Close() error {
	if err := dm.Sync(); err != nil {
		_ = dm.file.Close()
		return err
	}
	return dm.file.Close()
}

// meta layout, little endian:
//
//	magic u32 | version u16 | dbid 16B | pageCount u32
//	| bitmapLen u32 | bitmap bytes
//	| nameCount u16 | { nameLen u16 | name | head u32 }*
func (dm *DiskManager) saveMeta() error {
	bm, err := dm.alloc.MarshalBinary()
	if err != nil {
		return err
	}

	buf := make([]byte, 0, 32+len(bm))
	var scratch [4]byte

	bx.PutU32(scratch[:], metaMagic)
	buf = append(buf, scratch[:4]...)
	bx.PutU16(scratch[:2], metaVersion)
	buf = append(buf, scratch[:2]...)
	buf = append(buf, dm.dbid[:]...)
	bx.PutU32(scratch[:], dm.pageCount)
	buf = append(buf, scratch[:4]...)

	bx.PutU32(scratch[:], uint32(len(bm)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, bm...)

	bx.PutU16(scratch[:2], uint16(len(dm.names)))
	buf = append(buf, scratch[:2]...)
	for name, head := range dm.names {
		bx.PutU16(scratch[:2], uint16(len(name)))
		buf = append(buf, scratch[:2]...)
		buf = append(buf, name...)
		bx.PutU32(scratch[:], uint32(head))
		buf = append(buf, scratch[:4]...)
	}

	return os.WriteFile(dm.metaPath(), buf, FileMode0644)
}

func (dm *DiskManager) loadMeta() error {
	f, err := os.Open(dm.metaPath())
	if os.IsNotExist(err) {
		// Fresh database.
		dm.dbid = uuid.New()
		slog.Debug(logDebugPrefix+"created database", "dbid", dm.dbid)
		return dm.saveMeta()
	}
	if err != nil {
		return err
	}
	defer util.CloseFileFunc(f)

	buf, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	if len(buf) < 30 {
		return ErrBadMeta
	}

	off := 0
	if bx.U32At(buf, off) != metaMagic {
		return fmt.Errorf("%w: bad magic", ErrBadMeta)
	}
	off += 4
	if bx.U16At(buf, off) != metaVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadMeta, bx.U16At(buf, off))
	}
	off += 2
	copy(dm.dbid[:], buf[off:off+16])
	off += 16
	dm.pageCount = bx.U32At(buf, off)
	off += 4

	bmLen := int(bx.U32At(buf, off))
	off += 4
	if off+bmLen > len(buf) {
		return ErrBadMeta
	}
	if err := dm.alloc.UnmarshalBinary(buf[off : off+bmLen]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMeta, err)
	}
	off += bmLen

	if off+2 > len(buf) {
		return ErrBadMeta
	}
	nameCount := int(bx.U16At(buf, off))
	off += 2
	for i := 0; i < nameCount; i++ {
		if off+2 > len(buf) {
			return ErrBadMeta
		}
		nameLen := int(bx.U16At(buf, off))
		off += 2
		if off+nameLen+4 > len(buf) {
			return ErrBadMeta
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		dm.names[name] = PageID(bx.U32At(buf, off))
		off += 4
	}

	return nil
}
