// Package bx holds the little-endian byte helpers the page codecs and
// meta serialization are written against. Everything on disk in this
// module is little endian; there is no big-endian surface.
package bx

import "encoding/binary"

var LE = binary.LittleEndian

// --- read ---
func U16(b []byte) uint16 { return LE.Uint16(b) }
func U32(b []byte) uint32 { return LE.Uint32(b) }
func U64(b []byte) uint64 { return LE.Uint64(b) }

// Signed views; record counts and free-space hints are i16 on the page.
func I16(b []byte) int16 { return int16(U16(b)) }
func I32(b []byte) int32 { return int32(U32(b)) }

// --- write ---
func PutU16(b []byte, v uint16) { LE.PutUint16(b, v) }
func PutU32(b []byte, v uint32) { LE.PutUint32(b, v) }
func PutU64(b []byte, v uint64) { LE.PutUint64(b, v) }
func PutI16(b []byte, v int16)  { PutU16(b, uint16(v)) }

// --- At (offset into a header or slot array) ---
func U16At(b []byte, off int) uint16       { return U16(b[off:]) }
func U32At(b []byte, off int) uint32       { return U32(b[off:]) }
func I16At(b []byte, off int) int16        { return I16(b[off:]) }
func PutU16At(b []byte, off int, v uint16) { PutU16(b[off:], v) }
func PutU32At(b []byte, off int, v uint32) { PutU32(b[off:], v) }
func PutI16At(b []byte, off int, v int16)  { PutI16(b[off:], v) }
