package riscvlike

import (
	"bytes"
	"encoding/binary"
	"io"
)

// MemorySlice is a random-access view of guest memory. A real Machine
// satisfies it directly; ByteMemory is a plain-slice implementation used by
// tests that want to write into memory and read it back.
type MemorySlice interface {
	io.ReaderAt
	io.WriterAt
}

// ByteMemory is a MemorySlice backed by a byte slice.
type ByteMemory []byte

// ReadAt implements io.ReaderAt for ByteMemory
func (m ByteMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt for ByteMemory
func (m ByteMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Memory wraps a MemorySlice with convenience functions for reading and
// writing the little-endian scalars and (ptr, len) strings that hypercalls
// marshal through.
type Memory struct {
	MemorySlice
}

func (m *Memory) ReadUint8(offset uint64) uint8 {
	var b [1]byte
	m.ReadAt(b[:], int64(offset))
	return b[0]
}

func (m *Memory) Uint16(offset uint64) uint16 {
	var b [2]byte
	m.ReadAt(b[:], int64(offset))
	return binary.LittleEndian.Uint16(b[:])
}

func (m *Memory) Uint32(offset uint64) uint32 {
	var b [4]byte
	m.ReadAt(b[:], int64(offset))
	return binary.LittleEndian.Uint32(b[:])
}

func (m *Memory) Uint64(offset uint64) uint64 {
	var b [8]byte
	m.ReadAt(b[:], int64(offset))
	return binary.LittleEndian.Uint64(b[:])
}

func (m *Memory) PutUint8(v uint8, offset uint64) {
	m.WriteAt([]byte{v}, int64(offset))
}

func (m *Memory) PutUint16(v uint16, offset uint64) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	m.WriteAt(b[:], int64(offset))
}

func (m *Memory) PutUint32(v uint32, offset uint64) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.WriteAt(b[:], int64(offset))
}

func (m *Memory) PutUint64(v uint64, offset uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.WriteAt(b[:], int64(offset))
}

// ReadBytes reads exactly length bytes at offset.
func (m *Memory) ReadBytes(offset uint64, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	n, err := m.ReadAt(buf, int64(offset))
	if err != nil && n < int(length) {
		return nil, err
	}
	return buf, nil
}

// ReadString reads a (ptr, len) guest string.
func (m *Memory) ReadString(offset uint64, length uint64) (string, error) {
	buf, err := m.ReadBytes(offset, length)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadCString reads a NUL-terminated string starting at offset, chunk by
// chunk. Used for the few calls that take C strings instead of (ptr, len).
func (m *Memory) ReadCString(offset uint64) (string, error) {
	var out []byte
	var chunk [64]byte
	for {
		n, err := m.ReadAt(chunk[:], int64(offset))
		if n == 0 {
			if err != nil {
				return "", err
			}
			break
		}
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			out = append(out, chunk[:i]...)
			return string(out), nil
		}
		out = append(out, chunk[:n]...)
		offset += uint64(n)
		if err != nil {
			break
		}
	}
	return string(out), nil
}

// WriteString copies s into guest memory at offset.
func (m *Memory) WriteString(s string, offset uint64) (int, error) {
	return m.WriteAt([]byte(s), int64(offset))
}
