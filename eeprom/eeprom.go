// Package eeprom provides byte-addressable non-volatile memory images for
// the parameter page and the signal map blob.
package eeprom

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
)

// Erased is the value of a byte that has never been written.
const Erased = 0xFF

// DefaultSize matches a 4 KiB part.
const DefaultSize = 4096

// Memory is the only contract the persistence code depends on.
type Memory interface {
	ByteAt(off int) byte
	SetByteAt(off int, b byte)
	Size() int
}

// Flusher is implemented by images backed by something slower than RAM.
type Flusher interface {
	Flush() error
}

// Mem is an in-RAM image. Reads past the end return Erased and writes past
// the end are dropped.
type Mem struct {
	mu   sync.RWMutex
	data []byte
}

// NewMem returns an erased image of size bytes.
func NewMem(size int) *Mem {
	if size <= 0 {
		size = DefaultSize
	}
	m := &Mem{data: make([]byte, size)}
	m.Erase()
	return m
}

func (m *Mem) ByteAt(off int) byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off >= len(m.data) {
		return Erased
	}
	return m.data[off]
}

func (m *Mem) SetByteAt(off int, b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= len(m.data) {
		return
	}
	m.data[off] = b
}

func (m *Mem) Size() int {
	return len(m.data)
}

// Erase sets every byte back to Erased.
func (m *Mem) Erase() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.data {
		m.data[i] = Erased
	}
}

// Bytes returns a copy of the image.
func (m *Mem) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// File is a Mem that persists to a file on Flush. A missing or short file
// reads as erased memory.
type File struct {
	*Mem
	path string
}

// OpenFile loads path into an image of size bytes.
func OpenFile(path string, size int) (*File, error) {
	f := &File{Mem: NewMem(size), path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, errors.Wrapf(err, "read eeprom image %s", path)
	}
	f.mu.Lock()
	copy(f.data, raw)
	f.mu.Unlock()
	return f, nil
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

// Flush writes the whole image through a temporary file and a rename.
func (f *File) Flush() error {
	data := f.Bytes()
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write eeprom image %s", tmp)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrapf(err, "replace eeprom image %s", f.path)
	}
	return nil
}

// Read copies n bytes starting at off out of mem.
func Read(mem Memory, off, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = mem.ByteAt(off + i)
	}
	return out
}

// Write copies b into mem at off.
func Write(mem Memory, off int, b []byte) {
	for i, v := range b {
		mem.SetByteAt(off+i, v)
	}
}

// Flush flushes mem when it supports it.
func Flush(mem Memory) error {
	if fl, ok := mem.(Flusher); ok {
		return fl.Flush()
	}
	return nil
}
