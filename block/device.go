// Package block defines the sector-granular device contract the rest of the
// stack reads from, together with adapters for disk-image files and
// in-memory buffers.
package block

import (
	"errors"
	"fmt"
	"io"

	"github.com/bootkit/bootfs/checkpoint"
)

// These errors may occur while reading from a device.
var (
	// ErrIO marks a transport failure. It is surfaced unchanged through
	// every layer of the stack.
	ErrIO = errors.New("transport error while reading from device")

	// ErrOutOfRange is returned when a read reaches past the end of the
	// device or volume.
	ErrOutOfRange = errors.New("read out of range")

	// ErrBufferSize is returned when the caller's buffer does not match
	// count*SectorSize.
	ErrBufferSize = errors.New("buffer size does not match sector count")
)

// Device is a read-only disk. Reads are sector granular; on success the
// whole buffer is filled.
type Device interface {
	// SectorSize returns the size of one sector in bytes, a power of two,
	// typically 512 or 2048.
	SectorSize() int

	// Sectors returns the total number of sectors on the device.
	Sectors() uint64

	// ReadSectors reads count sectors starting at lba into buf.
	// len(buf) must equal count*SectorSize.
	ReadSectors(lba uint64, count uint32, buf []byte) error
}

// checkRead validates a sector read against the device geometry. Shared by
// the adapters so they fail the same way.
func checkRead(d Device, lba uint64, count uint32, buf []byte) error {
	if len(buf) != int(count)*d.SectorSize() {
		return checkpoint.Wrap(fmt.Errorf("got %d bytes for %d sectors", len(buf), count), ErrBufferSize)
	}
	if lba+uint64(count) > d.Sectors() {
		return checkpoint.Wrap(fmt.Errorf("lba %d + %d sectors > %d", lba, count, d.Sectors()), ErrOutOfRange)
	}
	return nil
}

// ImageFile adapts a disk-image file (or anything io.ReaderAt) to Device.
type ImageFile struct {
	r          io.ReaderAt
	sectorSize int
	sectors    uint64
}

// NewImageFile wraps r as a device of size bytes with the given sector size.
// Bytes past the last whole sector are ignored.
func NewImageFile(r io.ReaderAt, size int64, sectorSize int) (*ImageFile, error) {
	if sectorSize <= 0 || sectorSize&(sectorSize-1) != 0 {
		return nil, checkpoint.From(fmt.Errorf("sector size %d is not a power of two", sectorSize))
	}

	return &ImageFile{
		r:          r,
		sectorSize: sectorSize,
		sectors:    uint64(size / int64(sectorSize)),
	}, nil
}

func (f *ImageFile) SectorSize() int {
	return f.sectorSize
}

func (f *ImageFile) Sectors() uint64 {
	return f.sectors
}

func (f *ImageFile) ReadSectors(lba uint64, count uint32, buf []byte) error {
	if err := checkRead(f, lba, count, buf); err != nil {
		return err
	}

	if _, err := f.r.ReadAt(buf, int64(lba)*int64(f.sectorSize)); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

// MemDevice is a device backed by a byte slice. It is mainly useful for
// tests and for images already loaded into memory.
type MemDevice struct {
	data       []byte
	sectorSize int
}

// NewMemDevice wraps data as a device with the given sector size.
func NewMemDevice(data []byte, sectorSize int) *MemDevice {
	return &MemDevice{
		data:       data,
		sectorSize: sectorSize,
	}
}

func (m *MemDevice) SectorSize() int {
	return m.sectorSize
}

func (m *MemDevice) Sectors() uint64 {
	return uint64(len(m.data) / m.sectorSize)
}

func (m *MemDevice) ReadSectors(lba uint64, count uint32, buf []byte) error {
	if err := checkRead(m, lba, count, buf); err != nil {
		return err
	}

	copy(buf, m.data[int(lba)*m.sectorSize:])
	return nil
}
