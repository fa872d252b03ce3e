// Package volume discovers the volumes of a disk by parsing its partition
// scheme (MBR or GPT) and exposes each one as a bounded, sector-translated
// view of the underlying device. Unpartitioned media, floppies and
// no-emulation CD-ROMs, are exposed as a single whole-disk volume.
package volume

import (
	"fmt"

	"github.com/bootkit/bootfs/block"
	"github.com/bootkit/bootfs/checkpoint"
)

// FsType is the filesystem a volume declares through its partition scheme.
// The declaration is a hint; a driver may refine it during mount, e.g. the
// generic Fat tag into one of the concrete FAT variants.
type FsType int

const (
	Unknown FsType = iota
	Fat
	Fat12
	Fat16
	Fat32
	Ext2
	Iso9660
)

func (t FsType) String() string {
	switch t {
	case Fat:
		return "FAT"
	case Fat12:
		return "FAT12"
	case Fat16:
		return "FAT16"
	case Fat32:
		return "FAT32"
	case Ext2:
		return "ext2"
	case Iso9660:
		return "ISO9660"
	default:
		return "unknown"
	}
}

// Volume is a logical sector range [Start, Start+Length) on a disk.
type Volume struct {
	disk block.Device

	// Start is the first device LBA of the volume.
	Start uint64

	// Length is the volume size in sectors.
	Length uint64

	// Type is the filesystem declared by the partition scheme.
	Type FsType

	// Active is set for the partition marked bootable.
	Active bool

	// Partition is false when the volume spans the whole disk, i.e. a
	// floppy or a no-emulation CD-ROM.
	Partition bool
}

// New creates a volume on disk covering [start, start+length). The range
// must lie inside the disk.
func New(disk block.Device, start, length uint64, typ FsType) (*Volume, error) {
	if start+length > disk.Sectors() {
		return nil, checkpoint.Wrap(
			fmt.Errorf("volume [%d, %d) exceeds disk of %d sectors", start, start+length, disk.Sectors()),
			block.ErrOutOfRange)
	}

	return &Volume{
		disk:   disk,
		Start:  start,
		Length: length,
		Type:   typ,
	}, nil
}

// Disk returns the device the volume lives on.
func (v *Volume) Disk() block.Device {
	return v.disk
}

// SectorSize returns the sector size of the underlying device.
func (v *Volume) SectorSize() int {
	return v.disk.SectorSize()
}

// ReadSectors reads count volume-relative sectors starting at lba. The read
// is bounds-checked against the volume length and shifted by the volume
// start before it is forwarded to the device.
func (v *Volume) ReadSectors(lba uint64, count uint32, buf []byte) error {
	if lba+uint64(count) > v.Length {
		return checkpoint.Wrap(
			fmt.Errorf("read of %d sectors at %d exceeds volume of %d sectors", count, lba, v.Length),
			block.ErrOutOfRange)
	}

	return v.disk.ReadSectors(v.Start+lba, count, buf)
}

func (v *Volume) String() string {
	kind := "partition"
	if !v.Partition {
		kind = "whole disk"
	}
	return fmt.Sprintf("%s %s at %d (%d sectors)", v.Type, kind, v.Start, v.Length)
}
