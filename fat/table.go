package fat

import (
	"encoding/binary"
	"fmt"

	bootfs "github.com/bootkit/bootfs"
	"github.com/bootkit/bootfs/checkpoint"
)

// Variant is the resolved width of the file allocation table.
type Variant int

const (
	FAT12 Variant = iota
	FAT16
	FAT32
)

func (v Variant) String() string {
	switch v {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	default:
		return "FAT32"
	}
}

// Cluster count thresholds separating the variants. A volume with fewer
// than 4085 clusters is FAT12, fewer than 65525 FAT16, anything above
// FAT32.
const (
	fat12MaxClusters = 4085
	fat16MaxClusters = 65525
)

// fatEntry is one cell of the allocation table: the next cluster of a
// chain, or a sentinel.
type fatEntry uint32

// Sentinel ranges per variant. Values at or above the EOF mark terminate a
// chain; the bad value flags an unusable cluster.
const (
	fat12EOF fatEntry = 0x0FF8
	fat12Bad fatEntry = 0x0FF7
	fat16EOF fatEntry = 0xFFF8
	fat16Bad fatEntry = 0xFFF7
	fat32EOF fatEntry = 0x0FFFFFF8
	fat32Bad fatEntry = 0x0FFFFFF7
)

// isEOF reports whether e terminates a cluster chain.
func (fs *Fs) isEOF(e fatEntry) bool {
	switch fs.variant {
	case FAT12:
		return e >= fat12EOF
	case FAT16:
		return e >= fat16EOF
	default:
		return e >= fat32EOF
	}
}

// isBad reports whether e is the bad-cluster sentinel.
func (fs *Fs) isBad(e fatEntry) bool {
	switch fs.variant {
	case FAT12:
		return e == fat12Bad
	case FAT16:
		return e == fat16Bad
	default:
		return e == fat32Bad
	}
}

// nextCluster reads the allocation table cell for cluster c, consulting
// the FAT-sector cache. On FAT12 an entry may straddle a sector boundary;
// both sectors go through the cache.
func (fs *Fs) nextCluster(c fatEntry) (fatEntry, error) {
	var byteOff uint64
	switch fs.variant {
	case FAT12:
		byteOff = uint64(c) + uint64(c)/2
	case FAT16:
		byteOff = uint64(c) * 2
	default:
		byteOff = uint64(c) * 4
	}

	sectorSize := uint64(fs.sectorSize)
	lba := uint64(fs.fatBase) + byteOff/sectorSize
	off := byteOff % sectorSize

	if lba >= uint64(fs.fatBase)+uint64(fs.fatSize) {
		return 0, checkpoint.Wrap(fmt.Errorf("cluster %d points outside the FAT", c), bootfs.ErrCorruptFs)
	}

	sector, err := fs.fatSector(lba)
	if err != nil {
		return 0, err
	}

	switch fs.variant {
	case FAT32:
		// The high 4 bits of a FAT32 cell are reserved.
		return fatEntry(binary.LittleEndian.Uint32(sector[off:])) & 0x0FFFFFFF, nil
	case FAT16:
		return fatEntry(binary.LittleEndian.Uint16(sector[off:])), nil
	}

	// FAT12: the 12-bit cell lives in two bytes which may span sectors.
	var raw uint16
	if off == sectorSize-1 {
		next, err := fs.fatSector(lba + 1)
		if err != nil {
			return 0, err
		}
		raw = uint16(sector[off]) | uint16(next[0])<<8
	} else {
		raw = binary.LittleEndian.Uint16(sector[off:])
	}

	if c%2 == 1 {
		return fatEntry(raw >> 4), nil
	}
	return fatEntry(raw & 0x0FFF), nil
}

// fatSector returns the FAT sector at the given volume-relative LBA,
// reading it into the cache on a miss.
func (fs *Fs) fatSector(lba uint64) ([]byte, error) {
	if data := fs.fatCache.get(lba); data != nil {
		return data, nil
	}

	buf := make([]byte, fs.sectorSize)
	if err := fs.vol.ReadSectors(lba, 1, buf); err != nil {
		return nil, checkpoint.From(err)
	}

	return fs.fatCache.put(lba, buf), nil
}

// sectorCache is a bounded cache of FAT sectors. Slots are preallocated at
// mount; when the cache is full the least recently inserted slot is
// rewritten (a FIFO ring).
type sectorCache struct {
	slots []cacheSlot
	next  int
}

type cacheSlot struct {
	valid bool
	lba   uint64
	data  []byte
}

func newSectorCache(slots, sectorSize int) *sectorCache {
	c := &sectorCache{
		slots: make([]cacheSlot, slots),
	}
	for i := range c.slots {
		c.slots[i].data = make([]byte, sectorSize)
	}
	return c
}

func (c *sectorCache) get(lba uint64) []byte {
	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].lba == lba {
			return c.slots[i].data
		}
	}
	return nil
}

func (c *sectorCache) put(lba uint64, data []byte) []byte {
	slot := &c.slots[c.next]
	c.next = (c.next + 1) % len(c.slots)

	slot.valid = true
	slot.lba = lba
	copy(slot.data, data)
	return slot.data
}
