package fat

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/bootkit/bootfs/block"
	"github.com/bootkit/bootfs/volume"
)

// testImage builds FAT volumes in memory for the mount and read tests.
// The geometry is fixed per variant; entries, chains and cluster payloads
// are poked in by the individual tests.
type testImage struct {
	t *testing.T

	data    []byte
	variant Variant

	sectorSize        int
	sectorsPerCluster int
	fatStart          int // byte offset of the first FAT
	rootStart         int // byte offset of the linear root (FAT12/16)
	dataStart         int // byte offset of cluster 2
}

// newFAT12Image lays out a 64-sector FAT12 volume: 1 reserved sector, one
// 2-sector FAT, 32 root entries, 1 sector per cluster.
func newFAT12Image(t *testing.T) *testImage {
	img := &testImage{
		t:                 t,
		variant:           FAT12,
		sectorSize:        512,
		sectorsPerCluster: 1,
		data:              make([]byte, 64*512),
	}
	img.writeBPB(2, 32, 64, 0xF0)
	img.fatStart = 512
	img.rootStart = 3 * 512
	img.dataStart = 5 * 512

	img.setFAT(0, 0xFF0)
	img.setFAT(1, fat12EOF)
	return img
}

// newFAT16Image lays out a 4200-sector FAT16 volume: 1 reserved sector,
// one 17-sector FAT, 512 root entries, 1 sector per cluster. The data
// area holds 4150 clusters, past the FAT12 threshold.
func newFAT16Image(t *testing.T) *testImage {
	img := &testImage{
		t:                 t,
		variant:           FAT16,
		sectorSize:        512,
		sectorsPerCluster: 1,
		data:              make([]byte, 4200*512),
	}
	img.writeBPB(17, 512, 4200, 0xF8)
	img.fatStart = 512
	img.rootStart = 18 * 512
	img.dataStart = 50 * 512

	img.setFAT(0, 0xFFF8)
	img.setFAT(1, fat16EOF)
	return img
}

// newFAT32Image lays out a 128-sector FAT32 volume: 1 reserved sector, one
// 4-sector FAT, the root directory on cluster 2. The zero root-entry count
// in the BPB selects FAT32 regardless of the cluster count.
func newFAT32Image(t *testing.T) *testImage {
	img := &testImage{
		t:                 t,
		variant:           FAT32,
		sectorSize:        512,
		sectorsPerCluster: 1,
		data:              make([]byte, 128*512),
	}
	img.writeBPB(0, 0, 128, 0xF8)

	binary.LittleEndian.PutUint32(img.data[36:], 4) // FATSize
	binary.LittleEndian.PutUint32(img.data[44:], 2) // RootCluster
	img.data[66] = 0x29
	copy(img.data[71:82], "BOOTVOL    ")

	img.fatStart = 512
	img.dataStart = 5 * 512

	img.setFAT(0, 0x0FFFFFF8)
	img.setFAT(1, fat32EOF)
	img.setFAT(2, fat32EOF) // root directory, one cluster
	return img
}

// writeBPB fills the shared BPB head and the boot signature.
func (img *testImage) writeBPB(fatSize16, rootEntries, totalSectors int, media byte) {
	b := img.data
	binary.LittleEndian.PutUint16(b[11:], uint16(img.sectorSize))
	b[13] = byte(img.sectorsPerCluster)
	binary.LittleEndian.PutUint16(b[14:], 1) // reserved sectors
	b[16] = 1                                // one FAT
	binary.LittleEndian.PutUint16(b[17:], uint16(rootEntries))
	b[21] = media
	if img.variant != FAT32 {
		binary.LittleEndian.PutUint16(b[22:], uint16(fatSize16))
		b[38] = 0x29
		copy(b[43:54], "BOOTVOL    ")
	}
	if totalSectors < 0x10000 && img.variant != FAT32 {
		binary.LittleEndian.PutUint16(b[19:], uint16(totalSectors))
	} else {
		binary.LittleEndian.PutUint32(b[32:], uint32(totalSectors))
	}
	b[510] = 0x55
	b[511] = 0xAA
}

// setFAT writes one allocation-table cell in the variant's width.
func (img *testImage) setFAT(c uint32, v fatEntry) {
	switch img.variant {
	case FAT12:
		off := img.fatStart + int(c) + int(c)/2
		if c%2 == 0 {
			img.data[off] = byte(v)
			img.data[off+1] = img.data[off+1]&0xF0 | byte(v>>8)&0x0F
		} else {
			img.data[off] = img.data[off]&0x0F | byte(v<<4)
			img.data[off+1] = byte(v >> 4)
		}
	case FAT16:
		binary.LittleEndian.PutUint16(img.data[img.fatStart+int(c)*2:], uint16(v))
	default:
		binary.LittleEndian.PutUint32(img.data[img.fatStart+int(c)*4:], uint32(v))
	}
}

// chain allocates the given clusters as one chain ending in EOF.
func (img *testImage) chain(clusters ...uint32) {
	for i := 0; i < len(clusters)-1; i++ {
		img.setFAT(clusters[i], fatEntry(clusters[i+1]))
	}

	eof := fat12EOF
	switch img.variant {
	case FAT16:
		eof = fat16EOF
	case FAT32:
		eof = fat32EOF
	}
	img.setFAT(clusters[len(clusters)-1], eof)
}

// fill writes content across the given clusters.
func (img *testImage) fill(content []byte, clusters ...uint32) {
	clusterSize := img.sectorSize * img.sectorsPerCluster
	for i, c := range clusters {
		start := i * clusterSize
		if start >= len(content) {
			break
		}
		copy(img.data[img.clusterOffset(c):], content[start:])
	}
}

func (img *testImage) clusterOffset(c uint32) int {
	return img.dataStart + int(c-2)*img.sectorSize*img.sectorsPerCluster
}

// rootSlot returns the byte offset of record slot i of the root directory.
// On FAT32 the root is cluster 2.
func (img *testImage) rootSlot(i int) int {
	if img.variant == FAT32 {
		return img.clusterOffset(2) + i*entrySize
	}
	return img.rootStart + i*entrySize
}

// dirSlot returns the byte offset of record slot i of the directory on
// cluster c.
func (img *testImage) dirSlot(c uint32, i int) int {
	return img.clusterOffset(c) + i*entrySize
}

// putEntry writes a short directory record at the byte offset.
func (img *testImage) putEntry(off int, name string, attr byte, first uint32, size uint32) {
	shortName, ok := shortNameFromComponent(name)
	if !ok {
		img.t.Fatalf("%q has no 8.3 form", name)
	}
	img.putRawEntry(off, shortName, attr, first, size)
}

func (img *testImage) putRawEntry(off int, name [11]byte, attr byte, first uint32, size uint32) {
	b := img.data[off : off+entrySize]
	copy(b, name[:])
	b[11] = attr
	binary.LittleEndian.PutUint16(b[20:], uint16(first>>16))
	binary.LittleEndian.PutUint16(b[22:], 0x6000) // 12:00:00
	binary.LittleEndian.PutUint16(b[24:], 0x5221) // 2021-01-01
	binary.LittleEndian.PutUint16(b[26:], uint16(first))
	binary.LittleEndian.PutUint32(b[28:], size)
}

// putLFNEntry writes the records of a long-name chain followed by its
// short record, and returns the offset past them. The chain is written
// last chunk first, as on disk.
func (img *testImage) putLFNEntry(off int, longName, shortName string, attr byte, first uint32, size uint32) int {
	units := utf16.Encode([]rune(longName))

	records := (len(units) + lfnChunkLen - 1) / lfnChunkLen
	padded := make([]uint16, records*lfnChunkLen)
	copy(padded, units)
	if len(units) < len(padded) {
		padded[len(units)] = 0x0000
		for i := len(units) + 1; i < len(padded); i++ {
			padded[i] = 0xFFFF
		}
	}

	for seq := records; seq >= 1; seq-- {
		b := img.data[off : off+entrySize]
		b[0] = byte(seq)
		if seq == records {
			b[0] |= lfnLastMask
		}
		b[11] = attrLongName

		chunk := padded[(seq-1)*lfnChunkLen:]
		for i := 0; i < 5; i++ {
			binary.LittleEndian.PutUint16(b[1+2*i:], chunk[i])
		}
		for i := 0; i < 6; i++ {
			binary.LittleEndian.PutUint16(b[14+2*i:], chunk[5+i])
		}
		for i := 0; i < 2; i++ {
			binary.LittleEndian.PutUint16(b[28+2*i:], chunk[11+i])
		}
		off += entrySize
	}

	img.putEntry(off, shortName, attr, first, size)
	return off + entrySize
}

// volume wraps the image in a whole-disk volume.
func (img *testImage) volume() *volume.Volume {
	disk := block.NewMemDevice(img.data, img.sectorSize)
	vol, err := volume.New(disk, 0, uint64(len(img.data)/img.sectorSize), volume.Fat)
	if err != nil {
		img.t.Fatalf("volume.New() error = %v", err)
	}
	return vol
}

// mount mounts the image and fails the test on error.
func (img *testImage) mount() *Fs {
	fs, err := Mount(img.volume())
	if err != nil {
		img.t.Fatalf("Mount() error = %v", err)
	}
	return fs
}
