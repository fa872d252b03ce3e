package iso9660

import (
	"encoding/binary"
	"testing"

	"github.com/bootkit/bootfs/block"
	"github.com/bootkit/bootfs/volume"
)

// isoImage builds ISO 9660 volumes in memory for the mount and read
// tests. The logical block size is fixed at 2048 bytes.
type isoImage struct {
	t    *testing.T
	data []byte
}

func newISOImage(t *testing.T, blocks int) *isoImage {
	return &isoImage{t: t, data: make([]byte, blocks*2048)}
}

func (img *isoImage) block(index uint32) []byte {
	return img.data[int(index)*2048 : int(index+1)*2048]
}

// writePVD fills block 16 with a primary volume descriptor and block 17
// with the set terminator. The root directory lives at rootExtent.
func (img *isoImage) writePVD(rootExtent, rootSize uint32) {
	desc := img.block(16)
	desc[0] = descriptorTypePrimary
	copy(desc[1:6], descriptorMagic)
	copy(desc[pvdVolumeID:], "BOOTDISC                        "[:32])
	binary.LittleEndian.PutUint32(desc[pvdVolumeSize:], uint32(len(img.data)/2048))
	binary.LittleEndian.PutUint16(desc[pvdBlockSize:], 2048)
	img.putRecord(desc, pvdRootRecord, []byte{0}, rootExtent, rootSize, flagDirectory)

	term := img.block(17)
	term[0] = descriptorTypeTerminator
	copy(term[1:6], descriptorMagic)
}

// putRecord writes one directory record at buf[off:] and returns the
// offset past it. Records are padded to even length, as on real media.
func (img *isoImage) putRecord(buf []byte, off int, name []byte, extent, size uint32, flags byte) int {
	length := recordHeaderSize + len(name)
	if length%2 != 0 {
		length++
	}

	b := buf[off : off+length]
	b[0] = byte(length)
	binary.LittleEndian.PutUint32(b[2:], extent)
	binary.BigEndian.PutUint32(b[6:], extent)
	binary.LittleEndian.PutUint32(b[10:], size)
	binary.BigEndian.PutUint32(b[14:], size)
	copy(b[18:25], []byte{121, 3, 15, 10, 30, 0, 0}) // 2021-03-15 10:30 UTC
	b[25] = flags
	b[32] = byte(len(name))
	copy(b[33:], name)

	return off + length
}

// startDir writes the self and parent records of the directory at extent
// and returns the offset for its first child record.
func (img *isoImage) startDir(extent, size, parentExtent, parentSize uint32) int {
	buf := img.block(extent)
	off := img.putRecord(buf, 0, []byte{0}, extent, size, flagDirectory)
	return img.putRecord(buf, off, []byte{1}, parentExtent, parentSize, flagDirectory)
}

// fill writes content starting at the given block.
func (img *isoImage) fill(extent uint32, content []byte) {
	copy(img.data[int(extent)*2048:], content)
}

// volume wraps the image in a whole-disk volume with the given sector
// size.
func (img *isoImage) volume(sectorSize int) *volume.Volume {
	disk := block.NewMemDevice(img.data, sectorSize)
	vol, err := volume.New(disk, 0, uint64(len(img.data)/sectorSize), volume.Iso9660)
	if err != nil {
		img.t.Fatalf("volume.New() error = %v", err)
	}
	return vol
}

func (img *isoImage) mount() *Fs {
	fs, err := Mount(img.volume(2048))
	if err != nil {
		img.t.Fatalf("Mount() error = %v", err)
	}
	return fs
}
