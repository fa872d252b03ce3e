package bootfs_test

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	bootfs "github.com/bootkit/bootfs"
	"github.com/bootkit/bootfs/block"
	"github.com/bootkit/bootfs/volume"

	_ "github.com/bootkit/bootfs/fat"
	_ "github.com/bootkit/bootfs/iso9660"
)

// short83 converts a name to the 11-byte 8.3 directory form.
func short83(name string) (out [11]byte) {
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}
	copy(out[:], strings.ToUpper(base)+strings.Repeat(" ", 8-len(base)))
	copy(out[8:], strings.ToUpper(ext)+strings.Repeat(" ", 3-len(ext)))
	return out
}

// floppyImage is a 64-sector FAT12 floppy under construction: 1 reserved
// sector, a 2-sector FAT, a 2-sector root directory, data from sector 5.
type floppyImage struct {
	data []byte
}

func newFloppyImage() *floppyImage {
	img := &floppyImage{data: make([]byte, 64*512)}
	b := img.data
	binary.LittleEndian.PutUint16(b[11:], 512) // bytes per sector
	b[13] = 1                                  // sectors per cluster
	binary.LittleEndian.PutUint16(b[14:], 1)   // reserved sectors
	b[16] = 1                                  // FATs
	binary.LittleEndian.PutUint16(b[17:], 32)  // root entries
	binary.LittleEndian.PutUint16(b[19:], 64)  // total sectors
	b[21] = 0xF0                               // media descriptor
	binary.LittleEndian.PutUint16(b[22:], 2)   // FAT sectors
	b[510] = 0x55
	b[511] = 0xAA

	img.setFAT(0, 0xFF0)
	img.setFAT(1, 0xFFF)
	return img
}

func (img *floppyImage) setFAT(c uint32, v uint16) {
	off := 512 + int(c) + int(c)/2
	if c%2 == 0 {
		img.data[off] = byte(v)
		img.data[off+1] = img.data[off+1]&0xF0 | byte(v>>8)&0x0F
	} else {
		img.data[off] = img.data[off]&0x0F | byte(v<<4)
		img.data[off+1] = byte(v >> 4)
	}
}

// chain links the clusters into one chain ending in EOF.
func (img *floppyImage) chain(clusters ...uint32) {
	for i := 0; i < len(clusters)-1; i++ {
		img.setFAT(clusters[i], uint16(clusters[i+1]))
	}
	img.setFAT(clusters[len(clusters)-1], 0xFFF)
}

func (img *floppyImage) clusterOffset(c uint32) int {
	return (5 + int(c) - 2) * 512
}

// putEntry writes a directory record into slot i of the region starting
// at off.
func (img *floppyImage) putEntry(off, i int, name [11]byte, attr byte, first uint32, size uint32) {
	b := img.data[off+i*32:]
	copy(b, name[:])
	b[11] = attr
	binary.LittleEndian.PutUint16(b[26:], uint16(first))
	binary.LittleEndian.PutUint32(b[28:], size)
}

func (img *floppyImage) fill(content []byte, clusters ...uint32) {
	for i, c := range clusters {
		if i*512 >= len(content) {
			break
		}
		copy(img.data[img.clusterOffset(c):], content[i*512:])
	}
}

// buildFloppy lays out the tree used by the read tests:
//
//	/HELLO.TXT  "hello\n"
//	/A/B/C.BIN  9000 patterned bytes
func buildFloppy() (*floppyImage, []byte) {
	img := newFloppyImage()

	img.putEntry(3*512, 0, short83("HELLO.TXT"), 0x20, 2, 6)
	img.chain(2)
	img.fill([]byte("hello\n"), 2)

	content := make([]byte, 9000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	clusters := make([]uint32, 18)
	for i := range clusters {
		clusters[i] = uint32(3 + i)
	}

	img.putEntry(3*512, 1, short83("A"), 0x10, 21, 0)
	img.chain(21)
	img.putEntry(img.clusterOffset(21), 0, [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, 0x10, 21, 0)
	img.putEntry(img.clusterOffset(21), 1, [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, 0x10, 0, 0)
	img.putEntry(img.clusterOffset(21), 2, short83("B"), 0x10, 22, 0)

	img.chain(22)
	img.putEntry(img.clusterOffset(22), 0, [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, 0x10, 22, 0)
	img.putEntry(img.clusterOffset(22), 1, [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, 0x10, 21, 0)
	img.putEntry(img.clusterOffset(22), 2, short83("C.BIN"), 0x20, clusters[0], uint32(len(content)))

	img.chain(clusters...)
	img.fill(content, clusters...)

	return img, content
}

func TestFloppy_ReadFile(t *testing.T) {
	img, _ := buildFloppy()

	ns := bootfs.NewNamespace()
	paths, err := ns.AddDisk(block.NewMemDevice(img.data, 512))
	if err != nil {
		t.Fatalf("Namespace.AddDisk() error = %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("Namespace.AddDisk() = %v, want one whole-disk volume", paths)
	}

	fs, err := ns.Mount(paths[0], "boot")
	if err != nil {
		t.Fatalf("Namespace.Mount() error = %v", err)
	}
	if fs.Type() != volume.Fat12 {
		t.Errorf("FileSystem.Type() = %v, want FAT12", fs.Type())
	}

	f, err := fs.Open("/HELLO.TXT")
	if err != nil {
		t.Fatalf("FileSystem.Open() error = %v", err)
	}
	defer f.Close()

	buf := make([]byte, 64)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("File.Read() error = %v", err)
	}
	if n != 6 || string(buf[:n]) != "hello\n" {
		t.Errorf("File.Read() = %d, %q", n, buf[:n])
	}

	if _, err := f.Read(buf); err != io.EOF {
		t.Errorf("File.Read() at the end error = %v, want io.EOF", err)
	}
}

func TestFloppy_SeekAndRead(t *testing.T) {
	img, content := buildFloppy()

	ns := bootfs.NewNamespace()
	paths, err := ns.AddDisk(block.NewMemDevice(img.data, 512))
	if err != nil {
		t.Fatalf("Namespace.AddDisk() error = %v", err)
	}

	fs, err := ns.Mount(paths[0], "boot")
	if err != nil {
		t.Fatalf("Namespace.Mount() error = %v", err)
	}

	f, err := fs.Open("/A/B/C.BIN")
	if err != nil {
		t.Fatalf("FileSystem.Open() error = %v", err)
	}
	defer f.Close()

	pos, err := f.Seek(4096, io.SeekStart)
	if err != nil || pos != 4096 {
		t.Fatalf("File.Seek() = %d, %v", pos, err)
	}

	buf := make([]byte, 8192)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("File.Read() error = %v", err)
	}
	if n != 4904 {
		t.Fatalf("File.Read() = %d, want 4904", n)
	}
	if string(buf[:n]) != string(content[4096:]) {
		t.Error("File.Read() returned wrong bytes")
	}

	// Seeking to the size or past it is out of the file.
	if _, err := f.Seek(9000, io.SeekStart); !errors.Is(err, bootfs.ErrPastEnd) {
		t.Errorf("File.Seek(size) error = %v, want ErrPastEnd", err)
	}
}

func TestISO_ReadFile(t *testing.T) {
	content := make([]byte, 100*1024)
	for i := range content {
		content[i] = byte(i * 13)
	}

	// 2048-byte blocks: PVD at block 16, root at 20, BOOT at 21, the
	// kernel extent from block 22.
	blocks := 22 + len(content)/2048 + 1
	data := make([]byte, blocks*2048)

	putRecord := func(buf []byte, off int, name []byte, extent, size uint32, flags byte) int {
		length := 33 + len(name)
		if length%2 != 0 {
			length++
		}
		b := buf[off:]
		b[0] = byte(length)
		binary.LittleEndian.PutUint32(b[2:], extent)
		binary.LittleEndian.PutUint32(b[10:], size)
		copy(b[18:25], []byte{121, 3, 15, 10, 30, 0, 0})
		b[25] = flags
		b[32] = byte(len(name))
		copy(b[33:], name)
		return off + length
	}

	pvd := data[16*2048:]
	pvd[0] = 1
	copy(pvd[1:6], "CD001")
	copy(pvd[40:72], "BOOTDISC"+strings.Repeat(" ", 24))
	binary.LittleEndian.PutUint16(pvd[128:], 2048)
	putRecord(pvd, 156, []byte{0}, 20, 2048, 0x02)

	term := data[17*2048:]
	term[0] = 255
	copy(term[1:6], "CD001")

	root := data[20*2048:]
	off := putRecord(root, 0, []byte{0}, 20, 2048, 0x02)
	off = putRecord(root, off, []byte{1}, 20, 2048, 0x02)
	putRecord(root, off, []byte("BOOT"), 21, 2048, 0x02)

	boot := data[21*2048:]
	off = putRecord(boot, 0, []byte{0}, 21, 2048, 0x02)
	off = putRecord(boot, off, []byte{1}, 20, 2048, 0x02)
	putRecord(boot, off, []byte("KERNEL.ELF;1"), 22, uint32(len(content)), 0)

	copy(data[22*2048:], content)

	ns := bootfs.NewNamespace()
	paths, err := ns.AddDisk(block.NewMemDevice(data, 2048))
	if err != nil {
		t.Fatalf("Namespace.AddDisk() error = %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("Namespace.AddDisk() = %v, want one whole-disc volume", paths)
	}

	fs, err := ns.Mount(paths[0], "cd")
	if err != nil {
		t.Fatalf("Namespace.Mount() error = %v", err)
	}
	if fs.Type() != volume.Iso9660 {
		t.Errorf("FileSystem.Type() = %v, want ISO9660", fs.Type())
	}
	if fs.Label() != "BOOTDISC" {
		t.Errorf("FileSystem.Label() = %q, want %q", fs.Label(), "BOOTDISC")
	}

	got, err := afero.ReadFile(fs, "/BOOT/KERNEL.ELF")
	if err != nil {
		t.Fatalf("afero.ReadFile() error = %v", err)
	}
	if len(got) != len(content) || string(got) != string(content) {
		t.Fatalf("afero.ReadFile() returned %d wrong bytes", len(got))
	}
}

func TestGPT_MountESP(t *testing.T) {
	floppy, _ := buildFloppy()

	disk := make([]byte, 192*512)

	// Protective MBR.
	disk[510] = 0x55
	disk[511] = 0xAA
	disk[446+4] = 0xEE
	binary.LittleEndian.PutUint32(disk[446+8:], 1)
	binary.LittleEndian.PutUint32(disk[446+12:], 191)

	// One ESP entry at LBA 2, covering sectors [64, 128).
	entry := disk[2*512:]
	copy(entry[0:16], onDiskGUID("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"))
	copy(entry[16:32], onDiskGUID("A0891D7E-11B4-4E56-8D06-2B3F0F1C564B"))
	binary.LittleEndian.PutUint64(entry[32:], 64)
	binary.LittleEndian.PutUint64(entry[40:], 128)

	// GPT header at LBA 1, checksummed with the CRC field zeroed.
	hdr := disk[512:]
	copy(hdr[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(hdr[8:], 0x00010000)
	binary.LittleEndian.PutUint32(hdr[12:], 92)
	binary.LittleEndian.PutUint64(hdr[24:], 1)   // header LBA
	binary.LittleEndian.PutUint64(hdr[32:], 191) // backup LBA
	binary.LittleEndian.PutUint64(hdr[40:], 34)
	binary.LittleEndian.PutUint64(hdr[48:], 190)
	binary.LittleEndian.PutUint64(hdr[72:], 2) // entries LBA
	binary.LittleEndian.PutUint32(hdr[80:], 4)
	binary.LittleEndian.PutUint32(hdr[84:], 128)
	binary.LittleEndian.PutUint32(hdr[16:], crc32.ChecksumIEEE(hdr[:92]))

	copy(disk[64*512:], floppy.data)

	ns := bootfs.NewNamespace()
	paths, err := ns.AddDisk(block.NewMemDevice(disk, 512))
	if err != nil {
		t.Fatalf("Namespace.AddDisk() error = %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("Namespace.AddDisk() = %v, want the ESP only", paths)
	}

	vol, err := ns.Volume(paths[0])
	if err != nil {
		t.Fatalf("Namespace.Volume() error = %v", err)
	}
	if vol.Type != volume.Fat || vol.Start != 64 || vol.Length != 64 {
		t.Fatalf("ESP volume = %v", vol)
	}

	fs, err := ns.Mount(paths[0], "esp")
	if err != nil {
		t.Fatalf("Namespace.Mount() error = %v", err)
	}

	got, err := afero.ReadFile(fs, "/HELLO.TXT")
	if err != nil {
		t.Fatalf("afero.ReadFile() error = %v", err)
	}
	if string(got) != "hello\n" {
		t.Errorf("afero.ReadFile() = %q", got)
	}
}

// onDiskGUID converts a UUID string to the mixed-endian GPT layout.
func onDiskGUID(s string) []byte {
	u := uuid.MustParse(s)
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = u[3], u[2], u[1], u[0]
	out[4], out[5] = u[5], u[4]
	out[6], out[7] = u[7], u[6]
	copy(out[8:], u[8:])
	return out
}
