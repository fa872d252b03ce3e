package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/go-restruct/restruct"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bootkit/bootfs/block"
	"github.com/bootkit/bootfs/checkpoint"
)

// ErrBadPartitionTable marks a structurally invalid partition scheme, e.g.
// a GPT header with a wrong signature or checksum. It is fatal for the
// whole disk; other disks remain usable.
var ErrBadPartitionTable = fmt.Errorf("invalid partition table")

const (
	mbrSignature        = 0xAA55
	mbrSignatureOffset  = 510
	mbrEntriesOffset    = 446
	mbrEntryCount       = 4
	mbrMediaOffset      = 0x15
	mbrTypeGPT          = 0xEE
	mbrFlagActive       = 0x80
	gptHeaderLBA        = 1
	gptSignature        = "EFI PART"
	isoProbeByteOffset  = 16 * 2048
	isoProbeLength      = 2048
	isoMagic            = "CD001"
	isoMagicOffset      = 1
)

// mbrEntry is one of the four 16-byte partition records at offset 446.
type mbrEntry struct {
	Flags    byte
	CHSStart [3]byte
	Type     byte
	CHSEnd   [3]byte
	FirstLBA uint32
	Sectors  uint32
}

// gptHeader is the 92-byte GPT header at LBA 1.
type gptHeader struct {
	Signature  [8]byte
	Revision   uint32
	HeaderSize uint32
	HeaderCRC  uint32
	Reserved   uint32
	HeaderLBA  uint64
	BackupLBA  uint64
	FirstLBA   uint64
	LastLBA    uint64
	DiskGUID   [16]byte
	EntriesLBA uint64
	EntryCount uint32
	EntrySize  uint32
	EntriesCRC uint32
}

// gptEntry is one 128-byte record of the partition entry array.
type gptEntry struct {
	TypeGUID [16]byte
	PartGUID [16]byte
	FirstLBA uint64
	LastLBA  uint64
	Flags    uint64
	Name     [72]byte
}

// Partition type GUIDs recognised by the scanner.
var (
	guidESP      = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	guidBDP      = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	guidLinuxFs  = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	guidBIOSBoot = uuid.MustParse("21686148-6449-6E6F-744E-656564454649")
)

// mbrTypeToFs maps an MBR partition type byte to the declared filesystem.
func mbrTypeToFs(t byte) FsType {
	switch t {
	case 0x01:
		return Fat12
	case 0x04, 0x06, 0x0E:
		return Fat16
	case 0x0B, 0x0C:
		return Fat32
	case 0x83:
		return Ext2
	default:
		return Unknown
	}
}

// Scan inspects sector 0 and the descriptor area of disk and returns the
// volumes found on it. A disk without a recognised partition scheme yields
// no volumes and no error; a structurally broken scheme (for example a GPT
// checksum mismatch) fails the whole disk.
func Scan(disk block.Device) ([]*Volume, error) {
	sectorSize := disk.SectorSize()
	sector0 := make([]byte, sectorSize)
	if err := disk.ReadSectors(0, 1, sector0); err != nil {
		return nil, checkpoint.From(err)
	}

	if sectorSize >= mbrSignatureOffset+2 &&
		binary.LittleEndian.Uint16(sector0[mbrSignatureOffset:]) == mbrSignature {
		return scanMBR(disk, sector0)
	}

	return scanISO(disk)
}

func scanMBR(disk block.Device, sector0 []byte) ([]*Volume, error) {
	var volumes []*Volume

	for i := 0; i < mbrEntryCount; i++ {
		var entry mbrEntry
		raw := sector0[mbrEntriesOffset+i*16 : mbrEntriesOffset+(i+1)*16]
		if err := restruct.Unpack(raw, binary.LittleEndian, &entry); err != nil {
			return nil, checkpoint.Wrap(err, ErrBadPartitionTable)
		}

		if entry.Type == 0 {
			continue
		}

		if entry.Type == mbrTypeGPT {
			// Protective MBR; the real table is the GPT at LBA 1.
			return scanGPT(disk)
		}

		fsType := mbrTypeToFs(entry.Type)
		if fsType == Unknown {
			log.Debugf("skipping MBR partition %d with unknown type %#02x", i, entry.Type)
			continue
		}

		vol, err := New(disk, uint64(entry.FirstLBA), uint64(entry.Sectors), fsType)
		if err != nil {
			return nil, checkpoint.Wrap(err, ErrBadPartitionTable)
		}
		vol.Active = entry.Flags&mbrFlagActive != 0
		vol.Partition = true

		log.Debugf("found MBR partition %d: %s", i, vol)
		volumes = append(volumes, vol)
	}

	// A FAT media descriptor in the BPB means the disk is also usable as
	// a whole-disk FAT12 volume (floppy layout).
	if sector0[mbrMediaOffset] == 0xF0 || sector0[mbrMediaOffset] == 0xF9 {
		vol, err := New(disk, 0, disk.Sectors(), Fat12)
		if err != nil {
			return nil, checkpoint.From(err)
		}

		log.Debugf("media descriptor %#02x: exposing whole disk as %s", sector0[mbrMediaOffset], vol)
		volumes = append(volumes, vol)
	}

	return volumes, nil
}

func scanGPT(disk block.Device) ([]*Volume, error) {
	sectorSize := disk.SectorSize()
	raw := make([]byte, sectorSize)
	if err := disk.ReadSectors(gptHeaderLBA, 1, raw); err != nil {
		return nil, checkpoint.From(err)
	}

	var hdr gptHeader
	if err := restruct.Unpack(raw, binary.LittleEndian, &hdr); err != nil {
		return nil, checkpoint.Wrap(err, ErrBadPartitionTable)
	}

	if string(hdr.Signature[:]) != gptSignature {
		return nil, checkpoint.Wrap(fmt.Errorf("bad GPT signature %q", hdr.Signature), ErrBadPartitionTable)
	}
	if hdr.HeaderLBA != gptHeaderLBA {
		return nil, checkpoint.Wrap(fmt.Errorf("GPT header claims LBA %d", hdr.HeaderLBA), ErrBadPartitionTable)
	}
	if hdr.HeaderSize < 92 || int(hdr.HeaderSize) > sectorSize {
		return nil, checkpoint.Wrap(fmt.Errorf("implausible GPT header size %d", hdr.HeaderSize), ErrBadPartitionTable)
	}

	// The stored CRC is computed with its own field zeroed.
	sum := make([]byte, hdr.HeaderSize)
	copy(sum, raw[:hdr.HeaderSize])
	copy(sum[16:20], []byte{0, 0, 0, 0})
	if crc32.ChecksumIEEE(sum) != hdr.HeaderCRC {
		return nil, checkpoint.Wrap(fmt.Errorf("GPT header checksum mismatch"), ErrBadPartitionTable)
	}

	if hdr.EntrySize < 128 || int(hdr.EntrySize) > sectorSize {
		return nil, checkpoint.Wrap(fmt.Errorf("implausible GPT entry size %d", hdr.EntrySize), ErrBadPartitionTable)
	}

	var volumes []*Volume
	entriesPerSector := sectorSize / int(hdr.EntrySize)
	sector := make([]byte, sectorSize)

scan:
	for i := uint32(0); i < hdr.EntryCount; i++ {
		if int(i)%entriesPerSector == 0 {
			lba := hdr.EntriesLBA + uint64(int(i)/entriesPerSector)
			if err := disk.ReadSectors(lba, 1, sector); err != nil {
				return nil, checkpoint.From(err)
			}
		}

		var entry gptEntry
		off := (int(i) % entriesPerSector) * int(hdr.EntrySize)
		if err := restruct.Unpack(sector[off:off+int(hdr.EntrySize)], binary.LittleEndian, &entry); err != nil {
			return nil, checkpoint.Wrap(err, ErrBadPartitionTable)
		}

		// The used part of the array is contiguous; the first cleared
		// entry terminates it.
		if entry.FirstLBA == 0 {
			break scan
		}

		typeGUID := mixedEndianUUID(entry.TypeGUID)

		var fsType FsType
		active := false
		switch typeGUID {
		case guidESP, guidBDP:
			fsType = Fat
		case guidLinuxFs:
			fsType = Ext2
		case guidBIOSBoot:
			fsType = Fat
			active = true
		default:
			log.Debugf("skipping GPT partition %d with type %s", i, typeGUID)
			continue
		}

		vol, err := New(disk, entry.FirstLBA, entry.LastLBA-entry.FirstLBA, fsType)
		if err != nil {
			return nil, checkpoint.Wrap(err, ErrBadPartitionTable)
		}
		vol.Active = active
		vol.Partition = true

		log.Debugf("found GPT partition %d: %s", i, vol)
		volumes = append(volumes, vol)
	}

	return volumes, nil
}

func scanISO(disk block.Device) ([]*Volume, error) {
	sectorSize := disk.SectorSize()
	lba := uint64(isoProbeByteOffset / sectorSize)
	count := uint32(isoProbeLength / sectorSize)
	if count == 0 {
		count = 1
	}
	if lba+uint64(count) > disk.Sectors() {
		return nil, nil
	}

	buf := make([]byte, int(count)*sectorSize)
	if err := disk.ReadSectors(lba, count, buf); err != nil {
		return nil, checkpoint.From(err)
	}

	if !bytes.Equal(buf[isoMagicOffset:isoMagicOffset+len(isoMagic)], []byte(isoMagic)) {
		return nil, nil
	}

	vol, err := New(disk, 0, disk.Sectors(), Iso9660)
	if err != nil {
		return nil, checkpoint.From(err)
	}

	log.Debugf("found %s", vol)
	return []*Volume{vol}, nil
}

// mixedEndianUUID converts an on-disk GPT GUID, whose first three groups
// are little-endian, to an RFC 4122 UUID.
func mixedEndianUUID(b [16]byte) uuid.UUID {
	var u [16]byte
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return uuid.UUID(u)
}
