// File model contains the structs which match the on-disk structures of
// the FAT filesystem family.

package fat

// BPB is the BIOS parameter block at the start of a FAT volume. The last
// 54 bytes differ between FAT12/16 and FAT32 and are decoded separately.
type BPB struct {
	BSJumpBoot          [3]byte
	BSOEMName           [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   byte
	ReservedSectorCount uint16
	NumFATs             byte
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               byte
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
	FATSpecificData     [54]byte
}

// FAT16SpecificData is the tail of the BPB on FAT12 and FAT16.
type FAT16SpecificData struct {
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// FAT32SpecificData is the tail of the BPB on FAT32.
type FAT32SpecificData struct {
	FATSize          uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfo           uint16
	BkBootSector     uint16
	Reserved         [12]byte
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// EntryHeader is one 32-byte directory record.
type EntryHeader struct {
	Name            [11]byte
	Attribute       byte
	NTReserved      byte
	CreateTimeTenth byte
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// LongFilenameEntry is a directory record carrying 13 UTF-16 code units of
// a long name. A chain of them precedes the short record it belongs to.
type LongFilenameEntry struct {
	Sequence  byte
	First     [5]uint16
	Attribute byte
	EntryType byte
	Checksum  byte
	Second    [6]uint16
	Zero      [2]byte
	Third     [2]uint16
}

// ExtendedEntryHeader pairs a raw directory record with its resolved long
// name, if the record had an LFN chain.
type ExtendedEntryHeader struct {
	EntryHeader
	ExtendedName string
}

// Directory record attribute bits.
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = 0x0F
)

const (
	// entrySize is the size of one directory record.
	entrySize = 32

	// entryFree marks a deleted record, entryEndOfDir the end of the
	// whole directory.
	entryFree     = 0xE5
	entryEndOfDir = 0x00

	// lfnLastMask flags the final chunk of a long name; the low bits are
	// the 1-based sequence number.
	lfnLastMask = 0x40
	lfnSeqMask  = 0x3F

	// lfnChunkLen is the number of UTF-16 code units per LFN record,
	// split 5+6+2 over the three name slices.
	lfnChunkLen = 13

	// maxNameLen bounds an assembled long name.
	maxNameLen = 255
)

// firstCluster combines the two 16-bit halves of a record's start cluster.
// The high half is only meaningful on FAT32.
func (e *EntryHeader) firstCluster(variant Variant) fatEntry {
	if variant == FAT32 {
		return fatEntry(e.FirstClusterHI)<<16 | fatEntry(e.FirstClusterLO)
	}
	return fatEntry(e.FirstClusterLO)
}

func (e *EntryHeader) isDirectory() bool {
	return e.Attribute&attrDirectory != 0
}
