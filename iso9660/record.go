package iso9660

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-restruct/restruct"

	bootfs "github.com/bootkit/bootfs"
	"github.com/bootkit/bootfs/checkpoint"
)

// recordHeader is the fixed 33-byte head of a directory record. ISO 9660
// stores numeric fields in both byte orders; only the little-endian halves
// are used.
type recordHeader struct {
	Length     byte
	ExtAttrLen byte
	ExtentLE   uint32
	ExtentBE   uint32
	SizeLE     uint32
	SizeBE     uint32
	Recorded   [7]byte
	Flags      byte
	UnitSize   byte
	GapSize    byte
	VolSeqLE   uint16
	VolSeqBE   uint16
	NameLen    byte
}

const recordHeaderSize = 33

// Directory record flag bits.
const (
	flagNotExistent = 0x01
	flagDirectory   = 0x02
)

// Entry is one resolved directory record.
type Entry struct {
	// Name is the exposed name: the version suffix and any trailing dot
	// stripped, "." and ".." for the self and parent records.
	Name string

	// Extent is the first logical block of the entry's data.
	Extent uint32

	// Size is the data length in bytes.
	Size uint32

	// Dir is set for directories.
	Dir bool

	// Recorded is the recording timestamp.
	Recorded time.Time

	hidden bool
}

// parseRecord decodes the record at the start of raw and returns it along
// with its on-disk length. A zero first byte yields (nil, 0): the rest of
// the current block holds no further records.
func parseRecord(raw []byte) (*Entry, int, error) {
	if len(raw) < 1 || raw[0] == 0 {
		return nil, 0, nil
	}

	length := int(raw[0])
	if length < recordHeaderSize+1 || length > len(raw) {
		return nil, 0, checkpoint.Wrap(fmt.Errorf("directory record of %d bytes", length), bootfs.ErrCorruptFs)
	}

	var hdr recordHeader
	if err := restruct.Unpack(raw[:recordHeaderSize], binary.LittleEndian, &hdr); err != nil {
		return nil, 0, checkpoint.Wrap(err, bootfs.ErrCorruptFs)
	}

	nameLen := int(hdr.NameLen)
	if recordHeaderSize+nameLen > length {
		return nil, 0, checkpoint.Wrap(fmt.Errorf("name of %d bytes in a %d-byte record", nameLen, length), bootfs.ErrCorruptFs)
	}

	entry := &Entry{
		Extent:   hdr.ExtentLE + uint32(hdr.ExtAttrLen),
		Size:     hdr.SizeLE,
		Dir:      hdr.Flags&flagDirectory != 0,
		Recorded: parseRecordedTime(hdr.Recorded),
		hidden:   hdr.Flags&flagNotExistent != 0,
	}
	entry.Name = exposeName(raw[recordHeaderSize : recordHeaderSize+nameLen])

	return entry, length, nil
}

// exposeName converts on-disk name bytes to the visible name: the special
// bytes 0 and 1 are the self and parent records, the ";N" version suffix
// and a trailing dot of extension-less names are stripped.
func exposeName(raw []byte) string {
	if len(raw) == 1 {
		switch raw[0] {
		case 0:
			return "."
		case 1:
			return ".."
		}
	}

	name := string(raw)
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSuffix(name, ".")
}

// parseRecordedTime decodes the 7-byte recording timestamp: offsets from
// 1900 for the year, then month, day, hour, minute, second and a signed
// timezone offset in quarter hours.
func parseRecordedTime(raw [7]byte) time.Time {
	if raw[1] == 0 || raw[2] == 0 {
		return time.Time{}
	}

	tz := time.FixedZone("", int(int8(raw[6]))*15*60)
	return time.Date(1900+int(raw[0]), time.Month(raw[1]), int(raw[2]),
		int(raw[3]), int(raw[4]), int(raw[5]), 0, tz)
}

// scanDir walks the contiguous extent of dir one block at a time and calls
// visit for every existing record. visit returning true stops the scan. A
// zero record length skips to the next block boundary. Every record seen
// is added to the directory-entry cache.
func (fs *Fs) scanDir(dir *Entry, visit func(e *Entry) bool) error {
	buf := make([]byte, fs.blockSize)
	remaining := int64(dir.Size)

	for blockIndex := uint32(0); remaining > 0; blockIndex++ {
		if err := fs.readBlock(dir.Extent+blockIndex, buf); err != nil {
			return err
		}

		blockLen := len(buf)
		if remaining < int64(blockLen) {
			blockLen = int(remaining)
		}
		remaining -= int64(blockLen)

		for off := 0; off < blockLen; {
			entry, length, err := parseRecord(buf[off:blockLen])
			if err != nil {
				return err
			}
			if entry == nil {
				break
			}
			off += length

			if entry.hidden {
				continue
			}

			fs.dirCache.add(dir.Extent, *entry)
			if visit(entry) {
				return nil
			}
		}
	}

	return nil
}

// entryFileInfo exposes an Entry as an os.FileInfo.
type entryFileInfo struct {
	entry Entry
}

// FileInfo returns the entry's metadata.
func (e *Entry) FileInfo() os.FileInfo {
	return entryFileInfo{*e}
}

func (e entryFileInfo) Name() string { return e.entry.Name }
func (e entryFileInfo) Size() int64  { return int64(e.entry.Size) }

func (e entryFileInfo) Mode() os.FileMode {
	if e.entry.Dir {
		return os.ModeDir
	}
	return 0
}

func (e entryFileInfo) ModTime() time.Time { return e.entry.Recorded }
func (e entryFileInfo) IsDir() bool        { return e.entry.Dir }
func (e entryFileInfo) Sys() interface{}   { return e.entry }

// dirCache is the bounded directory-entry cache, keyed by the parent
// directory's extent and the exposed name. Eviction drops the oldest
// entry.
type dirCache struct {
	entries []dirCacheEntry
	max     int
}

type dirCacheEntry struct {
	parent uint32
	entry  Entry
}

func newDirCache(max int) *dirCache {
	return &dirCache{max: max}
}

func (c *dirCache) lookup(parent uint32, name string) *Entry {
	for i := range c.entries {
		if c.entries[i].parent == parent && c.entries[i].entry.Name == name {
			return &c.entries[i].entry
		}
	}
	return nil
}

func (c *dirCache) add(parent uint32, entry Entry) {
	for i := range c.entries {
		if c.entries[i].parent == parent && c.entries[i].entry.Name == entry.Name {
			c.entries[i].entry = entry
			return
		}
	}

	if len(c.entries) >= c.max {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, dirCacheEntry{parent: parent, entry: entry})
}
