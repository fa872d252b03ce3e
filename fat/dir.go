package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	bootfs "github.com/bootkit/bootfs"
	"github.com/bootkit/bootfs/checkpoint"
)

// scanDir walks every record of the directory keyed by parent and calls
// visit for each logical entry, an LFN chain folded into its short record.
// visit returning true stops the scan early. Every entry seen is added to
// the directory-entry cache.
//
// The FAT12/16 root is a linear sector run; every other directory is a
// cluster chain.
func (fs *Fs) scanDir(parent fatEntry, visit func(e *ExtendedEntryHeader) bool) error {
	scan := &dirScan{fs: fs, parent: parent, visit: visit}

	if parent == 0 && fs.variant != FAT32 {
		buf := make([]byte, fs.sectorSize)
		for i := uint64(0); i < fs.rootDirSectors; i++ {
			if err := fs.vol.ReadSectors(fs.rootStartSector+i, 1, buf); err != nil {
				return checkpoint.From(err)
			}
			done, err := scan.block(buf)
			if done || err != nil {
				return err
			}
		}
		return nil
	}

	buf := make([]byte, fs.clusterSize)
	cluster := fs.dirKey(parent)

	// A directory's length is not recorded, so bound the chain by the
	// cluster count to survive a cycle.
	for hops := uint32(0); hops <= fs.clusterCount; hops++ {
		if err := fs.readCluster(cluster, buf); err != nil {
			return err
		}
		done, err := scan.block(buf)
		if done || err != nil {
			return err
		}

		next, err := fs.nextCluster(cluster)
		if err != nil {
			return err
		}
		if fs.isBad(next) {
			return checkpoint.Wrap(fmt.Errorf("bad cluster after %d in directory chain", cluster), bootfs.ErrCorruptFs)
		}
		if fs.isEOF(next) {
			return nil
		}
		cluster = next
	}

	return checkpoint.Wrap(fmt.Errorf("directory chain does not terminate"), bootfs.ErrCorruptFs)
}

// dirScan carries record iteration state across blocks, so an LFN chain
// that spans a cluster boundary is assembled from private copies of its
// records rather than from the block buffer.
type dirScan struct {
	fs     *Fs
	parent fatEntry
	visit  func(e *ExtendedEntryHeader) bool
	lfn    []LongFilenameEntry
}

// block iterates the 32-byte records of one directory block. It reports
// done when the end-of-directory marker was seen or visit stopped the
// scan.
func (s *dirScan) block(buf []byte) (done bool, err error) {
	for off := 0; off+entrySize <= len(buf); off += entrySize {
		record := buf[off : off+entrySize]

		switch record[0] {
		case entryEndOfDir:
			return true, nil
		case entryFree:
			s.lfn = s.lfn[:0]
			continue
		}

		if record[11] == attrLongName {
			var lfn LongFilenameEntry
			if err := binary.Read(bytes.NewReader(record), binary.LittleEndian, &lfn); err != nil {
				return false, checkpoint.Wrap(err, bootfs.ErrCorruptFs)
			}
			s.lfn = append(s.lfn, lfn)
			continue
		}

		if record[11]&(attrVolumeID|attrHidden) != 0 {
			s.lfn = s.lfn[:0]
			continue
		}

		entry := ExtendedEntryHeader{}
		if err := binary.Read(bytes.NewReader(record), binary.LittleEndian, &entry.EntryHeader); err != nil {
			return false, checkpoint.Wrap(err, bootfs.ErrCorruptFs)
		}

		entry.ExtendedName, err = assembleLongName(s.lfn)
		if err != nil {
			return false, err
		}
		s.lfn = s.lfn[:0]

		s.fs.dirCache.add(s.parent, entry)
		if s.visit(&entry) {
			return true, nil
		}
	}

	return false, nil
}

// assembleLongName folds an LFN chain into its name. Records carry their
// 1-based position in the sequence byte, so the chain is assembled by
// position regardless of on-disk order. An inconsistent chain is dropped
// silently, matching the usual reaction of FAT implementations to orphan
// LFN records.
func assembleLongName(records []LongFilenameEntry) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	name := make([]byte, len(records)*lfnChunkLen)
	seen := make([]bool, len(records))

	for _, r := range records {
		seq := int(r.Sequence & lfnSeqMask)
		if seq < 1 || seq > len(records) || seen[seq-1] {
			return "", nil
		}
		seen[seq-1] = true

		chunk := make([]uint16, 0, lfnChunkLen)
		chunk = append(chunk, r.First[:]...)
		chunk = append(chunk, r.Second[:]...)
		chunk = append(chunk, r.Third[:]...)

		for i, unit := range chunk {
			switch unit {
			case 0x0000, 0xFFFF:
				// Terminator and padding both leave the byte zero.
			default:
				// Code units are truncated to 8 bits.
				name[(seq-1)*lfnChunkLen+i] = byte(unit)
			}
		}
	}

	trimmed := bytes.TrimRight(name, "\x00")
	if len(trimmed) > maxNameLen {
		return "", checkpoint.Wrap(fmt.Errorf("long name of %d bytes", len(trimmed)), bootfs.ErrNameTooLong)
	}

	return string(trimmed), nil
}

// isDotEntry reports whether a record is "." or "..".
func isDotEntry(e *EntryHeader) bool {
	return e.Name == dotName || e.Name == dotDotName
}

var (
	dotName    = [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dotDotName = [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
)

// shortNameFromComponent converts a path component to the 11-byte 8.3 form
// used for comparison against records without a long name: upper-cased
// ASCII, invalid bytes replaced by '_', name and extension padded with
// spaces. ok is false when the component cannot be expressed in 8.3.
func shortNameFromComponent(comp string) (name [11]byte, ok bool) {
	base, ext := comp, ""
	if i := strings.LastIndexByte(comp, '.'); i >= 0 {
		base, ext = comp[:i], comp[i+1:]
	}

	if base == "" || len(base) > 8 || len(ext) > 3 {
		return name, false
	}

	for i := range name {
		name[i] = ' '
	}
	for i := 0; i < len(base); i++ {
		name[i] = shortNameByte(base[i])
	}
	for i := 0; i < len(ext); i++ {
		name[8+i] = shortNameByte(ext[i])
	}

	return name, true
}

func shortNameByte(b byte) byte {
	switch {
	case b >= 'a' && b <= 'z':
		return b - 'a' + 'A'
	case b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return b
	case b == '!' || b == '#' || b == '$' || b == '%' || b == '&' || b == '\'' ||
		b == '(' || b == ')' || b == '-' || b == '@' || b == '^' || b == '_' ||
		b == '`' || b == '{' || b == '}' || b == '~':
		return b
	case b >= 0x80:
		return b
	default:
		return '_'
	}
}

// dirCache is the bounded directory-entry cache, consulted before any
// directory scan. It holds values only; eviction drops the oldest entry.
type dirCache struct {
	entries []dirCacheEntry
	max     int
}

type dirCacheEntry struct {
	parent fatEntry
	entry  ExtendedEntryHeader
}

func newDirCache(max int) *dirCache {
	return &dirCache{max: max}
}

// lookup finds a cached entry of the directory keyed by parent matching
// comp: byte-equal against the long name, or equal to the component's 8.3
// form against the raw record name.
func (c *dirCache) lookup(parent fatEntry, comp string) *ExtendedEntryHeader {
	shortName, shortOK := shortNameFromComponent(comp)

	for i := range c.entries {
		if c.entries[i].parent != parent {
			continue
		}
		e := &c.entries[i].entry
		if e.ExtendedName != "" && e.ExtendedName == comp {
			return e
		}
		if shortOK && e.Name == shortName {
			return e
		}
	}
	return nil
}

// add inserts an entry unless an equal one is already cached.
func (c *dirCache) add(parent fatEntry, entry ExtendedEntryHeader) {
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
