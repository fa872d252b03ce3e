// Package fat mounts FAT12, FAT16 and FAT32 volumes read-only. The variant
// is resolved from the cluster count at mount; files are streamed cluster
// by cluster through the VFS core's block engine.
package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"time"

	bootfs "github.com/bootkit/bootfs"
	"github.com/bootkit/bootfs/checkpoint"
	"github.com/bootkit/bootfs/volume"
)

func init() {
	bootfs.RegisterDriver(func(vol *volume.Volume) (bootfs.Driver, error) {
		return Mount(vol)
	}, volume.Fat, volume.Fat12, volume.Fat16, volume.Fat32)
}

// Options tune the bounded caches of a mount.
type Options struct {
	// FATCacheSectors is the number of FAT sectors kept in memory,
	// preallocated at mount.
	FATCacheSectors int

	// DirCacheEntries bounds the directory-entry cache.
	DirCacheEntries int
}

// DefaultOptions are used by Mount.
var DefaultOptions = Options{
	FATCacheSectors: 8,
	DirCacheEntries: 64,
}

// Fs is a mounted FAT filesystem. It implements the VFS driver contract.
type Fs struct {
	vol     *volume.Volume
	variant Variant
	label   string

	sectorSize        uint32
	sectorsPerCluster uint32
	clusterSize       int
	totalSectors      uint32
	clusterCount      uint32

	// Volume-relative layout, all in sectors.
	fatBase         uint64
	fatSize         uint64
	dataBase        uint64
	rootStartSector uint64 // FAT12/16: linear root directory run
	rootDirSectors  uint64
	rootCluster     fatEntry // FAT32: root directory chain

	fatCache *sectorCache
	dirCache *dirCache
}

// Mount reads the BPB of vol and mounts it with DefaultOptions.
func Mount(vol *volume.Volume) (*Fs, error) {
	return MountWithOptions(vol, DefaultOptions)
}

// MountWithOptions reads the BPB of vol, resolves the FAT variant from the
// cluster count and prepares the caches. A failed mount leaves no state
// behind.
func MountWithOptions(vol *volume.Volume, opts Options) (*Fs, error) {
	sector0 := make([]byte, vol.SectorSize())
	if err := vol.ReadSectors(0, 1, sector0); err != nil {
		return nil, checkpoint.From(err)
	}

	if len(sector0) < 512 || sector0[510] != 0x55 || sector0[511] != 0xAA {
		return nil, checkpoint.Wrap(fmt.Errorf("missing 0xAA55 boot signature"), bootfs.ErrCorruptFs)
	}

	var bpb BPB
	if err := binary.Read(bytes.NewReader(sector0), binary.LittleEndian, &bpb); err != nil {
		return nil, checkpoint.Wrap(err, bootfs.ErrCorruptFs)
	}

	if int(bpb.BytesPerSector) != vol.SectorSize() {
		return nil, checkpoint.Wrap(
			fmt.Errorf("BPB sector size %d != device sector size %d", bpb.BytesPerSector, vol.SectorSize()),
			bootfs.ErrCorruptFs)
	}
	if bpb.SectorsPerCluster == 0 || bpb.SectorsPerCluster&(bpb.SectorsPerCluster-1) != 0 {
		return nil, checkpoint.Wrap(fmt.Errorf("invalid sectors per cluster %d", bpb.SectorsPerCluster), bootfs.ErrCorruptFs)
	}
	if bpb.ReservedSectorCount == 0 || bpb.NumFATs == 0 {
		return nil, checkpoint.Wrap(fmt.Errorf("invalid reserved sector or FAT count"), bootfs.ErrCorruptFs)
	}

	fs := &Fs{
		vol:               vol,
		sectorSize:        uint32(bpb.BytesPerSector),
		sectorsPerCluster: uint32(bpb.SectorsPerCluster),
		clusterSize:       int(bpb.BytesPerSector) * int(bpb.SectorsPerCluster),
	}

	fs.totalSectors = uint32(bpb.TotalSectors16)
	if fs.totalSectors == 0 {
		fs.totalSectors = bpb.TotalSectors32
	}

	fatSize := uint64(bpb.FATSize16)

	var f32 FAT32SpecificData
	if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &f32); err != nil {
		return nil, checkpoint.Wrap(err, bootfs.ErrCorruptFs)
	}
	if fatSize == 0 {
		fatSize = uint64(f32.FATSize)
	}
	if fatSize == 0 || fs.totalSectors == 0 {
		return nil, checkpoint.Wrap(fmt.Errorf("zero FAT size or total sector count"), bootfs.ErrCorruptFs)
	}

	fs.fatBase = uint64(bpb.ReservedSectorCount)
	fs.fatSize = fatSize
	fs.rootDirSectors = (uint64(bpb.RootEntryCount)*entrySize + uint64(fs.sectorSize) - 1) / uint64(fs.sectorSize)
	fs.rootStartSector = fs.fatBase + uint64(bpb.NumFATs)*fatSize
	fs.dataBase = fs.rootStartSector + fs.rootDirSectors

	if fs.dataBase >= uint64(fs.totalSectors) {
		return nil, checkpoint.Wrap(fmt.Errorf("data region starts at sector %d of %d", fs.dataBase, fs.totalSectors), bootfs.ErrCorruptFs)
	}
	dataSectors := uint64(fs.totalSectors) - fs.dataBase
	fs.clusterCount = uint32(dataSectors / uint64(fs.sectorsPerCluster))

	switch {
	case bpb.RootEntryCount == 0:
		// A zero root-entry count is the FAT32 marker regardless of the
		// cluster count.
		fs.variant = FAT32
	case fs.clusterCount < fat12MaxClusters:
		fs.variant = FAT12
	case fs.clusterCount < fat16MaxClusters:
		fs.variant = FAT16
	default:
		fs.variant = FAT32
	}

	if fs.variant == FAT32 {
		fs.rootCluster = fatEntry(f32.RootCluster)
		fs.rootDirSectors = 0
		fs.label = volumeLabel(f32.BSBootSignature, f32.BSVolumeLabel)
	} else {
		var f16 FAT16SpecificData
		if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &f16); err != nil {
			return nil, checkpoint.Wrap(err, bootfs.ErrCorruptFs)
		}
		fs.label = volumeLabel(f16.BSBootSignature, f16.BSVolumeLabel)
	}

	if opts.FATCacheSectors <= 0 {
		opts.FATCacheSectors = DefaultOptions.FATCacheSectors
	}
	if opts.DirCacheEntries <= 0 {
		opts.DirCacheEntries = DefaultOptions.DirCacheEntries
	}

	fs.fatCache = newSectorCache(opts.FATCacheSectors, int(fs.sectorSize))
	fs.dirCache = newDirCache(opts.DirCacheEntries)

	return fs, nil
}

// volumeLabel returns the BPB label if the extended boot signature marks
// it as present.
func volumeLabel(bootSignature byte, label [11]byte) string {
	if bootSignature != 0x29 {
		return ""
	}
	return strings.TrimRight(string(label[:]), " ")
}

// Type returns the resolved FAT variant as a volume tag.
func (fs *Fs) Type() volume.FsType {
	switch fs.variant {
	case FAT12:
		return volume.Fat12
	case FAT16:
		return volume.Fat16
	default:
		return volume.Fat32
	}
}

// Label returns the volume label from the BPB.
func (fs *Fs) Label() string {
	return fs.label
}

// BlockSize returns the cluster size in bytes.
func (fs *Fs) BlockSize() int {
	return fs.clusterSize
}

// Variant returns the resolved FAT width.
func (fs *Fs) Variant() Variant {
	return fs.variant
}

// Close drops the caches. Open handles are closed by the VFS core before
// it calls Close.
func (fs *Fs) Close() error {
	fs.fatCache = nil
	fs.dirCache = nil
	fs.vol = nil
	return nil
}

// rootKey is the directory-cache key of the root directory: cluster 0 for
// the linear FAT12/16 root, the root cluster on FAT32.
func (fs *Fs) rootKey() fatEntry {
	if fs.variant == FAT32 {
		return fs.rootCluster
	}
	return 0
}

// clusterToSector converts a data cluster to its first volume-relative
// sector. Clusters 0 and 1 are reserved.
func (fs *Fs) clusterToSector(c fatEntry) (uint64, error) {
	if c < 2 || uint32(c-2) >= fs.clusterCount {
		return 0, checkpoint.Wrap(fmt.Errorf("cluster %d out of range", c), bootfs.ErrCorruptFs)
	}
	return fs.dataBase + uint64(c-2)*uint64(fs.sectorsPerCluster), nil
}

// readCluster reads a whole data cluster into buf.
func (fs *Fs) readCluster(c fatEntry, buf []byte) error {
	lba, err := fs.clusterToSector(c)
	if err != nil {
		return err
	}
	return checkpoint.From(fs.vol.ReadSectors(lba, fs.sectorsPerCluster, buf))
}

// Open resolves path to a regular file and returns a block-read handle.
func (fs *Fs) Open(path string) (bootfs.Handle, error) {
	res, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}

	if res.root || res.entry.isDirectory() {
		return nil, checkpoint.Wrap(fmt.Errorf("%q resolves to a directory", path), bootfs.ErrIsADirectory)
	}

	return &handle{
		fs:        fs,
		start:     res.entry.firstCluster(fs.variant),
		size:      int64(res.entry.FileSize),
		info:      res.entry.FileInfo(),
		hintIndex: -1,
	}, nil
}

// Stat resolves path to its metadata. The root directory reports a
// synthetic entry.
func (fs *Fs) Stat(path string) (os.FileInfo, error) {
	res, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}

	if res.root {
		return rootInfo{}, nil
	}
	return res.entry.FileInfo(), nil
}

// ReadDir enumerates the children of the directory at path. The "." and
// ".." records are not reported.
func (fs *Fs) ReadDir(path string) ([]os.FileInfo, error) {
	res, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}

	key := fs.rootKey()
	if !res.root {
		if !res.entry.isDirectory() {
			return nil, checkpoint.Wrap(fmt.Errorf("%q is a file", path), bootfs.ErrNotADirectory)
		}
		key = fs.dirKey(res.entry.firstCluster(fs.variant))
	}

	var infos []os.FileInfo
	err = fs.scanDir(key, func(e *ExtendedEntryHeader) bool {
		if !isDotEntry(&e.EntryHeader) {
			infos = append(infos, e.FileInfo())
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	return infos, nil
}

// dirKey maps a directory's first cluster to its cache key. A ".." record
// pointing at the root stores cluster 0, which is also the linear-root key
// on FAT12/16; on FAT32 it maps to the root cluster.
func (fs *Fs) dirKey(first fatEntry) fatEntry {
	if first == 0 {
		return fs.rootKey()
	}
	return first
}

// resolved is the outcome of a path walk.
type resolved struct {
	root   bool
	parent fatEntry
	entry  ExtendedEntryHeader
}

// resolve walks path component by component from the root. "." and ".."
// are matched structurally, never against directory records; ".." at the
// root resolves to the root.
func (fs *Fs) resolve(path string) (*resolved, error) {
	components, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	type level struct {
		key   fatEntry
		entry ExtendedEntryHeader
	}
	stack := []level{{key: fs.rootKey()}}

	for i, comp := range components {
		switch comp {
		case ".":
			continue
		case "..":
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		cur := stack[len(stack)-1]
		entry, err := fs.lookup(cur.key, comp)
		if err != nil {
			return nil, err
		}

		if i < len(components)-1 && !entry.isDirectory() {
			return nil, checkpoint.Wrap(fmt.Errorf("%q is not a directory", comp), bootfs.ErrNotADirectory)
		}

		next := level{key: cur.key, entry: *entry}
		if entry.isDirectory() {
			next.key = fs.dirKey(entry.firstCluster(fs.variant))
		}
		stack = append(stack, next)
	}

	if len(stack) == 1 {
		return &resolved{root: true}, nil
	}

	return &resolved{
		parent: stack[len(stack)-2].key,
		entry:  stack[len(stack)-1].entry,
	}, nil
}

// lookup finds comp in the directory keyed by parent, trying the
// directory-entry cache before scanning.
func (fs *Fs) lookup(parent fatEntry, comp string) (*ExtendedEntryHeader, error) {
	if e := fs.dirCache.lookup(parent, comp); e != nil {
		return e, nil
	}

	shortName, shortOK := shortNameFromComponent(comp)

	var found *ExtendedEntryHeader
	err := fs.scanDir(parent, func(e *ExtendedEntryHeader) bool {
		if isDotEntry(&e.EntryHeader) {
			return false
		}
		if e.ExtendedName != "" && e.ExtendedName == comp {
			found = e
			return true
		}
		if shortOK && e.Name == shortName {
			found = e
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, checkpoint.Wrap(fmt.Errorf("no entry %q", comp), bootfs.ErrNotFound)
	}
	return found, nil
}

// splitPath splits a slash-separated path into components. Empty
// components collapse, so "//a/" equals "/a".
func splitPath(path string) ([]string, error) {
	var components []string
	for _, comp := range strings.Split(path, "/") {
		if comp == "" {
			continue
		}
		if len(comp) > maxNameLen {
			return nil, checkpoint.Wrap(fmt.Errorf("component of %d bytes", len(comp)), bootfs.ErrNameTooLong)
		}
		components = append(components, comp)
	}
	return components, nil
}

// rootInfo is the synthetic metadata of the root directory.
type rootInfo struct{}

func (rootInfo) Name() string      { return "/" }
func (rootInfo) Size() int64       { return 0 }
func (rootInfo) Mode() os.FileMode { return os.ModeDir }
func (rootInfo) ModTime() time.Time {
	return time.Time{}
}
func (rootInfo) IsDir() bool      { return true }
func (rootInfo) Sys() interface{} { return nil }
