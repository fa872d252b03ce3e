// Package iso9660 mounts ISO 9660 volumes read-only. Only the primary
// volume descriptor is consulted; files are contiguous extents, so block
// reads are a single address computation.
package iso9660

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	bootfs "github.com/bootkit/bootfs"
	"github.com/bootkit/bootfs/checkpoint"
	"github.com/bootkit/bootfs/volume"
)

func init() {
	bootfs.RegisterDriver(func(vol *volume.Volume) (bootfs.Driver, error) {
		return Mount(vol)
	}, volume.Iso9660)
}

const (
	// Volume descriptors start at byte offset 16 * 2048 regardless of
	// the block size the PVD later declares.
	descriptorSize  = 2048
	firstDescriptor = 16

	descriptorTypePrimary    = 1
	descriptorTypeTerminator = 255

	descriptorMagic = "CD001"

	// PVD field offsets.
	pvdVolumeID    = 40
	pvdVolumeSize  = 80
	pvdBlockSize   = 128
	pvdRootRecord  = 156

	// maxDescriptors bounds the descriptor scan.
	maxDescriptors = 64
)

// Options tune the bounded directory-entry cache.
type Options struct {
	DirCacheEntries int
}

// DefaultOptions are used by Mount.
var DefaultOptions = Options{DirCacheEntries: 64}

// Fs is a mounted ISO 9660 filesystem. It implements the VFS driver
// contract.
type Fs struct {
	vol       *volume.Volume
	label     string
	blockSize int

	// sectorsPerBlock translates logical blocks to device sectors.
	sectorsPerBlock uint32

	root     Entry
	dirCache *dirCache
}

// Mount scans for the primary volume descriptor and mounts vol with
// DefaultOptions.
func Mount(vol *volume.Volume) (*Fs, error) {
	return MountWithOptions(vol, DefaultOptions)
}

// MountWithOptions scans the descriptor area from logical block 16 until
// the primary volume descriptor is found. A terminator before the PVD
// fails the mount; a descriptor without the CD001 magic means the volume
// is not ISO 9660 at all.
func MountWithOptions(vol *volume.Volume, opts Options) (*Fs, error) {
	sectorSize := vol.SectorSize()
	if descriptorSize%sectorSize != 0 {
		return nil, checkpoint.Wrap(
			fmt.Errorf("sector size %d does not divide descriptors", sectorSize), bootfs.ErrUnsupportedFs)
	}
	sectorsPerDesc := uint32(descriptorSize / sectorSize)

	desc := make([]byte, descriptorSize)
	for i := 0; i < maxDescriptors; i++ {
		lba := uint64(firstDescriptor+i) * uint64(sectorsPerDesc)
		if err := vol.ReadSectors(lba, sectorsPerDesc, desc); err != nil {
			return nil, checkpoint.From(err)
		}

		if string(desc[1:6]) != descriptorMagic {
			return nil, checkpoint.Wrap(fmt.Errorf("descriptor %d has no CD001 magic", i), bootfs.ErrUnsupportedFs)
		}

		switch desc[0] {
		case descriptorTypePrimary:
			return mountPVD(vol, desc, opts)
		case descriptorTypeTerminator:
			return nil, checkpoint.Wrap(fmt.Errorf("descriptor set ends before a PVD"), bootfs.ErrCorruptFs)
		}
	}

	return nil, checkpoint.Wrap(fmt.Errorf("no PVD within %d descriptors", maxDescriptors), bootfs.ErrCorruptFs)
}

func mountPVD(vol *volume.Volume, desc []byte, opts Options) (*Fs, error) {
	blockSize := int(binary.LittleEndian.Uint16(desc[pvdBlockSize:]))
	if blockSize <= 0 || blockSize%vol.SectorSize() != 0 {
		return nil, checkpoint.Wrap(
			fmt.Errorf("PVD block size %d is no multiple of the sector size %d", blockSize, vol.SectorSize()),
			bootfs.ErrCorruptFs)
	}

	root, _, err := parseRecord(desc[pvdRootRecord:])
	if err != nil {
		return nil, err
	}
	if !root.Dir {
		return nil, checkpoint.Wrap(fmt.Errorf("PVD root record is not a directory"), bootfs.ErrCorruptFs)
	}
	root.Name = "/"

	if opts.DirCacheEntries <= 0 {
		opts.DirCacheEntries = DefaultOptions.DirCacheEntries
	}

	return &Fs{
		vol:             vol,
		label:           strings.TrimRight(string(desc[pvdVolumeID:pvdVolumeID+32]), " "),
		blockSize:       blockSize,
		sectorsPerBlock: uint32(blockSize / vol.SectorSize()),
		root:            *root,
		dirCache:        newDirCache(opts.DirCacheEntries),
	}, nil
}

// Type returns the volume tag of the driver.
func (fs *Fs) Type() volume.FsType {
	return volume.Iso9660
}

// Label returns the volume identifier from the PVD.
func (fs *Fs) Label() string {
	return fs.label
}

// BlockSize returns the PVD's logical block size in bytes.
func (fs *Fs) BlockSize() int {
	return fs.blockSize
}

// Close drops the driver state. Open handles are closed by the VFS core
// before it calls Close.
func (fs *Fs) Close() error {
	fs.vol = nil
	fs.dirCache = nil
	return nil
}

// readBlock reads the logical block at lba into buf, which is blockSize
// bytes.
func (fs *Fs) readBlock(lba uint32, buf []byte) error {
	return checkpoint.From(fs.vol.ReadSectors(uint64(lba)*uint64(fs.sectorsPerBlock), fs.sectorsPerBlock, buf))
}

// Open resolves path to a regular file and returns a block-read handle.
func (fs *Fs) Open(path string) (bootfs.Handle, error) {
	entry, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}

	if entry.Dir {
		return nil, checkpoint.Wrap(fmt.Errorf("%q resolves to a directory", path), bootfs.ErrIsADirectory)
	}

	return &handle{fs: fs, entry: *entry}, nil
}

// Stat resolves path to its metadata.
func (fs *Fs) Stat(path string) (os.FileInfo, error) {
	entry, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	return entry.FileInfo(), nil
}

// ReadDir enumerates the children of the directory at path. The "." and
// ".." records are not reported.
func (fs *Fs) ReadDir(path string) ([]os.FileInfo, error) {
	entry, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if !entry.Dir {
		return nil, checkpoint.Wrap(fmt.Errorf("%q is a file", path), bootfs.ErrNotADirectory)
	}

	var infos []os.FileInfo
	err = fs.scanDir(entry, func(e *Entry) bool {
		if e.Name != "." && e.Name != ".." {
			infos = append(infos, e.FileInfo())
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	return infos, nil
}

// resolve walks path component by component from the root directory.
// Comparison is case-sensitive byte equality against the exposed names;
// "." and ".." are matched structurally, with ".." at the root resolving
// to the root.
func (fs *Fs) resolve(path string) (*Entry, error) {
	components, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	stack := []Entry{fs.root}

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

		cur := &stack[len(stack)-1]
		entry, err := fs.lookup(cur, comp)
		if err != nil {
			return nil, err
		}

		if i < len(components)-1 && !entry.Dir {
			return nil, checkpoint.Wrap(fmt.Errorf("%q is not a directory", comp), bootfs.ErrNotADirectory)
		}

		stack = append(stack, *entry)
	}

	top := stack[len(stack)-1]
	return &top, nil
}

// lookup finds comp in dir, trying the directory-entry cache before
// scanning the extent.
func (fs *Fs) lookup(dir *Entry, comp string) (*Entry, error) {
	if e := fs.dirCache.lookup(dir.Extent, comp); e != nil {
		return e, nil
	}

	var found *Entry
	err := fs.scanDir(dir, func(e *Entry) bool {
		if e.Name == comp {
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
		if len(comp) > 255 {
			return nil, checkpoint.Wrap(fmt.Errorf("component of %d bytes", len(comp)), bootfs.ErrNameTooLong)
		}
		components = append(components, comp)
	}
	return components, nil
}
