// Package bootfs is a read-only virtual filesystem layer for boot media.
// Filesystem drivers register themselves for the volume tags they can
// mount; the core dispatches Mount over the registry, hands out file
// handles backed by a per-file block buffer, and publishes volumes and
// mounted filesystems under a stable object namespace.
package bootfs

import (
	"fmt"
	"os"

	"github.com/bootkit/bootfs/checkpoint"
	"github.com/bootkit/bootfs/volume"
)

// Driver is a mounted filesystem as the core sees it. It deals in paths
// and whole blocks only; byte-level positioning lives in File.
//
// Open returns a handle for a regular file and ErrIsADirectory for a
// directory. Stat and ReadDir accept both.
type Driver interface {
	// Type returns the resolved filesystem variant. It may be more
	// precise than the tag the volume declared, e.g. Fat16 for Fat.
	Type() volume.FsType

	// Label returns the volume label, if the filesystem records one.
	Label() string

	// BlockSize returns the driver's natural I/O unit in bytes: the
	// cluster size on FAT, the logical block size on ISO 9660.
	BlockSize() int

	// Open resolves path to a regular file.
	Open(path string) (Handle, error)

	// Stat resolves path to its metadata.
	Stat(path string) (os.FileInfo, error)

	// ReadDir enumerates the children of the directory at path.
	ReadDir(path string) ([]os.FileInfo, error)

	// Close releases the driver state. Open handles are closed by the
	// core first.
	Close() error
}

// Handle is an open file inside a driver: enough state to materialize any
// block of the file. Positions and partial-block reads are the core's
// business.
type Handle interface {
	// ReadBlock fills buf, which is BlockSize bytes, with the block at
	// the given index within the file and returns the number of valid
	// bytes. Only the final block of a file may be short.
	ReadBlock(index int64, buf []byte) (int, error)

	// Info returns the file's metadata.
	Info() os.FileInfo

	// Close releases the handle's driver state.
	Close() error
}

// DriverFunc mounts a filesystem on vol.
type DriverFunc func(vol *volume.Volume) (Driver, error)

var drivers = map[volume.FsType]DriverFunc{}

// RegisterDriver makes a driver available for the given volume tags.
// Drivers call it from init; a later registration for the same tag wins.
func RegisterDriver(fn DriverFunc, tags ...volume.FsType) {
	for _, tag := range tags {
		drivers[tag] = fn
	}
}

func driverFor(tag volume.FsType) (DriverFunc, error) {
	fn, ok := drivers[tag]
	if !ok {
		return nil, checkpoint.Wrap(fmt.Errorf("no driver for volume tag %s", tag), ErrUnsupportedFs)
	}
	return fn, nil
}
