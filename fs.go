package bootfs

import (
	"os"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bootkit/bootfs/checkpoint"
	"github.com/bootkit/bootfs/volume"
)

// maxOpenFiles bounds the open-file list of one filesystem. The stack runs
// in environments with fixed tables, so the bound is deliberate.
const maxOpenFiles = 64

// FileSystem is a mounted, read-only filesystem. It implements afero.Fs;
// every mutating method fails with syscall.EROFS.
type FileSystem struct {
	label string
	vol   *volume.Volume
	drv   Driver
	open  []*File
}

// Mount dispatches on the volume's filesystem tag and mounts the matching
// driver. A failed mount leaves no observable state behind.
func Mount(vol *volume.Volume, label string) (*FileSystem, error) {
	fn, err := driverFor(vol.Type)
	if err != nil {
		return nil, err
	}

	drv, err := fn(vol)
	if err != nil {
		return nil, checkpoint.From(err)
	}

	log.Debugf("mounted %s as %q (block size %d)", drv.Type(), label, drv.BlockSize())

	return &FileSystem{
		label: label,
		vol:   vol,
		drv:   drv,
	}, nil
}

// Unmount closes any file still open on the filesystem, then releases the
// driver state and the volume reference. The FileSystem must not be used
// afterwards.
func (fs *FileSystem) Unmount() error {
	for _, f := range fs.open {
		// Close mutates fs.open, so work on the snapshot.
		if err := f.closeHandle(); err != nil {
			log.Warnf("closing %q during unmount: %v", f.path, err)
		}
	}
	fs.open = nil

	err := fs.drv.Close()
	fs.drv = nil
	fs.vol = nil

	log.Debugf("unmounted %q", fs.label)
	return checkpoint.From(err)
}

// Type returns the driver's resolved filesystem variant.
func (fs *FileSystem) Type() volume.FsType {
	return fs.drv.Type()
}

// Label returns the volume label recorded on the filesystem, which is not
// the mount label.
func (fs *FileSystem) Label() string {
	return fs.drv.Label()
}

// BlockSize returns the filesystem's natural I/O unit in bytes.
func (fs *FileSystem) BlockSize() int {
	return fs.drv.BlockSize()
}

// Volume returns the volume the filesystem is mounted on.
func (fs *FileSystem) Volume() *volume.Volume {
	return fs.vol
}

// Open opens the file or directory at name.
func (fs *FileSystem) Open(name string) (afero.File, error) {
	info, err := fs.drv.Stat(name)
	if err != nil {
		return nil, checkpoint.From(err)
	}

	if len(fs.open) >= maxOpenFiles {
		return nil, checkpoint.Wrap(syscall.ENFILE, ErrResourceExhausted)
	}

	f := &File{
		fs:   fs,
		path: name,
		info: info,
	}

	if info.IsDir() {
		f.isDirectory = true
	} else {
		handle, err := fs.drv.Open(name)
		if err != nil {
			return nil, checkpoint.From(err)
		}

		f.handle = handle
		f.size = info.Size()
		f.blockBuf = make([]byte, fs.drv.BlockSize())
		f.bufBlock = -1
	}

	fs.open = append(fs.open, f)
	return f, nil
}

// OpenFile opens the file at name. Only os.O_RDONLY is supported; any
// write flag fails with syscall.EROFS.
func (fs *FileSystem) OpenFile(name string, flag int, _ os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, checkpoint.From(syscall.EROFS)
	}
	return fs.Open(name)
}

// Stat returns metadata for the file or directory at name.
func (fs *FileSystem) Stat(name string) (os.FileInfo, error) {
	info, err := fs.drv.Stat(name)
	return info, checkpoint.From(err)
}

// OpenDir starts an enumeration of the directory at name.
func (fs *FileSystem) OpenDir(name string) (*Dir, error) {
	entries, err := fs.drv.ReadDir(name)
	if err != nil {
		return nil, checkpoint.From(err)
	}
	return &Dir{entries: entries}, nil
}

// Name returns the mount label.
func (fs *FileSystem) Name() string {
	return fs.label
}

// dropFile removes f from the open-file list.
func (fs *FileSystem) dropFile(f *File) {
	for i := range fs.open {
		if fs.open[i] == f {
			fs.open = append(fs.open[:i], fs.open[i+1:]...)
			return
		}
	}
}

func (fs *FileSystem) Create(string) (afero.File, error)          { return nil, syscall.EROFS }
func (fs *FileSystem) Mkdir(string, os.FileMode) error            { return syscall.EROFS }
func (fs *FileSystem) MkdirAll(string, os.FileMode) error         { return syscall.EROFS }
func (fs *FileSystem) Remove(string) error                        { return syscall.EROFS }
func (fs *FileSystem) RemoveAll(string) error                     { return syscall.EROFS }
func (fs *FileSystem) Rename(string, string) error                { return syscall.EROFS }
func (fs *FileSystem) Chmod(string, os.FileMode) error            { return syscall.EROFS }
func (fs *FileSystem) Chown(string, int, int) error               { return syscall.EROFS }
func (fs *FileSystem) Chtimes(string, time.Time, time.Time) error { return syscall.EROFS }
