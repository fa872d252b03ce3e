package bootfs

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/spf13/afero"

	"github.com/bootkit/bootfs/checkpoint"
)

// These errors may occur while processing a file.
var (
	ErrReadFile = fmt.Errorf("could not read file")
	ErrSeekFile = fmt.Errorf("could not seek inside of the file")
	ErrReadDir  = fmt.Errorf("could not read the directory")
)

// File is an open file or directory on a mounted filesystem. It implements
// afero.File. A regular file owns one block buffer of the filesystem's
// block size; the buffer is allocated on open and dropped on close.
//
// File is the only place byte counts are interpreted: the driver behind
// handle deals in whole blocks.
type File struct {
	fs   *FileSystem
	path string

	isDirectory bool
	info        os.FileInfo
	handle      Handle

	size   int64
	offset int64

	// blockBuf holds the block bufBlock of the file; bufBlock is -1 while
	// no block is buffered. bufLen is the valid byte count, short only
	// for the final block.
	blockBuf []byte
	bufBlock int64
	bufLen   int

	// dir holds the enumeration state once Readdir has started.
	dir *Dir
}

// Read copies bytes from the current position. At or past the end of the
// file it reads zero bytes and reports io.EOF.
func (f *File) Read(p []byte) (n int, err error) {
	n, err = f.readAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// ReadAt copies bytes from the given position without moving the file
// position. It shares the file's block buffer.
func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	return f.readAt(p, off)
}

// readAt is the block-buffered read engine. It copies up to len(p) bytes
// starting at off, asking the driver for one whole block at a time.
func (f *File) readAt(p []byte, off int64) (int, error) {
	if f.fs == nil {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrReadFile)
	}
	if f.isDirectory {
		return 0, checkpoint.Wrap(ErrIsADirectory, ErrReadFile)
	}
	if off >= f.size {
		return 0, io.EOF
	}

	blockSize := int64(len(f.blockBuf))
	copied := 0

	for copied < len(p) && off < f.size {
		index := off / blockSize
		inBlock := off % blockSize

		if f.bufBlock != index {
			valid, err := f.handle.ReadBlock(index, f.blockBuf)
			if err != nil {
				f.bufBlock = -1
				return copied, checkpoint.Wrap(err, ErrReadFile)
			}
			f.bufBlock = index
			f.bufLen = valid
		}

		want := int64(len(p) - copied)
		avail := int64(f.bufLen) - inBlock
		if remaining := f.size - off; avail > remaining {
			avail = remaining
		}
		if avail > want {
			avail = want
		}
		if avail <= 0 {
			// Driver returned a short block before the file size was
			// reached; stop rather than loop.
			break
		}

		copy(p[copied:], f.blockBuf[inBlock:inBlock+avail])
		copied += int(avail)
		off += avail
	}

	if copied == 0 {
		return 0, io.EOF
	}
	return copied, nil
}

// Seek moves the file position. The position must stay inside the file;
// a target at or past the size fails with ErrPastEnd, except position 0
// on an empty file.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.fs == nil {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrSeekFile)
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = f.size + offset
	default:
		return 0, checkpoint.Wrap(fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence), ErrSeekFile)
	}

	if offset < 0 {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, ErrSeekFile)
	}
	if offset >= f.size && offset != 0 {
		return 0, checkpoint.Wrap(fmt.Errorf("position %d in a file of %d bytes", offset, f.size), ErrPastEnd)
	}

	f.offset = offset
	return offset, nil
}

// Close releases the file's driver state and removes it from the
// filesystem's open-file list.
func (f *File) Close() error {
	if f.fs == nil {
		return nil
	}

	f.fs.dropFile(f)
	return f.closeHandle()
}

// closeHandle tears the file down without touching the open-file list.
// Unmount uses it while iterating that list.
func (f *File) closeHandle() error {
	var err error
	if f.handle != nil {
		err = f.handle.Close()
	}

	f.fs = nil
	f.handle = nil
	f.info = nil
	f.blockBuf = nil
	f.bufBlock = 0
	f.bufLen = 0
	f.size = 0
	f.offset = 0
	f.dir = nil

	return checkpoint.From(err)
}

func (f *File) Name() string {
	return f.path
}

func (f *File) Stat() (os.FileInfo, error) {
	if f.fs == nil {
		return nil, checkpoint.From(afero.ErrFileClosed)
	}
	return f.info, nil
}

// Readdir reads up to count entries of the directory. A non-positive
// count reads the remainder in one call.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if f.fs == nil {
		return nil, checkpoint.Wrap(afero.ErrFileClosed, ErrReadDir)
	}
	if !f.isDirectory {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}

	if f.dir == nil {
		dir, err := f.fs.OpenDir(f.path)
		if err != nil {
			return nil, checkpoint.Wrap(err, ErrReadDir)
		}
		f.dir = dir
	}

	var result []os.FileInfo
	for count <= 0 || len(result) < count {
		info, ok := f.dir.next()
		if !ok {
			if count > 0 {
				return result, io.EOF
			}
			break
		}
		result = append(result, info)
	}

	return result, nil
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil && err != io.EOF {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}

	return names, err
}

func (f *File) Sync() error {
	return nil
}

func (f *File) Write(p []byte) (n int, err error)          { return 0, syscall.EROFS }
func (f *File) WriteAt(p []byte, off int64) (int, error)   { return 0, syscall.EROFS }
func (f *File) WriteString(s string) (ret int, err error)  { return 0, syscall.EROFS }
func (f *File) Truncate(size int64) error                  { return syscall.EROFS }
