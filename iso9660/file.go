package iso9660

import (
	"fmt"
	"os"

	"github.com/bootkit/bootfs/block"
	"github.com/bootkit/bootfs/checkpoint"
)

// handle is an open file. ISO files are contiguous, so a block read is a
// single address computation; there is no chain to follow.
type handle struct {
	fs    *Fs
	entry Entry
}

// ReadBlock fills buf with the logical block at index within the file.
func (h *handle) ReadBlock(index int64, buf []byte) (int, error) {
	blockSize := int64(h.fs.blockSize)
	size := int64(h.entry.Size)
	blocks := (size + blockSize - 1) / blockSize
	if index >= blocks {
		return 0, checkpoint.Wrap(fmt.Errorf("block %d of a %d-block file", index, blocks), block.ErrOutOfRange)
	}

	if err := h.fs.readBlock(h.entry.Extent+uint32(index), buf); err != nil {
		return 0, err
	}

	valid := blockSize
	if remaining := size - index*blockSize; remaining < valid {
		valid = remaining
	}
	return int(valid), nil
}

func (h *handle) Info() os.FileInfo {
	return h.entry.FileInfo()
}

func (h *handle) Close() error {
	h.fs = nil
	h.entry = Entry{}
	return nil
}
