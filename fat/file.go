package fat

import (
	"fmt"
	"os"

	bootfs "github.com/bootkit/bootfs"
	"github.com/bootkit/bootfs/block"
	"github.com/bootkit/bootfs/checkpoint"
)

// handle is an open file: the chain start, the size, and a walk hint that
// makes sequential reads O(1) per block instead of O(n) chain walks.
type handle struct {
	fs    *Fs
	start fatEntry
	size  int64
	info  os.FileInfo

	// hintIndex/hintCluster remember the last resolved logical block.
	// hintIndex is -1 until the first read.
	hintIndex   int64
	hintCluster fatEntry
}

// ReadBlock fills buf with the logical block at index, following the
// cluster chain from the hint when the request is at or past it. An EOF
// sentinel before the requested block means the chain is shorter than the
// file size claims; a bad sentinel marks an unreadable cluster. Both are
// corruption, not addressable by retrying.
func (h *handle) ReadBlock(index int64, buf []byte) (int, error) {
	blockSize := int64(h.fs.clusterSize)
	blocks := (h.size + blockSize - 1) / blockSize
	if index >= blocks {
		return 0, checkpoint.Wrap(fmt.Errorf("block %d of a %d-block file", index, blocks), block.ErrOutOfRange)
	}

	if h.hintIndex < 0 || index < h.hintIndex {
		h.hintIndex = 0
		h.hintCluster = h.start
	}

	for h.hintIndex < index {
		next, err := h.fs.nextCluster(h.hintCluster)
		if err != nil {
			return 0, err
		}
		if h.fs.isBad(next) {
			return 0, checkpoint.Wrap(fmt.Errorf("bad cluster after %d", h.hintCluster), bootfs.ErrCorruptFs)
		}
		if h.fs.isEOF(next) {
			return 0, checkpoint.Wrap(fmt.Errorf("chain ends at block %d of %d", h.hintIndex, blocks), bootfs.ErrCorruptFs)
		}

		h.hintCluster = next
		h.hintIndex++
	}

	// The target cluster's own FAT cell flags it bad or free, and on the
	// final block it must carry the EOF sentinel: a continuation pointer
	// there means the chain outruns the file size.
	cell, err := h.fs.nextCluster(h.hintCluster)
	if err != nil {
		return 0, err
	}
	if h.fs.isBad(cell) {
		return 0, checkpoint.Wrap(fmt.Errorf("cluster %d is marked bad", h.hintCluster), bootfs.ErrCorruptFs)
	}
	if cell == 0 {
		return 0, checkpoint.Wrap(fmt.Errorf("cluster %d is not allocated", h.hintCluster), bootfs.ErrCorruptFs)
	}
	if index == blocks-1 && !h.fs.isEOF(cell) {
		return 0, checkpoint.Wrap(fmt.Errorf("chain continues past block %d of %d", index, blocks), bootfs.ErrCorruptFs)
	}

	if err := h.fs.readCluster(h.hintCluster, buf); err != nil {
		return 0, err
	}

	valid := blockSize
	if remaining := h.size - index*blockSize; remaining < valid {
		valid = remaining
	}
	return int(valid), nil
}

func (h *handle) Info() os.FileInfo {
	return h.info
}

func (h *handle) Close() error {
	h.fs = nil
	h.info = nil
	h.start = 0
	h.size = 0
	h.hintIndex = 0
	h.hintCluster = 0
	return nil
}
