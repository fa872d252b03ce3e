package bootfs

import (
	"errors"

	"github.com/bootkit/bootfs/block"
)

// These errors form the failure taxonomy of the whole stack. Drivers wrap
// them via checkpoint so callers can test with errors.Is regardless of
// which driver produced the failure.
var (
	// ErrIO marks a transport failure; it is block.ErrIO surfaced
	// unchanged through every layer.
	ErrIO = block.ErrIO

	// ErrCorruptFs marks a violated structural invariant: a missing boot
	// signature, a cluster chain without an end marker, an overlong name
	// record. The filesystem stays mounted; only the operation fails.
	ErrCorruptFs = errors.New("corrupt filesystem structure")

	// ErrUnsupportedFs is returned at mount when no driver recognises
	// the volume. The volume remains available for another attempt.
	ErrUnsupportedFs = errors.New("unsupported filesystem")

	// Path resolution failures. Non-fatal; the caller may retry with a
	// different path.
	ErrNotFound      = errors.New("no such file or directory")
	ErrNotADirectory = errors.New("not a directory")
	ErrIsADirectory  = errors.New("is a directory")
	ErrNameTooLong   = errors.New("name too long")

	// ErrPastEnd is returned by Seek for a position at or past the file
	// size.
	ErrPastEnd = errors.New("seek past end of file")

	// ErrResourceExhausted is returned when a fixed table of the stack,
	// such as a filesystem's open-file list, is full.
	ErrResourceExhausted = errors.New("resource exhausted")
)
