// Package checkpoint decorates errors with the file and line of the call
// site so that a failure deep inside a driver can be traced without a full
// stack trace. Every error attached to a checkpoint stays visible to
// errors.Is and errors.As.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
)

// From wraps err with the caller's position. It returns nil for a nil error
// and hands io.EOF and io.ErrUnexpectedEOF through untouched, as the io
// package requires them to be returned unwrapped.
// See https://github.com/golang/go/issues/39155.
func From(err error) error {
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}

	return newCheckpoint(err, nil, 2)
}

// Wrap decorates prev with the caller's position and an additional marker
// error, typically one of the package-level sentinels of the caller. The
// marker is matched by errors.Is/errors.As alongside the wrapped chain.
// Returns nil if prev is nil; io.EOF and io.ErrUnexpectedEOF pass through.
func Wrap(prev, marker error) error {
	if prev == nil || prev == io.EOF || prev == io.ErrUnexpectedEOF {
		return prev
	}

	return newCheckpoint(prev, marker, 2)
}

func newCheckpoint(prev, marker error, skip int) error {
	cp := &checkpoint{
		prev:   prev,
		marker: marker,
	}

	if _, file, line, ok := runtime.Caller(skip); ok {
		cp.pos = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	return cp
}

type checkpoint struct {
	prev   error
	marker error
	pos    string
}

func (c *checkpoint) Error() string {
	pos := c.pos
	if pos == "" {
		pos = "unknown"
	}

	if c.marker != nil {
		return fmt.Sprintf("%s [%s]: %v", pos, c.marker, c.prev)
	}
	return fmt.Sprintf("%s: %v", pos, c.prev)
}

func (c *checkpoint) Unwrap() error {
	return c.prev
}

func (c *checkpoint) Is(target error) bool {
	return c.marker != nil && errors.Is(c.marker, target)
}

func (c *checkpoint) As(target interface{}) bool {
	return c.marker != nil && errors.As(c.marker, target)
}
