package bootfs

import "os"

// DirEntry is one visible child of a directory. The zero value, with an
// empty Name, marks the end of an enumeration.
type DirEntry struct {
	Name string
	Dir  bool
	Size int64
}

// Dir enumerates a directory once. It is not restartable; open the
// directory again for a fresh pass.
type Dir struct {
	entries []os.FileInfo
	pos     int
}

// ReadDir returns the next entry. After the last entry it keeps returning
// the zero DirEntry.
func (d *Dir) ReadDir() DirEntry {
	info, ok := d.next()
	if !ok {
		return DirEntry{}
	}

	return DirEntry{
		Name: info.Name(),
		Dir:  info.IsDir(),
		Size: info.Size(),
	}
}

func (d *Dir) next() (os.FileInfo, bool) {
	if d.pos >= len(d.entries) {
		return nil, false
	}

	info := d.entries[d.pos]
	d.pos++
	return info, true
}
