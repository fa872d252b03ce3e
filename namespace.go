package bootfs

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/bootkit/bootfs/block"
	"github.com/bootkit/bootfs/checkpoint"
	"github.com/bootkit/bootfs/volume"
)

// Namespace publishes discovered volumes and mounted filesystems under
// stable paths:
//
//	/Volumes/Disk<i>/Volume<j>
//	/Interfaces/FileSys/<label>
//
// The paths are the only externally visible handles; callers pass them to
// Mount and look up filesystems by label.
type Namespace struct {
	disks   int
	volumes map[string]*volume.Volume
	mounts  map[string]*FileSystem
}

func NewNamespace() *Namespace {
	return &Namespace{
		volumes: map[string]*volume.Volume{},
		mounts:  map[string]*FileSystem{},
	}
}

// AddDisk scans the disk's partition scheme and publishes every discovered
// volume. It returns the published paths. A disk whose partition table
// fails validation contributes nothing, but the namespace and its other
// disks stay usable.
func (ns *Namespace) AddDisk(disk block.Device) ([]string, error) {
	vols, err := volume.Scan(disk)
	if err != nil {
		return nil, checkpoint.From(err)
	}

	diskIndex := ns.disks
	ns.disks++

	paths := make([]string, 0, len(vols))
	for i, vol := range vols {
		path := fmt.Sprintf("/Volumes/Disk%d/Volume%d", diskIndex, i)
		ns.volumes[path] = vol
		paths = append(paths, path)
		log.Infof("%s: %s", path, vol)
	}

	return paths, nil
}

// Volume looks up a published volume.
func (ns *Namespace) Volume(path string) (*volume.Volume, error) {
	vol, ok := ns.volumes[path]
	if !ok {
		return nil, checkpoint.Wrap(fmt.Errorf("no volume at %q", path), ErrNotFound)
	}
	return vol, nil
}

// Mount mounts the volume at volumePath and publishes the filesystem under
// /Interfaces/FileSys/<label>. The label must be free.
func (ns *Namespace) Mount(volumePath, label string) (*FileSystem, error) {
	vol, err := ns.Volume(volumePath)
	if err != nil {
		return nil, err
	}

	path := fsPath(label)
	if _, taken := ns.mounts[path]; taken {
		return nil, checkpoint.Wrap(fmt.Errorf("label %q is already mounted", label), ErrResourceExhausted)
	}

	fs, err := Mount(vol, label)
	if err != nil {
		return nil, err
	}

	ns.mounts[path] = fs
	log.Infof("%s: %s on %s", path, fs.Type(), volumePath)
	return fs, nil
}

// FileSystem looks up a mounted filesystem by label.
func (ns *Namespace) FileSystem(label string) (*FileSystem, error) {
	fs, ok := ns.mounts[fsPath(label)]
	if !ok {
		return nil, checkpoint.Wrap(fmt.Errorf("no filesystem mounted as %q", label), ErrNotFound)
	}
	return fs, nil
}

// Unmount unmounts the filesystem with the given label and removes it from
// the namespace.
func (ns *Namespace) Unmount(label string) error {
	fs, err := ns.FileSystem(label)
	if err != nil {
		return err
	}

	delete(ns.mounts, fsPath(label))
	return fs.Unmount()
}

// Paths returns every published path, sorted.
func (ns *Namespace) Paths() []string {
	paths := make([]string, 0, len(ns.volumes)+len(ns.mounts))
	for p := range ns.volumes {
		paths = append(paths, p)
	}
	for p := range ns.mounts {
		paths = append(paths, p)
	}

	sort.Strings(paths)
	return paths
}

func fsPath(label string) string {
	return "/Interfaces/FileSys/" + label
}
