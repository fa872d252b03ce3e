package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	bootfs "github.com/bootkit/bootfs"
	"github.com/bootkit/bootfs/block"

	_ "github.com/bootkit/bootfs/fat"
	_ "github.com/bootkit/bootfs/iso9660"
)

type options struct {
	Image      string `short:"i" long:"image" required:"true" description:"Disk image to inspect"`
	SectorSize int    `short:"s" long:"sector-size" default:"512" description:"Device sector size in bytes"`
	Verbose    bool   `short:"v" long:"verbose" description:"Print debug logging"`
}

func main() {
	opts := new(options)
	if _, err := flags.Parse(opts); err != nil {
		os.Exit(1)
	}

	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	f, err := os.Open(opts.Image)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		log.Fatal(err)
	}

	disk, err := block.NewImageFile(f, stat.Size(), opts.SectorSize)
	if err != nil {
		log.Fatal(err)
	}

	ns := bootfs.NewNamespace()
	paths, err := ns.AddDisk(disk)
	if err != nil {
		log.Fatal(err)
	}
	if len(paths) == 0 {
		log.Fatal("no volumes found")
	}

	for i, path := range paths {
		vol, err := ns.Volume(path)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s: %s\n", path, vol)

		label := fmt.Sprintf("vol%d", i)
		fs, err := ns.Mount(path, label)
		if err != nil {
			log.Warnf("%s: %v", path, err)
			continue
		}

		fmt.Printf("  mounted %s, label %q, block size %d\n", fs.Type(), fs.Label(), fs.BlockSize())
		listFiles(fs)

		if err := ns.Unmount(label); err != nil {
			log.Warnf("unmounting %s: %v", path, err)
		}
	}
}

func listFiles(fs *bootfs.FileSystem) {
	err := afero.Walk(fs, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			fmt.Printf("  %-50s <dir>\n", path)
			return nil
		}

		mtime := ""
		if !info.ModTime().IsZero() {
			mtime = info.ModTime().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  %-50s %10s  %s\n", path, humanize.Bytes(uint64(info.Size())), mtime)
		return nil
	})
	if err != nil {
		log.Warnf("walking: %v", err)
	}
}
