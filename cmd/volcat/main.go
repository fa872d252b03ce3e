package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	bootfs "github.com/bootkit/bootfs"
	"github.com/bootkit/bootfs/block"

	_ "github.com/bootkit/bootfs/fat"
	_ "github.com/bootkit/bootfs/iso9660"
)

type options struct {
	Image      string `short:"i" long:"image" required:"true" description:"Disk image to read from"`
	Path       string `short:"p" long:"path" required:"true" description:"File to extract"`
	Volume     int    `short:"n" long:"volume" default:"0" description:"Volume index on the disk"`
	SectorSize int    `short:"s" long:"sector-size" default:"512" description:"Device sector size in bytes"`
	Output     string `short:"o" long:"output" description:"Write to this file instead of stdout"`
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
	if opts.Volume >= len(paths) {
		log.Fatalf("disk has %d volumes, asked for index %d", len(paths), opts.Volume)
	}

	fs, err := ns.Mount(paths[opts.Volume], "target")
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := ns.Unmount("target"); err != nil {
			log.Warn(err)
		}
	}()

	file, err := fs.Open(opts.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	out := io.Writer(os.Stdout)
	if opts.Output != "" {
		dst, err := os.Create(opts.Output)
		if err != nil {
			log.Fatal(err)
		}
		defer dst.Close()
		out = dst
	}

	n, err := io.Copy(out, file)
	if err != nil {
		log.Fatal(err)
	}

	if opts.Output != "" {
		fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, opts.Output)
	}
}
