// uhyve-chk packs a checkpoint directory into a cpio archive and back,
// so a saved guest can be parked in offline storage.
//
//	uhyve-chk export <dir> <archive>
//	uhyve-chk import <archive> <dir>
package main

import (
	"fmt"
	"os"

	"github.com/uhyve-go/uhyve/checkpoint"
)

func main() {
	if len(os.Args) != 4 {
		usage()
	}

	var err error

	switch os.Args[1] {
	case "export":
		err = export(os.Args[2], os.Args[3])

	case "import":
		err = unpack(os.Args[2], os.Args[3])

	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "uhyve-chk: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s export <dir> <archive> | import <archive> <dir>\n", os.Args[0])
	os.Exit(2)
}

func export(dir, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := checkpoint.Export(dir, f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	return f.Close()
}

func unpack(path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close()

	return checkpoint.Import(dir, f)
}
