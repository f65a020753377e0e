//go:build mage

package main

import (
	"fmt"
	"path/filepath"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Lists the archives mounted by the given configuration file.
func (Run) Mounts(config string) error {
	mg.Deps(Build.Binary)
	fmt.Println("Run engine...")
	return runBinary(config, "mounts")
}

// Reads an asset through the archives of the given configuration file.
func (Run) Read(config, path string) error {
	mg.Deps(Build.Binary)
	return runBinary(config, "read", path)
}

// runBinary starts the binary next to the configuration file, so relative
// paths such as plugins_path resolve the way they do in production.
func runBinary(config string, args ...string) error {
	bin, err := filepath.Abs(binaryPath)
	if err != nil {
		return err
	}
	config, err = filepath.Abs(config)
	if err != nil {
		return err
	}
	args = append([]string{"-config", filepath.Base(config)}, args...)
	if _, err := executeCmd(bin, withArgs(args...), withDir(filepath.Dir(config)), withStream()); err != nil {
		return err
	}
	return nil
}
