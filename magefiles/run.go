//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Renders the testbed scene with config.toml.
func (Run) Engine() error {
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs("run", "."), withStream()); err != nil {
		return err
	}
	return nil
}

// Renders the testbed scene with the given config file.
func (Run) Config(path string) error {
	_, err := executeCmd("go", withArgs("run", ".", path), withStream())
	return err
}
