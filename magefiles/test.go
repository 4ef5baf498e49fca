//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs every package test.
func (Test) All() error {
	_, err := executeCmd("go", withArgs("test", "./..."), withStream())
	return err
}

// Runs the tests with the race detector. The software driver executes every
// queue on its own goroutine, so this is the one that matters for sync bugs.
func (Test) Race() error {
	_, err := executeCmd("go", withArgs("test", "-race", "-count=1", "./..."), withEnv("CGO_ENABLED=1"), withStream())
	return err
}

// Runs the tests of a single package directory, e.g. engine/renderer/gfx.
func (Test) Package(dir string) error {
	_, err := executeCmd("go", withArgs("test", "-count=1", "."), withDir(dir), withStream())
	return err
}
