//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

// Test runs every package's tests
func Test() error {
	_, err := executeCmd("go", withArgs("test", "./..."), withStream())
	return err
}

// TestDebug runs every package's tests with block and block list validation after each placement
func TestDebug() error {
	_, err := executeCmd("go", withArgs("test", "-tags", "debug_mem_utils", "./..."), withStream())
	return err
}

// Generate regenerates the Device mock
func Generate() error {
	_, err := executeCmd("go", withArgs("generate", "./..."), withStream())
	return err
}

type Replay mg.Namespace

// Scene replays the sample scene trace and prints detailed statistics
func (Replay) Scene() error {
	_, err := executeCmd("go",
		withArgs("run", ".", "-detailed", "testdata/scene.toml"),
		withDir("cmd/objstore-replay"),
		withStream(),
	)
	return err
}

// Watch replays the sample scene trace each time it is saved
func (Replay) Watch() error {
	_, err := executeCmd("go",
		withArgs("run", ".", "-watch", "-level", "debug", "testdata/scene.toml"),
		withDir("cmd/objstore-replay"),
		withStream(),
	)
	return err
}
