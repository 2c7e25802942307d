// The main package for the harvest executable.
package main

import (
	"github.com/JakeFAU/harvest-engine/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
