// The main package for the releasebot executable.
package main

import (
	"github.com/JakeFAU/release-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
