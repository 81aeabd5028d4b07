// The main package for the deckharvester executable.
package main

import (
	"github.com/JakeFAU/deck-harvester/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
