// The main package for the adnotifier executable.
package main

import (
	"github.com/JakeFAU/adnotifier/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
