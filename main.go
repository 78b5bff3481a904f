// The main package for the redirect-resolver executable.
package main

import (
	"github.com/JakeFAU/redirect-resolver/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
