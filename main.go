// The main package for the bulletin ingester executable.
package main

import (
	"github.com/JakeFAU/commodity-bulletin-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
