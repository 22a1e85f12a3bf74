// The main package for the channel-scraper executable.
package main

import (
	"github.com/JakeFAU/channel-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
