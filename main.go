// The main package for the crawl-scheduler executable.
package main

import (
	"github.com/JakeFAU/crawl-scheduler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
