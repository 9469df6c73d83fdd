// The main package for the listing-ingest executable.
package main

import (
	"github.com/openlistings/listing-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
