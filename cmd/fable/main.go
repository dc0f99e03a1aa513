// Command fable runs the story-stream gateway: an HTTP server that bridges
// the upstream multi-agent runtime to chat clients, plus offline tools for
// replaying captured streams.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorText(err.Error()))
		os.Exit(1)
	}
}
