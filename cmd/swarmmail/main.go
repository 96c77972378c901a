// Command swarmmail runs the coordination store: the HTTP and WebSocket
// server, the MCP stdio server and the schema and replay maintenance tools.
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "swarmmail: %v\n", err)
		os.Exit(1)
	}
}
