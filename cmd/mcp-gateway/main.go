// main implements the CLI for the MCP gateway.
package main

import "github.com/kagenti/mcp-gateway/cmd/mcp-gateway/cmd"

// version can be set during build with -ldflags.
var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
