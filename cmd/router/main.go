// Command router is a multiplexing JSON-RPC router fronting many downstream
// tool-provider backends behind a single stdio endpoint.
package main

import "github.com/deepnoodle-ai/toolrouter/cmd/router/cli"

func main() {
	cli.Execute()
}
