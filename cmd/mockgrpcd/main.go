// Command mockgrpcd runs the mock gRPC/Connect server.
package main

import "github.com/protoforge/mockgrpc/pkg/cli"

func main() {
	cli.Execute()
}
