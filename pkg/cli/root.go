// Package cli wires mockgrpcd's cobra command tree: a silent root command
// that defaults to serve, plus the serve and version subcommands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version, Commit, and BuildDate are injected at build time via ldflags, the
// same convention as cmd/mockd/main.go.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "mockgrpcd",
	Short: "mockgrpcd is a mock gRPC/Connect server driven by .proto files and rule documents",
	Long: `mockgrpcd serves gRPC, gRPC-Web, and Connect traffic for services described by
.proto files, matching requests against YAML/JSON rule documents and
rendering templated responses. Configuration is entirely environment
variable driven; see package mockconfig for the full list.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// Execute runs the root command. Called once from cmd/mockgrpcd/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
