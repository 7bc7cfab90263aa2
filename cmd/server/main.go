// crossroads is the programmable reverse proxy server.
//
// Usage:
//
//	crossroads serve --configuration crossroads.yaml
//	crossroads check extension.wasm...
//	crossroads version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "crossroads",
		Short:         "Programmable reverse proxy",
		Long:          "crossroads routes every request through a hot-swappable WebAssembly extension that forwards, rewrites or answers it.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server and extension ABI versions",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crossroads %s (extension ABI %s)\n", version, runtimeABI())
		},
	}
}
