package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrhapile/crossroads/runtime"
)

func runtimeABI() string {
	return runtime.HostABIVersion().String()
}

// newCheckCmd compiles extension files offline, the same way the admin API
// does before storing them.
func newCheckCmd() *cobra.Command {
	var memoryLimitPages uint32

	cmd := &cobra.Command{
		Use:   "check FILE...",
		Short: "Check that extension files compile against this host",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			engine, err := runtime.NewEngine(ctx, runtime.WithMemoryLimitPages(memoryLimitPages))
			if err != nil {
				return err
			}
			defer engine.Close(ctx)

			failed := 0
			for _, path := range args {
				if err := checkFile(ctx, cmd, engine, path); err != nil {
					cmd.PrintErrf("%s: %v\n", path, err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d extensions failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&memoryLimitPages, "memory-limit-pages", 0, "Memory limit in 64 KiB pages (0 keeps the default)")
	return cmd
}

func checkFile(ctx context.Context, cmd *cobra.Command, engine *runtime.Engine, path string) error {
	binary, err := runtime.ReadExtension(path)
	if err != nil {
		return err
	}
	m, err := engine.Compile(ctx, binary)
	if err != nil {
		return err
	}
	defer m.Close(ctx)

	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok abi=%s size=%d digest=%s\n", path, m.ABIVersion(), m.Size(), m.Digest())
	return nil
}
