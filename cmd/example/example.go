// example runs one extension against a sample request and prints the
// resolution.
//
// Usage:
//
//	example extension.wasm [URI]
//	example --store ./extensions hello [URI]
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrhapile/crossroads/runtime"
	"github.com/mrhapile/crossroads/store"
)

func main() {
	var storeDir string

	cmd := &cobra.Command{
		Use:          "example (FILE | --store DIR TAG) [URI]",
		Short:        "Run an extension against a sample request",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if storeDir != "" {
				// Resolve the tag to <store>/<tag>/<tag>.wasm
				st, err := store.NewDirStore(storeDir)
				if err != nil {
					return err
				}
				if path, err = st.Resolve(args[0]); err != nil {
					return err
				}
			}
			uri := "/"
			if len(args) == 2 {
				uri = args[1]
			}
			return run(cmd.Context(), path, uri)
		},
	}
	cmd.Flags().StringVar(&storeDir, "store", "", "Resolve the argument as a tag in this extension directory")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, path, uri string) error {
	engine, err := runtime.NewEngine(ctx)
	if err != nil {
		return err
	}
	// Ensure compiled code is released when we're done
	defer engine.Close(ctx)

	rt, err := runtime.NewRuntime(ctx, engine)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Swap the extension in; the built-in default stays active on failure
	if err := rt.ReplaceFile(ctx, path); err != nil {
		return fmt.Errorf("error loading extension: %w", err)
	}
	info, err := rt.Active()
	if err != nil {
		return err
	}
	fmt.Printf("Loaded extension: %s (ABI %s, %d bytes, sha256 %s)\n", path, info.ABIVersion, info.Size, info.Digest)

	req, err := runtime.NewRequest("GET", uri)
	if err != nil {
		return err
	}
	if err := req.AddHeader("user-agent", "crossroads-example"); err != nil {
		return err
	}

	res, err := rt.Invoke(ctx, req)
	if err != nil {
		return fmt.Errorf("error invoking extension: %w", err)
	}

	switch res.Kind {
	case runtime.Forward:
		fmt.Printf("Resolution: forward %s %s\n", res.Request.Method, res.Request.URI())
		for _, h := range res.Request.Headers() {
			fmt.Printf("  %s: %s\n", h.Name, h.Value)
		}
	case runtime.Respond:
		fmt.Printf("Resolution: respond %d\n", res.StatusCode)
		if res.HasBody {
			fmt.Printf("  body: %q\n", res.Body)
		}
	}
	return nil
}
