package main

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/cexll/genbridge/pkg/mcp"
	"github.com/cexll/genbridge/pkg/tool"
)

func newMCPCmd(global *globalFlags, streams ioStreams) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the configured tools over MCP on stdio",
		Long: `Serve the webhook tools and imported MCP tools from the config as an
MCP server on stdin/stdout. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := openEnvironment(ctx, global, streams)
			if err != nil {
				return err
			}
			defer env.Close(context.Background())

			reg := tool.NewRegistry(tool.WithLogger(env.logger))
			if err := reg.Add(env.tools...); err != nil {
				return err
			}
			reg.Freeze()
			return mcp.Serve(ctx, reg, &mcpsdk.StdioTransport{}, mcp.WithLogger(env.logger))
		},
	}
}
