package main

import (
	"github.com/spf13/cobra"

	"agentbridge/internal/adapter/hub"
	"agentbridge/internal/adapter/mcpserver"
)

func newMCPCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve bridge tools to an MCP client over stdio",
		Long: "Registers with the running hub under --id and exposes bridge_status, bridge_send,\n" +
			"bridge_broadcast, bridge_inbox and bridge_execute as MCP tools on stdin/stdout.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			info, err := a.runningHub()
			if err != nil {
				return err
			}
			client, err := hub.Dial(ctx, hub.WSURL(info.Addr), id, hub.ClientOptions{
				Token:             a.cfg.Hub.Token,
				HeartbeatInterval: a.cfg.Hub.HeartbeatInterval,
				Logger:            a.logger,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			backend := &mcpserver.HubBackend{
				Client: client,
				API:    hub.NewAPIClient(a.cfg.Hub.Token),
				Addr:   info.Addr,
			}
			s := mcpserver.New(backend, version, a.logger)
			return mcpserver.Serve(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&id, "id", "mcp", "connection id to register under")
	return cmd
}
