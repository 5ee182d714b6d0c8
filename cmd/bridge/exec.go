package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agentbridge/internal/adapter/hub"
	"agentbridge/internal/adapter/tui/theme"
	"agentbridge/internal/domain"
)

func newExecCmd(a *app) *cobra.Command {
	var (
		params map[string]string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "exec <operation> [input]",
		Short: "Run an operation through the routing orchestrator",
		Long: "Runs <operation> in the hub. Cheap deterministic operations run locally, expensive\n" +
			"or complex ones go to the remote agent, and repeated requests are answered from cache.\n" +
			"Use - as input to read it from stdin.",
		Example: "  bridge exec format.normalize \"some   text\"\n" +
			"  bridge exec template.render \"hello {{.name}}\" --param name=ops\n" +
			"  git diff | bridge exec code.review -",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.OperationRequest{Operation: args[0], Params: params}
			if len(args) > 1 {
				input, err := messageText(cmd.InOrStdin(), args[1:])
				if err != nil {
					return err
				}
				req.Input = input
			}
			info, err := a.runningHub()
			if err != nil {
				return err
			}
			res, err := hub.NewAPIClient(a.cfg.Hub.Token).Execute(cmd.Context(), info.Addr, req)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintln(w, strings.TrimRight(res.Output, "\n"))
			fmt.Fprintln(cmd.ErrOrStderr(), theme.TextMuted.Render(fmt.Sprintf("%s via %s, ~%d tokens, %s",
				res.Operation, res.Path, res.EstimatedTokens, res.Duration)))
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "operation parameter key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}
