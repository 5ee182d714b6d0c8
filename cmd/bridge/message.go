package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentbridge/internal/adapter/hub"
	"agentbridge/internal/adapter/tui/theme"
	"agentbridge/internal/domain"
)

// operatorID is the connection id the CLI registers under.
const operatorID = "operator"

type sendFlags struct {
	from string
	wait time.Duration
}

func (f *sendFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", operatorID, "connection id to send as")
	cmd.Flags().DurationVar(&f.wait, "wait", 0, "wait this long for a reply and print it")
}

func newMessageCmd(a *app) *cobra.Command {
	var (
		to    string
		flags sendFlags
	)
	cmd := &cobra.Command{
		Use:   "message [<id>] <text>",
		Short: "Send a message to one connected agent, or to all of them",
		Long: "Sends <text> through the running hub to the agent registered as <id>.\n" +
			"With only <text>, the message is broadcast to every other agent.\n" +
			"The recipient may also be given with --to. Use - as text to read it from stdin.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" && len(args) > 1 {
				to, args = args[0], args[1:]
			}
			return send(cmd, a, to, args, flags)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient connection id")
	flags.register(cmd)
	return cmd
}

func newBroadcastCmd(a *app) *cobra.Command {
	var flags sendFlags
	cmd := &cobra.Command{
		Use:   "broadcast <text>",
		Short: "Send a message to every other connected agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, a, "", args, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// send delivers to one recipient, or to everyone when to is empty.
func send(cmd *cobra.Command, a *app, to string, args []string, flags sendFlags) error {
	text, err := messageText(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	info, err := a.runningHub()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client, err := dialOperator(ctx, a, info.Addr, flags.from, !cmd.Flags().Changed("from"))
	if err != nil {
		return err
	}
	defer client.Close()

	w := cmd.OutOrStdout()
	if to != "" {
		res, err := client.SendDirect(ctx, to, text)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		fmt.Fprintln(w, theme.Success("delivered to %s (%s)", to, res.MessageID))
	} else {
		res, err := client.Broadcast(ctx, text)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, theme.Success("broadcast to %d agent(s) (%s)", res.Delivered, res.MessageID))
		if len(res.Dropped) > 0 {
			fmt.Fprintln(w, theme.Warning("dropped for %s", strings.Join(res.Dropped, ", ")))
		}
	}

	if flags.wait > 0 {
		return awaitReply(ctx, w, client, flags.wait)
	}
	return nil
}

func messageText(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		args = []string{strings.TrimRight(string(data), "\n")}
	}
	text := strings.Join(args, " ")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty message", domain.ErrInvalidInput)
	}
	return text, nil
}

// dialOperator registers with the hub. When the default id is taken by
// another CLI invocation, it retries once with a pid suffix.
func dialOperator(ctx context.Context, a *app, addr, id string, retry bool) (*hub.Client, error) {
	opts := hub.ClientOptions{Token: a.cfg.Hub.Token, Logger: a.logger}
	client, err := hub.Dial(ctx, hub.WSURL(addr), id, opts)
	if retry && errors.Is(err, domain.ErrDuplicateRegistration) {
		alt := fmt.Sprintf("%s-%d", id, os.Getpid())
		a.logger.Debug("operator id taken, retrying", "id", alt)
		client, err = hub.Dial(ctx, hub.WSURL(addr), alt, opts)
	}
	return client, err
}

func awaitReply(ctx context.Context, w io.Writer, client *hub.Client, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case m, ok := <-client.Messages():
		if !ok {
			return fmt.Errorf("%w: hub closed the connection", domain.ErrTransport)
		}
		fmt.Fprintf(w, "%s %s %s\n", theme.ConnID.Render(m.Sender), theme.SymbolArrowR, m.Content)
		return nil
	case <-timer.C:
		fmt.Fprintln(w, theme.Warning("no reply within %s", wait))
		return nil
	case <-ctx.Done():
		return nil
	}
}
