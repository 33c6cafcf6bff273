package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tbourn/chatconnect-widget/internal/domain"
	"github.com/tbourn/chatconnect-widget/internal/widgetclient"
)

type chatOptions struct {
	Message string
}

func newChatCmd(root *rootOptions) *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat [-m message]",
		Short: "Send one message, or chat interactively when -m is omitted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newTerminalRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr())
			c, release, err := root.openClient(out)
			if err != nil {
				return err
			}
			defer release()
			defer c.Close()

			ctx := cmd.Context()
			cfg, err := c.Init(ctx)
			if err != nil {
				return err
			}
			out.ready()

			send := c.Send
			if root.NoStream {
				send = c.SendOnce
			}

			if strings.TrimSpace(opts.Message) != "" {
				_, err := send(ctx, opts.Message)
				return sendError(err)
			}
			return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cfg, send)
		},
	}
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "message to send")
	return cmd
}

type sendFunc func(context.Context, string) (*domain.ChatMessage, error)

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, cfg domain.WidgetConfig, send sendFunc) error {
	fmt.Fprintf(out, "%s\n%s\n", cfg.WidgetName, cfg.WelcomeMessage)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if _, err := send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var f *widgetclient.Failure
			if errors.As(err, &f) {
				continue // already shown by the renderer
			}
			fmt.Fprintln(out, err)
		}
	}
}

// sendError keeps the exit status non-zero for failures the renderer has
// already shown without printing them twice.
func sendError(err error) error {
	var f *widgetclient.Failure
	if errors.As(err, &f) {
		return fmt.Errorf("send failed: %s", f.Code)
	}
	return err
}
