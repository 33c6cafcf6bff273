package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/chatconnect-widget/internal/widgetclient"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the widget settings the server returns for this key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, release, err := root.openClient(widgetclient.NopRenderer{})
			if err != nil {
				return err
			}
			defer release()
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			cfg, err := c.Init(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}
