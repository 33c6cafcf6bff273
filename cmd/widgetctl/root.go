package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/chatconnect-widget/internal/sysutil"
	"github.com/tbourn/chatconnect-widget/internal/widgetclient"
)

const (
	envBaseURL  = "CHATCONNECT_BASE_URL"
	envAPIKey   = "CHATCONNECT_API_KEY"
	envNoStream = "CHATCONNECT_NO_STREAM"
)

type rootOptions struct {
	BaseURL  string
	APIKey   string
	StoreDir string
	NoStream bool
	LogLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "widgetctl",
		Short:         "Chat with a tenant's assistant from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "widget API root (default $"+envBaseURL+" or http://localhost:8080/api/widget)")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", "", "tenant public API key (default $"+envAPIKey+")")
	cmd.PersistentFlags().StringVar(&opts.StoreDir, "store", defaultStoreDir(), "directory for the local session store; empty keeps it in memory")
	cmd.PersistentFlags().BoolVar(&opts.NoStream, "no-stream", sysutil.IsTruthy(os.Getenv(envNoStream)), "use the single-shot transport")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level")

	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func defaultStoreDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "widgetctl")
}

func (o *rootOptions) resolve() error {
	o.BaseURL = sysutil.FirstNonEmpty(o.BaseURL, os.Getenv(envBaseURL), "http://localhost:8080/api/widget")
	o.APIKey = sysutil.FirstNonEmpty(o.APIKey, os.Getenv(envAPIKey))
	if strings.TrimSpace(o.APIKey) == "" {
		return errors.New("--api-key or $" + envAPIKey + " is required")
	}
	return nil
}

// openClient builds a Client over the configured store. The returned
// closer releases the store and must run after the client is closed.
func (o *rootOptions) openClient(r widgetclient.Renderer) (*widgetclient.Client, func(), error) {
	if err := o.resolve(); err != nil {
		return nil, nil, err
	}
	lg := sysutil.SetupLogger(os.Stderr, o.LogLevel, true, "widgetctl")

	var (
		store   widgetclient.Store = widgetclient.NewMemoryStore()
		release                    = func() {}
	)
	if o.StoreDir != "" {
		bcfg := widgetclient.DefaultBadgerConfig(o.StoreDir)
		bl := lg.Level(zerolog.WarnLevel)
		bcfg.Logger = &bl
		bs, err := widgetclient.OpenBadgerStore(bcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open store %s: %w", o.StoreDir, err)
		}
		store = bs
		release = func() { _ = bs.Close() }
	}

	c, err := widgetclient.New(widgetclient.Options{
		BaseURL:  o.BaseURL,
		APIKey:   o.APIKey,
		Store:    store,
		Renderer: r,
		Logger:   &lg,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	return c, release, nil
}
