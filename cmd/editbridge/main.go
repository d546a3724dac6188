// editbridge: MCP file-editing server.
//
// Simple reads and writes go straight to disk; formatting, refactoring and
// syntax-aware edits run in a pool of external editor processes.
//
// Usage:
//
//	editbridge serve                          # stdio transport
//	editbridge serve --transport websocket    # ws://127.0.0.1:7420/mcp
//	editbridge version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/HendryAvila/editbridge/internal/config"
	"github.com/HendryAvila/editbridge/internal/logging"
	"github.com/HendryAvila/editbridge/internal/server"
	"github.com/HendryAvila/editbridge/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serveFlags struct {
	configFile string
	transport  string
	addr       string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "editbridge",
		Short:         "MCP server that routes file edits to disk or to editor workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server.

Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "editbridge": {
        "command": "editbridge",
        "args": ["serve"]
      }
    }
  }`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f, cmd.Flags().Changed("transport"), cmd.Flags().Changed("addr"))
		},
	}
	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "config file path (default: ./editbridge.yaml or ~/.editbridge/editbridge.yaml)")
	cmd.Flags().StringVarP(&f.transport, "transport", "t", "stdio", "wire transport: stdio or websocket")
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address for the websocket transport")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "editbridge v%s\n", server.Version)
		},
	}
}

func run(parent context.Context, f serveFlags, transportSet, addrSet bool) error {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return err
	}
	// Flags win over the config file only when given explicitly.
	if transportSet {
		cfg.Transport.Mode = f.transport
	}
	if addrSet {
		cfg.Transport.Addr = f.addr
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return errors.Errorf("configuring logging: %w", err)
	}
	defer func() { _ = closeLog() }()

	app, cleanup, err := server.New(cfg, logger)
	if err != nil {
		return errors.Errorf("creating server: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", server.Version).
		Str("transport", cfg.Transport.Mode).
		Int("max_instances", cfg.Worker.MaxInstances).
		Msg("editbridge starting")

	switch cfg.Transport.Mode {
	case "stdio":
		err = transport.NewStdio(app.NewProtocolServer(), os.Stdin, os.Stdout, logger).Serve(ctx)
	case "websocket":
		ws := transport.NewWebSocket(cfg.Transport.Addr, func() transport.Handler {
			return app.NewProtocolServer()
		}, logger)
		err = ws.Serve(ctx)
	default:
		return errors.Errorf("unknown transport %q (want stdio or websocket)", cfg.Transport.Mode)
	}

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("editbridge stopped")
	return err
}
