// Command tunnelize runs either side of the reverse tunnel: "server"
// hosts the public endpoints and control listener, "tunnel" dials out
// and exposes local services through them.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tunnelize/internal/config"
	"tunnelize/internal/server"
	"tunnelize/internal/tunnelclient"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "tunnelize",
		Short: "Reverse-tunneling relay: expose local services through a public relay.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "tunnelize.yaml", "path to the YAML configuration document")

	root.AddCommand(serverCmd(&configPath), tunnelCmd(&configPath))
	return root
}

func serverCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the public endpoints and control listener.",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if doc.Server == nil {
				return fmt.Errorf("tunnelize: %s has no server branch", *configPath)
			}

			srv, err := server.New(doc.Server)
			if err != nil {
				return err
			}
			return srv.Run(notifyContext())
		},
	}
}

func tunnelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tunnel",
		Short: "Dial the server and expose the configured local proxies.",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if doc.Tunnel == nil {
				return fmt.Errorf("tunnelize: %s has no tunnel branch", *configPath)
			}
			return tunnelclient.Run(notifyContext(), doc.Tunnel)
		},
	}
}

// notifyContext returns a context cancelled on SIGINT/SIGTERM.
func notifyContext() context.Context {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	_ = stop
	return ctx
}
