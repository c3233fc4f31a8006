// Command tunnelize-dashboard serves the operator dashboard: a small gin
// JSON API in front of one server's Monitoring endpoint.
package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"tunnelize/internal/dashboard"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	var (
		listenAddr string
		serverAddr string
		tunnelKey  string
		monitorKey string
	)

	cmd := &cobra.Command{
		Use:   "tunnelize-dashboard",
		Short: "Serve a JSON dashboard fronting a server's Monitoring endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &dashboard.Client{ServerAddr: serverAddr}
			if tunnelKey != "" {
				client.TunnelKey = &tunnelKey
			}
			if monitorKey != "" {
				client.MonitorKey = &monitorKey
			}

			router := dashboard.NewRouter(client)
			fmt.Printf("dashboard listening on %s, watching %s\n", listenAddr, serverAddr)
			return router.Run(listenAddr)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8089", "address the dashboard HTTP API listens on")
	cmd.Flags().StringVar(&serverAddr, "server", "127.0.0.1:9000", "address of the server's control or monitoring listener")
	cmd.Flags().StringVar(&tunnelKey, "tunnel-key", "", "tunnel_key to present, if the server requires one")
	cmd.Flags().StringVar(&monitorKey, "monitor-key", "", "monitor_key to present, if the server requires one")

	return cmd
}
