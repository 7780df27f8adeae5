package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/config"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/adb"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/gateway"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/hub"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/session"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/util"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/version"
)

// NewServeCommand creates the serve command, the gateway's main mode.
func NewServeCommand() *cobra.Command {
	var (
		httpPort int
		wsPort   int
		open     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := util.GetLogger()

			if cmd.Flags().Changed("http-port") {
				config.SetHTTPPort(httpPort)
			}
			if cmd.Flags().Changed("ws-port") {
				config.SetWebSocketPort(wsPort)
			}

			bus := adb.New(config.GetAdbPath(), log)
			if bus.Available() {
				if err := bus.Start(); err != nil {
					log.Warn("adb server start failed, continuing degraded", "error", err)
				}
				defer bus.Close()
			}

			sessions := session.NewManager(bus, log)
			commandHub := hub.New(bus, sessions, log)
			gw := gateway.New(commandHub, sessions, log)

			uiURL := fmt.Sprintf("http://localhost:%d", config.GetHTTPPort())
			fmt.Printf("Simba %s\n", version.Version)
			fmt.Printf("  UI:        %s\n", color.CyanString(uiURL))
			fmt.Printf("  WebSocket: %s\n",
				color.CyanString(fmt.Sprintf("ws://localhost:%d", config.GetWebSocketPort())))
			if !bus.Available() {
				fmt.Printf("  %s\n", color.YellowString("adb not found: device commands will fail until ADB_PATH is set"))
			}

			if open {
				if err := browser.OpenURL(uiURL); err != nil {
					log.Warn("could not open browser", "error", err)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return gw.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&httpPort, "http-port", config.GetHTTPPort(), "Static UI port")
	cmd.Flags().IntVar(&wsPort, "ws-port", config.GetWebSocketPort(), "Client WebSocket port")
	cmd.Flags().BoolVar(&open, "open", false, "Open the UI in the default browser")
	return cmd
}
