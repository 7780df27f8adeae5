package cmd

import (
	"context"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/config"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/adb"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/util"
)

// NewDevicesCommand creates the one-shot device listing command.
func NewDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached Android devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus := adb.New(config.GetAdbPath(), util.GetLogger())
			if !bus.Available() {
				return errors.New("adb binary not found; install platform-tools or set ADB_PATH")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			devices, err := bus.List(ctx)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(devices))
			for _, dev := range devices {
				rows = append(rows, []string{dev.ID, colorState(dev.State), dev.Model})
			}
			util.RenderTable(cmd.OutOrStdout(),
				[]string{"DEVICE ID", "STATE", "MODEL"}, rows)
			return nil
		},
	}
}

func colorState(state adb.DeviceState) string {
	switch state {
	case adb.StateOnline:
		return color.GreenString(string(state))
	case adb.StateUnauthorized:
		return color.YellowString(string(state))
	default:
		return color.New(color.Faint).Sprint(string(state))
	}
}
