package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/config"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/util"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/version"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "simba",
		Short: "Simba device gateway",
		Long: `Simba streams the screen, audio and input of attached Android devices to
browser clients and multiplexes device management commands over the same
connection.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose || util.IsVerbose() || config.IsDevelopment())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Info()
				fmt.Printf("simba version %s, build %s\n", info["Version"], info["GitCommit"])
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewDevicesCommand())
}
