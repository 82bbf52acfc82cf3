package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dispatch-server",
	Short: "Auto-dispatch and SLA decision engine",
	Long: `dispatch-server assigns pending orders to drivers, watches every in-flight
order against its delivery SLA, reassigns and escalates orders at risk and
batches nearby orders. Without a subcommand it runs the loops and the HTTP
control plane until interrupted.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cfgFile)
	},
}

var tickCmd = &cobra.Command{
	Use:       "tick <loop>",
	Short:     "Run a single tick of one loop and exit",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: loopNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		return tickOnce(cfgFile, args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml); env vars override it")
	rootCmd.AddCommand(tickCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
