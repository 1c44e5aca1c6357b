package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var cfgPath string
	rootCmd := &cobra.Command{
		Use:           "chatdigest",
		Short:         "Telegram forum digests and exports",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	rootCmd.AddCommand(serveCmd(&cfgPath))
	rootCmd.AddCommand(jobsCmd(&cfgPath))
	rootCmd.AddCommand(renderCmd(&cfgPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "chatdigest", Version)
		},
	}
}
