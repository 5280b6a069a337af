package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gmailbridge/services/bridge/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Matrix appservice bridging Gmail threads into rooms",
	Long: `bridge relays Gmail threads into Matrix rooms and sends room replies back as mail.
Run without a subcommand to serve the appservice API.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.ConfigPath, "config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
