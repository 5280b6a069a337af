package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gmailbridge/pkg/vault"
	"gmailbridge/services/bridge/internal/config"
)

var outputFile string

func init() {
	registrationCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default is stdout)")
	sampleConfigCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default is stdout)")
	rootCmd.AddCommand(registrationCmd, sampleConfigCmd)
}

// registrationCmd prints the appservice registration the homeserver loads.
var registrationCmd = &cobra.Command{
	Use:   "registration",
	Short: "Print the appservice registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := config.RegistrationYAML(cfg)
		if err != nil {
			return err
		}
		return emit(out)
	},
}

var sampleConfigCmd = &cobra.Command{
	Use:   "sample-config",
	Short: "Print a config file with defaults and a fresh token key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateKey()
		if err != nil {
			return err
		}
		return emit(config.SampleYAML(key))
	},
}

// emit writes to --output, refusing to overwrite, or to stdout.
func emit(content string) error {
	if outputFile == "" {
		fmt.Print(content)
		return nil
	}
	if _, err := os.Stat(outputFile); !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("file already exists: %s", outputFile)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", outputFile, err)
	}
	fmt.Printf("Output file: %s\n", outputFile)
	return nil
}
