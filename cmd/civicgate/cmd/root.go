package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "civicgate",
	Short: "CivicGate is the authentication gateway for the platform API",
	Long: `Session, second-factor and rate-limit enforcement in front of the platform API.
Configuration is read from CIVICGATE_* environment variables and an optional .env file.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
}
