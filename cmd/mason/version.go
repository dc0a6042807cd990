package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tinyrange/mason"
	"github.com/tinyrange/mason/internal/update"
)

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("mason %s\n", mason.Version)

		if !versionCheck {
			return nil
		}

		cfg, err := mason.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if !cfg.UpdateCheckEnabled() {
			return fmt.Errorf("update checks are disabled in config")
		}

		checker := update.NewChecker(mason.Version, cfg.UpdateCacheDir())
		status, err := checker.Check(cmd.Context())
		if err != nil {
			return fmt.Errorf("check for updates: %w", err)
		}

		if status.Available {
			fmt.Printf("new version available: %s (%s)\n", status.LatestVersion, status.ReleaseURL)
		} else {
			fmt.Println("up to date")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "check the release feed for a newer version")
}
