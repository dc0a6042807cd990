package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tinyrange/mason"
	"golang.org/x/term"
)

var (
	configPath string
	verbose    bool
	noProgress bool
)

var rootCmd = &cobra.Command{
	Use:   "mason",
	Short: "Build container images from declarative build plans",
	Long: `mason builds container images by applying Dockerfile-syntax build plans
on top of base images pulled from OCI registries. Each instruction's
filesystem changes are captured as a content-addressed layer; rebuilding
an unchanged plan replays from the cache.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mason: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/mason/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable download progress bars")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(rmiCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(versionCmd)
}

// newBuilder loads the configuration and opens the caches.
func newBuilder() (*mason.Builder, error) {
	cfg, err := mason.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return mason.NewBuilder(cfg, mason.BuilderOptions{
		Progress: progressEnabled(),
	})
}

// progressEnabled reports whether download progress bars should render.
// Piped output never gets them.
func progressEnabled() bool {
	return !noProgress && term.IsTerminal(int(os.Stderr.Fd()))
}
