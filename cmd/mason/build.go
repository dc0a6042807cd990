package main

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tinyrange/mason"
)

var (
	buildPlanPath string
	buildTags     []string
	buildArgFlags []string
	buildEnvFile  string
	buildNoCache  bool
	buildPlatform string
)

var buildCmd = &cobra.Command{
	Use:   "build [context]",
	Short: "Build an image from a plan",
	Long: `Build applies the plan's instructions on top of its base image. The
context argument is the directory COPY instructions read from; it defaults
to the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contextDir := "."
		if len(args) > 0 {
			contextDir = args[0]
		}

		planPath, err := resolvePlanPath(buildPlanPath, contextDir)
		if err != nil {
			return err
		}

		buildArgs, err := collectBuildArgs(buildArgFlags, buildEnvFile)
		if err != nil {
			return err
		}

		builder, err := newBuilder()
		if err != nil {
			return err
		}

		built, err := builder.Build(cmd.Context(), mason.BuildRequest{
			PlanPath:   planPath,
			ContextDir: contextDir,
			BuildArgs:  buildArgs,
			Tags:       buildTags,
			NoCache:    buildNoCache,
			Platform:   buildPlatform,
		})
		if err != nil {
			return err
		}

		fmt.Printf("built %s (%d layers)\n", built.CacheKey, len(built.Layers))
		for _, tag := range buildTags {
			fmt.Printf("tagged %s\n", mason.NormalizeRef(tag))
		}
		return nil
	},
}

func init() {
	buildCmd.Flags().StringVarP(&buildPlanPath, "file", "f", "", "plan file (default <context>/Masonfile)")
	buildCmd.Flags().StringArrayVarP(&buildTags, "tag", "t", nil, "name:tag to record for the built image")
	buildCmd.Flags().StringArrayVar(&buildArgFlags, "build-arg", nil, "build argument KEY=VALUE (bare KEY reads the process environment)")
	buildCmd.Flags().StringVar(&buildEnvFile, "env-file", "", "read build arguments from a dotenv file")
	buildCmd.Flags().BoolVar(&buildNoCache, "no-cache", false, "execute every step even when cached layers exist")
	buildCmd.Flags().StringVar(&buildPlatform, "platform", "", "target platform (e.g. linux/arm64)")
}

// resolvePlanPath locates the plan file: an explicit --file wins, otherwise
// Masonfile in the context, falling back to Dockerfile.
func resolvePlanPath(explicit, contextDir string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	planPath := filepath.Join(contextDir, "Masonfile")
	if _, err := os.Stat(planPath); err == nil {
		return planPath, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat %s: %w", planPath, err)
	}

	alt := filepath.Join(contextDir, "Dockerfile")
	if _, err := os.Stat(alt); err == nil {
		return alt, nil
	}

	return "", fmt.Errorf("no plan found in %s (looked for Masonfile and Dockerfile; use --file)", contextDir)
}

// collectBuildArgs merges --env-file entries with --build-arg flags; flags
// win. A bare KEY without a value reads the process environment, matching
// docker's behavior.
func collectBuildArgs(flagArgs []string, envFile string) (map[string]string, error) {
	buildArgs := make(map[string]string)

	if envFile != "" {
		fromFile, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		maps.Copy(buildArgs, fromFile)
	}

	for _, kv := range flagArgs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			value = os.Getenv(key)
		}
		buildArgs[key] = value
	}

	if len(buildArgs) == 0 {
		return nil, nil
	}
	return buildArgs, nil
}
