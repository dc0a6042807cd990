package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <ref> <output.tar>",
	Short: "Export an image as a docker-save compatible tarball",
	Long: `Export writes a tagged image as a tarball that docker load accepts.
Passing - as the output writes to stdout.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		builder, err := newBuilder()
		if err != nil {
			return err
		}

		ref, output := args[0], args[1]

		if output == "-" {
			return builder.Export(ref, os.Stdout)
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		defer f.Close()

		if err := builder.Export(ref, f); err != nil {
			os.Remove(output)
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", output, err)
		}

		fmt.Printf("exported %s to %s\n", ref, output)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <tarball>",
	Short: "Import a docker-save tarball into the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		builder, err := newBuilder()
		if err != nil {
			return err
		}

		img, repoTags, err := builder.Import(args[0])
		if err != nil {
			return err
		}

		if len(repoTags) == 0 {
			fmt.Printf("imported %s (%d layers, untagged)\n", args[0], len(img.Layers))
			return nil
		}
		fmt.Printf("imported %s (%d layers) as %s\n", args[0], len(img.Layers), strings.Join(repoTags, ", "))
		return nil
	},
}
